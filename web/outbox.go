package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const outboxPageSize = 20

// postOutbox accepts a candidate activity from the identity owner. Routing
// to recipients happens after the response.
func (s *Server) postOutbox(c *gin.Context) {
	identity := ownerIdentity(c)
	body, ok := readBody(c)
	if !ok {
		return
	}

	result, err := s.publisher.Publish(c.Request.Context(), identity, body)
	switch {
	case errors.Is(err, activitypub.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, activitypub.ErrIdentityDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("publish failed", zap.String("identity", identity.Handle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Header("Location", result.ActivityID)
	c.JSON(http.StatusAccepted, result)
}

// getOutbox returns an OrderedCollection of the identity's public posts.
// Without a page parameter only the collection metadata is returned.
func (s *Server) getOutbox(c *gin.Context) {
	identity, ok := s.publicIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	page := 0
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return
		}
		page = n
	}

	if page == 0 {
		total, err := s.db.CountPublicCreates(ctx, identity.Id)
		if err != nil {
			s.internalError(c, "failed to count outbox", err)
			return
		}
		c.Render(http.StatusOK, activityJSON{map[string]interface{}{
			"@context":   domain.ActivityStreamsContext,
			"id":         identity.OutboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", identity.OutboxURL),
		}})
		return
	}

	// one extra row tells whether a next page exists
	records, err := s.db.ReadPublicCreates(ctx, identity.Id, outboxPageSize+1, (page-1)*outboxPageSize)
	if err != nil {
		s.internalError(c, "failed to read outbox", err)
		return
	}
	hasMore := len(records) > outboxPageSize
	if hasMore {
		records = records[:outboxPageSize]
	}

	items := make([]interface{}, 0, len(records))
	for _, rec := range records {
		items = append(items, rawJSON(rec.RawJSON))
	}
	collectionPage := map[string]interface{}{
		"@context":     domain.ActivityStreamsContext,
		"id":           fmt.Sprintf("%s?page=%d", identity.OutboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       identity.OutboxURL,
		"orderedItems": items,
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", identity.OutboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", identity.OutboxURL, page-1)
	}
	c.Render(http.StatusOK, activityJSON{collectionPage})
}

// publicIdentity loads the identity named in the path for a public document,
// answering 404 for unknown and disabled identities.
func (s *Server) publicIdentity(c *gin.Context) (*domain.LocalIdentity, bool) {
	identity, err := s.db.ReadIdentityByHandle(c.Request.Context(), c.Param(identityKey))
	if errors.Is(err, db.ErrNotFound) || (err == nil && !identity.Reachable()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return nil, false
	}
	if err != nil {
		s.internalError(c, "failed to read identity", err)
		return nil, false
	}
	return identity, true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// rawJSON embeds a stored document as-is.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}
