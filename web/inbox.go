package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultItemsLimit = 50
	maxItemsLimit     = 200
)

func (s *Server) postInbox(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	result, err := s.inbox.Receive(c.Request.Context(), c.Param(identityKey), c.Request, body)
	if err != nil {
		s.inboundError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ActivityID, "duplicate": result.Duplicate})
}

func (s *Server) postSharedInbox(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	results, err := s.inbox.ReceiveShared(c.Request.Context(), c.Request, body)
	if err != nil {
		s.inboundError(c, err)
		return
	}
	if len(results) == 0 {
		// nobody here wants it, accepted anyway so the sender does not retry
		c.JSON(http.StatusAccepted, gin.H{"delivered": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": results[0].ActivityID, "delivered": len(results)})
}

// inboundError maps an inbox failure to its status code.
func (s *Server) inboundError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, activitypub.ErrIdentityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedActivity):
		status = http.StatusBadRequest
	case errors.Is(err, activitypub.ErrSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrSenderBlocked):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("inbox processing failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// getInboxItems lets the owner poll stored inbox items after a sequence number.
func (s *Server) getInboxItems(c *gin.Context) {
	identity := ownerIdentity(c)

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultItemsLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxItemsLimit)

	items, err := s.db.ReadInboxItemsAfter(c.Request.Context(), identity.Id, after, limit)
	if err != nil {
		s.logger.Error("failed to read inbox items", zap.String("identity", identity.Handle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]inboxItemView, 0, len(items))
	next := after
	for _, item := range items {
		out = append(out, newInboxItemView(item))
		next = max(next, item.Seq)
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "next": next})
}

type inboxItemView struct {
	Seq          int64  `json:"seq"`
	Sender       string `json:"sender"`
	ActivityID   string `json:"activityId"`
	ActivityType string `json:"activityType"`
	ObjectType   string `json:"objectType,omitempty"`
	ObjectID     string `json:"objectId,omitempty"`
	Recognized   bool   `json:"recognized"`
	ReceivedAt   string `json:"receivedAt"`
	Activity     any    `json:"activity"`
}

func newInboxItemView(item domain.InboxItem) inboxItemView {
	return inboxItemView{
		Seq:          item.Seq,
		Sender:       item.SenderActorURL,
		ActivityID:   item.ActivityURI,
		ActivityType: item.ActivityType,
		ObjectType:   item.ObjectType,
		ObjectID:     item.ObjectURI,
		Recognized:   item.Recognized,
		ReceivedAt:   item.CreatedAt.UTC().Format(time.RFC3339),
		Activity:     rawJSON(item.RawJSON),
	}
}

// readBody reads the request body, answering 413 or 400 itself on failure.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		}
		return nil, false
	}
	return body, true
}
