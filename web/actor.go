package web

import (
	"encoding/json"
	"net/http"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/gin-gonic/gin"
)

type publicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpointsDoc struct {
	SharedInbox string `json:"sharedInbox"`
}

type identityDoc struct {
	Context                   []string     `json:"@context"`
	ID                        string       `json:"id"`
	Type                      string       `json:"type"`
	PreferredUsername         string       `json:"preferredUsername"`
	Inbox                     string       `json:"inbox"`
	Outbox                    string       `json:"outbox"`
	Followers                 string       `json:"followers"`
	URL                       string       `json:"url"`
	ManuallyApprovesFollowers bool         `json:"manuallyApprovesFollowers"`
	Endpoints                 endpointsDoc `json:"endpoints"`
	PublicKey                 publicKeyDoc `json:"publicKey"`
	MovedTo                   string       `json:"movedTo,omitempty"`
}

// activityJSON renders data with the ActivityPub content type.
type activityJSON struct {
	data any
}

func (r activityJSON) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return json.NewEncoder(w).Encode(r.data)
}

func (r activityJSON) WriteContentType(w http.ResponseWriter) {
	w.Header()["Content-Type"] = []string{activityContentType}
}

func newIdentityDoc(identity *domain.LocalIdentity, baseURL string) identityDoc {
	return identityDoc{
		Context:           []string{domain.ActivityStreamsContext, domain.SecurityContext},
		ID:                identity.ActorURL,
		Type:              "Person",
		PreferredUsername: identity.Handle,
		Inbox:             identity.InboxURL,
		Outbox:            identity.OutboxURL,
		Followers:         identity.FollowersURL,
		URL:               identity.ActorURL,
		Endpoints:         endpointsDoc{SharedInbox: activitypub.SharedInboxURL(baseURL)},
		PublicKey: publicKeyDoc{
			ID:           identity.KeyID(),
			Owner:        identity.ActorURL,
			PublicKeyPem: identity.PublicKeyPem,
		},
		MovedTo: identity.MovedTo,
	}
}

// getIdentity serves the identity document. Keys are created on the first
// request so remote servers can verify what the identity signs.
func (s *Server) getIdentity(c *gin.Context) {
	identity, ok := s.publicIdentity(c)
	if !ok {
		return
	}
	identity, err := s.keys.EnsureKeys(c.Request.Context(), identity)
	if err != nil {
		s.internalError(c, "failed to ensure keys", err)
		return
	}
	c.Render(http.StatusOK, activityJSON{newIdentityDoc(identity, s.conf.BaseURL())})
}

// getFollowers publishes the follower count only; the member list stays
// private.
func (s *Server) getFollowers(c *gin.Context) {
	identity, ok := s.publicIdentity(c)
	if !ok {
		return
	}
	c.Render(http.StatusOK, activityJSON{map[string]interface{}{
		"@context":   domain.ActivityStreamsContext,
		"id":         identity.FollowersURL,
		"type":       "OrderedCollection",
		"totalItems": identity.FollowerCount,
	}})
}
