package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerDoc struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

func webfingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// getWebfinger resolves acct:handle@domain to the identity document.
func (s *Server) getWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		webfingerNotFound(c)
		return
	}
	handle, host, found := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
	if !found || !strings.EqualFold(host, s.conf.Conf.Domain) {
		webfingerNotFound(c)
		return
	}

	identity, err := s.db.ReadIdentityByHandle(c.Request.Context(), strings.ToLower(handle))
	if err != nil || !identity.Reachable() {
		webfingerNotFound(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, webfingerDoc{
		Subject: "acct:" + identity.Handle + "@" + s.conf.Conf.Domain,
		Aliases: []string{identity.ActorURL},
		Links: []webfingerLink{{
			Rel:  "self",
			Type: "application/activity+json",
			Href: identity.ActorURL,
		}},
	})
}
