package activitypub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
)

var ErrInvalidHandle = errors.New("invalid handle")

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

// tokenBytes is the entropy of an owner bearer token.
const tokenBytes = 32

// ActorURL is the identity document location of handle.
func ActorURL(baseURL, handle string) string {
	return fmt.Sprintf("%s/users/%s", baseURL, handle)
}

// SharedInboxURL is the instance-wide inbox advertised in identity documents.
func SharedInboxURL(baseURL string) string {
	return baseURL + "/inbox"
}

// NewIdentity builds an unsaved identity with its endpoint URLs. Keys are
// left empty for the KeyManager.
func NewIdentity(conf *util.AppConfig, handle string) (*domain.LocalIdentity, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if !handlePattern.MatchString(handle) {
		return nil, fmt.Errorf("%w: %q (use 1-30 of a-z, 0-9, _)", ErrInvalidHandle, handle)
	}
	base := conf.BaseURL()
	actor := ActorURL(base, handle)
	return &domain.LocalIdentity{
		Id:           uuid.New(),
		Handle:       handle,
		ActorURL:     actor,
		InboxURL:     fmt.Sprintf("%s/inbox/%s", base, handle),
		OutboxURL:    fmt.Sprintf("%s/outbox/%s", base, handle),
		FollowersURL: actor + "/followers",
		Status:       domain.IdentityActive,
		CreatedAt:    time.Now(),
	}, nil
}

// CreateIdentity stores a new identity and returns it with its bearer token.
// Only the token hash is kept, so the token cannot be shown again.
func CreateIdentity(ctx context.Context, database *db.DB, conf *util.AppConfig, handle string) (*domain.LocalIdentity, string, error) {
	identity, err := NewIdentity(conf, handle)
	if err != nil {
		return nil, "", err
	}
	if _, err := database.ReadIdentityByHandle(ctx, identity.Handle); err == nil {
		return nil, "", fmt.Errorf("%w: %s already exists", ErrInvalidHandle, identity.Handle)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, "", err
	}

	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return nil, "", err
	}
	identity.TokenHash = util.TokenToHash(token)
	if err := database.CreateIdentity(ctx, identity); err != nil {
		return nil, "", fmt.Errorf("failed to create identity %s: %w", identity.Handle, err)
	}
	return identity, token, nil
}

// ResetToken replaces the bearer token of identity.
func ResetToken(ctx context.Context, database *db.DB, identity *domain.LocalIdentity) (string, error) {
	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := database.UpdateIdentityToken(ctx, identity.Id, util.TokenToHash(token)); err != nil {
		return "", err
	}
	return token, nil
}

// SeedBlocklist stores the configured domain entries. Hosts are lower-cased;
// entries already present are overwritten with the configured status.
func SeedBlocklist(ctx context.Context, database *db.DB, entries map[string]string) error {
	for host, status := range entries {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		if err := database.SetDomainStatus(ctx, host, domain.DomainStatus(status)); err != nil {
			return fmt.Errorf("failed to seed blocklist entry %s: %w", host, err)
		}
	}
	return nil
}
