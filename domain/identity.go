package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type IdentityStatus string

const (
	IdentityActive   IdentityStatus = "active"
	IdentityDisabled IdentityStatus = "disabled"
	IdentityMoved    IdentityStatus = "moved"
)

// LocalIdentity is the federated side of a local account. Keys stay empty
// until the first signing need and are never replaced once written.
type LocalIdentity struct {
	Id            uuid.UUID
	Handle        string
	ActorURL      string
	InboxURL      string
	OutboxURL     string
	FollowersURL  string
	PrivateKeyPem string
	PublicKeyPem  string
	FollowerCount int
	Status        IdentityStatus
	MovedTo       string
	TokenHash     string
	CreatedAt     time.Time
}

func (i *LocalIdentity) KeyID() string {
	return i.ActorURL + "#main-key"
}

func (i *LocalIdentity) HasKeys() bool {
	return i.PrivateKeyPem != "" && i.PublicKeyPem != ""
}

// Reachable reports whether the identity accepts inbound traffic.
// Moved identities still receive so that followers can be migrated.
func (i *LocalIdentity) Reachable() bool {
	return i.Status == IdentityActive || i.Status == IdentityMoved
}

func (i *LocalIdentity) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tHandle: %s \n\tActor: %s \n\tStatus: %s \n\tFollowers: %d \n\tCREATED_AT: %s",
		i.Id, i.Handle, i.ActorURL, i.Status, i.FollowerCount, i.CreatedAt)
}
