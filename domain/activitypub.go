package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteActor is a cached identity document of a remote actor
type RemoteActor struct {
	ActorURL       string
	Username       string
	Domain         string
	InboxURL       string
	SharedInboxURL string
	OutboxURL      string
	PublicKeyId    string
	PublicKeyPem   string
	DisplayName    string
	RawJSON        string
	FetchedAt      time.Time
	ExpiresAt      *time.Time
}

// Fresh reports whether the entry can be served without a refresh.
func (a *RemoteActor) Fresh(now time.Time, ttl time.Duration) bool {
	if a.ExpiresAt != nil {
		return now.Before(*a.ExpiresAt)
	}
	return now.Sub(a.FetchedAt) < ttl
}

type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowFailed   FollowStatus = "failed"
)

// InboundFollow is a remote actor following a local identity
type InboundFollow struct {
	Id               uuid.UUID
	IdentityId       uuid.UUID
	FollowerActorURL string
	FollowURI        string
	Status           FollowStatus
	CreatedAt        time.Time
}

// OutgoingFollow is a local identity following a remote actor
type OutgoingFollow struct {
	Id             uuid.UUID
	IdentityId     uuid.UUID
	RemoteActorURL string
	FollowURI      string
	Status         FollowStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActivityRecord is the persisted copy of an activity, local or received.
type ActivityRecord struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	IdentityId   uuid.UUID
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryProcessed  DeliveryStatus = "processed"
)

// QueueItem is a pending delivery of one activity to one recipient
type QueueItem struct {
	Id              uuid.UUID
	PartitionKey    string
	IdentityId      uuid.UUID
	ActivityJSON    string
	TargetActorURL  string
	TargetInboxURL  string // optional, resolved from TargetActorURL when empty
	Status          DeliveryStatus
	Attempts        int
	LastAttemptedAt *time.Time
	NextAttemptAt   time.Time
	CreatedAt       time.Time
}

// FollowerBatch is a slice of a follower set that receives one activity
type FollowerBatch struct {
	Id              uuid.UUID
	IdentityId      uuid.UUID
	PartitionKey    string
	Followers       []string
	ActivityJSON    string
	Status          DeliveryStatus
	Attempts        int
	LastAttemptedAt *time.Time
	NextAttemptAt   time.Time
	CreatedAt       time.Time
}

type DomainStatus string

const (
	DomainBlocked DomainStatus = "blocked"
	DomainAllowed DomainStatus = "allowed"
)

type BlockedDomain struct {
	Host      string
	Status    DomainStatus
	CreatedAt time.Time
}

// RequestMetric is the outcome of one outbound HTTP call
type RequestMetric struct {
	Id         uuid.UUID
	RemoteHost string
	Endpoint   string
	Success    bool
	Latency    time.Duration
	StatusCode int
	Error      string
	CreatedAt  time.Time
}

// InboxItem is a received activity stored for the UI-facing services.
// Seq is assigned by the store and increases monotonically.
type InboxItem struct {
	Seq            int64
	Id             uuid.UUID
	IdentityId     uuid.UUID
	SenderActorURL string
	ActivityURI    string
	ActivityType   string
	ObjectType     string
	ObjectURI      string
	RawJSON        string
	Recognized     bool
	CreatedAt      time.Time
}
