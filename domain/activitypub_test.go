package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemoteActorFreshByTTL(t *testing.T) {
	now := time.Now()
	actor := &RemoteActor{ActorURL: "https://remote.example/users/alice", FetchedAt: now.Add(-2 * time.Hour)}

	assert.True(t, actor.Fresh(now, 24*time.Hour))
	assert.False(t, actor.Fresh(now, time.Hour))
}

func TestRemoteActorFreshByExplicitExpiry(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	actor := &RemoteActor{FetchedAt: now, ExpiresAt: &expired}

	// An explicit expiry wins over the TTL.
	assert.False(t, actor.Fresh(now, 24*time.Hour))

	later := now.Add(time.Minute)
	actor.ExpiresAt = &later
	assert.True(t, actor.Fresh(now, 0))
}

func TestLocalIdentityReachable(t *testing.T) {
	tests := []struct {
		status IdentityStatus
		want   bool
	}{
		{IdentityActive, true},
		{IdentityMoved, true},
		{IdentityDisabled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			identity := &LocalIdentity{Status: tt.status}
			assert.Equal(t, tt.want, identity.Reachable())
		})
	}
}

func TestLocalIdentityKeyID(t *testing.T) {
	identity := &LocalIdentity{ActorURL: "https://courier.example/users/alice"}
	assert.Equal(t, "https://courier.example/users/alice#main-key", identity.KeyID())
	assert.False(t, identity.HasKeys())

	identity.PrivateKeyPem = "priv"
	identity.PublicKeyPem = "pub"
	assert.True(t, identity.HasKeys())
}

func TestLocalIdentityToString(t *testing.T) {
	identity := &LocalIdentity{Handle: "alice", ActorURL: "https://courier.example/users/alice", Status: IdentityActive}
	assert.Contains(t, identity.ToString(), "alice")
	assert.Contains(t, identity.ToString(), "active")
}
