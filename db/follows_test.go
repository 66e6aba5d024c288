package db

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddInboundFollowIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	identity := createTestIdentity(t, db, "alice")

	follow := func() *domain.InboundFollow {
		return &domain.InboundFollow{
			IdentityId:       identity.Id,
			FollowerActorURL: "https://remote.example/users/bob",
			FollowURI:        "https://remote.example/follows/1",
			CreatedAt:        time.Now(),
		}
	}

	created, err := db.AddInboundFollow(ctx, follow())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.AddInboundFollow(ctx, follow())
	require.NoError(t, err)
	assert.False(t, created)

	n, err := db.CountInboundFollows(ctx, identity.Id, "https://remote.example/users/bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := db.ReadIdentityById(ctx, identity.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FollowerCount)
}

func TestRemoveInboundFollowNeverUnderflows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	identity := createTestIdentity(t, db, "alice")

	removed, err := db.RemoveInboundFollow(ctx, identity.Id, "https://remote.example/users/ghost")
	require.NoError(t, err)
	assert.False(t, removed)

	stored, err := db.ReadIdentityById(ctx, identity.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FollowerCount)

	_, err = db.AddInboundFollow(ctx, &domain.InboundFollow{
		IdentityId:       identity.Id,
		FollowerActorURL: "https://remote.example/users/bob",
		CreatedAt:        time.Now(),
	})
	require.NoError(t, err)

	removed, err = db.RemoveInboundFollow(ctx, identity.Id, "https://remote.example/users/bob")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = db.RemoveInboundFollow(ctx, identity.Id, "https://remote.example/users/bob")
	require.NoError(t, err)
	assert.False(t, removed)

	stored, err = db.ReadIdentityById(ctx, identity.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FollowerCount)
}

func TestReadFollowerURLs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	identity := createTestIdentity(t, db, "alice")
	base := time.Now()

	for i, u := range []string{"https://a.example/users/1", "https://b.example/users/2"} {
		_, err := db.AddInboundFollow(ctx, &domain.InboundFollow{
			IdentityId:       identity.Id,
			FollowerActorURL: u,
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := db.AddInboundFollow(ctx, &domain.InboundFollow{
		IdentityId:       identity.Id,
		FollowerActorURL: "https://c.example/users/3",
		Status:           domain.FollowPending,
		CreatedAt:        base,
	})
	require.NoError(t, err)

	urls, err := db.ReadFollowerURLs(ctx, identity.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/users/1", "https://b.example/users/2"}, urls)
}

func TestOutgoingFollowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	identity := createTestIdentity(t, db, "alice")
	remote := "https://remote.example/users/bob"

	require.NoError(t, db.UpsertOutgoingFollow(ctx, &domain.OutgoingFollow{
		IdentityId:     identity.Id,
		RemoteActorURL: remote,
		FollowURI:      "https://example.com/activities/1",
		CreatedAt:      time.Now(),
	}))
	require.NoError(t, db.UpsertOutgoingFollow(ctx, &domain.OutgoingFollow{
		IdentityId:     identity.Id,
		RemoteActorURL: remote,
		FollowURI:      "https://example.com/activities/2",
		CreatedAt:      time.Now(),
	}))

	follows, err := db.ReadOutgoingFollows(ctx, identity.Id)
	require.NoError(t, err)
	require.Len(t, follows, 1)
	assert.Equal(t, "https://example.com/activities/2", follows[0].FollowURI)
	assert.Equal(t, domain.FollowPending, follows[0].Status)

	matched, err := db.SetOutgoingFollowStatusByURI(ctx, identity.Id, remote, "https://example.com/activities/1", domain.FollowAccepted)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = db.SetOutgoingFollowStatusByURI(ctx, identity.Id, "https://other.example/users/eve", "https://example.com/activities/2", domain.FollowAccepted)
	require.NoError(t, err)
	assert.False(t, matched, "only the followed actor can answer")

	matched, err = db.SetOutgoingFollowStatusByURI(ctx, uuid.New(), remote, "https://example.com/activities/2", domain.FollowAccepted)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = db.SetOutgoingFollowStatusByURI(ctx, identity.Id, remote, "https://example.com/activities/2", domain.FollowAccepted)
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = db.SetOutgoingFollowStatusByActor(ctx, identity.Id, remote, domain.FollowFailed)
	require.NoError(t, err)
	assert.True(t, matched)

	stored, err := db.ReadOutgoingFollow(ctx, identity.Id, remote)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowFailed, stored.Status)

	deleted, err := db.DeleteOutgoingFollow(ctx, identity.Id, remote)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/activities/2", deleted.FollowURI)

	_, err = db.DeleteOutgoingFollow(ctx, identity.Id, remote)
	assert.ErrorIs(t, err, ErrNotFound)
}
