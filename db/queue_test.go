package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestItems(t *testing.T, db *DB, identityId uuid.UUID, partition string, n int, due time.Time) []*domain.QueueItem {
	t.Helper()
	items := make([]*domain.QueueItem, n)
	for i := range items {
		items[i] = &domain.QueueItem{
			PartitionKey:   partition,
			IdentityId:     identityId,
			ActivityJSON:   `{"type":"Create"}`,
			TargetActorURL: fmt.Sprintf("https://remote.example/users/u%d", i),
			NextAttemptAt:  due,
			CreatedAt:      due,
		}
	}
	require.NoError(t, db.EnqueueItems(context.Background(), items))
	return items
}

func TestClaimDueItemsMarksProcessing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	id := uuid.New()

	enqueueTestItems(t, db, id, "p00", 3, now.Add(-time.Minute))
	enqueueTestItems(t, db, id, "p00", 2, now.Add(time.Hour))

	claimed, err := db.ClaimDueItems(ctx, now, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, item := range claimed {
		assert.Equal(t, domain.DeliveryProcessing, item.Status)
		assert.Equal(t, 1, item.Attempts)
		require.NotNil(t, item.LastAttemptedAt)
	}

	again, err := db.ClaimDueItems(ctx, now, "", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueItemsRespectsPartitionAndLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	id := uuid.New()

	enqueueTestItems(t, db, id, "p00", 4, now.Add(-time.Minute))
	enqueueTestItems(t, db, id, "p01", 4, now.Add(-time.Minute))

	claimed, err := db.ClaimDueItems(ctx, now, "p01", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, item := range claimed {
		assert.Equal(t, "p01", item.PartitionKey)
	}

	rest, err := db.ClaimDueItems(ctx, now, "", 100)
	require.NoError(t, err)
	assert.Len(t, rest, 5)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	enqueueTestItems(t, db, uuid.New(), "p00", 60, now.Add(-time.Minute))

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := db.ClaimDueItems(context.Background(), now, "p00", 7)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, item := range claimed {
					seen[item.Id]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 60)
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s claimed more than once", id)
	}
}

func TestRescheduleAndProcessItem(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	items := enqueueTestItems(t, db, uuid.New(), "p00", 1, now.Add(-time.Minute))

	claimed, err := db.ClaimDueItems(ctx, now, "", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(30 * time.Second)
	require.NoError(t, db.RescheduleItem(ctx, items[0].Id, next))

	stored, err := db.ReadQueueItem(ctx, items[0].Id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, next.UnixMilli(), stored.NextAttemptAt.UnixMilli())

	// not due yet
	claimed, err = db.ClaimDueItems(ctx, now, "", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = db.ClaimDueItems(ctx, next, "", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	require.NoError(t, db.MarkItemProcessed(ctx, items[0].Id))
	assert.ErrorIs(t, db.MarkItemProcessed(ctx, items[0].Id), ErrNotFound)
	assert.ErrorIs(t, db.RescheduleItem(ctx, items[0].Id, next), ErrNotFound)

	stored, err = db.ReadQueueItem(ctx, items[0].Id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryProcessed, stored.Status)
}

func TestRequeueStaleItems(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	claimedAt := time.Now().Add(-time.Hour)
	enqueueTestItems(t, db, uuid.New(), "p00", 2, claimedAt.Add(-time.Minute))

	claimed, err := db.ClaimDueItems(ctx, claimedAt, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := db.RequeueStaleItems(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	reclaimed, err := db.ClaimDueItems(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func TestFollowerBatchLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	batch := &domain.FollowerBatch{
		IdentityId:    uuid.New(),
		PartitionKey:  "p02",
		Followers:     []string{"https://a.example/users/1", "https://b.example/users/2"},
		ActivityJSON:  `{"type":"Create"}`,
		NextAttemptAt: now.Add(-time.Second),
		CreatedAt:     now,
	}
	require.NoError(t, db.CreateBatches(ctx, []*domain.FollowerBatch{batch}))
	assert.NotEqual(t, uuid.Nil, batch.Id)

	claimed, err := db.ClaimDueBatches(ctx, now, "p01", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = db.ClaimDueBatches(ctx, now, "p02", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, batch.Followers, claimed[0].Followers)
	assert.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, db.RescheduleBatch(ctx, batch.Id, now))
	claimed, err = db.ClaimDueBatches(ctx, now, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	items, batches, err := db.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, items)
	assert.Equal(t, int64(1), batches)

	require.NoError(t, db.MarkBatchProcessed(ctx, batch.Id))
	stored, err := db.ReadBatch(ctx, batch.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryProcessed, stored.Status)

	_, batches, err = db.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, batches)

	purged, err := db.PurgeProcessed(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = db.ReadBatch(ctx, batch.Id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueStaleBatches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	claimedAt := time.Now().Add(-time.Hour)
	require.NoError(t, db.CreateBatches(ctx, []*domain.FollowerBatch{{
		IdentityId:    uuid.New(),
		PartitionKey:  "p00",
		Followers:     []string{"https://a.example/users/1"},
		ActivityJSON:  `{}`,
		NextAttemptAt: claimedAt,
		CreatedAt:     claimedAt,
	}}))

	claimed, err := db.ClaimDueBatches(ctx, claimedAt, "", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := db.RequeueStaleBatches(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.RequeueStaleBatches(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTouchRenewsClaims(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	claimedAt := time.Now().Add(-time.Hour)
	items := enqueueTestItems(t, db, uuid.New(), "p00", 2, claimedAt.Add(-time.Minute))
	require.NoError(t, db.CreateBatches(ctx, []*domain.FollowerBatch{{
		IdentityId:    uuid.New(),
		PartitionKey:  "p00",
		Followers:     []string{"https://a.example/users/1"},
		ActivityJSON:  `{}`,
		NextAttemptAt: claimedAt,
		CreatedAt:     claimedAt,
	}}))

	claimed, err := db.ClaimDueItems(ctx, claimedAt, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	batches, err := db.ClaimDueBatches(ctx, claimedAt, "", 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// a settled item keeps its state
	require.NoError(t, db.MarkItemProcessed(ctx, items[1].Id))

	n, err := db.TouchItems(ctx, []uuid.UUID{items[0].Id, items[1].Id}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = db.TouchBatches(ctx, []uuid.UUID{batches[0].Id}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	staleBefore := time.Now().Add(-10 * time.Minute)
	n, err = db.RequeueStaleItems(ctx, staleBefore)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = db.RequeueStaleBatches(ctx, staleBefore)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := db.ReadQueueItem(ctx, items[1].Id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryProcessed, stored.Status)

	n, err = db.TouchItems(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
