package activitypub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addFollowers(t *testing.T, identity *domain.LocalIdentity, planner *FanoutPlanner, urls []string) {
	t.Helper()
	for _, u := range urls {
		_, err := planner.db.AddInboundFollow(context.Background(), &domain.InboundFollow{
			IdentityId:       identity.Id,
			FollowerActorURL: u,
			CreatedAt:        time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 100, nil},
		{1, 100, []int{1}},
		{100, 100, []int{100}},
		{150, 100, []int{100, 50}},
		{250, 100, []int{100, 100, 50}},
		{3, 0, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		followers := make([]string, tt.n)
		for i := range followers {
			followers[i] = fmt.Sprintf("f%d", i)
		}
		var sizes []int
		for _, b := range SplitBatches(followers, tt.size) {
			sizes = append(sizes, len(b))
		}
		assert.Equal(t, tt.want, sizes, "n=%d size=%d", tt.n, tt.size)
	}
}

func TestPlanBatches(t *testing.T) {
	database := setupTestDB(t)
	planner := NewFanoutPlanner(database, 100, 4, nil)
	identity := createIdentity(t, database, "alice")
	ctx := context.Background()

	var urls []string
	for i := 0; i < 150; i++ {
		urls = append(urls, fmt.Sprintf("https://remote.example/users/f%03d", i))
	}
	addFollowers(t, identity, planner, urls)

	n, err := planner.PlanBatches(ctx, identity, `{"type":"Create"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batches, err := database.ClaimDueBatches(ctx, time.Now().Add(time.Second), "", 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	var members []string
	for _, b := range batches {
		assert.Equal(t, identity.Id, b.IdentityId)
		assert.Equal(t, `{"type":"Create"}`, b.ActivityJSON)
		assert.Regexp(t, `^p0[0-3]$`, b.PartitionKey)
		members = append(members, b.Followers...)
	}
	assert.ElementsMatch(t, urls, members)
}

func TestPlanBatchesWithoutFollowers(t *testing.T) {
	database := setupTestDB(t)
	planner := NewFanoutPlanner(database, 100, 4, nil)
	identity := createIdentity(t, database, "alice")

	n, err := planner.PlanBatches(context.Background(), identity, `{}`)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "p00", PartitionKey("anything", 1))
	assert.Equal(t, "p00", PartitionKey("anything", 0))
	assert.Equal(t, PartitionKey("same", 8), PartitionKey("same", 8))

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[PartitionKey(fmt.Sprintf("value-%d", i), 4)] = true
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, "p07", PartitionName(7))
}
