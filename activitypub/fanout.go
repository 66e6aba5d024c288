package activitypub

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PartitionKey maps a routing value onto one of n partitions ("p00".."pNN").
func PartitionKey(value string, n int) string {
	if n < 1 {
		n = 1
	}
	h := fnv.New32a()
	h.Write([]byte(value))
	return PartitionName(int(h.Sum32() % uint32(n)))
}

// PartitionName is the key of partition i.
func PartitionName(i int) string {
	return fmt.Sprintf("p%02d", i)
}

// FanoutPlanner splits the follower set of an identity into fixed-size
// batches, one FollowerBatch row each, so queue size grows with
// followers/batchSize instead of with followers.
type FanoutPlanner struct {
	db         *db.DB
	batchSize  int
	partitions int
	logger     *zap.Logger
	now        func() time.Time
}

func NewFanoutPlanner(database *db.DB, batchSize, partitions int, logger *zap.Logger) *FanoutPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanoutPlanner{
		db:         database,
		batchSize:  batchSize,
		partitions: partitions,
		logger:     logger.Named("fanout"),
		now:        time.Now,
	}
}

// PlanBatches persists the batches for one activity and returns how many
// were created. An identity without followers yields zero batches.
func (p *FanoutPlanner) PlanBatches(ctx context.Context, identity *domain.LocalIdentity, activityJSON string) (int, error) {
	followers, err := p.db.ReadFollowerURLs(ctx, identity.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to read followers of %s: %w", identity.Handle, err)
	}
	batches := SplitBatches(followers, p.batchSize)
	if len(batches) == 0 {
		return 0, nil
	}

	now := p.now()
	rows := make([]*domain.FollowerBatch, len(batches))
	for i, members := range batches {
		id := uuid.New()
		rows[i] = &domain.FollowerBatch{
			Id:            id,
			IdentityId:    identity.Id,
			PartitionKey:  PartitionKey(id.String(), p.partitions),
			Followers:     members,
			ActivityJSON:  activityJSON,
			Status:        domain.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
	}
	if err := p.db.CreateBatches(ctx, rows); err != nil {
		return 0, fmt.Errorf("failed to store batches: %w", err)
	}

	p.logger.Info("planned fan-out",
		zap.String("identity", identity.Handle),
		zap.Int("followers", len(followers)),
		zap.Int("batches", len(rows)))
	return len(rows), nil
}

// SplitBatches cuts followers into consecutive slices of at most size.
func SplitBatches(followers []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(followers); start += size {
		end := min(start+size, len(followers))
		out = append(out, followers[start:end])
	}
	return out
}
