package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PassResult summarizes one worker pass.
type PassResult struct {
	Requeued           int64
	Items              int
	Batches            int
	ProcessedItems     int
	RescheduledItems   int
	ProcessedBatches   int
	RescheduledBatches int
	DeliveryAttempts   int
	DeliveryFailures   int
}

// Worker drains the delivery queue: single-recipient items and follower
// batches share one claim step, one backoff policy and one state machine.
type Worker struct {
	db      *db.DB
	dir     *ActorDirectory
	keys    *KeyManager
	codec   *SignatureCodec
	health  *HealthMonitor
	backoff Backoff
	client  *http.Client
	conf    util.DeliveryConfig
	agent   string
	logger  *zap.Logger
	now     func() time.Time
}

func NewWorker(database *db.DB, dir *ActorDirectory, keys *KeyManager, health *HealthMonitor, conf *util.AppConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if health == nil {
		health = NewHealthMonitor(database, conf.Health, nil, logger)
	}
	return &Worker{
		db:      database,
		dir:     dir,
		keys:    keys,
		codec:   NewSignatureCodec(),
		health:  health,
		backoff: Backoff{Base: conf.Delivery.RetryBaseDelay, Cap: conf.Delivery.RetryMaxDelay},
		client:  &http.Client{Timeout: conf.Delivery.RequestTimeout},
		conf:    conf.Delivery,
		agent:   util.UserAgent(conf.Conf.Domain),
		logger:  logger.Named("delivery"),
		now:     time.Now,
	}
}

// Run executes a pass over every partition each poll interval until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting delivery worker",
		zap.Duration("interval", w.conf.PollInterval),
		zap.Int("partitions", w.conf.Partitions))

	ticker := time.NewTicker(w.conf.PollInterval)
	defer ticker.Stop()

	for {
		w.runAllPartitions(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) runAllPartitions(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < max(w.conf.Partitions, 1); i++ {
		wg.Add(1)
		go func(partition string) {
			defer wg.Done()
			if _, err := w.RunPass(ctx, partition); err != nil && ctx.Err() == nil {
				w.logger.Error("delivery pass failed", zap.String("partition", partition), zap.Error(err))
			}
		}(PartitionName(i))
	}
	wg.Wait()

	if err := w.health.Prune(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("failed to prune history", zap.Error(err))
	}
}

// RunPass claims due work of one partition ("" for all) and processes it.
// Items stuck in processing longer than the claim timeout are returned to
// pending first.
func (w *Worker) RunPass(ctx context.Context, partition string) (PassResult, error) {
	var result PassResult
	now := w.now()

	staleBefore := now.Add(-w.conf.ClaimTimeout)
	requeuedItems, err := w.db.RequeueStaleItems(ctx, staleBefore)
	if err != nil {
		return result, fmt.Errorf("failed to requeue stale items: %w", err)
	}
	requeuedBatches, err := w.db.RequeueStaleBatches(ctx, staleBefore)
	if err != nil {
		return result, fmt.Errorf("failed to requeue stale batches: %w", err)
	}
	result.Requeued = requeuedItems + requeuedBatches
	if result.Requeued > 0 {
		w.logger.Warn("requeued stale claims", zap.Int64("count", result.Requeued))
	}

	items, err := w.db.ClaimDueItems(ctx, now, partition, w.conf.PassLimit)
	if err != nil {
		return result, fmt.Errorf("failed to claim items: %w", err)
	}
	batches, err := w.db.ClaimDueBatches(ctx, now, partition, w.conf.PassLimit)
	if err != nil {
		return result, fmt.Errorf("failed to claim batches: %w", err)
	}
	result.Items = len(items)
	result.Batches = len(batches)
	if len(items) == 0 && len(batches) == 0 {
		return result, nil
	}

	w.logger.Debug("processing claimed work",
		zap.String("partition", partition),
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)))

	stop := w.holdClaims(ctx, items, batches)
	defer stop()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.conf.Concurrency, 1))

	for _, item := range items {
		g.Go(func() error {
			done := w.processItem(gctx, item)
			mu.Lock()
			defer mu.Unlock()
			result.DeliveryAttempts++
			if done {
				result.ProcessedItems++
			} else {
				result.RescheduledItems++
				result.DeliveryFailures++
			}
			return nil
		})
	}

	// batches run their own bounded fan-out, so fewer of them share a pass
	bg, bctx := errgroup.WithContext(ctx)
	bg.SetLimit(max(w.conf.BatchConcurrency, 1))
	for _, batch := range batches {
		bg.Go(func() error {
			outcome := w.processBatch(bctx, batch)
			mu.Lock()
			defer mu.Unlock()
			result.DeliveryAttempts += outcome.attempted
			result.DeliveryFailures += outcome.failed
			if outcome.done {
				result.ProcessedBatches++
			} else {
				result.RescheduledBatches++
			}
			return nil
		})
	}
	g.Wait()
	bg.Wait()

	return result, nil
}

// holdClaims renews the claims of one pass every third of the claim timeout
// until the returned func is called, so the stale sweep of another pass
// leaves them alone.
func (w *Worker) holdClaims(ctx context.Context, items []domain.QueueItem, batches []domain.FollowerBatch) func() {
	interval := w.conf.ClaimTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	itemIds := make([]uuid.UUID, len(items))
	for i, item := range items {
		itemIds[i] = item.Id
	}
	batchIds := make([]uuid.UUID, len(batches))
	for i, batch := range batches {
		batchIds[i] = batch.Id
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := w.now()
			if _, err := w.db.TouchItems(ctx, itemIds, now); err != nil && ctx.Err() == nil {
				w.logger.Warn("failed to renew item claims", zap.Error(err))
			}
			if _, err := w.db.TouchBatches(ctx, batchIds, now); err != nil && ctx.Err() == nil {
				w.logger.Warn("failed to renew batch claims", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// processItem delivers one single-recipient item and settles its state.
// It returns true when the item reached processed.
func (w *Worker) processItem(ctx context.Context, item domain.QueueItem) bool {
	log := w.logger.With(
		zap.String("item", item.Id.String()),
		zap.String("target", item.TargetActorURL),
		zap.Int("attempts", item.Attempts))

	identity, err := w.db.ReadIdentityById(ctx, item.IdentityId)
	switch {
	case errors.Is(err, db.ErrNotFound):
		log.Warn("dropping item of unknown identity")
		return w.settleItem(ctx, item, true)
	case err != nil:
		log.Error("failed to read identity, will retry", zap.Error(err))
		return w.settleItem(ctx, item, false)
	}

	key, err := w.keys.PrivateKey(ctx, identity)
	switch {
	case errors.Is(err, ErrKeyMaterial):
		// not retried: key material will not appear by itself
		log.Error("cannot sign delivery", zap.String("identity", identity.Handle), zap.Error(err))
		w.health.Metrics().ItemOutcomes.WithLabelValues("key_error").Inc()
		return w.settleItem(ctx, item, true)
	case err != nil:
		log.Error("failed to load signing key, will retry", zap.String("identity", identity.Handle), zap.Error(err))
		return w.settleItem(ctx, item, false)
	}

	inbox := item.TargetInboxURL
	if inbox != "" && w.blockedURL(ctx, item.TargetActorURL) {
		log.Info("skipping blocked recipient")
		w.health.Metrics().ItemOutcomes.WithLabelValues("blocked").Inc()
		return w.settleItem(ctx, item, true)
	}
	if inbox == "" {
		actor, err := w.dir.Resolve(ctx, item.TargetActorURL)
		switch {
		case errors.Is(err, ErrBlocked):
			log.Info("skipping blocked recipient")
			w.health.Metrics().ItemOutcomes.WithLabelValues("blocked").Inc()
			return w.settleItem(ctx, item, true)
		case err != nil:
			if item.Attempts >= w.conf.MaxResolveAttempts {
				log.Warn("giving up on unresolvable recipient", zap.Error(err))
				w.health.Metrics().ItemOutcomes.WithLabelValues("unresolvable").Inc()
				return w.settleItem(ctx, item, true)
			}
			log.Info("recipient unresolvable, will retry", zap.Error(err))
			return w.settleItem(ctx, item, false)
		}
		inbox = actor.InboxURL
	}

	if w.blockedURL(ctx, inbox) {
		log.Info("skipping blocked inbox", zap.String("inbox", inbox))
		w.health.Metrics().ItemOutcomes.WithLabelValues("blocked").Inc()
		return w.settleItem(ctx, item, true)
	}

	metric := w.send(ctx, inbox, []byte(item.ActivityJSON), key, identity.KeyID())
	w.health.Record(ctx, []domain.RequestMetric{metric})

	if metric.Success {
		log.Debug("delivered", zap.String("inbox", inbox))
		w.health.Metrics().ItemOutcomes.WithLabelValues("delivered").Inc()
		return w.settleItem(ctx, item, true)
	}
	log.Info("delivery failed, will retry",
		zap.String("inbox", inbox),
		zap.Int("status", metric.StatusCode),
		zap.String("error", metric.Error))
	w.health.Metrics().ItemOutcomes.WithLabelValues("retry").Inc()
	return w.settleItem(ctx, item, false)
}

func (w *Worker) settleItem(ctx context.Context, item domain.QueueItem, done bool) bool {
	var err error
	if done {
		err = w.db.MarkItemProcessed(ctx, item.Id)
	} else {
		err = w.db.RescheduleItem(ctx, item.Id, w.backoff.Next(w.now(), item.Attempts-1))
	}
	if err != nil {
		// the stale-claim sweep picks the item up again
		w.logger.Error("failed to settle item", zap.String("item", item.Id.String()), zap.Bool("done", done), zap.Error(err))
	}
	return done
}

type batchOutcome struct {
	attempted int
	failed    int
	done      bool
}

// processBatch delivers one follower batch. Blocked and unresolvable
// members are skipped; the batch is retried as a whole only when the share
// of failed deliveries exceeds the failure threshold.
func (w *Worker) processBatch(ctx context.Context, batch domain.FollowerBatch) batchOutcome {
	log := w.logger.With(
		zap.String("batch", batch.Id.String()),
		zap.Int("followers", len(batch.Followers)),
		zap.Int("attempts", batch.Attempts))

	identity, err := w.db.ReadIdentityById(ctx, batch.IdentityId)
	switch {
	case errors.Is(err, db.ErrNotFound):
		log.Warn("dropping batch of unknown identity")
		return w.settleBatch(ctx, batch, batchOutcome{done: true})
	case err != nil:
		log.Error("failed to read identity, will retry", zap.Error(err))
		return w.settleBatch(ctx, batch, batchOutcome{})
	}
	key, err := w.keys.PrivateKey(ctx, identity)
	switch {
	case errors.Is(err, ErrKeyMaterial):
		log.Error("cannot sign batch", zap.String("identity", identity.Handle), zap.Error(err))
		return w.settleBatch(ctx, batch, batchOutcome{done: true})
	case err != nil:
		log.Error("failed to load signing key, will retry", zap.String("identity", identity.Handle), zap.Error(err))
		return w.settleBatch(ctx, batch, batchOutcome{})
	}

	resolved := w.dir.ResolveMany(ctx, batch.Followers)
	if len(resolved.Blocked) > 0 || len(resolved.Failed) > 0 {
		log.Info("skipping recipients",
			zap.Int("blocked", len(resolved.Blocked)),
			zap.Int("unresolvable", len(resolved.Failed)))
	}

	inboxes := w.batchInboxes(ctx, batch, resolved)
	body := []byte(batch.ActivityJSON)

	metrics := make([]domain.RequestMetric, len(inboxes))
	for start := 0; start < len(inboxes); start += max(w.conf.Concurrency, 1) {
		if start > 0 && w.conf.ChunkPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.conf.ChunkPause):
			}
		}
		end := min(start+max(w.conf.Concurrency, 1), len(inboxes))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				metrics[i] = w.send(ctx, inboxes[i], body, key, identity.KeyID())
				return nil
			})
		}
		g.Wait()
	}

	outcome := batchOutcome{attempted: len(metrics)}
	for _, m := range metrics {
		if !m.Success {
			outcome.failed++
		}
	}
	if len(metrics) > 0 {
		w.health.Record(ctx, metrics)
	}

	ratio := 0.0
	if outcome.attempted > 0 {
		ratio = float64(outcome.failed) / float64(outcome.attempted)
	}
	outcome.done = ratio <= w.conf.FailureThreshold

	log.Info("batch delivered",
		zap.Int("attempted", outcome.attempted),
		zap.Int("failed", outcome.failed),
		zap.Bool("retry", !outcome.done))
	return w.settleBatch(ctx, batch, outcome)
}

// batchInboxes maps the resolved members to delivery endpoints. Public
// activities go once per shared inbox when the remote advertises one.
func (w *Worker) batchInboxes(ctx context.Context, batch domain.FollowerBatch, resolved ResolveResult) []string {
	shared := w.conf.UseSharedInbox && isPublicActivity(batch.ActivityJSON)

	seen := make(map[string]bool)
	var inboxes []string
	for _, follower := range batch.Followers {
		actor, ok := resolved.Actors[follower]
		if !ok {
			continue
		}
		inbox := actor.InboxURL
		if shared && actor.SharedInboxURL != "" {
			inbox = actor.SharedInboxURL
		}
		if seen[inbox] {
			continue
		}
		seen[inbox] = true

		// the inbox can live on another host than the actor
		if w.blockedURL(ctx, inbox) {
			continue
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

func (w *Worker) settleBatch(ctx context.Context, batch domain.FollowerBatch, outcome batchOutcome) batchOutcome {
	var err error
	if outcome.done {
		err = w.db.MarkBatchProcessed(ctx, batch.Id)
		w.health.Metrics().BatchOutcomes.WithLabelValues("processed").Inc()
	} else {
		err = w.db.RescheduleBatch(ctx, batch.Id, w.backoff.Next(w.now(), batch.Attempts-1))
		w.health.Metrics().BatchOutcomes.WithLabelValues("rescheduled").Inc()
	}
	if err != nil {
		w.logger.Error("failed to settle batch", zap.String("batch", batch.Id.String()), zap.Error(err))
	}
	return outcome
}

// send signs and posts body to inbox. The outcome is returned as a metric;
// transport errors and non-2xx responses are failures.
func (w *Worker) send(ctx context.Context, inbox string, body []byte, key *rsa.PrivateKey, keyId string) domain.RequestMetric {
	start := time.Now()
	host, _ := hostOf(inbox)
	metric := domain.RequestMetric{
		Id:         uuid.New(),
		RemoteHost: host,
		Endpoint:   inbox,
		CreatedAt:  w.now(),
	}

	status, err := w.post(ctx, inbox, body, key, keyId)
	metric.Latency = time.Since(start)
	metric.StatusCode = status
	if err != nil {
		metric.Error = err.Error()
		return metric
	}
	metric.Success = true
	return metric
}

func (w *Worker) post(ctx context.Context, inbox string, body []byte, key *rsa.PrivateKey, keyId string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.conf.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", w.agent)

	if err := w.codec.Sign(req, body, key, keyId); err != nil {
		return 0, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// blockedURL is true for blocked hosts and for URLs without a usable host.
func (w *Worker) blockedURL(ctx context.Context, rawURL string) bool {
	host, err := hostOf(rawURL)
	return err != nil || w.dir.IsBlocked(ctx, host)
}

// isPublicActivity reads only the addressing of a stored activity.
func isPublicActivity(activityJSON string) bool {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(activityJSON), &env); err != nil {
		return false
	}
	return env.Public()
}
