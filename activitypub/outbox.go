package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrValidation marks a submitted activity that is rejected before
	// anything is stored.
	ErrValidation       = errors.New("invalid activity")
	ErrIdentityDisabled = errors.New("identity is disabled")
)

// activityTypes are the types submitted as-is; anything else is treated as
// a bare object and wrapped in a Create.
var activityTypes = map[string]bool{
	"Create": true, "Update": true, "Delete": true, "Follow": true,
	"Undo": true, "Accept": true, "Reject": true, "Move": true,
	"Announce": true, "Like": true, "Block": true, "Add": true, "Remove": true,
}

// PublishResult is returned once an activity is stored and its routing is
// queued. Delivery itself happens later.
type PublishResult struct {
	ActivityID string `json:"id"`
	ObjectID   string `json:"object,omitempty"`
	Type       string `json:"type"`
}

// Publisher is the outbox: it completes submitted activities, stores them
// and hands them to fan-out or to the single-recipient queue.
type Publisher struct {
	db         *db.DB
	planner    *FanoutPlanner
	pool       *TaskPool
	baseURL    string
	domain     string
	partitions int
	interval   time.Duration
	routeGrace time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// recoveryLimit bounds the activities re-routed by one sweep.
const recoveryLimit = 100

func NewPublisher(database *db.DB, planner *FanoutPlanner, pool *TaskPool, conf *util.AppConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		db:         database,
		planner:    planner,
		pool:       pool,
		baseURL:    conf.BaseURL(),
		domain:     strings.ToLower(conf.Conf.Domain),
		partitions: conf.Delivery.Partitions,
		interval:   conf.Delivery.PollInterval,
		routeGrace: conf.Delivery.ClaimTimeout,
		logger:     logger.Named("outbox"),
		now:        time.Now,
	}
}

// Publish submits a JSON activity (or a bare object) on behalf of identity.
func (p *Publisher) Publish(ctx context.Context, identity *domain.LocalIdentity, raw []byte) (*PublishResult, error) {
	var activity map[string]interface{}
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return p.publish(ctx, identity, activity)
}

func (p *Publisher) publish(ctx context.Context, identity *domain.LocalIdentity, activity map[string]interface{}) (*PublishResult, error) {
	if identity.Status == domain.IdentityDisabled {
		return nil, fmt.Errorf("%w: %s", ErrIdentityDisabled, identity.Handle)
	}

	activity, err := p.complete(identity, activity)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}
	parsed, err := domain.ParseActivity(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	env := parsed.Base()
	objectID, _ := domain.ObjectRef(env.Object)

	// stored before routing; delivery failures never lose the local copy.
	// Processed is set once routing has queued every delivery.
	record := &domain.ActivityRecord{
		Id:           uuid.New(),
		ActivityURI:  env.ID,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    objectID,
		IdentityId:   identity.Id,
		RawJSON:      string(body),
		Local:        true,
		CreatedAt:    p.now(),
	}
	if err := p.db.CreateActivity(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store activity: %w", err)
	}

	p.submitRouting(identity, env, string(body))

	return &PublishResult{ActivityID: env.ID, ObjectID: objectID, Type: env.Type}, nil
}

// complete validates the submitted document and fills in what the server
// owns: ids, actor, attribution, timestamps and addressing.
func (p *Publisher) complete(identity *domain.LocalIdentity, activity map[string]interface{}) (map[string]interface{}, error) {
	kind, _ := activity["type"].(string)
	if kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrValidation)
	}
	if actor, ok := activity["actor"]; ok && actor != identity.ActorURL {
		return nil, fmt.Errorf("%w: actor %v is not %s", ErrValidation, actor, identity.ActorURL)
	}
	if id, ok := activity["id"].(string); ok && id != "" && !strings.HasPrefix(id, p.baseURL+"/") {
		return nil, fmt.Errorf("%w: id %s is not on this server", ErrValidation, id)
	}

	if !activityTypes[kind] {
		activity = map[string]interface{}{
			"type":   "Create",
			"object": activity,
			"to":     activity["to"],
			"cc":     activity["cc"],
		}
		kind = "Create"
	}

	published := p.now().UTC().Format(time.RFC3339)
	if _, ok := activity["@context"]; !ok {
		activity["@context"] = domain.ActivityStreamsContext
	}
	if id, _ := activity["id"].(string); id == "" {
		activity["id"] = p.newID("activities")
	}
	activity["actor"] = identity.ActorURL
	if s, _ := activity["published"].(string); s == "" {
		activity["published"] = published
	}

	switch object := activity["object"].(type) {
	case map[string]interface{}:
		if t, _ := object["type"].(string); t == "" {
			return nil, fmt.Errorf("%w: object without type", ErrValidation)
		}
		if kind == "Create" || kind == "Update" {
			p.completeObject(identity, activity, object, published)
		}
	case string:
		if object == "" || kind == "Create" {
			return nil, fmt.Errorf("%w: %s needs an embedded object", ErrValidation, kind)
		}
	case nil:
		return nil, fmt.Errorf("%w: missing object", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: object must be a URI or a document", ErrValidation)
	}

	for _, field := range []string{"to", "cc"} {
		if activity[field] == nil {
			delete(activity, field)
		}
	}
	return activity, nil
}

func (p *Publisher) completeObject(identity *domain.LocalIdentity, activity, object map[string]interface{}, published string) {
	if id, _ := object["id"].(string); id == "" {
		object["id"] = p.newID("objects")
	}
	if _, ok := object["attributedTo"]; !ok {
		object["attributedTo"] = identity.ActorURL
	}
	if s, _ := object["published"].(string); s == "" {
		object["published"] = published
	}
	// addressing is shared between the activity and its object
	for _, field := range []string{"to", "cc"} {
		if object[field] == nil && activity[field] != nil {
			object[field] = activity[field]
		}
		if activity[field] == nil && object[field] != nil {
			activity[field] = object[field]
		}
	}
}

func (p *Publisher) newID(kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.baseURL, kind, uuid.New().String())
}

// submitRouting hands routing to the task pool, or runs it inline when no
// pool is set or the pool is saturated. Routing lost to a crash is picked
// up by RecoverRouting.
func (p *Publisher) submitRouting(identity *domain.LocalIdentity, env *domain.Envelope, body string) {
	route := func(ctx context.Context) error {
		return p.routeStored(ctx, identity, env, body)
	}
	if p.pool != nil {
		err := p.pool.Submit("route "+env.ID, route)
		if err == nil {
			return
		}
		p.logger.Warn("routing inline", zap.String("activity", env.ID), zap.Error(err))
	}
	if err := route(context.Background()); err != nil {
		p.logger.Error("failed to route activity", zap.String("activity", env.ID), zap.Error(err))
	}
}

func (p *Publisher) routeStored(ctx context.Context, identity *domain.LocalIdentity, env *domain.Envelope, body string) error {
	if err := p.route(ctx, identity, env, body); err != nil {
		return err
	}
	if err := p.db.MarkActivityProcessed(ctx, env.ID, identity.Id); err != nil {
		return fmt.Errorf("failed to mark %s as routed: %w", env.ID, err)
	}
	return nil
}

// RunRecovery re-routes stranded activities each poll interval until ctx
// is done.
func (p *Publisher) RunRecovery(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RecoverRouting(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("routing recovery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RecoverRouting routes local activities that were stored but never
// routed, e.g. because the process stopped in between. Only activities
// older than the claim timeout are considered so routing still in flight
// is left alone. A partly routed activity is routed again in full.
func (p *Publisher) RecoverRouting(ctx context.Context) (int, error) {
	records, err := p.db.ReadUnroutedActivities(ctx, p.now().Add(-p.routeGrace), recoveryLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to read unrouted activities: %w", err)
	}

	routed := 0
	for _, rec := range records {
		log := p.logger.With(zap.String("activity", rec.ActivityURI))

		identity, err := p.db.ReadIdentityById(ctx, rec.IdentityId)
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("dropping activity of unknown identity")
			if err := p.db.MarkActivityProcessed(ctx, rec.ActivityURI, rec.IdentityId); err != nil {
				return routed, err
			}
			continue
		}
		if err != nil {
			return routed, fmt.Errorf("failed to read identity: %w", err)
		}

		parsed, err := domain.ParseActivity([]byte(rec.RawJSON))
		if err != nil {
			log.Error("dropping unparsable activity", zap.Error(err))
			if err := p.db.MarkActivityProcessed(ctx, rec.ActivityURI, rec.IdentityId); err != nil {
				return routed, err
			}
			continue
		}

		if err := p.routeStored(ctx, identity, parsed.Base(), rec.RawJSON); err != nil {
			return routed, err
		}
		routed++
	}
	if routed > 0 {
		p.logger.Warn("re-routed stranded activities", zap.Int("count", routed))
	}
	return routed, nil
}

// route decides between follower fan-out and explicit recipients. Public
// and followers-addressed activities go to all followers in batches;
// explicit remote recipients outside the follower set get their own items.
func (p *Publisher) route(ctx context.Context, identity *domain.LocalIdentity, env *domain.Envelope, body string) error {
	recipients := p.explicitRecipients(identity, env)

	if env.Public() || audienceHas(env, identity.FollowersURL) {
		if _, err := p.planner.PlanBatches(ctx, identity, body); err != nil {
			return err
		}
		followers, err := p.db.ReadFollowerURLs(ctx, identity.Id)
		if err != nil {
			return fmt.Errorf("failed to read followers: %w", err)
		}
		isFollower := make(map[string]bool, len(followers))
		for _, f := range followers {
			isFollower[f] = true
		}
		remaining := recipients[:0]
		for _, r := range recipients {
			if !isFollower[r] {
				remaining = append(remaining, r)
			}
		}
		recipients = remaining
	}

	if len(recipients) == 0 {
		return nil
	}
	now := p.now()
	items := make([]*domain.QueueItem, len(recipients))
	for i, r := range recipients {
		items[i] = &domain.QueueItem{
			PartitionKey:   PartitionKey(r, p.partitions),
			IdentityId:     identity.Id,
			ActivityJSON:   body,
			TargetActorURL: r,
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
	}
	if err := p.db.EnqueueItems(ctx, items); err != nil {
		return fmt.Errorf("failed to enqueue deliveries: %w", err)
	}
	p.logger.Debug("queued direct deliveries", zap.String("activity", env.ID), zap.Int("recipients", len(items)))
	return nil
}

// explicitRecipients strips public markers, the followers collection and
// local addresses from to/cc and removes duplicates.
func (p *Publisher) explicitRecipients(identity *domain.LocalIdentity, env *domain.Envelope) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range env.Recipients() {
		if r == "" || seen[r] || domain.IsPublicAddress(r) || r == identity.FollowersURL {
			continue
		}
		seen[r] = true
		if host, err := hostOf(r); err != nil || host == p.domain {
			continue
		}
		out = append(out, r)
	}
	return out
}

func audienceHas(env *domain.Envelope, uri string) bool {
	return uri != "" && (env.To.Contains(uri) || env.Cc.Contains(uri))
}

// Follow asks remoteActorURL to accept identity as a follower.
func (p *Publisher) Follow(ctx context.Context, identity *domain.LocalIdentity, remoteActorURL string) (*PublishResult, error) {
	followID := p.newID("activities")
	now := p.now()
	if err := p.db.UpsertOutgoingFollow(ctx, &domain.OutgoingFollow{
		Id:             uuid.New(),
		IdentityId:     identity.Id,
		RemoteActorURL: remoteActorURL,
		FollowURI:      followID,
		Status:         domain.FollowPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store follow: %w", err)
	}

	return p.publish(ctx, identity, map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"id":       followID,
		"type":     "Follow",
		"object":   remoteActorURL,
		"to":       []string{remoteActorURL},
	})
}

// Unfollow withdraws a follow with an Undo wrapping the original Follow.
func (p *Publisher) Unfollow(ctx context.Context, identity *domain.LocalIdentity, remoteActorURL string) (*PublishResult, error) {
	follow, err := p.db.DeleteOutgoingFollow(ctx, identity.Id, remoteActorURL)
	if err != nil {
		return nil, fmt.Errorf("failed to remove follow of %s: %w", remoteActorURL, err)
	}

	return p.publish(ctx, identity, map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"type":     "Undo",
		"object": map[string]interface{}{
			"id":     follow.FollowURI,
			"type":   "Follow",
			"actor":  identity.ActorURL,
			"object": remoteActorURL,
		},
		"to": []string{remoteActorURL},
	})
}

// SendAccept answers a received Follow, embedding it as the object.
func (p *Publisher) SendAccept(ctx context.Context, identity *domain.LocalIdentity, follow *domain.Follow) (*PublishResult, error) {
	var object interface{} = follow.ID
	if len(follow.Raw) > 0 {
		var embedded map[string]interface{}
		if err := json.Unmarshal(follow.Raw, &embedded); err == nil {
			delete(embedded, "@context")
			object = embedded
		}
	}

	return p.publish(ctx, identity, map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"type":     "Accept",
		"object":   object,
		"to":       []string{follow.Actor},
	})
}

// Move marks identity as moved to target and tells its followers.
func (p *Publisher) Move(ctx context.Context, identity *domain.LocalIdentity, target string) (*PublishResult, error) {
	if _, err := hostOf(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := p.db.UpdateIdentityStatus(ctx, identity.Id, domain.IdentityMoved, target); err != nil {
		return nil, fmt.Errorf("failed to mark %s as moved: %w", identity.Handle, err)
	}

	return p.publish(ctx, identity, map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"type":     "Move",
		"object":   identity.ActorURL,
		"target":   target,
		"to":       []string{domain.PublicCollection},
		"cc":       []string{identity.FollowersURL},
	})
}
