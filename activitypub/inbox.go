package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrSignature        = errors.New("signature verification failed")
	ErrSenderBlocked    = errors.New("sender domain is blocked")
)

// ReceiveResult describes what happened to an accepted inbound activity.
type ReceiveResult struct {
	ActivityID string
	Kind       domain.Kind
	Duplicate  bool
}

// InboxProcessor verifies inbound activities and applies them. Every
// handler is idempotent: senders deliver at least once.
type InboxProcessor struct {
	db        *db.DB
	dir       *ActorDirectory
	codec     *SignatureCodec
	publisher *Publisher
	feed      *InboxFeed
	metrics   *DeliveryMetrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewInboxProcessor(database *db.DB, dir *ActorDirectory, publisher *Publisher, feed *InboxFeed, metrics *DeliveryMetrics, logger *zap.Logger) *InboxProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewDeliveryMetrics(prometheus.NewRegistry())
	}
	if feed == nil {
		feed = NewInboxFeed()
	}
	return &InboxProcessor{
		db:        database,
		dir:       dir,
		codec:     NewSignatureCodec(),
		publisher: publisher,
		feed:      feed,
		metrics:   metrics,
		logger:    logger.Named("inbox"),
		now:       time.Now,
	}
}

// Receive handles a POST to the inbox of handle. Errors are one of
// ErrIdentityNotFound, domain.ErrMalformedActivity, ErrSenderBlocked,
// ErrSignature or a storage failure.
func (p *InboxProcessor) Receive(ctx context.Context, handle string, req *http.Request, body []byte) (*ReceiveResult, error) {
	identity, err := p.db.ReadIdentityByHandle(ctx, handle)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !identity.Reachable()) {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity %s: %w", handle, err)
	}

	activity, err := p.authenticate(ctx, req, body)
	if err != nil {
		return nil, err
	}
	return p.Dispatch(ctx, identity, activity)
}

// ReceiveShared handles a POST to the instance-wide inbox. The activity is
// applied to every reachable local identity it addresses; when it addresses
// none, to the local identities following its actor. An activity with no
// local recipient is accepted and dropped.
func (p *InboxProcessor) ReceiveShared(ctx context.Context, req *http.Request, body []byte) ([]*ReceiveResult, error) {
	activity, err := p.authenticate(ctx, req, body)
	if err != nil {
		return nil, err
	}

	targets, err := p.sharedTargets(ctx, activity)
	if err != nil {
		return nil, fmt.Errorf("failed to route shared inbox activity: %w", err)
	}
	if len(targets) == 0 {
		p.logger.Info("no local recipient for shared inbox activity",
			zap.String("type", activity.Base().Type),
			zap.String("actor", activity.Base().Actor))
		return nil, nil
	}

	results := make([]*ReceiveResult, 0, len(targets))
	for i := range targets {
		result, err := p.Dispatch(ctx, &targets[i], activity)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (p *InboxProcessor) sharedTargets(ctx context.Context, activity domain.Activity) ([]domain.LocalIdentity, error) {
	env := activity.Base()
	candidates := env.Recipients()
	if ref, _ := domain.ObjectRef(env.Object); ref != "" {
		candidates = append(candidates, ref)
	}

	seen := make(map[uuid.UUID]bool)
	var targets []domain.LocalIdentity
	for _, uri := range candidates {
		if uri == "" || domain.IsPublicAddress(uri) {
			continue
		}
		identity, err := p.db.ReadIdentityByActorURL(ctx, strings.TrimSuffix(uri, "/followers"))
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if identity.Reachable() && !seen[identity.Id] {
			seen[identity.Id] = true
			targets = append(targets, *identity)
		}
	}
	if len(targets) > 0 {
		return targets, nil
	}

	following, err := p.db.ReadIdentitiesFollowing(ctx, env.Actor)
	if err != nil {
		return nil, err
	}
	for _, identity := range following {
		if identity.Reachable() {
			targets = append(targets, identity)
		}
	}
	return targets, nil
}

// authenticate parses body and checks that its sender is neither blocked
// nor unsigned.
func (p *InboxProcessor) authenticate(ctx context.Context, req *http.Request, body []byte) (domain.Activity, error) {
	activity, err := domain.ParseActivity(body)
	if err != nil {
		p.metrics.InboundOutcomes.WithLabelValues("malformed").Inc()
		return nil, err
	}
	env := activity.Base()
	log := p.logger.With(zap.String("type", env.Type), zap.String("actor", env.Actor))

	// checked before verification so a blocked sender costs no key fetch
	host, err := hostOf(env.Actor)
	if err != nil {
		p.metrics.InboundOutcomes.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}
	if p.dir.IsBlocked(ctx, host) {
		log.Info("rejecting activity from blocked domain")
		p.metrics.InboundOutcomes.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSenderBlocked, host)
	}

	if err := p.verify(ctx, req, body, env.Actor); err != nil {
		log.Info("rejecting unsigned activity", zap.Error(err))
		p.metrics.InboundOutcomes.WithLabelValues("signature").Inc()
		return nil, err
	}
	return activity, nil
}

// verify checks the request signature against the key declared by the
// document of actor. A failed check is retried once with a refetched
// document, for senders that rotated their key since it was cached.
func (p *InboxProcessor) verify(ctx context.Context, req *http.Request, body []byte, actor string) error {
	keyId, ok := p.codec.Verify(ctx, req, body, p.dir.ActorKey(actor))
	if !ok && keyId != "" {
		_, ok = p.codec.Verify(ctx, req, body, p.dir.FreshActorKey(actor))
	}
	if !ok {
		return ErrSignature
	}
	return nil
}

// Dispatch applies a verified activity to identity. A redelivered activity
// that was already processed is reported as a duplicate and not applied
// again.
func (p *InboxProcessor) Dispatch(ctx context.Context, identity *domain.LocalIdentity, activity domain.Activity) (*ReceiveResult, error) {
	env := activity.Base()
	if env.ID == "" {
		env.ID = "urn:uuid:" + uuid.New().String()
	}
	objectRef, _ := domain.ObjectRef(env.Object)
	result := &ReceiveResult{ActivityID: env.ID, Kind: activity.Kind()}

	seen, err := p.db.RecordInboundActivity(ctx, &domain.ActivityRecord{
		ActivityURI:  env.ID,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    objectRef,
		IdentityId:   identity.Id,
		RawJSON:      string(env.Raw),
		CreatedAt:    p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}
	if seen {
		p.logger.Debug("skipping duplicate activity", zap.String("activity", env.ID))
		p.metrics.InboundOutcomes.WithLabelValues("duplicate").Inc()
		result.Duplicate = true
		return result, nil
	}

	switch a := activity.(type) {
	case *domain.Follow:
		err = p.handleFollow(ctx, identity, a)
	case *domain.Undo:
		err = p.handleUndo(ctx, identity, a)
	case *domain.Create:
		err = p.storeItem(ctx, identity, &a.Envelope, true)
	case *domain.Accept:
		err = p.handleFollowResponse(ctx, identity, &a.Envelope, a.Inner, a.InnerRef, domain.FollowAccepted)
	case *domain.Reject:
		err = p.handleFollowResponse(ctx, identity, &a.Envelope, a.Inner, a.InnerRef, domain.FollowFailed)
	case *domain.Move:
		err = p.storeItem(ctx, identity, &a.Envelope, true)
	case *domain.Delete:
		err = p.handleDelete(ctx, identity, a)
	case *domain.Unknown:
		err = p.storeItem(ctx, identity, &a.Envelope, false)
	default:
		err = fmt.Errorf("unhandled activity kind %s", activity.Kind())
	}
	if err != nil {
		// left unprocessed so a redelivery runs the handler again
		return nil, fmt.Errorf("failed to handle %s: %w", env.Type, err)
	}

	if err := p.db.MarkActivityProcessed(ctx, env.ID, identity.Id); err != nil {
		p.logger.Warn("failed to mark activity processed", zap.String("activity", env.ID), zap.Error(err))
	}
	p.metrics.InboundOutcomes.WithLabelValues("accepted").Inc()
	return result, nil
}

func (p *InboxProcessor) handleFollow(ctx context.Context, identity *domain.LocalIdentity, follow *domain.Follow) error {
	if follow.TargetURL != identity.ActorURL {
		p.logger.Info("ignoring follow of another actor",
			zap.String("actor", follow.Actor),
			zap.String("target", follow.TargetURL))
		return nil
	}

	created, err := p.db.AddInboundFollow(ctx, &domain.InboundFollow{
		Id:               uuid.New(),
		IdentityId:       identity.Id,
		FollowerActorURL: follow.Actor,
		FollowURI:        follow.ID,
		Status:           domain.FollowAccepted,
		CreatedAt:        p.now(),
	})
	if err != nil {
		return err
	}
	if created {
		p.logger.Info("new follower", zap.String("identity", identity.Handle), zap.String("follower", follow.Actor))
	}

	// a repeated Follow is answered again; the first Accept may have been lost
	if p.publisher != nil {
		if _, err := p.publisher.SendAccept(ctx, identity, follow); err != nil {
			p.logger.Warn("failed to send accept", zap.String("follower", follow.Actor), zap.Error(err))
		}
	}
	return nil
}

func (p *InboxProcessor) handleUndo(ctx context.Context, identity *domain.LocalIdentity, undo *domain.Undo) error {
	isFollow := false
	switch inner := undo.Inner.(type) {
	case *domain.Follow:
		isFollow = inner.Actor == "" || inner.Actor == undo.Actor
	case nil:
		if undo.InnerRef == "" {
			break
		}
		rec, err := p.db.ReadActivityByURI(ctx, undo.InnerRef, identity.Id)
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		isFollow = rec.ActivityType == string(domain.KindFollow) && rec.ActorURI == undo.Actor
	}
	if !isFollow {
		return p.storeItem(ctx, identity, &undo.Envelope, false)
	}

	removed, err := p.db.RemoveInboundFollow(ctx, identity.Id, undo.Actor)
	if err != nil {
		return err
	}
	if removed {
		p.logger.Info("follower left", zap.String("identity", identity.Handle), zap.String("follower", undo.Actor))
	}
	return nil
}

func (p *InboxProcessor) handleFollowResponse(ctx context.Context, identity *domain.LocalIdentity, env *domain.Envelope, inner domain.Activity, ref string, status domain.FollowStatus) error {
	if inner != nil && inner.Kind() != domain.KindFollow {
		return p.storeItem(ctx, identity, env, false)
	}

	updated := false
	var err error
	if ref != "" {
		if updated, err = p.db.SetOutgoingFollowStatusByURI(ctx, identity.Id, env.Actor, ref, status); err != nil {
			return err
		}
	}
	if !updated {
		if updated, err = p.db.SetOutgoingFollowStatusByActor(ctx, identity.Id, env.Actor, status); err != nil {
			return err
		}
	}
	if !updated {
		p.logger.Info("no outgoing follow to update", zap.String("actor", env.Actor), zap.String("follow", ref))
		return nil
	}
	p.logger.Info("follow answered",
		zap.String("identity", identity.Handle),
		zap.String("remote", env.Actor),
		zap.String("status", string(status)))
	return nil
}

func (p *InboxProcessor) handleDelete(ctx context.Context, identity *domain.LocalIdentity, del *domain.Delete) error {
	if del.ObjectRef != del.Actor {
		return p.storeItem(ctx, identity, &del.Envelope, true)
	}

	// the sender deleted its own account
	if _, err := p.db.RemoveInboundFollow(ctx, identity.Id, del.Actor); err != nil {
		return err
	}
	if err := p.db.DeleteRemoteActor(ctx, del.Actor); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	p.logger.Info("remote actor deleted", zap.String("actor", del.Actor))
	return nil
}

// storeItem keeps the activity for the UI-facing services and notifies
// live subscribers.
func (p *InboxProcessor) storeItem(ctx context.Context, identity *domain.LocalIdentity, env *domain.Envelope, recognized bool) error {
	objectRef, _ := domain.ObjectRef(env.Object)
	item := &domain.InboxItem{
		Id:             uuid.New(),
		IdentityId:     identity.Id,
		SenderActorURL: env.Actor,
		ActivityURI:    env.ID,
		ActivityType:   env.Type,
		ObjectType:     domain.ObjectType(env.Object),
		ObjectURI:      objectRef,
		RawJSON:        string(env.Raw),
		Recognized:     recognized,
		CreatedAt:      p.now(),
	}
	stored, err := p.db.CreateInboxItem(ctx, item)
	if err != nil {
		return err
	}
	if stored {
		p.feed.Publish(*item)
	}
	return nil
}

// Feed exposes the subscription side of stored inbox items.
func (p *InboxProcessor) Feed() *InboxFeed {
	return p.feed
}
