package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrBlocked is returned for actors on a blocked domain. No request is
	// made for them.
	ErrBlocked = errors.New("domain is blocked")
	// ErrUnresolvable is returned when an actor can neither be fetched nor
	// served from the cache.
	ErrUnresolvable = errors.New("actor could not be resolved")
	// ErrKeyMismatch is returned when a key is not the one an actor's own
	// document declares.
	ErrKeyMismatch = errors.New("key does not belong to actor")
)

const (
	activityJSONAccept = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxDocumentSize    = 1 << 20
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Followers         string      `json:"followers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ResolveResult is the outcome of ResolveMany. Every input URL ends up in
// exactly one of Actors, Blocked or Failed.
type ResolveResult struct {
	Actors  map[string]*domain.RemoteActor
	Blocked []string
	Failed  []string
}

// ActorDirectory resolves remote actors to their inbox and public key. It
// is backed by the remote_actors table: fresh entries are served directly,
// stale ones are refreshed, and a stale entry is served when the refresh
// fails. The blocklist is consulted before the cache or the network.
type ActorDirectory struct {
	db          *db.DB
	client      *http.Client
	ttl         time.Duration
	timeout     time.Duration
	concurrency int
	userAgent   string
	logger      *zap.Logger
	now         func() time.Time
	fetches     singleflight.Group
}

func NewActorDirectory(database *db.DB, conf *util.AppConfig, logger *zap.Logger) *ActorDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActorDirectory{
		db:          database,
		client:      &http.Client{Timeout: conf.Actors.FetchTimeout},
		ttl:         conf.Actors.CacheTTL,
		timeout:     conf.Actors.FetchTimeout,
		concurrency: conf.Delivery.Concurrency,
		userAgent:   util.UserAgent(conf.Conf.Domain),
		logger:      logger.Named("actors"),
		now:         time.Now,
	}
}

// Resolve returns the identity document of actorURL.
func (d *ActorDirectory) Resolve(ctx context.Context, actorURL string) (*domain.RemoteActor, error) {
	return d.resolve(ctx, actorURL, false)
}

// Refresh is Resolve without the cache lookup, used when a cached key no
// longer verifies.
func (d *ActorDirectory) Refresh(ctx context.Context, actorURL string) (*domain.RemoteActor, error) {
	return d.resolve(ctx, actorURL, true)
}

func (d *ActorDirectory) resolve(ctx context.Context, actorURL string, force bool) (*domain.RemoteActor, error) {
	host, err := hostOf(actorURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if d.IsBlocked(ctx, host) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
	}

	cached, err := d.db.ReadRemoteActor(ctx, actorURL)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		d.logger.Warn("actor cache read failed", zap.String("actor", actorURL), zap.Error(err))
	}
	if cached != nil && !force && cached.Fresh(d.now(), d.ttl) {
		return cached, nil
	}

	return d.refresh(ctx, actorURL, cached)
}

// refresh fetches actorURL and falls back to cached when the fetch fails.
func (d *ActorDirectory) refresh(ctx context.Context, actorURL string, cached *domain.RemoteActor) (*domain.RemoteActor, error) {
	fetched, err := d.fetchShared(ctx, actorURL)
	if err != nil {
		if cached != nil {
			d.logger.Info("serving stale actor",
				zap.String("actor", actorURL),
				zap.Time("fetched_at", cached.FetchedAt),
				zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvable, actorURL, err)
	}
	return fetched, nil
}

// ResolveMany resolves a follower set. Blocked hosts are filtered with one
// lookup and the cache is read with one query before any network fetch;
// only missing or stale entries are fetched, with bounded concurrency.
func (d *ActorDirectory) ResolveMany(ctx context.Context, urls []string) ResolveResult {
	result := ResolveResult{Actors: make(map[string]*domain.RemoteActor, len(urls))}

	hosts := make(map[string]string, len(urls))
	var allowed []string
	for _, u := range urls {
		host, err := hostOf(u)
		if err != nil {
			result.Failed = append(result.Failed, u)
			continue
		}
		hosts[u] = host
	}
	blocked := d.blockedHosts(ctx, hostValues(hosts))
	for _, u := range urls {
		host, ok := hosts[u]
		if !ok {
			continue
		}
		if blocked[host] {
			result.Blocked = append(result.Blocked, u)
			continue
		}
		allowed = append(allowed, u)
	}

	cached, err := d.db.ReadRemoteActors(ctx, allowed)
	if err != nil {
		d.logger.Warn("actor cache read failed", zap.Int("actors", len(allowed)), zap.Error(err))
		cached = map[string]*domain.RemoteActor{}
	}

	now := d.now()
	var missing []string
	for _, u := range allowed {
		if actor, ok := cached[u]; ok && actor.Fresh(now, d.ttl) {
			result.Actors[u] = actor
			continue
		}
		missing = append(missing, u)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, u := range missing {
		g.Go(func() error {
			actor, err := d.refresh(gctx, u, cached[u])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, u)
				return nil
			}
			result.Actors[u] = actor
			return nil
		})
	}
	g.Wait()

	return result
}

// IsBlocked reports whether host, or a parent domain of it, is blocked. The
// most specific entry wins, so an allowed subdomain of a blocked domain is
// reachable. Lookup errors fail open.
func (d *ActorDirectory) IsBlocked(ctx context.Context, host string) bool {
	return d.blockedHosts(ctx, []string{host})[host]
}

func (d *ActorDirectory) blockedHosts(ctx context.Context, hosts []string) map[string]bool {
	out := make(map[string]bool, len(hosts))
	if len(hosts) == 0 {
		return out
	}

	seen := make(map[string]bool)
	var candidates []string
	for _, h := range hosts {
		for _, c := range domainCandidates(h) {
			if !seen[c] {
				seen[c] = true
				candidates = append(candidates, c)
			}
		}
	}

	statuses, err := d.db.ReadDomainStatuses(ctx, candidates)
	if err != nil {
		d.logger.Warn("blocklist lookup failed, allowing", zap.Strings("hosts", hosts), zap.Error(err))
		return out
	}
	for _, h := range hosts {
		for _, c := range domainCandidates(h) {
			if status, ok := statuses[c]; ok {
				out[h] = status == domain.DomainBlocked
				break
			}
		}
	}
	return out
}

// ActorKey returns a resolver that only accepts the key declared by the
// document of actorURL. A key id claimed by another document is rejected.
func (d *ActorDirectory) ActorKey(actorURL string) PublicKeyResolver {
	return d.actorKey(actorURL, false)
}

// FreshActorKey is ActorKey with a forced refetch of the document, for
// senders that rotated their key since it was cached.
func (d *ActorDirectory) FreshActorKey(actorURL string) PublicKeyResolver {
	return d.actorKey(actorURL, true)
}

func (d *ActorDirectory) actorKey(actorURL string, force bool) PublicKeyResolver {
	return func(ctx context.Context, keyId string) (*rsa.PublicKey, error) {
		actor, err := d.resolve(ctx, actorURL, force)
		if err != nil {
			return nil, err
		}
		if actor.PublicKeyId != keyId {
			return nil, fmt.Errorf("%w: %s declares %s, not %s", ErrKeyMismatch, actor.ActorURL, actor.PublicKeyId, keyId)
		}
		return ParsePublicKey(actor.PublicKeyPem)
	}
}

// fetchShared collapses concurrent fetches of the same actor into one. The
// shared fetch is detached from the caller that started it, so a caller
// giving up does not fail the others waiting on it.
func (d *ActorDirectory) fetchShared(ctx context.Context, actorURL string) (*domain.RemoteActor, error) {
	ch := d.fetches.DoChan(actorURL, func() (interface{}, error) {
		return d.fetch(context.WithoutCancel(ctx), actorURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteActor), nil
	}
}

// fetch downloads the identity document and replaces the cache entry.
func (d *ActorDirectory) fetch(ctx context.Context, actorURL string) (*domain.RemoteActor, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", activityJSONAccept)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var doc ActorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.ID == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if doc.ID != actorURL {
		return nil, fmt.Errorf("actor id %s does not match %s", doc.ID, actorURL)
	}

	host, err := hostOf(doc.ID)
	if err != nil {
		return nil, err
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
		return nil, fmt.Errorf("%w: key %s is owned by %s, not %s", ErrKeyMismatch, doc.PublicKey.ID, doc.PublicKey.Owner, doc.ID)
	}
	if keyHost, err := hostOf(doc.PublicKey.ID); err != nil || keyHost != host {
		return nil, fmt.Errorf("%w: key %s is not hosted on %s", ErrKeyMismatch, doc.PublicKey.ID, host)
	}

	actor := &domain.RemoteActor{
		ActorURL:       doc.ID,
		Username:       doc.PreferredUsername,
		Domain:         host,
		InboxURL:       doc.Inbox,
		SharedInboxURL: doc.Endpoints.SharedInbox,
		OutboxURL:      doc.Outbox,
		PublicKeyId:    doc.PublicKey.ID,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		DisplayName:    doc.Name,
		RawJSON:        string(body),
		FetchedAt:      d.now(),
	}
	if err := d.db.UpsertRemoteActor(ctx, actor); err != nil {
		// the document is still usable for this call
		d.logger.Warn("failed to cache actor", zap.String("actor", actorURL), zap.Error(err))
	}
	d.logger.Debug("fetched actor", zap.String("actor", actorURL), zap.String("inbox", actor.InboxURL))
	return actor, nil
}

// hostOf extracts the host name of a URL, without port.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}
	return host, nil
}

// domainCandidates lists host and its parent domains, most specific first.
// "a.b.example" -> ["a.b.example", "b.example", "example"]
func domainCandidates(host string) []string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	candidates := []string{host}
	for {
		_, parent, ok := strings.Cut(host, ".")
		if !ok || parent == "" {
			return candidates
		}
		candidates = append(candidates, parent)
		host = parent
	}
}

func hostValues(m map[string]string) []string {
	seen := make(map[string]bool, len(m))
	out := make([]string, 0, len(m))
	for _, h := range m {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
