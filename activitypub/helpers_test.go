package activitypub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
	sharedKeyErr  error
)

// testKey is generated once per test binary; 1024 bits keeps tests fast.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	sharedKeyOnce.Do(func() {
		sharedKey, sharedKeyErr = rsa.GenerateKey(rand.Reader, 1024)
	})
	require.NoError(t, sharedKeyErr)
	return sharedKey
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	return openTestDB(t, filepath.Join(t.TempDir(), "courier.db"))
}

func openTestDB(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func testConfig(t *testing.T) *util.AppConfig {
	t.Helper()
	conf, err := util.DefaultConf()
	require.NoError(t, err)
	conf.Conf.Domain = "local.example"
	conf.Keys.Bits = 1024
	conf.Delivery.ChunkPause = 0
	conf.Delivery.RetryBaseDelay = time.Second
	conf.Delivery.RetryMaxDelay = time.Minute
	conf.Delivery.RequestTimeout = 5 * time.Second
	conf.Actors.FetchTimeout = 5 * time.Second
	require.NoError(t, conf.Validate())
	return conf
}

// createIdentity stores an identity that already carries the shared test key.
func createIdentity(t *testing.T, database *db.DB, handle string) *domain.LocalIdentity {
	t.Helper()
	key := testKey(t)
	actor := fmt.Sprintf("https://local.example/users/%s", handle)
	identity := &domain.LocalIdentity{
		Id:            uuid.New(),
		Handle:        handle,
		ActorURL:      actor,
		InboxURL:      actor + "/inbox",
		OutboxURL:     actor + "/outbox",
		FollowersURL:  actor + "/followers",
		PrivateKeyPem: privateKeyToPEM(key),
		PublicKeyPem:  publicKeyToPEM(t, &key.PublicKey),
		TokenHash:     util.TokenToHash("token-" + handle),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, database.CreateIdentity(context.Background(), identity))
	return identity
}

type receivedPost struct {
	Path   string
	Header http.Header
	Body   []byte
}

// remoteServer plays a remote instance: GET /users/{name} serves an actor
// document, POST /users/{name}/inbox and POST /inbox accept deliveries.
type remoteServer struct {
	*httptest.Server
	publicPem string

	actorFetches atomic.Int64
	inboxPosts   atomic.Int64

	mu          sync.Mutex
	failInbox   map[string]bool
	failActor   map[string]bool
	sharedInbox bool
	documents   map[string]map[string]interface{}
	inboxGate   func()
	actorGate   func()
	received    []receivedPost
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{
		publicPem: publicKeyToPEM(t, &testKey(t).PublicKey),
		failInbox: make(map[string]bool),
		failActor: make(map[string]bool),
		documents: make(map[string]map[string]interface{}),
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) actorURL(name string) string {
	return rs.URL + "/users/" + name
}

func (rs *remoteServer) actorURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = rs.actorURL(fmt.Sprintf("u%03d", i))
	}
	return urls
}

func (rs *remoteServer) setFailInbox(name string, fail bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failInbox[name] = fail
}

func (rs *remoteServer) setFailActor(name string, fail bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failActor[name] = fail
}

// setDocument replaces the actor document served for name.
func (rs *remoteServer) setDocument(name string, doc map[string]interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.documents[name] = doc
}

// keyDocument is an actor document for name declaring the given key.
func (rs *remoteServer) keyDocument(name, keyId, owner, publicPem string) map[string]interface{} {
	actor := rs.actorURL(name)
	key := map[string]string{"id": keyId, "publicKeyPem": publicPem}
	if owner != "" {
		key["owner"] = owner
	}
	return map[string]interface{}{
		"id":        actor,
		"type":      "Person",
		"inbox":     actor + "/inbox",
		"publicKey": key,
	}
}

// setActorGate makes every actor document GET call gate before it is
// answered.
func (rs *remoteServer) setActorGate(gate func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.actorGate = gate
}

// setInboxGate makes every inbox POST call gate before it is answered.
func (rs *remoteServer) setInboxGate(gate func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.inboxGate = gate
}

func (rs *remoteServer) posts() []receivedPost {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]receivedPost(nil), rs.received...)
}

func (rs *remoteServer) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/users/")
	name, rest, _ := strings.Cut(path, "/")

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/users/") && rest == "":
		rs.actorFetches.Add(1)
		rs.mu.Lock()
		fail := rs.failActor[name]
		shared := rs.sharedInbox
		doc, custom := rs.documents[name]
		gate := rs.actorGate
		rs.mu.Unlock()
		if gate != nil {
			gate()
		}
		if fail {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		if custom {
			w.Header().Set("Content-Type", "application/activity+json")
			json.NewEncoder(w).Encode(doc)
			return
		}
		actor := rs.actorURL(name)
		doc = map[string]interface{}{
			"@context":          []string{domain.ActivityStreamsContext, domain.SecurityContext},
			"id":                actor,
			"type":              "Person",
			"preferredUsername": name,
			"inbox":             actor + "/inbox",
			"publicKey": map[string]string{
				"id":           actor + "#main-key",
				"owner":        actor,
				"publicKeyPem": rs.publicPem,
			},
		}
		if shared {
			doc["endpoints"] = map[string]string{"sharedInbox": rs.URL + "/inbox"}
		}
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(doc)

	case r.Method == http.MethodPost && (rest == "inbox" || r.URL.Path == "/inbox"):
		rs.inboxPosts.Add(1)
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.received = append(rs.received, receivedPost{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		fail := rs.failInbox[name]
		gate := rs.inboxGate
		rs.mu.Unlock()
		if gate != nil {
			gate()
		}
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		http.NotFound(w, r)
	}
}
