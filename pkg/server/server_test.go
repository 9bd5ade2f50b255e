package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/config"
	"github.com/ha1tch/archety/pkg/keys"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/pages"
	"github.com/ha1tch/archety/pkg/resolver"
	"github.com/ha1tch/archety/pkg/server"
	"github.com/ha1tch/archety/pkg/storage"
)

const wiki = "http://en.wikipedia.org/wiki/"

// fakeChecker answers page checks without the network
type fakeChecker struct {
	missing map[string]bool
	titles  map[string]string
}

func (c *fakeChecker) Check(ctx context.Context, url string) (string, error) {
	if c.missing[url] {
		return "", &pages.NotFoundError{URL: url, Code: http.StatusNotFound}
	}
	return c.titles[url], nil
}

// tokenBox keeps the tokens the writer delivers
type tokenBox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (b *tokenBox) Notify(ctx context.Context, d batch.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[d.Address] = d.Token
	return nil
}

func (b *tokenBox) get(address string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[address]
}

// downStore fails every index lookup
type downStore struct {
	*storage.MemoryStore
}

func (downStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	return 0, errors.New("dial tcp: connection refused")
}

// TestServer holds test server instance and helpers
type TestServer struct {
	ts      *httptest.Server
	store   storage.Store
	cache   *cache.MemoryCache
	writer  *batch.Coalescer
	tokens  *tokenBox
	checker *fakeChecker
	t       *testing.T
}

func setupTestServer(t *testing.T, store storage.Store, mutate func(*config.Config)) *TestServer {
	t.Helper()

	cfg := config.Default()
	cfg.PageURLPrefix = wiki
	if mutate != nil {
		mutate(cfg)
	}

	logger := zerolog.Nop()
	memCache, err := cache.NewMemoryCache(map[models.Kind]int{models.KindIdentity: 1000, models.KindPage: 1000})
	require.NoError(t, err)

	tokens := &tokenBox{tokens: make(map[string]string)}
	checker := &fakeChecker{missing: map[string]bool{}, titles: map[string]string{}}
	writer := batch.New(store, memCache, batch.Options{FlushInterval: time.Hour, Notifier: tokens}, logger)
	res := resolver.New(store, memCache, logger)

	srv := server.New(cfg, store, memCache, res, writer, checker, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})

	return &TestServer{ts: ts, store: store, cache: memCache, writer: writer, tokens: tokens, checker: checker, t: t}
}

func newTestServer(t *testing.T) *TestServer {
	return setupTestServer(t, storage.NewMemoryStore(), nil)
}

func (ts *TestServer) do(method, path string, body interface{}) (int, []byte) {
	ts.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, ts.ts.URL+path, reader)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, data
}

func (ts *TestServer) decode(data []byte, v interface{}) {
	ts.t.Helper()
	require.NoError(ts.t, json.Unmarshal(data, v), string(data))
}

func (ts *TestServer) errorMessage(data []byte) string {
	ts.t.Helper()
	var resp models.ErrorResponse
	ts.decode(data, &resp)
	return resp.Error.Message
}

func (ts *TestServer) flush() batch.FlushResult {
	ts.t.Helper()
	status, data := ts.do(http.MethodPost, "/v1/admin/flush", nil)
	require.Equal(ts.t, http.StatusOK, status, string(data))
	var res batch.FlushResult
	ts.decode(data, &res)
	return res
}

func newLifecycleServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PageURLPrefix = wiki

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	memCache, err := cache.NewMemoryCache(map[models.Kind]int{models.KindIdentity: 10, models.KindPage: 10})
	require.NoError(t, err)
	writer := batch.New(store, memCache, batch.Options{FlushInterval: time.Hour}, zerolog.Nop())
	return server.New(cfg, store, memCache, resolver.New(store, memCache, zerolog.Nop()), writer, nil, zerolog.Nop())
}

func startServer(srv *server.Server) <-chan error {
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	return done
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := newLifecycleServer(t)

	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-startServer(srv):
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		_ = srv.Shutdown(context.Background())
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestShutdownStopsStart(t *testing.T) {
	srv := newLifecycleServer(t)
	done := startServer(srv)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `"status":"ok"`)

	status, data = ts.do(http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), config.Version)
}

func TestCreateIdentity_Email(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/identities", models.IdentityRequest{Email: "maxdemarzi@gmail.com"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var resp models.IdentityResponse
	ts.decode(data, &resp)
	assert.Equal(t, "maxdemarzi@gmail.com", resp.Identity)

	// eventually consistent: absent until the writer flushes
	status, _ = ts.do(http.MethodGet, "/v1/identities/maxdemarzi@gmail.com", nil)
	assert.Equal(t, http.StatusNotFound, status)

	res := ts.flush()
	assert.Equal(t, 1, res.Applied)

	status, data = ts.do(http.MethodGet, "/v1/identities/maxdemarzi@gmail.com", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &resp)
	assert.Equal(t, "maxdemarzi@gmail.com", resp.Identity)

	// the identity is stored under its hash
	_, err := ts.store.FindEntity(context.Background(), models.KindIdentity, keys.Hash("maxdemarzi@gmail.com"))
	assert.NoError(t, err)

	// known identities enqueue nothing
	status, _ = ts.do(http.MethodPost, "/v1/identities", models.IdentityRequest{Email: "maxdemarzi@gmail.com"})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 0, ts.writer.Pending())
}

func TestCreateIdentity_Phone(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/identities", models.IdentityRequest{Phone: "044 668 18 00", Region: "CH"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var resp models.IdentityResponse
	ts.decode(data, &resp)
	assert.Equal(t, "+41446681800", resp.Identity)

	ts.flush()
	status, _ = ts.do(http.MethodGet, "/v1/identities/+41446681800", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreateIdentity_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		body    interface{}
		message string
	}{
		{"garbage json", "{not json", "Error parsing JSON."},
		{"bad email", models.IdentityRequest{Email: "max@"}, "Email not valid."},
		{"bad phone", models.IdentityRequest{Phone: "555"}, "Invalid Phone Number."},
		{"empty", models.IdentityRequest{}, "Parameters email or phone required."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := ts.do(http.MethodPost, "/v1/identities", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.message, ts.errorMessage(data))
		})
	}
	assert.Equal(t, 0, ts.writer.Pending())
}

func TestCreatePage(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/pages", models.PageRequest{Title: "Neo4j"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var page models.PageResponse
	ts.decode(data, &page)
	assert.Equal(t, wiki+"Neo4j", page.URL)
	assert.Equal(t, "Neo4j", page.Title)

	status, data = ts.do(http.MethodPost, "/v1/pages", models.PageRequest{URL: wiki + "Graph_database"})
	require.Equal(t, http.StatusCreated, status, string(data))
	ts.decode(data, &page)
	assert.Equal(t, "Graph database", page.Title)

	ts.flush()
	h, err := ts.store.FindEntity(context.Background(), models.KindPage, wiki+"Graph_database")
	require.NoError(t, err)
	e, err := ts.store.GetEntity(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "Graph database", e.Attr(models.AttrTitle))
}

func TestCreatePage_Rejected(t *testing.T) {
	ts := newTestServer(t)
	ts.checker.missing[wiki+"Nope"] = true

	status, data := ts.do(http.MethodPost, "/v1/pages", models.PageRequest{URL: wiki + "Nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, wiki+"Nope not found. HTTP Code: 404", ts.errorMessage(data))

	status, data = ts.do(http.MethodPost, "/v1/pages", models.PageRequest{URL: "http://example.com/Neo4j"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "URL must start with "+wiki, ts.errorMessage(data))

	assert.Equal(t, 0, ts.writer.Pending())
}

func TestLikesAndHates(t *testing.T) {
	ts := newTestServer(t)
	path := "/v1/identities/maxdemarzi@gmail.com"

	// unknown identity
	status, _ := ts.do(http.MethodGet, path+"/likes", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// both sides are new: one record creates both, then relates them
	status, data := ts.do(http.MethodPost, path+"/likes", models.PageRequest{Title: "Tea"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var rel models.RelationshipResponse
	ts.decode(data, &rel)
	assert.Equal(t, models.RelLikes, rel.RelationshipType)
	assert.Equal(t, wiki+"Tea", rel.URL)
	ts.flush()

	// both sides now resolve from the cache; repeats do not duplicate
	for i := 0; i < 3; i++ {
		status, _ = ts.do(http.MethodPost, path+"/likes", models.PageRequest{URL: wiki + "Tea"})
		require.Equal(t, http.StatusCreated, status)
	}
	status, _ = ts.do(http.MethodPost, path+"/hates", models.PageRequest{Title: "Coffee"})
	require.Equal(t, http.StatusCreated, status)
	ts.flush()

	var likes []models.PageResponse
	status, data = ts.do(http.MethodGet, path+"/likes", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &likes)
	assert.Equal(t, []models.PageResponse{{URL: wiki + "Tea", Title: "Tea"}}, likes)

	var hates []models.PageResponse
	status, data = ts.do(http.MethodGet, path+"/hates", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &hates)
	assert.Equal(t, []models.PageResponse{{URL: wiki + "Coffee", Title: "Coffee"}}, hates)
}

func TestLikes_EmptyList(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/identities", models.IdentityRequest{Email: "a@example.com"})
	ts.flush()

	status, data := ts.do(http.MethodGet, "/v1/identities/a@example.com/likes", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(data))
}

func TestKnows(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/identities/alice@example.com/knows", models.IdentityRequest{Email: "bob@example.com"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var rel models.RelationshipResponse
	ts.decode(data, &rel)
	assert.Equal(t, "bob@example.com", rel.Identity2)
	assert.Equal(t, models.RelKnows, rel.RelationshipType)

	status, _ = ts.do(http.MethodPost, "/v1/identities/alice@example.com/knows", models.IdentityRequest{Phone: "(650) 253-0000"})
	require.Equal(t, http.StatusCreated, status)
	ts.flush()

	var known []models.IdentityResponse
	status, data = ts.do(http.MethodGet, "/v1/identities/alice@example.com/knows", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &known)
	assert.ElementsMatch(t, []models.IdentityResponse{{Identity: "bob@example.com"}, {Identity: "+16502530000"}}, known)

	// the edge only carries ciphertext
	alice, err := ts.store.FindEntity(context.Background(), models.KindIdentity, keys.Hash("alice@example.com"))
	require.NoError(t, err)
	edges, err := ts.store.Related(context.Background(), alice, models.RelKnows)
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotContains(t, e.Edge.Attrs[models.AttrEncryptedIdentity], "bob@example.com")
	}

	// knowing is directed
	status, data = ts.do(http.MethodGet, "/v1/identities/bob@example.com/knows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(data))
}

func TestTokens(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/tokens", models.IdentityRequest{Email: "alice@example.com"})
	require.Equal(t, http.StatusCreated, status, string(data))
	ts.flush()

	token := ts.tokens.get("alice@example.com")
	require.Len(t, token, 64)

	resp, err := http.Get(ts.ts.URL + "/v1/tokens/" + token)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Token Authenticated!", string(body))
	ts.flush()

	h, err := ts.store.FindEntity(context.Background(), models.KindIdentity, keys.Hash("alice@example.com"))
	require.NoError(t, err)
	e, err := ts.store.GetEntity(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, token, e.Attr(models.AttrAuthenticatedToken))

	// a second token for the now existing identity replaces the first
	ts.do(http.MethodPost, "/v1/tokens", models.IdentityRequest{Email: "alice@example.com"})
	ts.flush()
	assert.NotEqual(t, token, ts.tokens.get("alice@example.com"))
}

func TestTokens_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	status, data := ts.do(http.MethodPost, "/v1/tokens", models.IdentityRequest{Phone: "(650) 253-0000"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Email parameter required.", ts.errorMessage(data))

	status, data = ts.do(http.MethodPost, "/v1/tokens", "][")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Error parsing JSON.", ts.errorMessage(data))

	status, data = ts.do(http.MethodGet, "/v1/tokens/0000", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Error authenticating token.", ts.errorMessage(data))
}

func TestStoreUnavailableFailsRequest(t *testing.T) {
	ts := setupTestServer(t, downStore{storage.NewMemoryStore()}, nil)

	status, data := ts.do(http.MethodPost, "/v1/identities", models.IdentityRequest{Email: "a@example.com"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Store unavailable.", ts.errorMessage(data))

	status, _ = ts.do(http.MethodPost, "/v1/identities/a@example.com/likes", models.PageRequest{Title: "Tea"})
	assert.Equal(t, http.StatusInternalServerError, status)

	assert.Equal(t, 0, ts.writer.Pending(), "nothing is enqueued for a failed request")
}

func TestAdminStatsAndWarmup(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/identities/a@example.com/likes", models.PageRequest{Title: "Tea"})

	var stats server.StatsResponse
	status, data := ts.do(http.MethodGet, "/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &stats)
	assert.Equal(t, 1, stats.Writer.Queued)

	ts.flush()
	status, data = ts.do(http.MethodGet, "/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, status)
	ts.decode(data, &stats)
	assert.Equal(t, 0, stats.Writer.Queued)
	require.NotNil(t, stats.Store)
	assert.Equal(t, int64(1), stats.Store.Entities[models.KindIdentity])
	assert.Equal(t, int64(1), stats.Store.Entities[models.KindPage])
	assert.Equal(t, int64(1), stats.Store.Relationships[models.RelLikes])
	require.NotNil(t, stats.Info)
	assert.Equal(t, "memory", stats.Info.Type)

	require.NoError(t, ts.cache.Purge(context.Background(), models.KindIdentity))
	status, data = ts.do(http.MethodPost, "/v1/admin/warmup", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `"entries":2`)

	_, err := ts.cache.Get(context.Background(), models.KindIdentity, keys.Hash("a@example.com"))
	assert.NoError(t, err)
}

func TestAdminDisabled(t *testing.T) {
	ts := setupTestServer(t, storage.NewMemoryStore(), func(cfg *config.Config) {
		cfg.AdminEnabled = false
	})

	status, _ := ts.do(http.MethodPost, "/v1/admin/flush", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
