package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type memoryReplayStore struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	setErr error
}

func newMemoryReplayStore() *memoryReplayStore {
	return &memoryReplayStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryReplayStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryReplayStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value.(string)
	m.ttls[key] = ttl
	return nil
}

func (m *memoryReplayStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryReplayStore) IdempotencyKey(scope, id string) string {
	return "idempotency:" + scope + ":" + id
}

func (m *memoryReplayStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type countingHandler struct {
	mu     sync.Mutex
	calls  int
	status int
	hold   chan struct{}
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.hold != nil {
		<-h.hold
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.status)
	_, _ = w.Write([]byte(`{"data":{"session_id":"cs_1"}}`))
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func idempotentRouter(store *memoryReplayStore, h http.Handler) http.Handler {
	logg := logger.New(logger.Options{ServiceName: "idempotency-test", Output: io.Discard})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			buyer := req.Header.Get("X-Test-Buyer")
			if buyer == "" {
				buyer = "buyer-1"
			}
			next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), buyer, buyer+"@example.com", "")))
		})
	})
	r.With(Idempotency(store, time.Hour, logg)).Post("/api/v1/checkout", h.ServeHTTP)
	return r
}

func post(router http.Handler, key, body string) *httptest.ResponseRecorder {
	return postAs(router, "", key, body)
}

func postAs(router http.Handler, buyer, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if buyer != "" {
		req.Header.Set("X-Test-Buyer", buyer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyRequiresUsableKey(t *testing.T) {
	h := &countingHandler{status: http.StatusCreated}
	router := idempotentRouter(newMemoryReplayStore(), h)

	assert.Equal(t, http.StatusBadRequest, post(router, "", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(router, strings.Repeat("k", maxIdempotencyKey+1), `{}`).Code)
	assert.Zero(t, h.count())
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	store := newMemoryReplayStore()
	h := &countingHandler{status: http.StatusCreated}
	router := idempotentRouter(store, h)

	first := post(router, "key-1", `{"lines":[1]}`)
	second := post(router, "key-1", `{"lines":[1]}`)

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, 1, h.count())
	assert.Empty(t, first.Header().Get(replayedHeader))
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	for _, ttl := range store.ttls {
		assert.Equal(t, time.Hour, ttl)
	}
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	h := &countingHandler{status: http.StatusCreated}
	router := idempotentRouter(newMemoryReplayStore(), h)

	post(router, "key-1", `{"lines":[1]}`)
	rec := post(router, "key-1", `{"lines":[2]}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "IDEMPOTENCY_KEY_REUSED")
	assert.Equal(t, 1, h.count())
}

func TestIdempotencyTurnsAwayConcurrentRetry(t *testing.T) {
	h := &countingHandler{status: http.StatusCreated, hold: make(chan struct{})}
	router := idempotentRouter(newMemoryReplayStore(), h)

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() { firstDone <- post(router, "key-1", `{"lines":[1]}`) }()
	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, time.Millisecond)

	retry := post(router, "key-1", `{"lines":[1]}`)
	assert.Equal(t, http.StatusConflict, retry.Code)
	assert.Equal(t, "1", retry.Header().Get("Retry-After"))

	close(h.hold)
	assert.Equal(t, http.StatusCreated, (<-firstDone).Code)
	assert.Equal(t, "true", post(router, "key-1", `{"lines":[1]}`).Header().Get(replayedHeader))
	assert.Equal(t, 1, h.count())
}

func TestIdempotencyReleasesKeyOnRetryableFailure(t *testing.T) {
	store := newMemoryReplayStore()
	h := &countingHandler{status: http.StatusServiceUnavailable}
	router := idempotentRouter(store, h)

	post(router, "key-1", `{}`)
	assert.Empty(t, store.data, "failed attempt left no claim behind")
	post(router, "key-1", `{}`)

	assert.Equal(t, 2, h.count())
}

func TestIdempotencyKeysAreScopedPerBuyer(t *testing.T) {
	h := &countingHandler{status: http.StatusCreated}
	router := idempotentRouter(newMemoryReplayStore(), h)

	postAs(router, "buyer-1", "shared", `{}`)
	rec := postAs(router, "buyer-2", "shared", `{}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(replayedHeader))
	assert.Equal(t, 2, h.count())
}

func TestIdempotencyServesResponseWhenRecordCannotBeStored(t *testing.T) {
	store := newMemoryReplayStore()
	store.setErr = errors.New("redis: connection refused")
	h := &countingHandler{status: http.StatusCreated}

	rec := post(idempotentRouter(store, h), "key-1", `{}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, h.count())
}
