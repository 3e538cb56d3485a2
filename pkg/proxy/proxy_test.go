package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/iter-org/drawbridge/pkg/acme"
	"github.com/iter-org/drawbridge/pkg/certstore"
	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func newTestHandler(t *testing.T) (*Handler, *routing.Table, *certstore.Store) {
	t.Helper()
	table := routing.NewTable()
	store := certstore.New()
	return NewHandler(table, store), table, store
}

func get(t *testing.T, handler http.Handler, host, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://placeholder"+path, nil)
	req.Host = host
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestServesChallengeBody(t *testing.T) {
	handler, _, store := newTestHandler(t)

	store.InstallChallenge(acme.Http01Challenge{
		Domain:   "example.test",
		Path:     "/.well-known/acme-challenge/tok",
		Contents: "tok.thumb",
	})

	resp := get(t, handler, "example.test", "/.well-known/acme-challenge/tok")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "tok.thumb", resp.Body.String())

	// challenge bodies are host-scoped
	resp = get(t, handler, "other.test", "/.well-known/acme-challenge/tok")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthCheck(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	resp := get(t, handler, "anything.test", "/health-check")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, resp.Body.String())
}

func TestNoRouteIs404(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	resp := get(t, handler, "unrouted.test", "/index.html")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestForwardsToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		assert.Equal(t, "example.test", r.Host)
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "example.test", r.Header.Get("X-Forwarded-Host"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "from backend")
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	handler, table, _ := newTestHandler(t)
	backendRoute, err := routing.NewBackend("example.test", "/api", backendURL.Host, 80)
	require.NoError(t, err)
	table.InsertBackend(backendRoute)

	req := httptest.NewRequest(http.MethodGet, "http://placeholder/api/users?page=2", nil)
	req.Host = "example.test"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, "from backend", recorder.Body.String())
}

func TestHostPortIsStripped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	handler, table, _ := newTestHandler(t)
	backendRoute, err := routing.NewBackend("example.test", "/", backendURL.Host, 80)
	require.NoError(t, err)
	table.InsertBackend(backendRoute)

	resp := get(t, handler, "example.test:443", "/")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestUnreachableBackendIs502(t *testing.T) {
	handler, table, _ := newTestHandler(t)

	// a port nothing listens on
	backendRoute, err := routing.NewBackend("example.test", "/", "127.0.0.1:1", 80)
	require.NoError(t, err)
	table.InsertBackend(backendRoute)

	resp := get(t, handler, "example.test", "/index.html")
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Contains(t, resp.Body.String(), "Ingress Error")
}
