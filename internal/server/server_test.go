package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/internal/registry"
	"gihan9a/braidhttp/internal/store"
	"gihan9a/braidhttp/internal/utils"
	"gihan9a/braidhttp/pkg/braidclient"
	"gihan9a/braidhttp/pkg/braidproto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RootDir = t.TempDir()
	cfg.Subscriptions.HeartbeatInterval = 0
	cfg.Peers.WriteRate = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Opt) *Server {
	t.Helper()
	s, err := New(cfg, append([]Opt{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	return s
}

// serve exposes s over HTTP. Subscriptions are ended before the HTTP server
// shuts down, since it waits for running handlers.
func serve(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
		ts.Close()
	})
	return ts
}

func startServer(t *testing.T, cfg *config.Config, opts ...Opt) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestServer(t, cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	return s, serve(t, s)
}

func newClient(peer string) *braidclient.Client {
	cfg := braidclient.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return braidclient.New(cfg, braidclient.WithPeer(peer))
}

// hashVersion is the version of a resource's first edit.
func hashVersion(content string) braidproto.Version {
	return braidproto.Version(utils.CalculateHash([]byte(content)))
}

// nextVersion is the version of an edit to content on top of parent.
func nextVersion(parent braidproto.Version, content string) braidproto.Version {
	return registry.NextVersion(parent, content)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResourceIDPaths(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	defer s.Close()

	id, err := s.getResourceIDFromPath(filepath.Join(cfg.RootDir, "notes", "today.braid"))
	require.NoError(t, err)
	assert.Equal(t, "/notes/today", id)
	assert.Equal(t, filepath.Join(cfg.RootDir, "notes", "today.braid"), s.getPathFromResourceID(id))

	_, err = s.getResourceIDFromPath(filepath.Join(cfg.RootDir, "..", "elsewhere.braid"))
	assert.Error(t, err)
}

func TestStartRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(ctx, filepath.Join(t.TempDir(), "braid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	cfg := testConfig(t)
	_, ts := startServer(t, cfg, WithStore(st))
	_, err = newClient("alice").Put(ctx, ts.URL+"/notes", braidproto.Update{Body: []byte("keep me")})
	require.NoError(t, err)

	// A second server on the same store comes back with the content and
	// version of the first.
	_, ts2 := startServer(t, testConfig(t), WithStore(st), WithRegistry(registry.New()))
	u, err := newClient("bob").Get(ctx, ts2.URL+"/notes")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), u.Body)
	assert.Equal(t, braidproto.VersionList{hashVersion("keep me")}, u.Version)
}

func TestProxyForwardsMissingResources(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Version", `"upstream-1"`)
		_, _ = io.WriteString(w, "from upstream "+r.URL.Path)
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	cfg.ProxyURL = target
	writeFile(t, filepath.Join(cfg.RootDir, "local.braid"), "local content")
	_, ts := startServer(t, cfg)

	ctx := context.Background()
	c := newClient("alice")
	u, err := c.Get(ctx, ts.URL+"/remote")
	require.NoError(t, err)
	assert.Equal(t, "from upstream /remote", string(u.Body))
	assert.Equal(t, braidproto.Versions("upstream-1"), u.Version)

	u, err = c.Get(ctx, ts.URL+"/local")
	require.NoError(t, err)
	assert.Equal(t, "local content", string(u.Body))
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstream.Close()

	cfg := testConfig(t)
	cfg.ProxyURL = target
	_, ts := startServer(t, cfg)

	resp, err := http.Get(ts.URL + "/remote")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig(t)
	cfg.CORS.Enabled = true
	_, ts := startServer(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/doc", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://editor.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", "Parents")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPut)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := startServer(t, testConfig(t))
	_, err := newClient("alice").Put(context.Background(), ts.URL+"/doc", braidproto.Update{Body: []byte("x")})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "braid_registry_resources 1")
	assert.Contains(t, text, `braid_registry_edits_total{outcome="applied",source="http"} 1`)
	assert.Contains(t, text, "braid_subscriptions_active 0")
	assert.True(t, strings.Contains(text, "braid_http_request_duration_seconds"), "request metrics missing")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	_, ts := startServer(t, cfg)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	// Without the route /metrics is an ordinary, missing resource.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
