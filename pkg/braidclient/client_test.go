package braidclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gihan9a/braidhttp/pkg/braidproto"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func TestIsRetryableStatus(t *testing.T) {
	retryable := map[int]bool{408: true, 425: true, 429: true, 502: true, 503: true, 504: true}
	for code := 100; code < 600; code++ {
		assert.Equal(t, retryable[code], IsRetryableStatus(code), "status %d", code)
	}
	assert.True(t, IsRetryableStatus(503))
	assert.False(t, IsRetryableStatus(404))
}

func TestIsAccessDeniedStatus(t *testing.T) {
	assert.True(t, IsAccessDeniedStatus(401))
	assert.True(t, IsAccessDeniedStatus(403))
	assert.False(t, IsAccessDeniedStatus(404))
	assert.False(t, IsAccessDeniedStatus(200))
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(0, base))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base))
	for n := 1; n <= maxBackoffExponent; n++ {
		assert.Greater(t, ExponentialBackoff(n, base), ExponentialBackoff(n-1, base))
	}
	capped := ExponentialBackoff(maxBackoffExponent, base)
	assert.Equal(t, base*1024, capped)
	assert.Equal(t, capped, ExponentialBackoff(11, base))
	assert.Equal(t, capped, ExponentialBackoff(1000, base))
	assert.Equal(t, base, ExponentialBackoff(-1, base))
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Version", `"v1"`)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	resp, err := c.Fetch(context.Background(), srv.URL+"/doc", Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.IsSubscription)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Equal(t, `"v1"`, resp.Headers["version"])

	u, err := resp.Update()
	require.NoError(t, err)
	assert.Equal(t, braidproto.Versions("v1"), u.Version)
	assert.Equal(t, []byte("hello"), u.Body)
}

func TestFetchRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 2
	_, err := New(cfg).Fetch(context.Background(), srv.URL, Request{})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.Equal(t, 3, statusErr.Attempts)
	assert.Equal(t, []byte("slow down"), statusErr.Body)
	assert.True(t, statusErr.Retryable())
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDoesNotRetryOtherStatuses(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone, http.StatusForbidden, http.StatusInternalServerError} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		}))

		_, err := New(testConfig()).Fetch(context.Background(), srv.URL, Request{})
		srv.Close()

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, code, statusErr.Code)
		assert.Equal(t, int32(1), calls.Load(), "status %d", code)
		assert.Equal(t, code == http.StatusGone, statusErr.Gone())
		assert.Equal(t, code == http.StatusForbidden, statusErr.AccessDenied())
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 1
	_, err := New(cfg).Fetch(context.Background(), url, Request{})
	require.ErrorIs(t, err, ErrTransport)
}

func TestFetchInvalidURL(t *testing.T) {
	c := New(testConfig())
	for _, raw := range []string{"::not a url", "ftp://example.com/x", "/relative"} {
		_, err := c.Fetch(context.Background(), raw, Request{})
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestFetchStopsWhenContextDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryDelay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(cfg).Fetch(ctx, srv.URL, Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestFetchSendsProtocolHeaders(t *testing.T) {
	type captured struct {
		req  *http.Request
		body []byte
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- captured{req: r.Clone(context.Background()), body: body}
		w.Header().Set("Version", `"v3"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(), WithPeer("peer-1"))
	_, err := c.Fetch(context.Background(), srv.URL+"/doc", Request{
		Version:    braidproto.Versions("v3"),
		Parents:    braidproto.Versions("v1", "v2"),
		MergeType:  "simpleton",
		Heartbeats: 5 * time.Second,
		Header:     http.Header{"X-Trace": []string{"abc"}},
		Patches:    []braidproto.Patch{{Unit: "text", Range: "[0:0]", Content: []byte("hi")}},
	})
	require.NoError(t, err)

	c0 := <-seen
	got, body := c0.req, c0.body
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/doc", got.URL.Path)
	assert.Equal(t, `"v3"`, got.Header.Get("Version"))
	assert.Equal(t, `"v1", "v2"`, got.Header.Get("Parents"))
	assert.Equal(t, "peer-1", got.Header.Get("Peer"))
	assert.Equal(t, "simpleton", got.Header.Get("Merge-Type"))
	assert.Equal(t, "5s", got.Header.Get("Heartbeats"))
	assert.Equal(t, "text [0:0]", got.Header.Get("Content-Range"))
	assert.Equal(t, "abc", got.Header.Get("X-Trace"))
	assert.Empty(t, got.Header.Get("Subscribe"))
	assert.Equal(t, "hi", string(body))
	assert.Equal(t, "peer-1", c.Peer())
}

func TestPutWithSeveralPatches(t *testing.T) {
	patches := []braidproto.Patch{
		{Unit: "json", Range: ".a", Content: []byte("1")},
		{Unit: "json", Range: ".b", Content: []byte(`"x"`)},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Patches", r.Header.Get("Patches"))
		w.Header().Set("Merge-Type", "lww")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	resp, err := New(testConfig()).Put(context.Background(), srv.URL, braidproto.Update{
		Version: braidproto.Versions("v9"),
		Patches: patches,
	})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.Headers["patches"])

	u, err := resp.Update()
	require.NoError(t, err)
	assert.Equal(t, patches, u.Patches)
	assert.Nil(t, u.Body)
	assert.Equal(t, "lww", u.ExtraHeaders["merge-type"])
}

func TestLoggingToggle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	for _, enabled := range []bool{true, false} {
		core, logs := observer.New(zap.DebugLevel)
		cfg := testConfig()
		cfg.EnableLogging = enabled
		_, err := New(cfg, WithLogger(zap.New(core))).Fetch(context.Background(), srv.URL, Request{})
		require.NoError(t, err)

		if enabled {
			assert.NotZero(t, logs.FilterMessage("response received").Len())
		} else {
			assert.Zero(t, logs.Len())
		}
	}
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Version", `"v1"`)
		w.Header().Set("Content-Range", "json .a")
		_, _ = w.Write([]byte("1"))
	}))
	defer srv.Close()

	u, err := New(testConfig()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []braidproto.Patch{{Unit: "json", Range: ".a", Content: []byte("1")}}, u.Patches)

	_, err = New(testConfig()).Get(context.Background(), "http://")
	assert.True(t, errors.Is(err, ErrInvalidURL))
}
