package braidhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"gihan9a/braidhttp/pkg/braidproto"
)

// ErrInvalidStatus is returned for statuses that do not fit the three digit
// status line of a response.
var ErrInvalidStatus = errors.New("braid: status out of range")

// WriteUpdate writes u as a complete response. A single patch is sent as
// the body with its Content-Range; several patches are sent as patch blocks
// after a Patches count. Any status from 100 to 999 is sent as is; others
// fail with ErrInvalidStatus before anything is written.
func WriteUpdate(w http.ResponseWriter, u braidproto.Update) error {
	status := u.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}

	h := w.Header()
	if len(u.Version) > 0 {
		h.Set(braidproto.HeaderVersion, braidproto.FormatVersionHeader(u.Version))
	}
	if len(u.Parents) > 0 {
		h.Set(braidproto.HeaderParents, braidproto.FormatVersionHeader(u.Parents))
	}
	for name, value := range u.ExtraHeaders {
		h.Set(name, value)
	}

	var body []byte
	switch {
	case u.Body != nil:
		body = u.Body
	case len(u.Patches) == 1:
		p := u.Patches[0]
		h.Set(braidproto.HeaderPatches, "1")
		h.Set(braidproto.HeaderContentRange, braidproto.FormatContentRange(p.Unit, p.Range))
		body = p.Content
	case len(u.Patches) > 1:
		h.Set(braidproto.HeaderPatches, strconv.Itoa(len(u.Patches)))
		h.Del(braidproto.HeaderContentRange)
		body = braidproto.EncodePatches(u.Patches)
	}
	if body != nil {
		h.Set(braidproto.HeaderContentLength, strconv.Itoa(len(body)))
	}

	w.WriteHeader(status)
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

type streamConfig struct {
	heartbeat time.Duration
	clock     clockwork.Clock
	headers   map[string]string
}

// StreamOpt configures Stream.
type StreamOpt func(*streamConfig)

// WithHeartbeat makes Stream write a blank line every interval. Zero
// disables heartbeats.
func WithHeartbeat(interval time.Duration) StreamOpt {
	return func(c *streamConfig) { c.heartbeat = interval }
}

// WithClock sets the clock driving heartbeats.
func WithClock(clock clockwork.Clock) StreamOpt {
	return func(c *streamConfig) { c.clock = clock }
}

// WithHeaders adds response headers to the 209 response.
func WithHeaders(headers map[string]string) StreamOpt {
	return func(c *streamConfig) { c.headers = headers }
}

// Stream answers with 209 and writes every update received on updates as a
// frame until updates is closed, ctx is done or an item carries an error.
// The error of such an item is returned; the client sees the stream end.
func Stream(ctx context.Context, w http.ResponseWriter, updates <-chan braidproto.Result, opts ...StreamOpt) error {
	cfg := streamConfig{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := w.Header()
	for name, value := range cfg.headers {
		h.Set(name, value)
	}
	h.Set(braidproto.HeaderSubscribe, "true")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Del(braidproto.HeaderContentLength)
	if cfg.heartbeat > 0 {
		h.Set(braidproto.HeaderHeartbeats, braidproto.FormatHeartbeat(cfg.heartbeat))
	}
	w.WriteHeader(braidproto.StatusSubscription)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("streaming unsupported: %w", err)
	}

	var tick <-chan time.Time
	if cfg.heartbeat > 0 {
		ticker := cfg.clock.NewTicker(cfg.heartbeat)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-updates:
			if !ok {
				return nil
			}
			if item.Err != nil {
				return item.Err
			}
			frame = braidproto.EncodeFrame(item.Update)
		case <-tick:
			frame = braidproto.EncodeFrame(braidproto.Update{})
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
}
