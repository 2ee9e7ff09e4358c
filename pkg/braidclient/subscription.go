package braidclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gihan9a/braidhttp/pkg/braidproto"
)

// SubscriptionBuffer is the number of updates a subscription holds before
// the reader of the stream waits for the consumer.
const SubscriptionBuffer = 100

const readChunk = 32 << 10

// heartbeatGrace is added to 1.5 heartbeat intervals before a silent
// subscription is given up.
var heartbeatGrace = 3 * time.Second

// Subscription delivers the updates of a 209 response in order. It has a
// single consumer: use either Next or Updates.
type Subscription struct {
	results chan braidproto.Result
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	// Status and Header of the 209 response.
	Status int
	Header map[string]string
}

// Subscribe opens a subscription to rawURL. Anything but a 209 answer fails
// with *InvalidSubscriptionStatusError. The subscription ends when ctx is
// done or Close is called.
func (c *Client) Subscribe(ctx context.Context, rawURL string, r Request) (*Subscription, error) {
	r.Subscribe = true
	ctx, cancel := context.WithCancel(ctx)

	resp, err := c.Fetch(ctx, rawURL, r)
	if err != nil {
		cancel()
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, &InvalidSubscriptionStatusError{Status: statusErr.Code, Err: statusErr}
		}
		return nil, err
	}
	if resp.Status != braidproto.StatusSubscription {
		cancel()
		return nil, &InvalidSubscriptionStatusError{Status: resp.Status}
	}

	heartbeat := r.Heartbeats
	if heartbeat == 0 {
		if secs, err := braidproto.ParseHeartbeat(resp.Headers["heartbeats"]); err == nil {
			heartbeat = time.Duration(secs) * time.Second
		}
	}

	s := &Subscription{
		results: make(chan braidproto.Result, SubscriptionBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		Status:  resp.Status,
		Header:  resp.Headers,
	}
	c.logger.Debug("subscription opened",
		zap.String("url", rawURL),
		zap.Duration("heartbeat", heartbeat),
	)
	go s.forward(ctx, resp.stream, heartbeat, c.logger.With(zap.String("url", rawURL)))
	return s, nil
}

// forward reads the stream, parses it and hands updates to the consumer
// until the stream fails or the subscription is cancelled.
func (s *Subscription) forward(ctx context.Context, body io.ReadCloser, heartbeat time.Duration, logger *zap.Logger) {
	defer close(s.done)
	defer close(s.results)
	defer body.Close()

	var silent atomic.Bool
	var watchdog *time.Timer
	limit := heartbeat*3/2 + heartbeatGrace
	if heartbeat > 0 {
		watchdog = time.AfterFunc(limit, func() {
			silent.Store(true)
			body.Close()
		})
		defer watchdog.Stop()
	}

	parser := braidproto.NewParser()
	buf := make([]byte, readChunk)
	for {
		n, readErr := body.Read(buf)
		if watchdog != nil && n > 0 {
			watchdog.Reset(limit)
		}
		if n > 0 {
			msgs, err := parser.Feed(buf[:n])
			for _, msg := range msgs {
				if !s.send(ctx, braidproto.Result{Update: msg.Update()}) {
					return
				}
			}
			if err != nil {
				logger.Warn("subscription stream malformed", zap.Error(err))
				s.send(ctx, braidproto.Result{Err: err})
				return
			}
		}
		if readErr == nil {
			continue
		}
		switch {
		case ctx.Err() != nil:
		case silent.Load():
			logger.Warn("subscription heartbeat missed", zap.Duration("limit", limit))
			s.send(ctx, braidproto.Result{Err: ErrHeartbeatTimeout})
		case errors.Is(readErr, io.EOF):
			logger.Debug("subscription closed by server")
		default:
			s.send(ctx, braidproto.Result{Err: fmt.Errorf("%w: %w", ErrStream, readErr)})
		}
		return
	}
}

func (s *Subscription) send(ctx context.Context, r braidproto.Result) bool {
	select {
	case s.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next waits for the next update. It returns io.EOF once the stream has
// ended and every update was consumed, and the stream's error if it failed.
func (s *Subscription) Next(ctx context.Context) (braidproto.Update, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			return braidproto.Update{}, io.EOF
		}
		return r.Update, r.Err
	case <-ctx.Done():
		return braidproto.Update{}, ctx.Err()
	}
}

// Updates returns the channel the updates are delivered on. It is closed
// when the stream ends.
func (s *Subscription) Updates() <-chan braidproto.Result {
	return s.results
}

// Close cancels the subscription and waits for its reader to stop.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
