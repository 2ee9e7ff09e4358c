package braidclient

import (
	"errors"
	"fmt"
	"net/http"

	"gihan9a/braidhttp/pkg/braidproto"
)

var (
	// ErrTransport wraps failures to reach the server at all.
	ErrTransport = errors.New("braid: transport failure")
	// ErrInvalidURL is returned when a request URL cannot be used.
	ErrInvalidURL = errors.New("braid: invalid url")
	// ErrStream wraps read failures on an open subscription.
	ErrStream = errors.New("braid: subscription stream failed")
	// ErrHeartbeatTimeout ends a subscription whose server went silent for
	// longer than the agreed heartbeat allows.
	ErrHeartbeatTimeout = errors.New("braid: heartbeat timeout")
)

// StatusError is returned for responses with a status of 400 or above,
// including retryable ones that kept failing until retries ran out.
type StatusError struct {
	Code     int
	Header   http.Header
	Body     []byte
	Attempts int
}

func (e *StatusError) Error() string {
	text := braidproto.StatusText(e.Code)
	if e.Attempts > 1 {
		return fmt.Sprintf("braid: server responded %d %s after %d attempts", e.Code, text, e.Attempts)
	}
	return fmt.Sprintf("braid: server responded %d %s", e.Code, text)
}

// Retryable reports whether the status is one the client retries.
func (e *StatusError) Retryable() bool { return IsRetryableStatus(e.Code) }

// Gone reports a 410: the requested version is unknown to the server and
// the caller should restart from a fresh snapshot.
func (e *StatusError) Gone() bool { return e.Code == http.StatusGone }

// AccessDenied reports a 401 or 403.
func (e *StatusError) AccessDenied() bool { return IsAccessDeniedStatus(e.Code) }

// InvalidSubscriptionStatusError is returned when a subscription request is
// answered with something other than 209. For error statuses Err holds the
// *StatusError with the response headers and body.
type InvalidSubscriptionStatusError struct {
	Status int
	Err    error
}

func (e *InvalidSubscriptionStatusError) Error() string {
	return fmt.Sprintf("braid: subscription answered with status %d, want %d", e.Status, braidproto.StatusSubscription)
}

func (e *InvalidSubscriptionStatusError) Unwrap() error { return e.Err }
