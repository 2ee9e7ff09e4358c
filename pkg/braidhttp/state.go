// Package braidhttp adapts net/http servers to the Braid protocol: it reads
// the protocol headers of a request and writes updates, single or streamed,
// as responses.
package braidhttp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"gihan9a/braidhttp/pkg/braidproto"
)

// ProtocolState is the Braid view of one request's headers. Optional values
// are nil or zero when their header is absent or unparsable.
type ProtocolState struct {
	Subscribe    bool
	Version      braidproto.VersionList
	Parents      braidproto.VersionList
	Peer         string
	Heartbeat    *time.Duration
	MergeType    string
	ContentRange string
	// Headers holds every request header under its lowercase name.
	// Repeated headers are joined with ", ".
	Headers map[string]string
}

// ExtractProtocolState reads the Braid headers out of h.
func ExtractProtocolState(h http.Header) ProtocolState {
	state := ProtocolState{Headers: make(map[string]string, len(h))}
	for name, values := range h {
		key := strings.ToLower(name)
		value := strings.Join(values, ", ")
		state.Headers[key] = value

		switch key {
		case "subscribe":
			state.Subscribe = strings.EqualFold(strings.TrimSpace(value), "true")
		case "version":
			state.Version = braidproto.ParseVersionHeader(value)
		case "parents":
			state.Parents = braidproto.ParseVersionHeader(value)
		case "peer":
			state.Peer = value
		case "heartbeats":
			if secs, err := braidproto.ParseHeartbeat(value); err == nil {
				d := time.Duration(secs) * time.Second
				state.Heartbeat = &d
			}
		case "merge-type":
			state.MergeType = value
		case "content-range":
			state.ContentRange = value
		}
	}
	return state
}

type stateKey struct{}

// Middleware extracts the protocol state once per request and stores it in
// the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := ExtractProtocolState(r.Header)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), state)))
	})
}

// NewContext returns a copy of ctx carrying state.
func NewContext(ctx context.Context, state ProtocolState) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

// FromContext returns the state stored by Middleware.
func FromContext(ctx context.Context) (ProtocolState, bool) {
	state, ok := ctx.Value(stateKey{}).(ProtocolState)
	return state, ok
}

// StateFromRequest returns the state stored by Middleware, extracting it
// from the headers when the middleware did not run.
func StateFromRequest(r *http.Request) ProtocolState {
	if state, ok := FromContext(r.Context()); ok {
		return state
	}
	return ExtractProtocolState(r.Header)
}
