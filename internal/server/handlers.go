package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/registry"
	"gihan9a/braidhttp/pkg/braidhttp"
	"gihan9a/braidhttp/pkg/braidproto"
	"gihan9a/braidhttp/pkg/merge"
)

const (
	maxBodySize = 16 << 20

	anonymousAgent = "anonymous"
)

// handleBraidRequest handles all Braid protocol requests
func (s *Server) handleBraidRequest(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Path

	// Resources the server does not have go upstream when a proxy is set.
	if _, ok := s.registry.Get(resourceID); !ok && s.reverseProxy != nil {
		s.proxyRequest(w, r)
		return
	}

	w.Header().Set("Range-Request-Allow-Methods", "PATCH, PUT")
	w.Header().Set("Range-Request-Allow-Units", "json, text")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleGet(w, r, resourceID)
	case http.MethodPut, http.MethodPatch:
		s.handlePut(w, r, resourceID)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, PUT, PATCH, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT, PATCH, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func snapshotUpdate(snap registry.Snapshot) braidproto.Update {
	return braidproto.Update{
		Version:      braidproto.VersionList{snap.Version},
		Parents:      snap.Parents,
		Body:         []byte(snap.Content),
		ExtraHeaders: map[string]string{braidproto.HeaderMergeType: snap.MergeType},
	}
}

func contentType(content string) string {
	if json.Valid([]byte(content)) {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// handleGet answers with the current state of the resource, or subscribes
// to it.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, resourceID string) {
	res, ok := s.registry.Get(resourceID)
	if !ok {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}
	state := braidhttp.StateFromRequest(r)

	snap := res.Snapshot()
	w.Header().Set(braidproto.HeaderCurrentVersion, braidproto.FormatVersionHeader(braidproto.VersionList{snap.Version}))
	// Only the current version is kept.
	if len(state.Version) > 0 && !state.Version.Contains(snap.Version) {
		http.Error(w, "Version not available", http.StatusGone)
		return
	}

	if state.Subscribe && s.config.Subscriptions.Enabled {
		s.handleSubscribe(w, r, res, state)
		return
	}

	w.Header().Set("Content-Type", contentType(snap.Content))
	if err := braidhttp.WriteUpdate(w, snapshotUpdate(snap)); err != nil {
		s.logger.Debug("failed to write response", zap.String("resource", resourceID), zap.Error(err))
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, res *registry.Resource, state braidhttp.ProtocolState) {
	heartbeat := s.config.Subscriptions.HeartbeatInterval
	if state.Heartbeat != nil {
		heartbeat = *state.Heartbeat
	}

	var first registry.Snapshot
	sub, err := s.hub.add(res.ID(), state.Peer, state.Parents, func() braidproto.Update {
		first = res.Snapshot()
		return snapshotUpdate(first)
	})
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Too many subscriptions", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.remove(sub)

	err = braidhttp.Stream(r.Context(), w, sub.updates,
		braidhttp.WithHeartbeat(heartbeat),
		braidhttp.WithClock(s.clock),
		braidhttp.WithHeaders(map[string]string{
			"Content-Type":             contentType(first.Content),
			braidproto.HeaderMergeType: first.MergeType,
		}),
	)
	if err != nil {
		s.logger.Debug("subscription ended with error",
			zap.String("subscription", sub.id),
			zap.String("resource", res.ID()),
			zap.Error(err),
		)
	}
}

// edit is the change carried by a PUT or PATCH request: a new body or a
// list of patches.
type edit struct {
	body    []byte
	patches []braidproto.Patch
}

// parseEdit reads the edit from a request. Several patches come as patch
// blocks after a Patches count; one patch may also come as the body with a
// Content-Range header.
func parseEdit(state braidhttp.ProtocolState, body []byte) (edit, error) {
	count, hasCount := state.Headers["patches"]
	if hasCount && !(count == "1" && state.ContentRange != "") {
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return edit{}, &braidproto.HeaderParseError{Header: braidproto.HeaderPatches, Value: count, Err: err}
		}
		if n == 0 {
			return edit{patches: []braidproto.Patch{}}, nil
		}
		msgs, err := braidproto.NewParser().Feed(append([]byte("Patches: "+count+"\r\n\r\n"), body...))
		if err != nil {
			return edit{}, err
		}
		if len(msgs) != 1 {
			return edit{}, &braidproto.HeaderParseError{Header: braidproto.HeaderPatches, Value: count, Err: errors.New("incomplete patch blocks")}
		}
		return edit{patches: msgs[0].Patches}, nil
	}
	if state.ContentRange != "" {
		unit, rng, err := braidproto.ParseContentRange(state.ContentRange)
		if err != nil {
			return edit{}, err
		}
		return edit{patches: []braidproto.Patch{{Unit: unit, Range: rng, Content: body}}}, nil
	}
	return edit{body: body}, nil
}

// applyPatches returns content with patches applied in order. Text ranges
// count runes and must lie within the content.
func applyPatches(content string, patches []braidproto.Patch) (string, error) {
	for _, p := range patches {
		switch p.Unit {
		case braidproto.UnitText:
			start, end, err := braidproto.ParseIndexRange(p.Range)
			if err != nil {
				return "", err
			}
			runes := []rune(content)
			if end > len(runes) {
				return "", fmt.Errorf("%w: [%d:%d] beyond length %d", braidproto.ErrInvalidRange, start, end, len(runes))
			}
			content = string(runes[:start]) + string(p.Content) + string(runes[end:])
		case braidproto.UnitJSON:
			if content != "" && !json.Valid([]byte(content)) {
				return "", fmt.Errorf("%w: resource is not a json document", braidproto.ErrInvalidRange)
			}
			doc, err := braidproto.ApplyJSONPatch([]byte(content), p)
			if err != nil {
				if errors.Is(err, braidproto.ErrInvalidRange) || errors.Is(err, braidproto.ErrUnsupportedUnit) {
					return "", err
				}
				return "", fmt.Errorf("%w: %w", braidproto.ErrInvalidRange, err)
			}
			content = string(doc)
		default:
			return "", fmt.Errorf("%w %q", braidproto.ErrUnsupportedUnit, p.Unit)
		}
	}
	return content, nil
}

func onlyText(patches []braidproto.Patch) bool {
	for _, p := range patches {
		if p.Unit != braidproto.UnitText {
			return false
		}
	}
	return true
}

// applyEdit runs ed against the engine of resource id. Nothing is changed
// when the edit is rejected.
func (s *Server) applyEdit(id, agent string, ed edit) func(merge.Engine) error {
	return func(e merge.Engine) error {
		next := string(ed.body)
		if ed.body == nil {
			var err error
			if next, err = applyPatches(e.Content(), ed.patches); err != nil {
				return err
			}
		}
		if err := s.schemas.validate(id, next); err != nil {
			return err
		}

		if ed.body == nil && onlyText(ed.patches) {
			for _, p := range ed.patches {
				start, end, _ := braidproto.ParseIndexRange(p.Range)
				if end > start {
					e.AddDeleteRemote(agent, start, end)
				}
				if len(p.Content) > 0 {
					e.AddInsertRemote(agent, start, string(p.Content))
				}
			}
		}
		if e.Content() != next {
			registry.Replace(e, agent, next)
		}
		return nil
	}
}

func editStatus(err error) int {
	switch {
	case errors.Is(err, errSchemaViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, braidproto.ErrUnsupportedUnit), errors.Is(err, braidproto.ErrInvalidRange):
		return braidproto.StatusRangeNotSatisfiable
	case errors.Is(err, braidproto.ErrHeaderParse),
		errors.Is(err, braidproto.ErrParserFailed),
		errors.Is(err, braidproto.ErrInvalidUTF8),
		errors.Is(err, registry.ErrUnknownMergeType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handlePut applies an edit to the resource, creating it on first use.
// An edit whose Parents do not include the version it was applied on was
// merged into newer state; it is answered with 293.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, resourceID string) {
	state := braidhttp.StateFromRequest(r)
	agent := state.Peer
	if agent == "" {
		agent = anonymousAgent
	}
	limitKey := state.Peer
	if limitKey == "" {
		limitKey = remoteHost(r)
	}

	if !s.peers.allow(limitKey, s.clock.Now()) {
		s.metrics.edits.WithLabelValues(sourceHTTP, outcomeLimited).Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many writes", http.StatusTooManyRequests)
		return
	}

	if s.peers.duplicate(state.Peer, resourceID, state.Version) {
		if snap, ok := s.registry.GetResourceState(resourceID); ok {
			s.metrics.edits.WithLabelValues(sourceHTTP, outcomeDuplicate).Inc()
			s.writeEditResponse(w, http.StatusOK, snap)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	ed, err := parseEdit(state, body)
	var (
		snap   registry.Snapshot
		status int
	)
	if err == nil {
		snap, status, err = s.commitEdit(r.Context(), resourceID, agent, state, ed)
	}
	if err != nil {
		s.metrics.edits.WithLabelValues(sourceHTTP, outcomeRejected).Inc()
		code := editStatus(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("failed to apply edit", zap.String("resource", resourceID), zap.Error(err))
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.writeEditResponse(w, status, snap)
}

// commitEdit applies ed, then persists and publishes the result. The edits of
// one resource go through all three steps one at a time, so the store and
// subscribers see versions in the order they were made.
func (s *Server) commitEdit(ctx context.Context, resourceID, agent string, state braidhttp.ProtocolState, ed edit) (registry.Snapshot, int, error) {
	defer s.sequencer.lock(resourceID)()

	if _, err := s.registry.GetOrCreateWithMergeType(resourceID, agent, state.MergeType); err != nil {
		return registry.Snapshot{}, 0, err
	}
	snap, err := s.registry.Apply(resourceID, agent, s.applyEdit(resourceID, agent, ed))
	if err != nil {
		return snap, 0, err
	}

	status, outcome, from := http.StatusOK, outcomeApplied, state.Peer
	if len(state.Parents) > 0 && !state.Parents.Contains(snap.Base) {
		status, outcome, from = braidproto.StatusMergeConflict, outcomeConflict, ""
		s.logger.Info("merged edit made on an older version",
			zap.String("resource", resourceID),
			zap.String("peer", state.Peer),
			zap.Stringer("parents", state.Parents),
			zap.String("base", string(snap.Base)),
		)
	}
	s.metrics.edits.WithLabelValues(sourceHTTP, outcome).Inc()
	s.peers.record(state.Peer, resourceID, state.Version)

	if snap.Version != snap.Base {
		s.persist(ctx, snap)
		u := snapshotUpdate(snap)
		if ed.body == nil {
			u = braidproto.Update{
				Version: braidproto.VersionList{snap.Version},
				Parents: snap.Parents,
				Patches: ed.patches,
			}
		}
		s.publish(resourceID, from, u)
	}
	return snap, status, nil
}

func (s *Server) writeEditResponse(w http.ResponseWriter, status int, snap registry.Snapshot) {
	u := braidproto.Update{
		Status:  status,
		Version: braidproto.VersionList{snap.Version},
		Parents: snap.Parents,
		ExtraHeaders: map[string]string{
			braidproto.HeaderMergeType:      snap.MergeType,
			braidproto.HeaderCurrentVersion: braidproto.FormatVersionHeader(braidproto.VersionList{snap.Version}),
		},
	}
	if err := braidhttp.WriteUpdate(w, u); err != nil {
		s.logger.Debug("failed to write response", zap.String("resource", snap.Resource), zap.Error(err))
	}
}

// publish hands an update of resource to its subscribers.
func (s *Server) publish(resourceID, from string, u braidproto.Update) {
	s.hub.publish(resourceID, from, u, func() braidproto.Update {
		snap, _ := s.registry.GetResourceState(resourceID)
		return snapshotUpdate(snap)
	})
}

// persist saves snap when a store is configured. Failures are logged; the
// edit is already visible.
func (s *Server) persist(ctx context.Context, snap registry.Snapshot) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error("failed to persist resource",
			zap.String("resource", snap.Resource),
			zap.Error(err),
		)
	}
}
