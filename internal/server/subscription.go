package server

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/internal/utils"
	"gihan9a/braidhttp/pkg/braidproto"
)

var errTooManySubscriptions = errors.New("too many subscriptions")

// subscriber is one open subscription to a resource.
type subscriber struct {
	id       string
	resource string
	peer     string
	updates  chan braidproto.Result
	// last is the version the subscriber will hold once it has read every
	// queued update.
	last braidproto.Version
}

// hub fans resource updates out to subscribers. A subscriber whose buffer is
// full is dropped: its channel is closed, which ends its stream, and the
// client resubscribes.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[string]*subscriber
	count  int
	max    int
	buffer int

	metrics *metrics
	logger  *zap.Logger
}

func newHub(cfg config.SubscriptionsConfig, m *metrics, logger *zap.Logger) *hub {
	return &hub{
		subs:    make(map[string]map[string]*subscriber),
		max:     cfg.MaxSubscriptions,
		buffer:  max(cfg.Buffer, 1),
		metrics: m,
		logger:  logger,
	}
}

func versionOf(u braidproto.Update) braidproto.Version {
	if len(u.Version) == 0 {
		return ""
	}
	return u.Version[0]
}

// add registers a subscriber and queues current() as its first update,
// unless the subscriber already holds that version according to parents.
// current runs under the hub lock, so no update published concurrently is
// lost or sent twice.
func (h *hub) add(resource, peer string, parents braidproto.VersionList, current func() braidproto.Update) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.max > 0 && h.count >= h.max {
		return nil, errTooManySubscriptions
	}

	sub := &subscriber{
		id:       utils.GenerateRandomID(),
		resource: resource,
		peer:     peer,
		updates:  make(chan braidproto.Result, h.buffer),
	}
	initial := current()
	sub.last = versionOf(initial)
	if !parents.Contains(sub.last) {
		sub.updates <- braidproto.Result{Update: initial}
	}

	if _, exists := h.subs[resource]; !exists {
		h.subs[resource] = make(map[string]*subscriber)
	}
	h.subs[resource][sub.id] = sub
	h.count++
	h.metrics.subscriptions.Inc()

	h.logger.Debug("added subscription",
		zap.String("subscription", sub.id),
		zap.String("resource", resource),
		zap.String("peer", peer),
		zap.String("version", string(sub.last)),
	)
	return sub, nil
}

// remove unregisters sub and closes its channel. Removing twice is a no-op.
func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(sub) {
		h.logger.Debug("removed subscription",
			zap.String("subscription", sub.id),
			zap.String("resource", sub.resource),
		)
	}
}

func (h *hub) removeLocked(sub *subscriber) bool {
	subs, exists := h.subs[sub.resource]
	if !exists || subs[sub.id] != sub {
		return false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.resource)
	}
	close(sub.updates)
	h.count--
	h.metrics.subscriptions.Dec()
	return true
}

// subscribers returns the number of open subscriptions to resource.
func (h *hub) subscribers(resource string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[resource])
}

// publish sends u, written by peer from, to every subscriber of resource.
// Subscribers that already hold u's version are skipped, and so is the
// subscription of the writing peer itself. A patch update whose parents do
// not include the subscriber's version would not apply, so that subscriber
// gets the snapshot returned by current instead.
func (h *hub) publish(resource, from string, u braidproto.Update, current func() braidproto.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[resource]
	if len(subs) == 0 {
		return
	}

	version := versionOf(u)
	var snapshot *braidproto.Update
	for _, sub := range subs {
		if sub.last == version {
			continue
		}
		if from != "" && sub.peer == from {
			sub.last = version
			continue
		}
		next := u
		if !u.IsSnapshot() && !u.Parents.Contains(sub.last) {
			if snapshot == nil {
				s := current()
				snapshot = &s
			}
			next = *snapshot
			if versionOf(next) == sub.last {
				continue
			}
		}

		select {
		case sub.updates <- braidproto.Result{Update: next}:
			sub.last = versionOf(next)
			h.metrics.broadcasts.Inc()
		default:
			h.logger.Warn("subscriber fell behind, dropping it",
				zap.String("subscription", sub.id),
				zap.String("resource", resource),
				zap.String("peer", sub.peer),
			)
			h.removeLocked(sub)
			h.metrics.drops.Inc()
		}
	}
}

// closeAll ends every subscription.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for _, sub := range subs {
			h.removeLocked(sub)
		}
	}
}
