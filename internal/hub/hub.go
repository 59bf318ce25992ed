// Package hub fans printer snapshots out to any number of observers. Every
// observer has its own bounded queue; a slow observer loses its oldest
// messages and never holds up the publisher or other observers.
package hub

import (
	"sync"
	"time"

	"printer_link"
	"printer_link/internal/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultQueueSize = 100

type Kind string

const (
	KindState    Kind = "state"
	KindResponse Kind = "response"
	KindLog      Kind = "log"
)

// Message is one item in a subscriber queue.
type Message struct {
	Kind Kind
	// Snapshot is set for KindState. It is shared between subscribers and
	// must not be modified.
	Snapshot *printer_link.Snapshot
	// ID correlates a response with its request.
	ID    string
	Data  any
	Error string
}

// Hub holds the latest snapshot and the set of subscribers.
type Hub struct {
	// mu orders Publish against Subscribe so a new subscriber sees the
	// latest snapshot exactly once and only newer ones afterwards.
	mu        sync.Mutex
	latest    *printer_link.Snapshot
	subs      *xsync.MapOf[string, *Subscriber]
	queueSize int
	log       *logger.Logger
}

func New(queueSize int, log *logger.Logger) *Hub {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      xsync.NewMapOf[string, *Subscriber](),
		queueSize: queueSize,
		log:       logger.OrNop(log),
	}
}

// Publish makes s the latest snapshot and queues it for every subscriber.
// Snapshots not newer than the current one are ignored.
func (h *Hub) Publish(s printer_link.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil && s.Version <= h.latest.Version {
		return
	}
	snap := &s
	h.latest = snap
	h.subs.Range(func(_ string, sub *Subscriber) bool {
		sub.push(Message{Kind: KindState, Snapshot: snap})
		return true
	})
}

// Emit broadcasts a log line to every subscriber.
func (h *Hub) Emit(level, msg string) {
	line := printer_link.LogLine{Level: level, Msg: msg, At: time.Now().UTC()}
	h.subs.Range(func(_ string, sub *Subscriber) bool {
		sub.push(Message{Kind: KindLog, Data: line})
		return true
	})
}

// Subscribe registers a new observer. Its queue starts with the latest
// snapshot, if one was published.
func (h *Hub) Subscribe() *Subscriber {
	sub := newSubscriber(uuid.NewString(), h.queueSize, h.log)

	h.mu.Lock()
	h.subs.Store(sub.id, sub)
	if h.latest != nil {
		sub.push(Message{Kind: KindState, Snapshot: h.latest})
	}
	h.mu.Unlock()

	h.log.Debugw("hub_subscribed", "subscriber", sub.id, "subscribers", h.subs.Size())
	return sub
}

// Unsubscribe removes and closes the subscriber with the given id.
func (h *Hub) Unsubscribe(id string) {
	sub, ok := h.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	sub.close()
	h.log.Debugw("hub_unsubscribed", "subscriber", id, "dropped", sub.Dropped())
}

// Latest returns the most recently published snapshot.
func (h *Hub) Latest() (printer_link.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return printer_link.Snapshot{}, false
	}
	return *h.latest, true
}

// Count is the number of live subscribers.
func (h *Hub) Count() int { return h.subs.Size() }

// SubscriberStats describes one subscriber's delivery state.
type SubscriberStats struct {
	ID        string `json:"id"`
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	LastAcked uint64 `json:"lastAcked"`
}

// Stats lists every live subscriber.
func (h *Hub) Stats() []SubscriberStats {
	out := make([]SubscriberStats, 0, h.subs.Size())
	h.subs.Range(func(id string, sub *Subscriber) bool {
		out = append(out, SubscriberStats{
			ID:        id,
			Queued:    sub.Len(),
			Dropped:   sub.Dropped(),
			LastAcked: sub.LastAcked(),
		})
		return true
	})
	return out
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.subs.Range(func(id string, _ *Subscriber) bool {
		h.Unsubscribe(id)
		return true
	})
}
