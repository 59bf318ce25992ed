package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"printer_link/internal/logger"
)

// ErrClosed is returned by Next once the subscriber was removed.
var ErrClosed = errors.New("subscriber closed")

// Subscriber is one observer's bounded, drop-oldest queue.
type Subscriber struct {
	id   string
	size int
	log  *logger.Logger

	mu         sync.Mutex
	queue      []Message
	lastQueued uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	lastAcked atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscriber(id string, size int, log *logger.Logger) *Subscriber {
	return &Subscriber{
		id:     id,
		size:   size,
		log:    log,
		queue:  make([]Message, 0, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscriber) ID() string { return s.id }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reply queues a response for this subscriber only.
func (s *Subscriber) Reply(id string, data any, err error) {
	msg := Message{Kind: KindResponse, ID: id, Data: data}
	if err != nil {
		msg.Error = err.Error()
	}
	s.push(msg)
}

// Next blocks until a message is available, the subscriber is closed, or
// ctx is done.
func (s *Subscriber) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Ack records that the snapshot with the given version reached the
// observer.
func (s *Subscriber) Ack(version uint64) {
	for {
		cur := s.lastAcked.Load()
		if version <= cur || s.lastAcked.CompareAndSwap(cur, version) {
			return
		}
	}
}

// LastAcked is the newest snapshot version delivered to the observer.
func (s *Subscriber) LastAcked() uint64 { return s.lastAcked.Load() }

// Dropped counts messages discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Len is the number of queued messages.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) push(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if msg.Kind == KindState {
		if msg.Snapshot.Version <= s.lastQueued {
			s.mu.Unlock()
			return
		}
		s.lastQueued = msg.Snapshot.Version
	}
	if len(s.queue) >= s.size {
		// Compact instead of reslicing forever so the backing array is reused.
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = Message{}
		s.queue = s.queue[:len(s.queue)-1]
		if s.dropped.Add(1) == 1 {
			s.log.Warnw("hub_subscriber_lagging", "subscriber", s.id, "queue_size", s.size)
		}
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
