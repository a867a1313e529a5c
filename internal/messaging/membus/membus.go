// Package membus provides an in-process implementation of the messaging
// interfaces. It exists so the core and its tests run without a broker
// process; production deployments wire the NATS adapter instead.
//
// Delivery is asynchronous: each subscriber owns a bounded inbox drained by
// its own goroutine. Publishing never blocks; a full inbox drops the message
// for that subscriber and counts the drop.
package membus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
)

var (
	// ErrClosed is returned when operating on a closed bus.
	ErrClosed = errors.New("membus: closed")
)

const defaultInboxSize = 256

// Bus is an in-process fan-out broker implementing messaging.Client.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscription
	nextID    atomic.Int64
	closed    bool
	inboxSize int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an in-process bus with the default inbox size.
func New() *Bus {
	return NewWithInbox(defaultInboxSize)
}

// NewWithInbox creates an in-process bus with a per-subscriber inbox size.
func NewWithInbox(size int) *Bus {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &Bus{
		subs:      make(map[int64]*subscription),
		inboxSize: size,
	}
}

// Publish delivers data to every subscriber whose pattern matches subject.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	b.published.Add(1)
	msg := &messaging.Message{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}

	for _, sub := range b.subs {
		if !sub.active.Load() || !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. Patterns use
// NATS-style tokens: "*" matches one token, ">" matches the remaining tail.
func (b *Bus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if handler == nil {
		return nil, errors.New("membus: nil handler")
	}

	sub := &subscription{
		id:      b.nextID.Add(1),
		bus:     b,
		pattern: subject,
		inbox:   make(chan *messaging.Message, b.inboxSize),
		done:    make(chan struct{}),
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub

	go sub.run(handler)
	return sub, nil
}

// Pressure reports the fullest subscriber inbox as a fraction of capacity.
func (b *Bus) Pressure() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var max float64
	for _, sub := range b.subs {
		if !sub.active.Load() {
			continue
		}
		frac := float64(len(sub.inbox)) / float64(cap(sub.inbox))
		if frac > max {
			max = frac
		}
	}
	return max
}

// Stats returns total published and dropped message counts.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts the bus down and stops all subscriber goroutines.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
	return nil
}

// Drain is equivalent to Close for the in-process bus; inboxes already
// queued are abandoned, matching fire-and-forget semantics.
func (b *Bus) Drain() error {
	return b.Close()
}

// IsConnected reports whether the bus accepts traffic.
func (b *Bus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type subscription struct {
	id      int64
	bus     *Bus
	pattern string
	inbox   chan *messaging.Message
	done    chan struct{}
	active  atomic.Bool
	dropped atomic.Uint64
	once    sync.Once
}

func (s *subscription) run(handler messaging.MessageHandler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			// Handler errors are the handler's concern; the bus keeps
			// delivering.
			_ = handler(context.Background(), msg)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

// Unsubscribe stops delivery to this subscription.
func (s *subscription) Unsubscribe() error {
	s.stop()
	s.bus.remove(s.id)
	return nil
}

// Subject returns the subscription's subject pattern.
func (s *subscription) Subject() string {
	return s.pattern
}

// IsValid reports whether the subscription still receives messages.
func (s *subscription) IsValid() bool {
	return s.active.Load()
}

// subjectMatches implements NATS-style subject matching over dot-separated
// tokens: "*" matches exactly one token, ">" matches one or more trailing
// tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
