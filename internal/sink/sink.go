// Package sink is the single serialization point for log entries: it assigns
// monotonic sequence numbers, keeps a bounded replay ring for live viewers and
// fans entries out to subscribers with blocking backpressure. Entries are
// never dropped; a subscriber that cannot keep up within the configured
// timeout surfaces ErrOverflow to the publisher instead.
package sink

import (
	"errors"
	"sync"
	"time"

	"example.com/linetap/internal/frame"
)

// Direction labels which channel a frame was read from.
type Direction string

const (
	AToB Direction = "A->B"
	BToA Direction = "B->A"
)

var (
	ErrOverflow = errors.New("sink subscriber queue full")
	ErrClosed   = errors.New("sink closed")
)

// Entry is one immutable log record. After Publish returns, the entry is
// shared read-only between the ring, subscribers and the persistent writer.
type Entry struct {
	Seq       uint64
	Time      time.Time
	Direction Direction
	Frame     *frame.Frame
	Before    []byte
	After     []byte // nil when the rule engine left the frame unchanged
	RuleID    string
	Error     bool
}

// Modified reports whether the entry's frame was rewritten in flight.
func (e *Entry) Modified() bool { return e.After != nil }

// Bytes returns the bytes that were actually forwarded.
func (e *Entry) Bytes() []byte {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

const (
	DefaultRingSize       = 1000
	DefaultEnqueueTimeout = 2 * time.Second
)

// Sink owns the sequence counter, the replay ring and the subscriber list.
// Delivery is serialized by its own mutex so that a subscriber draining
// slowly can never stall Replay, LastSeq, Subscribe or Cancel.
type Sink struct {
	mu      sync.Mutex // guards seq, ring, subs, closed
	pubMu   sync.Mutex // serializes delivery, preserving per-subscriber order
	seq     uint64
	ring    []*Entry
	ringCap int
	timeout time.Duration
	subs    []*Subscription
	closed  bool
}

// New returns a sink with the given replay capacity and enqueue timeout.
// Zero values select the defaults.
func New(ringSize int, enqueueTimeout time.Duration) *Sink {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}
	return &Sink{ringCap: ringSize, timeout: enqueueTimeout}
}

// Publish stamps the entry with the next sequence number and the current
// time (unless already set), stores it in the replay ring and delivers it to
// every subscriber in order. Delivery blocks up to the enqueue timeout per
// subscriber and then fails with ErrOverflow; the entry itself is retained.
func (s *Sink) Publish(e *Entry) (uint64, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.seq++
	e.Seq = s.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.ring = append(s.ring, e)
	if len(s.ring) > s.ringCap {
		s.ring = s.ring[len(s.ring)-s.ringCap:]
	}
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.deliver(e, s.timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return e.Seq, firstErr
}

// Replay returns up to the last n entries in sequence order.
func (s *Sink) Replay(n int) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]*Entry, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// LastSeq returns the most recently assigned sequence number.
func (s *Sink) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Subscribe registers a consumer. Entries published after the call are
// delivered to the returned channel in sequence order.
func (s *Sink) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{s: s, ch: make(chan *Entry, buffer), quit: make(chan struct{})}
	sub.C = sub.ch
	s.mu.Lock()
	if s.closed {
		sub.stop.Do(func() { close(sub.quit) })
		sub.closeCh()
	} else {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()
	return sub
}

// Close stops delivery and closes all subscriber channels. Pending entries
// already delivered remain readable.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop.Do(func() { close(sub.quit) })
	}
	for _, sub := range subs {
		sub.closeCh()
	}
}

// Subscription is one consumer's ordered entry feed.
type Subscription struct {
	C    <-chan *Entry
	s    *Sink
	ch   chan *Entry
	quit chan struct{}
	stop sync.Once
	mu   sync.Mutex // guards done and the ch close
	done bool
}

// Cancel detaches the subscription and closes its channel. An in-flight
// delivery to this subscription unblocks immediately; deliveries to other
// subscribers are not waited on.
func (sub *Subscription) Cancel() {
	sub.stop.Do(func() { close(sub.quit) })
	sub.s.mu.Lock()
	for i, other := range sub.s.subs {
		if other == sub {
			sub.s.subs = append(sub.s.subs[:i], sub.s.subs[i+1:]...)
			break
		}
	}
	sub.s.mu.Unlock()
	sub.closeCh()
}

// closeCh closes the feed channel. Taking sub.mu here cannot stall: a
// delivery in flight to this subscription returns as soon as quit closes.
func (sub *Subscription) closeCh() {
	sub.mu.Lock()
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// deliver runs with s.pubMu held. sub.mu is held across the send so the
// channel cannot be closed mid-select.
func (sub *Subscription) deliver(e *Entry, timeout time.Duration) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return nil
	}
	select {
	case <-sub.quit:
		return nil
	default:
	}
	select {
	case sub.ch <- e:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case sub.ch <- e:
		return nil
	case <-sub.quit:
		return nil
	case <-t.C:
		return ErrOverflow
	}
}
