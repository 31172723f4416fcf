// Package pubsub provides ordered in-memory topics with explicit subscription
// handles. Publishing never blocks: every subscriber owns an unbounded queue
// drained into its channel by a dedicated goroutine.
package pubsub

import "sync"

// Options configures the topics of a Registry.
type Options[T any] struct {
	// Terminal marks events that end a subscription once delivered.
	Terminal func(T) bool
	// Retain closes the topic on a terminal event and replays that event to
	// later subscribers before closing their subscription.
	Retain bool
}

// Topic is a single ordered event stream.
type Topic[T any] struct {
	opts Options[T]

	mu       sync.Mutex
	subs     map[uint64]*Subscription[T]
	next     uint64
	closed   bool
	final    T
	hasFinal bool
}

// NewTopic creates an open topic.
func NewTopic[T any](opts Options[T]) *Topic[T] {
	return &Topic[T]{opts: opts, subs: make(map[uint64]*Subscription[T])}
}

func (t *Topic[T]) isTerminal(ev T) bool {
	return t.opts.Terminal != nil && t.opts.Terminal(ev)
}

// Subscribe registers a subscriber. On a closed topic the subscription
// yields the retained final event, if any, and then closes.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		sub := newSubscription[T](nil)
		if t.hasFinal {
			sub.push(t.final, true)
		}
		sub.end()
		return sub
	}

	id := t.next
	t.next++
	sub := newSubscription[T](func() { t.unsubscribe(id) })
	t.subs[id] = sub
	return sub
}

func (t *Topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// Publish delivers ev to every current subscriber in publish order. It
// reports false when the topic is closed.
func (t *Topic[T]) Publish(ev T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	terminal := t.isTerminal(ev)
	for id, sub := range t.subs {
		sub.push(ev, terminal)
		if terminal {
			delete(t.subs, id)
		}
	}
	if terminal && t.opts.Retain {
		t.closed = true
		t.final = ev
		t.hasFinal = true
	}
	return true
}

// Close ends all subscriptions after their queued events are delivered.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		sub.end()
		delete(t.subs, id)
	}
}

// Closed reports whether the topic accepts no more events.
func (t *Topic[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Subscribers returns the number of live subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscription is a live registration on a Topic. C delivers events in
// publish order and is closed after the terminal event, on topic close, or
// on Close.
type Subscription[T any] struct {
	out         chan T
	notify      chan struct{}
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once

	mu     sync.Mutex
	queue  []T
	ending bool
}

func newSubscription[T any](unsubscribe func()) *Subscription[T] {
	s := &Subscription[T]{
		out:         make(chan T),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		unsubscribe: unsubscribe,
	}
	go s.pump()
	return s
}

// C returns the receive channel.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close unregisters the subscription and drops undelivered events. It is
// idempotent.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

func (s *Subscription[T]) push(ev T, last bool) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if last {
		s.ending = true
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			continue
		}
		ending := s.ending
		s.mu.Unlock()
		if ending {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
