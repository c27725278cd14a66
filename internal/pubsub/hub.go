// Package pubsub fans values out to subscribers over channels. Every
// subscriber receives every value published after it subscribed, in publish
// order; a slow subscriber never blocks the publisher or other subscribers.
package pubsub

import "sync"

// Hub broadcasts values of type T.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// NewHub creates an empty Hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	s := newSubscriber[T]()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	go s.run()

	return s.out, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
}

// Publish queues v for every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.push(v)
	}
}

// Count returns the number of subscribers.
func (h *Hub[T]) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close unregisters every subscriber and closes their channels. Later
// subscriptions receive an already closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber[T])
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscriber[T any] struct {
	out  chan T
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []T
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// run forwards pending values to out until stopped, then closes out.
func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
