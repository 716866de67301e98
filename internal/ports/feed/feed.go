// Package feed fans committed document snapshots out to live subscribers.
//
// Each subscription owns a queue and a delivery goroutine, so a slow
// observer never blocks the publisher and snapshots of one document reach
// an observer in the order they were published.
package feed

import (
	"sync"

	"ringoffire/internal/ports"
)

type key struct {
	collection string
	id         string
}

// Hub tracks subscriptions per document.
type Hub struct {
	mu     sync.Mutex
	subs   map[key]map[*Subscription]struct{}
	closed bool
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[key]map[*Subscription]struct{})}
}

// Register adds an observer for one document. The caller is expected to
// Deliver the current snapshot (or Fail) before publishing newer ones.
func (h *Hub) Register(collection, id string, observer ports.Observer) *Subscription {
	sub := &Subscription{hub: h, key: key{collection, id}, observer: observer}
	sub.cond = sync.NewCond(&sub.mu)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closed = true
		return sub
	}
	set, ok := h.subs[sub.key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	return sub
}

// Publish queues doc for every subscriber of that document.
func (h *Hub) Publish(doc ports.Document) {
	for _, sub := range h.subscribers(doc.Collection, doc.ID) {
		sub.Deliver(doc)
	}
}

// Fail reports err to every subscriber of a document and ends their streams.
func (h *Hub) Fail(collection, id string, err error) {
	for _, sub := range h.subscribers(collection, id) {
		sub.Fail(err)
	}
}

// Count returns the number of open subscriptions for a document.
func (h *Hub) Count(collection, id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key{collection, id}])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

func (h *Hub) subscribers(collection, id string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[key{collection, id}]
	out := make([]*Subscription, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.key]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.key)
	}
}

type item struct {
	doc ports.Document
	err error
}

// Subscription is one observer's ordered stream.
type Subscription struct {
	hub      *Hub
	key      key
	observer ports.Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	failed bool
	closed bool
}

// Deliver queues a snapshot.
func (s *Subscription) Deliver(doc ports.Document) {
	s.enqueue(item{doc: doc})
}

// Fail queues a terminal error; later snapshots are dropped.
func (s *Subscription) Fail(err error) {
	s.enqueue(item{err: err})
}

func (s *Subscription) enqueue(it item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed {
		return
	}
	if it.err != nil {
		s.failed = true
	}
	s.queue = append(s.queue, it)
	s.cond.Signal()
}

// Close stops delivery and drops queued snapshots. A callback that was
// already dequeued still completes; Close may be called from inside it.
func (s *Subscription) Close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()

	s.hub.remove(s)
	return true
}

func (s *Subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if it.err != nil {
			s.observer.OnError(it.err)
			s.Close()
			return
		}
		s.observer.OnNext(it.doc)
	}
}

var _ ports.Subscription = (*Subscription)(nil)
