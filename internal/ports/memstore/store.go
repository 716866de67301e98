// Package memstore is an in-process DocumentStore. Transactions are
// optimistic: reads record the version they saw and commit fails when any
// of those versions moved, after which the transaction function is re-run.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"ringoffire/internal/ports"
	"ringoffire/internal/ports/feed"
)

// DefaultMaxAttempts bounds how often RunTransaction re-runs a function that
// keeps losing to concurrent commits.
const DefaultMaxAttempts = 25

var errStale = errors.New("stale read")

type key struct {
	collection string
	id         string
}

type record struct {
	data    []byte
	version int64
}

// Options tune a Store. The zero value is usable.
type Options struct {
	MaxAttempts int
	// BeforeCommit runs after a transaction function returns and before its
	// writes are validated. Tests use it to force interleavings.
	BeforeCommit func()
}

// Store keeps documents in memory.
type Store struct {
	mu     sync.Mutex
	docs   map[key]record
	hub    *feed.Hub
	closed bool
	opts   Options
}

// New constructs an empty Store.
func New(opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Store{
		docs: make(map[key]record),
		hub:  feed.NewHub(),
		opts: opts,
	}
}

// Close rejects later calls and ends every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.docs {
		if k.collection == collection {
			n++
		}
	}
	return n
}

func (s *Store) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	if err := ctx.Err(); err != nil {
		return ports.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.Document{}, ports.ErrClosed
	}
	rec, ok := s.docs[key{collection, id}]
	if !ok {
		return ports.Document{}, fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	return document(collection, id, rec), nil
}

func (s *Store) Create(ctx context.Context, collection string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ports.ErrClosed
	}
	id := uuid.NewString()
	s.put(key{collection, id}, data)
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.ErrClosed
	}
	k := key{collection, id}
	if _, ok := s.docs[k]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	s.put(k, data)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.ErrClosed
	}
	k := key{collection, id}
	if _, ok := s.docs[k]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	delete(s.docs, k)
	s.hub.Fail(collection, id, fmt.Errorf("%s/%s deleted: %w", collection, id, ports.ErrNotFound))
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection, id string, observer ports.Observer) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ports.ErrClosed
	}
	sub := s.hub.Register(collection, id, observer)
	if rec, ok := s.docs[key{collection, id}]; ok {
		sub.Deliver(document(collection, id, rec))
	} else {
		sub.Fail(fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound))
	}
	return sub, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, txn ports.Txn) error) error {
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &txn{
			store:  s,
			reads:  make(map[key]int64),
			writes: make(map[key][]byte),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if s.opts.BeforeCommit != nil {
			s.opts.BeforeCommit()
		}
		err := s.commit(t)
		if errors.Is(err, errStale) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d attempts: %w", s.opts.MaxAttempts, ports.ErrConflict)
}

func (s *Store) commit(t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.ErrClosed
	}
	for k, seen := range t.reads {
		if s.docs[k].version != seen {
			return errStale
		}
	}
	for _, k := range t.order {
		s.put(k, t.writes[k])
	}
	return nil
}

// put must be called with mu held. Publishing under the lock keeps snapshot
// order equal to commit order.
func (s *Store) put(k key, data []byte) {
	rec := record{data: append([]byte(nil), data...), version: s.docs[k].version + 1}
	s.docs[k] = rec
	s.hub.Publish(document(k.collection, k.id, rec))
}

func (s *Store) read(k key) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[k]
	return rec, ok
}

func document(collection, id string, rec record) ports.Document {
	return ports.Document{
		Collection: collection,
		ID:         id,
		Data:       append([]byte(nil), rec.data...),
		Version:    strconv.FormatInt(rec.version, 10),
	}
}

type txn struct {
	store  *Store
	reads  map[key]int64 // 0 records an observed absence
	writes map[key][]byte
	order  []key
}

func (t *txn) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	if err := ctx.Err(); err != nil {
		return ports.Document{}, err
	}
	k := key{collection, id}
	if data, ok := t.writes[k]; ok {
		return ports.Document{Collection: collection, ID: id, Data: append([]byte(nil), data...)}, nil
	}
	rec, ok := t.store.read(k)
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = rec.version
	}
	if !ok {
		return ports.Document{}, fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	return document(collection, id, rec), nil
}

func (t *txn) Create(ctx context.Context, collection string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.stage(key{collection, id}, data)
	return id, nil
}

func (t *txn) Update(ctx context.Context, collection, id string, data []byte) error {
	k := key{collection, id}
	if _, ok := t.writes[k]; !ok {
		if _, err := t.Get(ctx, collection, id); err != nil {
			return err
		}
	}
	t.stage(k, data)
	return nil
}

func (t *txn) stage(k key, data []byte) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = append([]byte(nil), data...)
}

var _ ports.DocumentStore = (*Store)(nil)
