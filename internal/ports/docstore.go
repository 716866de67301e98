package ports

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a transaction kept losing to concurrent
	// commits and the store gave up retrying it.
	ErrConflict = errors.New("transaction conflict")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("document store closed")
)

// Document is one stored document. Data holds the JSON encoding of the
// document body; Version changes on every committed write.
type Document struct {
	Collection string
	ID         string
	Data       []byte
	Version    string
}

// Observer receives live snapshots of one document.
type Observer interface {
	// OnNext is called with every snapshot, in commit order.
	OnNext(doc Document)
	// OnError is called when the stream fails. No further snapshots follow.
	OnError(err error)
}

// Subscription is a live document stream handle.
type Subscription interface {
	// Close stops delivery. It reports whether this call closed the stream;
	// closing twice is harmless.
	Close() bool
}

// Txn is the view of the store inside RunTransaction. Writes become
// visible only when the transaction commits.
type Txn interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create reserves an id for a new document and stages its body.
	Create(ctx context.Context, collection string, data []byte) (string, error)
	// Update stages a full overwrite of an existing (or staged) document.
	Update(ctx context.Context, collection, id string, data []byte) error
}

// DocumentStore defines the persistence collaborator the game session
// logic depends on.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Create(ctx context.Context, collection string, data []byte) (string, error)
	// Update overwrites the whole document. Returns ErrNotFound when the
	// document does not exist.
	Update(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers the current document, then every later committed
	// version, to the observer until the subscription is closed. A missing
	// document is reported through OnError with ErrNotFound.
	Subscribe(ctx context.Context, collection, id string, observer Observer) (Subscription, error)

	// RunTransaction runs fn atomically. When a document read by fn is
	// changed by a concurrent commit, fn is run again from the start; fn
	// must therefore not have side effects outside the Txn. An error
	// returned by fn aborts the transaction without writing anything.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, txn Txn) error) error
}

// ObserverFuncs adapts plain functions to Observer.
type ObserverFuncs struct {
	Next  func(doc Document)
	Error func(err error)
}

func (o ObserverFuncs) OnNext(doc Document) {
	if o.Next != nil {
		o.Next(doc)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}
