package nakama

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/runtime"

	"ringoffire/internal/clock"
	"ringoffire/internal/ports"
	"ringoffire/internal/ports/feed"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultStorageRetries = 10
)

// StorageModule is the part of runtime.NakamaModule the document store uses.
type StorageModule interface {
	StorageRead(ctx context.Context, reads []*runtime.StorageRead) ([]*api.StorageObject, error)
	StorageWrite(ctx context.Context, writes []*runtime.StorageWrite) ([]*api.StorageObjectAck, error)
	StorageDelete(ctx context.Context, deletes []*runtime.StorageDelete) error
}

// StorageOptions configure NewStorageAdapter.
type StorageOptions struct {
	Clock        clock.Clock
	PollInterval time.Duration
	MaxAttempts  int
	Logger       runtime.Logger
}

// NakamaStorageAdapter keeps game documents as system-owned storage
// objects. Conditional writes on object versions provide the transaction
// conflict check; subscriptions poll.
type NakamaStorageAdapter struct {
	nk       StorageModule
	clock    clock.Clock
	interval time.Duration
	attempts int
	logger   runtime.Logger
}

// NewStorageAdapter wraps nk.
func NewStorageAdapter(nk StorageModule, opts StorageOptions) *NakamaStorageAdapter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultStorageRetries
	}
	return &NakamaStorageAdapter{
		nk:       nk,
		clock:    opts.Clock,
		interval: opts.PollInterval,
		attempts: opts.MaxAttempts,
		logger:   opts.Logger,
	}
}

func (a *NakamaStorageAdapter) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	objects, err := a.nk.StorageRead(ctx, []*runtime.StorageRead{{Collection: collection, Key: id}})
	if err != nil {
		return ports.Document{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	for _, obj := range objects {
		if obj.GetKey() == id && obj.GetCollection() == collection {
			return ports.Document{
				Collection: collection,
				ID:         id,
				Data:       []byte(obj.GetValue()),
				Version:    obj.GetVersion(),
			}, nil
		}
	}
	return ports.Document{}, fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
}

func (a *NakamaStorageAdapter) Create(ctx context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	if err := a.write(ctx, []*runtime.StorageWrite{gameWrite(collection, id, data, "*")}); err != nil {
		return "", err
	}
	return id, nil
}

func (a *NakamaStorageAdapter) Update(ctx context.Context, collection, id string, data []byte) error {
	return a.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		return txn.Update(ctx, collection, id, data)
	})
}

func (a *NakamaStorageAdapter) Delete(ctx context.Context, collection, id string) error {
	if _, err := a.Get(ctx, collection, id); err != nil {
		return err
	}
	if err := a.nk.StorageDelete(ctx, []*runtime.StorageDelete{{Collection: collection, Key: id}}); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// RunTransaction stages writes and commits them as one StorageWrite batch.
// Every document the function read and then wrote is written conditionally
// on the version it read; a rejected version re-runs the function.
func (a *NakamaStorageAdapter) RunTransaction(ctx context.Context, fn func(ctx context.Context, txn ports.Txn) error) error {
	for attempt := 0; attempt < a.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &storageTxn{adapter: a, versions: make(map[docKey]string), writes: make(map[docKey][]byte)}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if len(t.order) == 0 {
			return nil
		}
		err := a.write(ctx, t.batch())
		if errors.Is(err, runtime.ErrStorageRejectedVersion) {
			if a.logger != nil {
				a.logger.Debug("storage transaction conflict, attempt %d", attempt+1)
			}
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d attempts: %w", a.attempts, ports.ErrConflict)
}

func (a *NakamaStorageAdapter) write(ctx context.Context, writes []*runtime.StorageWrite) error {
	if _, err := a.nk.StorageWrite(ctx, writes); err != nil {
		if errors.Is(err, runtime.ErrStorageRejectedVersion) {
			return err
		}
		return fmt.Errorf("failed to write %d storage objects: %w", len(writes), err)
	}
	return nil
}

func gameWrite(collection, id string, data []byte, version string) *runtime.StorageWrite {
	return &runtime.StorageWrite{
		Collection:      collection,
		Key:             id,
		Value:           string(data),
		Version:         version,
		PermissionRead:  runtime.STORAGE_PERMISSION_PUBLIC_READ,
		PermissionWrite: runtime.STORAGE_PERMISSION_NO_WRITE,
	}
}

type docKey struct {
	collection string
	id         string
}

type storageTxn struct {
	adapter  *NakamaStorageAdapter
	versions map[docKey]string // "*" for documents created in this transaction
	writes   map[docKey][]byte
	order    []docKey
}

func (t *storageTxn) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	k := docKey{collection, id}
	if data, ok := t.writes[k]; ok {
		return ports.Document{Collection: collection, ID: id, Data: data}, nil
	}
	doc, err := t.adapter.Get(ctx, collection, id)
	if err != nil {
		return ports.Document{}, err
	}
	if _, ok := t.versions[k]; !ok {
		t.versions[k] = doc.Version
	}
	return doc, nil
}

func (t *storageTxn) Create(_ context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	k := docKey{collection, id}
	t.versions[k] = "*"
	t.stage(k, data)
	return id, nil
}

func (t *storageTxn) Update(ctx context.Context, collection, id string, data []byte) error {
	k := docKey{collection, id}
	if _, ok := t.versions[k]; !ok {
		if _, err := t.Get(ctx, collection, id); err != nil {
			return err
		}
	}
	t.stage(k, data)
	return nil
}

func (t *storageTxn) stage(k docKey, data []byte) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = append([]byte(nil), data...)
}

func (t *storageTxn) batch() []*runtime.StorageWrite {
	out := make([]*runtime.StorageWrite, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, gameWrite(k.collection, k.id, t.writes[k], t.versions[k]))
	}
	return out
}

// Subscribe polls the document every PollInterval and delivers each new
// version. A missing document ends the stream with ErrNotFound.
func (a *NakamaStorageAdapter) Subscribe(ctx context.Context, collection, id string, observer ports.Observer) (ports.Subscription, error) {
	p := &poller{
		adapter:    a,
		collection: collection,
		id:         id,
		sub:        feed.NewHub().Register(collection, id, observer),
		stop:       make(chan struct{}),
	}
	ctx = context.WithoutCancel(ctx)

	last, ok := p.poll(ctx, "")
	if !ok {
		return p, nil
	}
	ticker := a.clock.NewTicker(a.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if last, ok = p.poll(ctx, last); !ok {
					return
				}
			}
		}
	}()
	return p, nil
}

type poller struct {
	adapter    *NakamaStorageAdapter
	collection string
	id         string
	sub        *feed.Subscription
	stop       chan struct{}
	once       sync.Once
}

// poll delivers the document when its version differs from last. It
// reports false once the stream has ended.
func (p *poller) poll(ctx context.Context, last string) (string, bool) {
	doc, err := p.adapter.Get(ctx, p.collection, p.id)
	if err != nil {
		// The feed closes itself after delivering the error.
		p.sub.Fail(err)
		p.halt()
		return last, false
	}
	if doc.Version != last {
		p.sub.Deliver(doc)
	}
	return doc.Version, true
}

func (p *poller) halt() {
	p.once.Do(func() { close(p.stop) })
}

func (p *poller) Close() bool {
	p.halt()
	return p.sub.Close()
}

var _ ports.DocumentStore = (*NakamaStorageAdapter)(nil)
