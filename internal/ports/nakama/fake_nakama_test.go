package nakama

import (
	"context"
	"strconv"
	"sync"

	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/runtime"
)

// fakeNakama keeps storage objects in memory with Nakama's version rules.
// Calling any other NakamaModule method panics.
type fakeNakama struct {
	runtime.NakamaModule

	mu        sync.Mutex
	objects   map[docKey]*api.StorageObject
	seq       int
	lastWrite []*runtime.StorageWrite
	writeErr  error
	// beforeWrite runs ahead of every StorageWrite, outside the lock.
	beforeWrite func()
}

func newFakeNakama() *fakeNakama {
	return &fakeNakama{objects: make(map[docKey]*api.StorageObject)}
}

func (f *fakeNakama) StorageRead(ctx context.Context, reads []*runtime.StorageRead) ([]*api.StorageObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*api.StorageObject
	for _, r := range reads {
		if obj, ok := f.objects[docKey{r.Collection, r.Key}]; ok {
			out = append(out, &api.StorageObject{
				Collection: obj.Collection,
				Key:        obj.Key,
				Value:      obj.Value,
				Version:    obj.Version,
			})
		}
	}
	return out, nil
}

func (f *fakeNakama) StorageWrite(ctx context.Context, writes []*runtime.StorageWrite) ([]*api.StorageObjectAck, error) {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	for _, w := range writes {
		existing, ok := f.objects[docKey{w.Collection, w.Key}]
		switch {
		case w.Version == "":
		case w.Version == "*":
			if ok {
				return nil, runtime.ErrStorageRejectedVersion
			}
		case !ok || existing.Version != w.Version:
			return nil, runtime.ErrStorageRejectedVersion
		}
	}
	f.lastWrite = writes
	acks := make([]*api.StorageObjectAck, 0, len(writes))
	for _, w := range writes {
		f.seq++
		version := strconv.Itoa(f.seq)
		f.objects[docKey{w.Collection, w.Key}] = &api.StorageObject{
			Collection: w.Collection,
			Key:        w.Key,
			Value:      w.Value,
			Version:    version,
		}
		acks = append(acks, &api.StorageObjectAck{Collection: w.Collection, Key: w.Key, Version: version})
	}
	return acks, nil
}

func (f *fakeNakama) StorageDelete(ctx context.Context, deletes []*runtime.StorageDelete) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range deletes {
		delete(f.objects, docKey{d.Collection, d.Key})
	}
	return nil
}

// put writes a document unconditionally, as another server would.
func (f *fakeNakama) put(collection, id, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.objects[docKey{collection, id}] = &api.StorageObject{
		Collection: collection,
		Key:        id,
		Value:      value,
		Version:    strconv.Itoa(f.seq),
	}
}

func (f *fakeNakama) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}
