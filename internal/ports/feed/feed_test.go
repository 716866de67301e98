package feed

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"ringoffire/internal/ports"
)

type recorder struct {
	mu   sync.Mutex
	docs []ports.Document
	errs []error
	got  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) OnNext(doc ports.Document) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback %d of %d", i+1, n)
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	sub := hub.Register("games", "g1", rec)
	defer sub.Close()

	for i := 0; i < 100; i++ {
		hub.Publish(ports.Document{Collection: "games", ID: "g1", Version: strconv.Itoa(i)})
	}
	hub.Publish(ports.Document{Collection: "games", ID: "other", Version: "x"})
	rec.wait(t, 100)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, doc := range rec.docs {
		if doc.Version != strconv.Itoa(i) {
			t.Fatalf("snapshot %d has version %s", i, doc.Version)
		}
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	sub := hub.Register("games", "g1", rec)

	hub.Publish(ports.Document{Collection: "games", ID: "g1", Version: "1"})
	rec.wait(t, 1)

	if !sub.Close() {
		t.Fatalf("first Close should report true")
	}
	if sub.Close() {
		t.Fatalf("second Close should report false")
	}
	if hub.Count("games", "g1") != 0 {
		t.Fatalf("closed subscription still registered")
	}

	hub.Publish(ports.Document{Collection: "games", ID: "g1", Version: "2"})
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.docs) != 1 {
		t.Fatalf("received %d snapshots after close, want 1", len(rec.docs))
	}
}

func TestFailEndsStream(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	hub.Register("games", "g1", rec)

	boom := errors.New("boom")
	hub.Fail("games", "g1", boom)
	rec.wait(t, 1)

	hub.Publish(ports.Document{Collection: "games", ID: "g1"})
	time.Sleep(20 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], boom) {
		t.Fatalf("errors = %v, want [boom]", rec.errs)
	}
	if len(rec.docs) != 0 {
		t.Fatalf("snapshot delivered after failure")
	}
}

func TestCloseFromCallback(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	var sub *Subscription
	var mu sync.Mutex
	calls := 0
	sub = hub.Register("games", "g1", ports.ObserverFuncs{
		Next: func(ports.Document) {
			mu.Lock()
			calls++
			mu.Unlock()
			sub.Close()
			close(done)
		},
	})

	hub.Publish(ports.Document{Collection: "games", ID: "g1"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never ran")
	}
	hub.Publish(ports.Document{Collection: "games", ID: "g1"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	sub := hub.Register("games", "g1", newRecorder())
	hub.Close()
	if sub.Close() {
		t.Fatalf("subscription should already be closed by hub.Close")
	}
	late := hub.Register("games", "g1", newRecorder())
	if late.Close() {
		t.Fatalf("registering on a closed hub should return a closed subscription")
	}
}
