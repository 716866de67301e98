package memstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"ringoffire/internal/ports"
)

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	id, err := s.Create(ctx, "games", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	doc, err := s.Get(ctx, "games", id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(doc.Data) != `{"n":1}` || doc.Version != "1" {
		t.Fatalf("Get = %s@%s", doc.Data, doc.Version)
	}

	if err := s.Update(ctx, "games", id, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	doc, _ = s.Get(ctx, "games", id)
	if string(doc.Data) != `{"n":2}` || doc.Version != "2" {
		t.Fatalf("after update Get = %s@%s", doc.Data, doc.Version)
	}

	if err := s.Update(ctx, "games", "missing", nil); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("Update missing err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "games", id); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := s.Get(ctx, "games", id); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
	if s.Len("games") != 0 {
		t.Fatalf("Len = %d, want 0", s.Len("games"))
	}
}

func TestSubscribeDeliversCurrentThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	id, _ := s.Create(ctx, "games", []byte(`0`))

	got := make(chan string, 16)
	sub, err := s.Subscribe(ctx, "games", id, ports.ObserverFuncs{
		Next: func(doc ports.Document) { got <- string(doc.Data) },
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		if err := s.Update(ctx, "games", id, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("Update error: %v", err)
		}
	}
	for i := 0; i <= 3; i++ {
		select {
		case data := <-got:
			if data != strconv.Itoa(i) {
				t.Fatalf("snapshot %d = %s", i, data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for snapshot %d", i)
		}
	}
}

func TestSubscribeMissingReportsNotFound(t *testing.T) {
	s := New(Options{})
	errs := make(chan error, 1)
	_, err := s.Subscribe(context.Background(), "games", "nope", ports.ObserverFuncs{
		Error: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ports.ErrNotFound) {
			t.Fatalf("stream err = %v, want ErrNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error delivered")
	}
}

func TestTransactionAbortWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		if _, err := txn.Create(ctx, "games", []byte(`{}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTransaction err = %v, want boom", err)
	}
	if s.Len("games") != 0 {
		t.Fatalf("aborted transaction left %d documents", s.Len("games"))
	}
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	var id string
	err := s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		var err error
		id, err = txn.Create(ctx, "games", []byte(`a`))
		if err != nil {
			return err
		}
		if err := txn.Update(ctx, "games", id, []byte(`b`)); err != nil {
			return err
		}
		doc, err := txn.Get(ctx, "games", id)
		if err != nil {
			return err
		}
		if string(doc.Data) != "b" {
			t.Errorf("staged read = %s, want b", doc.Data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction error: %v", err)
	}
	doc, _ := s.Get(ctx, "games", id)
	if string(doc.Data) != "b" || doc.Version != "1" {
		t.Fatalf("committed = %s@%s, want b@1", doc.Data, doc.Version)
	}
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	s := New(Options{MaxAttempts: 1000})
	id, _ := s.Create(ctx, "counters", []byte(`0`))

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
				doc, err := txn.Get(ctx, "counters", id)
				if err != nil {
					return err
				}
				n, _ := strconv.Atoi(string(doc.Data))
				return txn.Update(ctx, "counters", id, []byte(strconv.Itoa(n+1)))
			})
			if err != nil {
				t.Errorf("RunTransaction error: %v", err)
			}
		}()
	}
	wg.Wait()

	doc, _ := s.Get(ctx, "counters", id)
	if string(doc.Data) != strconv.Itoa(workers) {
		t.Fatalf("counter = %s, want %d", doc.Data, workers)
	}
}

func TestTransactionGivesUpWithConflict(t *testing.T) {
	ctx := context.Background()
	var s *Store
	var id string
	s = New(Options{
		MaxAttempts: 3,
		BeforeCommit: func() {
			_ = s.Update(ctx, "games", id, []byte(`interference`))
		},
	})
	id, _ = s.Create(ctx, "games", []byte(`x`))

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		attempts++
		if _, err := txn.Get(ctx, "games", id); err != nil {
			return err
		}
		return txn.Update(ctx, "games", id, []byte(`mine`))
	})
	if !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestClosedStoreRejects(t *testing.T) {
	s := New(Options{})
	s.Close()
	if _, err := s.Create(context.Background(), "games", nil); !errors.Is(err, ports.ErrClosed) {
		t.Fatalf("Create after Close err = %v, want ErrClosed", err)
	}
}
