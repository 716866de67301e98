// Package sqlitestore is a DocumentStore on a local SQLite database.
//
// Writers go through IMMEDIATE transactions, so a transaction function
// always sees the latest committed state and never has to be retried.
// Live subscriptions are fed from this process's own commits.
package sqlitestore

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	nkruntime "github.com/heroiclabs/nakama-common/runtime"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"ringoffire/internal/logging"
	"ringoffire/internal/ports"
	"ringoffire/internal/ports/feed"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (collection, id)
) WITHOUT ROWID`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

// Config holds the parameters for Open. Path is required.
type Config struct {
	Path     string
	PoolSize int // defaults to max(runtime.NumCPU(), 4)
	Logger   nkruntime.Logger
}

// Store is a SQLite-backed DocumentStore.
type Store struct {
	pool   *sqlitex.Pool
	hub    *feed.Hub
	logger nkruntime.Logger
	path   string

	// writeMu orders commits and their snapshot publication, and makes
	// Subscribe's initial read atomic with registration.
	writeMu sync.Mutex
}

type key struct {
	collection string
	id         string
}

// Open creates the database file if needed and applies the schema lazily
// on every pooled connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	logger.WithFields(map[string]interface{}{"path": cfg.Path, "pool_size": poolSize}).Info("sqlite store opened")

	return &Store{
		pool:   pool,
		hub:    feed.NewHub(),
		logger: logger,
		path:   cfg.Path,
	}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteTransient(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

// Close ends every subscription and closes the pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	s.hub.Close()
	if err := s.pool.Close(); err != nil {
		s.logger.WithField("path", s.path).Error("sqlite store close error: %v", err)
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return conn, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return ports.Document{}, err
	}
	defer s.pool.Put(conn)
	return fetch(conn, key{collection, id})
}

func (s *Store) Create(ctx context.Context, collection string, data []byte) (string, error) {
	var id string
	err := s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		var err error
		id, err = txn.Create(ctx, collection, data)
		return err
	})
	return id, err
}

func (s *Store) Update(ctx context.Context, collection, id string, data []byte) error {
	return s.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		return txn.Update(ctx, collection, id, data)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = sqlitex.Execute(conn, `DELETE FROM documents WHERE collection = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{collection, id},
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: delete %s/%s: %w", collection, id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	s.hub.Fail(collection, id, fmt.Errorf("%s/%s deleted: %w", collection, id, ports.ErrNotFound))
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection, id string, observer ports.Observer) (ports.Subscription, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	doc, err := fetch(conn, key{collection, id})
	sub := s.hub.Register(collection, id, observer)
	if err != nil {
		sub.Fail(err)
	} else {
		sub.Deliver(doc)
	}
	return sub, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, txn ports.Txn) error) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written, err := runImmediate(ctx, conn, fn)
	if err != nil {
		return err
	}
	for _, k := range written {
		doc, err := fetch(conn, k)
		if err != nil {
			s.logger.WithField("id", k.id).Warn("committed document vanished before publish: %v", err)
			continue
		}
		s.hub.Publish(doc)
	}
	return nil
}

func runImmediate(ctx context.Context, conn *sqlite.Conn, fn func(ctx context.Context, txn ports.Txn) error) (written []key, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	t := &txn{conn: conn, seen: make(map[key]bool)}
	if err = fn(ctx, t); err != nil {
		return nil, err
	}
	return t.written, nil
}

func fetch(conn *sqlite.Conn, k key) (ports.Document, error) {
	var doc ports.Document
	found := false
	err := sqlitex.Execute(conn, `SELECT version, data FROM documents WHERE collection = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{k.collection, k.id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			doc = ports.Document{
				Collection: k.collection,
				ID:         k.id,
				Version:    strconv.FormatInt(stmt.ColumnInt64(0), 10),
				Data:       []byte(stmt.ColumnText(1)),
			}
			return nil
		},
	})
	if err != nil {
		return ports.Document{}, fmt.Errorf("sqlitestore: get %s/%s: %w", k.collection, k.id, err)
	}
	if !found {
		return ports.Document{}, fmt.Errorf("%s/%s: %w", k.collection, k.id, ports.ErrNotFound)
	}
	return doc, nil
}

// txn runs directly on the connection holding the write lock.
type txn struct {
	conn    *sqlite.Conn
	written []key
	seen    map[key]bool
}

func (t *txn) Get(ctx context.Context, collection, id string) (ports.Document, error) {
	if err := ctx.Err(); err != nil {
		return ports.Document{}, err
	}
	return fetch(t.conn, key{collection, id})
}

func (t *txn) Create(ctx context.Context, collection string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err := sqlitex.Execute(t.conn, `INSERT INTO documents (collection, id, version, data) VALUES (?, ?, 1, ?)`, &sqlitex.ExecOptions{
		Args: []any{collection, id, string(data)},
	})
	if err != nil {
		return "", fmt.Errorf("sqlitestore: create in %s: %w", collection, err)
	}
	t.mark(key{collection, id})
	return id, nil
}

func (t *txn) Update(ctx context.Context, collection, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := sqlitex.Execute(t.conn, `UPDATE documents SET data = ?, version = version + 1 WHERE collection = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(data), collection, id},
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: update %s/%s: %w", collection, id, err)
	}
	if t.conn.Changes() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ports.ErrNotFound)
	}
	t.mark(key{collection, id})
	return nil
}

func (t *txn) mark(k key) {
	if !t.seen[k] {
		t.seen[k] = true
		t.written = append(t.written, k)
	}
}

var _ ports.DocumentStore = (*Store)(nil)
