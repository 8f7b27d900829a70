// Package sqlitedoc is a single-process docstore.Store on SQLite. Documents
// are JSON objects in one table; change subscriptions are served from the
// writes this process performs, so the database file must not be shared
// with another writer.
package sqlitedoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/docstore"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     TEXT NOT NULL,
	PRIMARY KEY (collection, id)
)`

type row struct {
	ID     string `db:"id"`
	Fields string `db:"fields"`
}

// Store implements docstore.Store.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
	hub *docstore.Hub

	// mu serializes writes with change notification and snapshots with
	// subscription registration.
	mu sync.Mutex
}

var _ docstore.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlitedoc: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedoc: init schema: %w", err)
	}
	log = log.With().Str("component", "sqlitedoc").Logger()
	log.Info().Str("path", path).Msg("sqlite store opened")
	return &Store{db: db, log: log, hub: docstore.NewHub()}, nil
}

// Close drops every subscription with ErrSubscriptionLost and closes the
// database.
func (s *Store) Close() error {
	s.hub.Disconnect()
	return s.db.Close()
}

func fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return docstore.Unavailable(fmt.Errorf("sqlitedoc: %s: %w", op, err))
}

func encode(f docstore.Fields) (string, error) {
	b, err := json.Marshal(f)
	return string(b), err
}

func decode(r row) (docstore.Document, error) {
	var f docstore.Fields
	if err := json.Unmarshal([]byte(r.Fields), &f); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", r.ID, err)
	}
	if f == nil {
		f = docstore.Fields{}
	}
	return docstore.Document{ID: r.ID, Fields: f}, nil
}

func get(ctx context.Context, q sqlx.QueryerContext, collection, id string) (docstore.Document, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r, `SELECT id, fields FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, err
	}
	return decode(r)
}

func selectWhere(ctx context.Context, q sqlx.QueryerContext, collection string, query docstore.Query) ([]docstore.Document, error) {
	var (
		sb   strings.Builder
		args = []any{collection}
	)
	sb.WriteString(`SELECT id, fields FROM documents WHERE collection = ?`)

	keys := make([]string, 0, len(query.Where))
	for k := range query.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(` AND json_extract(fields, ?) = ?`)
		args = append(args, `$."`+k+`"`, query.Where[k])
	}

	var rows []row
	if err := sqlx.SelectContext(ctx, q, &rows, sb.String(), args...); err != nil {
		return nil, err
	}
	docs := make([]docstore.Document, 0, len(rows))
	for _, r := range rows {
		d, err := decode(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	query.Sort(docs)
	return docs, nil
}

func write(ctx context.Context, e sqlx.ExecerContext, collection, id string, f docstore.Fields) error {
	enc, err := encode(f)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `UPDATE documents SET fields = ? WHERE collection = ? AND id = ?`, enc, collection, id)
	return err
}

func merge(cur, partial docstore.Fields) docstore.Fields {
	next := cur.Clone()
	for k, v := range partial {
		next[k] = v
	}
	return next
}

// Create stores fields under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	enc, err := encode(fields)
	if err != nil {
		return "", fmt.Errorf("sqlitedoc: create: %w", err)
	}
	id := docstore.NewID()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)`, collection, id, enc)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return "", docstore.ErrConflict
	}
	if err != nil {
		return "", fail("create", err)
	}
	s.hub.Notify(collection, id, nil, fields)
	return id, nil
}

// CreateWithID stores fields under id unless a document already exists.
func (s *Store) CreateWithID(ctx context.Context, collection, id string, fields docstore.Fields) (bool, error) {
	enc, err := encode(fields)
	if err != nil {
		return false, fmt.Errorf("sqlitedoc: create %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?) ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, enc)
	if err != nil {
		return false, fail("create with id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("create with id", err)
	}
	if n == 0 {
		return false, nil
	}
	s.hub.Notify(collection, id, nil, fields)
	return true, nil
}

// Put creates or replaces the document.
func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	enc, err := encode(fields)
	if err != nil {
		return fmt.Errorf("sqlitedoc: put %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fail("put", err)
	}
	defer tx.Rollback()

	var prev docstore.Fields
	if cur, err := get(ctx, tx, collection, id); err == nil {
		prev = cur.Fields
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return fail("put", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET fields = excluded.fields`,
		collection, id, enc)
	if err != nil {
		return fail("put", err)
	}
	if err := tx.Commit(); err != nil {
		return fail("put", err)
	}
	s.hub.Notify(collection, id, prev, fields)
	return nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	d, err := get(ctx, s.db, collection, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{}, fail("get", err)
	}
	return d, err
}

// QueryOne returns the first match of q.
func (s *Store) QueryOne(ctx context.Context, collection string, q docstore.Query) (docstore.Document, error) {
	docs, err := s.Query(ctx, collection, q)
	if err != nil {
		return docstore.Document{}, err
	}
	if len(docs) == 0 {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docs[0], nil
}

// Query returns every match of q in order.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	docs, err := selectWhere(ctx, s.db, collection, q)
	if err != nil {
		return nil, fail("query", err)
	}
	return docs, nil
}

// Update merges partial into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Fields) error {
	_, err := s.UpdateIf(ctx, collection, id, docstore.Condition{}, partial)
	return err
}

// UpdateIf merges partial when cond holds.
func (s *Store) UpdateIf(ctx context.Context, collection, id string, cond docstore.Condition, partial docstore.Fields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fail("update", err)
	}
	defer tx.Rollback()

	cur, err := get(ctx, tx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fail("update", err)
	}
	if !cond.Holds(cur.Fields) {
		return false, nil
	}
	next := merge(cur.Fields, partial)
	if err := write(ctx, tx, collection, id, next); err != nil {
		return false, fail("update", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fail("update", err)
	}
	s.hub.Notify(collection, id, cur.Fields, next)
	return true, nil
}

// UpdateWhere merges partial into every match of q for which cond holds, in
// one transaction.
func (s *Store) UpdateWhere(ctx context.Context, collection string, q docstore.Query, cond docstore.Condition, partial docstore.Fields) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fail("update where", err)
	}
	defer tx.Rollback()

	docs, err := selectWhere(ctx, tx, collection, q)
	if err != nil {
		return nil, fail("update where", err)
	}
	type change struct{ prev, next docstore.Fields }
	var (
		updated []docstore.Document
		changes []change
	)
	for _, d := range docs {
		if !cond.Holds(d.Fields) {
			continue
		}
		next := merge(d.Fields, partial)
		if err := write(ctx, tx, collection, d.ID, next); err != nil {
			return nil, fail("update where", err)
		}
		updated = append(updated, docstore.Document{ID: d.ID, Fields: next})
		changes = append(changes, change{d.Fields, next})
	}
	if err := tx.Commit(); err != nil {
		return nil, fail("update where", err)
	}
	for i, d := range updated {
		s.hub.Notify(collection, d.ID, changes[i].prev, changes[i].next)
	}
	return updated, nil
}

// Subscribe delivers the current matches of q as Added, then live changes
// made through this Store.
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query, h docstore.Handlers) (docstore.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := selectWhere(ctx, s.db, collection, q)
	if err != nil {
		return nil, fail("subscribe", err)
	}
	return s.hub.Add(collection, q, h, snapshot), nil
}
