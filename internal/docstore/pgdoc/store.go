// Package pgdoc is a docstore.Store on PostgreSQL. Documents live as JSONB
// rows in one table; a trigger announces every write with NOTIFY and a
// pq.Listener fans the announcements out to subscriptions, so all gateway
// processes sharing the database observe each other's writes.
package pgdoc

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/docstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// notifyChannel matches the channel used by the documents_notify trigger.
const notifyChannel = "documents"

const uniqueViolation = "23505"

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("pgdoc: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("pgdoc: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgdoc: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pgdoc: migrate up: %w", err)
	}
	return nil
}

// Store implements docstore.Store.
type Store struct {
	db       *sqlx.DB
	log      zerolog.Logger
	listener *pq.Listener
	online   atomic.Bool

	mu   sync.Mutex
	subs map[string]map[uint64]*docstore.Tail
	next uint64

	done chan struct{}
	wg   sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)

// Open connects, migrates the schema and starts listening for changes.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, docstore.Unavailable(fmt.Errorf("pgdoc: connect: %w", err))
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		log:  log.With().Str("component", "pgdoc").Logger(),
		subs: make(map[string]map[uint64]*docstore.Tail),
		done: make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, time.Second, time.Minute, s.onListenerEvent)
	if err := s.listener.Listen(notifyChannel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, docstore.Unavailable(fmt.Errorf("pgdoc: listen: %w", err))
	}
	if err := s.listener.Ping(); err != nil {
		s.listener.Close()
		db.Close()
		return nil, docstore.Unavailable(fmt.Errorf("pgdoc: listener ping: %w", err))
	}
	s.online.Store(true)

	s.wg.Add(1)
	go s.dispatch()
	s.log.Info().Msg("postgres store opened")
	return s, nil
}

// Close drops every subscription and closes both connections.
func (s *Store) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	s.dropAll(nil)
	return errors.Join(err, s.db.Close())
}

func fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return docstore.Unavailable(fmt.Errorf("pgdoc: %s: %w", op, err))
}

type row struct {
	ID     string `db:"id"`
	Fields []byte `db:"fields"`
	Rev    int64  `db:"rev"`
}

func (r row) document() (docstore.Document, error) {
	var f docstore.Fields
	if err := json.Unmarshal(r.Fields, &f); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", r.ID, err)
	}
	if f == nil {
		f = docstore.Fields{}
	}
	return docstore.Document{ID: r.ID, Fields: f}, nil
}

func jsonb(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// Create stores fields under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	doc, err := jsonb(fields)
	if err != nil {
		return "", fmt.Errorf("pgdoc: create: %w", err)
	}
	id := docstore.NewID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3::jsonb)`,
		collection, id, doc)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return "", docstore.ErrConflict
	}
	if err != nil {
		return "", fail("create", err)
	}
	return id, nil
}

// CreateWithID stores fields under id unless a document already exists.
func (s *Store) CreateWithID(ctx context.Context, collection, id string, fields docstore.Fields) (bool, error) {
	doc, err := jsonb(fields)
	if err != nil {
		return false, fmt.Errorf("pgdoc: create %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, doc)
	if err != nil {
		return false, fail("create with id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("create with id", err)
	}
	return n == 1, nil
}

// Put creates or replaces the document.
func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	doc, err := jsonb(fields)
	if err != nil {
		return fmt.Errorf("pgdoc: put %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO UPDATE SET fields = EXCLUDED.fields, rev = documents.rev + 1`,
		collection, id, doc)
	if err != nil {
		return fail("put", err)
	}
	return nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT id, fields, rev FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fail("get", err)
	}
	d, err := r.document()
	if err != nil {
		return docstore.Document{}, fail("get", err)
	}
	return d, nil
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

// Query returns every match of q in order. Equality predicates run as one
// JSONB containment test.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	docs, _, err := s.query(ctx, collection, q)
	if err != nil {
		return nil, fail("query", err)
	}
	return docs, nil
}

func (s *Store) query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, map[string]int64, error) {
	where, err := whereJSON(q)
	if err != nil {
		return nil, nil, err
	}
	var rows []row
	err = s.db.SelectContext(ctx, &rows,
		`SELECT id, fields, rev FROM documents WHERE collection = $1 AND fields @> $2::jsonb`,
		collection, where)
	if err != nil {
		return nil, nil, err
	}
	return decodeRows(q, rows)
}

func whereJSON(q docstore.Query) (string, error) {
	if len(q.Where) == 0 {
		return "{}", nil
	}
	return jsonb(q.Where)
}

func decodeRows(q docstore.Query, rows []row) ([]docstore.Document, map[string]int64, error) {
	docs := make([]docstore.Document, 0, len(rows))
	revs := make(map[string]int64, len(rows))
	for _, r := range rows {
		d, err := r.document()
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, d)
		revs[r.ID] = r.Rev
	}
	q.Sort(docs)
	return docs, revs, nil
}

// Update merges partial into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Fields) error {
	_, err := s.UpdateIf(ctx, collection, id, docstore.Condition{}, partial)
	return err
}

// UpdateIf merges partial when cond holds. The condition is part of the
// UPDATE statement, so concurrent callers cannot both apply.
func (s *Store) UpdateIf(ctx context.Context, collection, id string, cond docstore.Condition, partial docstore.Fields) (bool, error) {
	patch, err := jsonb(partial)
	if err != nil {
		return false, fmt.Errorf("pgdoc: update %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET fields = fields || $3::jsonb, rev = rev + 1
		 WHERE collection = $1 AND id = $2 AND ($4 = '' OR fields->>$4 = ANY($5::text[]))`,
		collection, id, patch, cond.Field, pq.Array(cond.In))
	if err != nil {
		return false, fail("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("update", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`, collection, id)
	if err != nil {
		return false, fail("update", err)
	}
	if !exists {
		return false, docstore.ErrNotFound
	}
	return false, nil
}

// UpdateWhere merges partial into every match of q for which cond holds, in
// one statement.
func (s *Store) UpdateWhere(ctx context.Context, collection string, q docstore.Query, cond docstore.Condition, partial docstore.Fields) ([]docstore.Document, error) {
	patch, err := jsonb(partial)
	if err != nil {
		return nil, fmt.Errorf("pgdoc: update where: %w", err)
	}
	where, err := whereJSON(q)
	if err != nil {
		return nil, fmt.Errorf("pgdoc: update where: %w", err)
	}
	var rows []row
	err = s.db.SelectContext(ctx, &rows,
		`UPDATE documents SET fields = fields || $3::jsonb, rev = rev + 1
		 WHERE collection = $1 AND fields @> $2::jsonb AND ($4 = '' OR fields->>$4 = ANY($5::text[]))
		 RETURNING id, fields, rev`,
		collection, where, patch, cond.Field, pq.Array(cond.In))
	if err != nil {
		return nil, fail("update where", err)
	}
	docs, _, err := decodeRows(q, rows)
	if err != nil {
		return nil, fail("update where", err)
	}
	return docs, nil
}
