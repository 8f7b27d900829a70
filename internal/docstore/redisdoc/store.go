// Package redisdoc is a docstore.Store on Redis with change events carried
// over NATS, so every gateway process observes every write.
//
// Layout:
//
//	doc:<collection>:<id>                 hash with the document fields and _rev
//	ids:<collection>                      set of every document id
//	idx:<collection>:<field>:<value>      set of ids, for indexed fields only
//
// Writes run as Lua scripts and publish the resulting change on
// docs.<collection>.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/messaging"
	"github.com/tourchat/chat-core/internal/metrics"
)

const revField = "_rev"

// DefaultIndexes are the fields the chat core queries by.
var DefaultIndexes = []string{
	"conversationId",
	"senderId",
	"receiverId",
	"status",
	"partyAId",
	"partyBId",
	"userId",
}

// Store implements docstore.Store.
type Store struct {
	rdb     *redis.Client
	nats    *messaging.NATSClient
	log     zerolog.Logger
	indexed []string

	writeScript       *redis.Script
	updateWhereScript *redis.Script
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithIndexes replaces DefaultIndexes. Queries on other fields scan the
// whole collection.
func WithIndexes(fields ...string) Option {
	return func(s *Store) { s.indexed = fields }
}

// New creates a Store. Both clients stay owned by the caller.
func New(rdb *redis.Client, nc *messaging.NATSClient, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		rdb:               rdb,
		nats:              nc,
		log:               log.With().Str("component", "redisdoc").Logger(),
		indexed:           DefaultIndexes,
		writeScript:       redis.NewScript(writeDocLua),
		updateWhereScript: redis.NewScript(updateWhereLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func docKey(collection, id string) string { return "doc:" + collection + ":" + id }
func docPrefix(collection string) string  { return "doc:" + collection + ":" }
func idsKey(collection string) string     { return "ids:" + collection }
func idxPrefix(collection string) string  { return "idx:" + collection + ":" }
func idxKey(collection, field, value string) string {
	return idxPrefix(collection) + field + ":" + value
}

func fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return docstore.Unavailable(fmt.Errorf("redisdoc: %s: %w", op, err))
}

// changeEvent is the NATS payload of one write: the full new contents.
type changeEvent struct {
	ID   string            `json:"id"`
	Rev  int64             `json:"rev"`
	Next map[string]string `json:"next"`
}

// split removes the revision from raw hash contents.
func split(raw map[string]string) (docstore.Fields, int64) {
	if len(raw) == 0 {
		return nil, 0
	}
	rev, _ := strconv.ParseInt(raw[revField], 10, 64)
	f := make(docstore.Fields, len(raw))
	for k, v := range raw {
		if k != revField {
			f[k] = v
		}
	}
	return f, rev
}

func flatToMap(v any) map[string]string {
	flat, _ := v.([]any)
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		m[k] = val
	}
	return m
}

func countList(values []string) []any {
	out := make([]any, 0, len(values)+1)
	out = append(out, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func pairs(f docstore.Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		if k != revField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}

func (s *Store) publish(collection string, ev changeEvent) {
	data, err := json.Marshal(ev)
	if err == nil {
		err = s.nats.PublishDocChange(collection, data)
	}
	if err != nil {
		metrics.ChangePublishErrors.Inc()
		s.log.Warn().Err(err).Str("collection", collection).Str("id", ev.ID).Msg("change publish failed")
	}
}

func (s *Store) publishWrite(collection, id string, nextRaw map[string]string) {
	next, rev := split(nextRaw)
	s.publish(collection, changeEvent{ID: id, Rev: rev, Next: next})
}

// write runs writeDocLua and publishes the change when it applied. It
// returns the script status code.
func (s *Store) write(ctx context.Context, mode, collection, id string, cond docstore.Condition, fields docstore.Fields) (int64, error) {
	args := []any{mode, idxPrefix(collection), id, cond.Field}
	args = append(args, countList(cond.In)...)
	args = append(args, countList(s.indexed)...)
	args = append(args, countList(pairs(fields))...)

	res, err := s.writeScript.Run(ctx, s.rdb, []string{docKey(collection, id), idsKey(collection)}, args...).Slice()
	if err != nil {
		return 0, err
	}
	code, _ := res[0].(int64)
	if code == 1 && len(res) == 3 {
		s.publishWrite(collection, id, flatToMap(res[2]))
	}
	return code, nil
}

// Create stores fields under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := docstore.NewID()
	code, err := s.write(ctx, "create", collection, id, docstore.Condition{}, fields)
	if err != nil {
		return "", fail("create", err)
	}
	if code == 0 {
		return "", docstore.ErrConflict
	}
	return id, nil
}

// CreateWithID stores fields under id unless a document already exists.
func (s *Store) CreateWithID(ctx context.Context, collection, id string, fields docstore.Fields) (bool, error) {
	code, err := s.write(ctx, "create", collection, id, docstore.Condition{}, fields)
	if err != nil {
		return false, fail("create with id", err)
	}
	return code == 1, nil
}

// Put creates or replaces the document.
func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if _, err := s.write(ctx, "put", collection, id, docstore.Condition{}, fields); err != nil {
		return fail("put", err)
	}
	return nil
}

// Update merges partial into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Fields) error {
	_, err := s.UpdateIf(ctx, collection, id, docstore.Condition{}, partial)
	return err
}

// UpdateIf merges partial when cond holds.
func (s *Store) UpdateIf(ctx context.Context, collection, id string, cond docstore.Condition, partial docstore.Fields) (bool, error) {
	code, err := s.write(ctx, "update", collection, id, cond, partial)
	if err != nil {
		return false, fail("update", err)
	}
	switch code {
	case 1:
		return true, nil
	case -1:
		return false, docstore.ErrNotFound
	default:
		return false, nil
	}
}

// UpdateWhere merges partial into every match of q for which cond holds, in
// one script execution.
func (s *Store) UpdateWhere(ctx context.Context, collection string, q docstore.Query, cond docstore.Condition, partial docstore.Fields) ([]docstore.Document, error) {
	where := make([]string, 0, 2*len(q.Where))
	for k, v := range q.Where {
		where = append(where, k, v)
	}
	args := []any{idxPrefix(collection), docPrefix(collection), cond.Field}
	args = append(args, countList(cond.In)...)
	args = append(args, countList(where)...)
	args = append(args, countList(s.indexed)...)
	args = append(args, countList(pairs(partial))...)

	res, err := s.updateWhereScript.Run(ctx, s.rdb, []string{idsKey(collection)}, args...).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fail("update where", err)
	}

	var docs []docstore.Document
	for i := 0; i+2 < len(res); i += 3 {
		id, _ := res[i].(string)
		nextRaw := flatToMap(res[i+2])
		next, _ := split(nextRaw)
		docs = append(docs, docstore.Document{ID: id, Fields: next})
		s.publishWrite(collection, id, nextRaw)
	}
	q.Sort(docs)
	return docs, nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	raw, err := s.rdb.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return docstore.Document{}, fail("get", err)
	}
	if len(raw) == 0 {
		return docstore.Document{}, docstore.ErrNotFound
	}
	f, _ := split(raw)
	return docstore.Document{ID: id, Fields: f}, nil
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
	docs, _, err := s.query(ctx, collection, q)
	if err != nil {
		return nil, fail("query", err)
	}
	return docs, nil
}

// query resolves candidate ids through the indexes, then loads and filters
// the documents. It also returns each document's revision.
func (s *Store) query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, map[string]int64, error) {
	ids, err := s.candidates(ctx, collection, q)
	if err != nil {
		return nil, nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, docKey(collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var docs []docstore.Document
	revs := make(map[string]int64, len(ids))
	for i, cmd := range cmds {
		f, rev := split(cmd.Val())
		if f == nil || !q.Matches(f) {
			continue
		}
		docs = append(docs, docstore.Document{ID: ids[i], Fields: f})
		revs[ids[i]] = rev
	}
	q.Sort(docs)
	return docs, revs, nil
}

func (s *Store) candidates(ctx context.Context, collection string, q docstore.Query) ([]string, error) {
	indexed := make(map[string]bool, len(s.indexed))
	for _, f := range s.indexed {
		indexed[f] = true
	}
	var sets []string
	for k, v := range q.Where {
		if indexed[k] {
			sets = append(sets, idxKey(collection, k, v))
		}
	}
	if len(sets) == 0 {
		return s.rdb.SMembers(ctx, idsKey(collection)).Result()
	}
	sort.Strings(sets)
	return s.rdb.SInter(ctx, sets...).Result()
}
