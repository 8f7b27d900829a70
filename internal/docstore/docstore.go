// Package docstore defines the durable document store contract consumed by the
// chat core: document writes, reads, conditional updates and real-time change
// subscriptions. Documents are flat string maps, shaped like Redis hashes:
//
//	integers   base-10 ("1718000000000")
//	timestamps unix milliseconds
//	booleans   "true" / "false"
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a document or query match does not exist.
	ErrNotFound = errors.New("docstore: not found")

	// ErrUnavailable wraps any backend or connectivity failure.
	ErrUnavailable = errors.New("docstore: store unavailable")

	// ErrSubscriptionLost is delivered to Handlers.OnError when a live
	// subscription's underlying connection dropped.
	ErrSubscriptionLost = errors.New("docstore: subscription lost")

	// ErrConflict is returned by Create when a generated id collides.
	ErrConflict = errors.New("docstore: conflict")
)

// Unavailable wraps a backend error so that errors.Is(err, ErrUnavailable)
// holds while the cause stays inspectable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// NewID returns a store-assigned document id. Ids are UUIDv7 and increase
// within a process, so the id tiebreak in Query.Sort follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Fields is the content of a document.
type Fields map[string]string

// Clone returns a copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Document is a stored document with its store-wide id.
type Document struct {
	ID     string
	Fields Fields
}

// Int returns the named field parsed as int64, or 0.
func (d Document) Int(field string) int64 {
	n, _ := strconv.ParseInt(d.Fields[field], 10, 64)
	return n
}

// Bool returns true when the named field is "true".
func (d Document) Bool(field string) bool {
	return d.Fields[field] == "true"
}

// Query selects documents of one collection by field equality.
type Query struct {
	Where   map[string]string
	OrderBy string // integer-valued field, ascending; ties broken by id
}

// Matches reports whether fields satisfy every predicate of q.
func (q Query) Matches(fields Fields) bool {
	for k, v := range q.Where {
		if fields[k] != v {
			return false
		}
	}
	return true
}

// Sort orders docs in place according to q.OrderBy. Equal keys fall back to
// the id, which is creation order for ids from NewID.
func (q Query) Sort(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := docs[i].Int(q.OrderBy), docs[j].Int(q.OrderBy)
			if a != b {
				return a < b
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// Condition guards an update: the current value of Field must be one of In.
type Condition struct {
	Field string
	In    []string
}

// Holds reports whether fields satisfy c.
func (c Condition) Holds(fields Fields) bool {
	if c.Field == "" {
		return true
	}
	cur := fields[c.Field]
	for _, v := range c.In {
		if cur == v {
			return true
		}
	}
	return false
}

// ChangeKind distinguishes newly observed documents from modifications.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one observation delivered to a subscription. Seq starts at 1 and
// increases by one for every change of the same subscription, in the order
// the store observed them. Delivery itself may happen out of order.
type Change struct {
	Kind ChangeKind
	Doc  Document
	Seq  uint64
}

// Handlers receive subscription callbacks, possibly on different goroutines.
type Handlers struct {
	OnChange func(Change)
	OnError  func(error)
}

// Subscription is a live change subscription.
type Subscription interface {
	// Unsubscribe releases the subscription. It is safe to call more than once
	// and after the connection already dropped.
	Unsubscribe() error
}

// Store is the durable document store.
type Store interface {
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	CreateWithID(ctx context.Context, collection, id string, fields Fields) (bool, error)
	Put(ctx context.Context, collection, id string, fields Fields) error
	Get(ctx context.Context, collection, id string) (Document, error)
	QueryOne(ctx context.Context, collection string, q Query) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Update(ctx context.Context, collection, id string, partial Fields) error
	UpdateIf(ctx context.Context, collection, id string, cond Condition, partial Fields) (bool, error)
	UpdateWhere(ctx context.Context, collection string, q Query, cond Condition, partial Fields) ([]Document, error)
	Subscribe(ctx context.Context, collection string, q Query, h Handlers) (Subscription, error)
}
