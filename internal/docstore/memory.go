package docstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Change callbacks run on their own
// goroutines, so subscribers see the same out-of-order delivery they would
// see from a networked store.
type Memory struct {
	mu      sync.Mutex
	colls   map[string]map[string]Fields
	hub     *Hub
	failure error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		colls: make(map[string]map[string]Fields),
		hub:   NewHub(),
	}
}

// Fail makes every subsequent operation return Unavailable(err). Fail(nil)
// restores normal operation.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// Disconnect drops every live subscription with ErrSubscriptionLost.
func (m *Memory) Disconnect() {
	m.hub.Disconnect()
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.colls[collection])
}

// Subscribers returns the number of live subscriptions on a collection.
func (m *Memory) Subscribers(collection string) int {
	return m.hub.Len(collection)
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failure != nil {
		return Unavailable(m.failure)
	}
	return nil
}

func (m *Memory) coll(name string) map[string]Fields {
	c, ok := m.colls[name]
	if !ok {
		c = make(map[string]Fields)
		m.colls[name] = c
	}
	return c
}

// Create stores fields under a new UUID.
func (m *Memory) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return "", err
	}

	id := NewID()
	c := m.coll(collection)
	if _, exists := c[id]; exists {
		return "", ErrConflict
	}
	c[id] = fields.Clone()
	m.hub.Notify(collection, id, nil, c[id])
	return id, nil
}

// CreateWithID stores fields under id unless a document already exists.
func (m *Memory) CreateWithID(ctx context.Context, collection, id string, fields Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	c := m.coll(collection)
	if _, exists := c[id]; exists {
		return false, nil
	}
	c[id] = fields.Clone()
	m.hub.Notify(collection, id, nil, c[id])
	return true, nil
}

// Put creates or replaces the document.
func (m *Memory) Put(ctx context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	c := m.coll(collection)
	prev := c[id]
	c[id] = fields.Clone()
	m.hub.Notify(collection, id, prev, c[id])
	return nil
}

// Get returns a document by id.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return Document{}, err
	}

	f, ok := m.colls[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Fields: f.Clone()}, nil
}

// QueryOne returns the first match of q.
func (m *Memory) QueryOne(ctx context.Context, collection string, q Query) (Document, error) {
	docs, err := m.Query(ctx, collection, q)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, ErrNotFound
	}
	return docs[0], nil
}

// Query returns every match of q in order.
func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.match(collection, q), nil
}

func (m *Memory) match(collection string, q Query) []Document {
	var docs []Document
	for id, f := range m.colls[collection] {
		if q.Matches(f) {
			docs = append(docs, Document{ID: id, Fields: f.Clone()})
		}
	}
	q.Sort(docs)
	return docs
}

// Update merges partial into an existing document.
func (m *Memory) Update(ctx context.Context, collection, id string, partial Fields) error {
	_, err := m.UpdateIf(ctx, collection, id, Condition{}, partial)
	return err
}

// UpdateIf merges partial when cond holds. It returns false without error
// when the condition does not hold.
func (m *Memory) UpdateIf(ctx context.Context, collection, id string, cond Condition, partial Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	cur, ok := m.colls[collection][id]
	if !ok {
		return false, ErrNotFound
	}
	if !cond.Holds(cur) {
		return false, nil
	}
	m.apply(collection, id, cur, partial)
	return true, nil
}

// UpdateWhere merges partial into every match of q for which cond holds,
// atomically with respect to other operations on the store.
func (m *Memory) UpdateWhere(ctx context.Context, collection string, q Query, cond Condition, partial Fields) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var updated []Document
	for _, d := range m.match(collection, q) {
		cur := m.colls[collection][d.ID]
		if !cond.Holds(cur) {
			continue
		}
		next := m.apply(collection, d.ID, cur, partial)
		updated = append(updated, Document{ID: d.ID, Fields: next.Clone()})
	}
	return updated, nil
}

func (m *Memory) apply(collection, id string, cur, partial Fields) Fields {
	next := cur.Clone()
	for k, v := range partial {
		next[k] = v
	}
	m.colls[collection][id] = next
	m.hub.Notify(collection, id, cur, next)
	return next
}

// Subscribe delivers the current matches of q as Added, then live changes.
func (m *Memory) Subscribe(ctx context.Context, collection string, q Query, h Handlers) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.hub.Add(collection, q, h, m.match(collection, q)), nil
}
