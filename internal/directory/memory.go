package directory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type memDoc struct {
	fields  map[string]json.RawMessage
	created time.Time
}

type memCollection struct {
	order []string
	docs  map[string]*memDoc
}

func (c *memCollection) remove(id string) bool {
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Memory is a threadsafe in-process Directory. One lock serialises all writes, so every batch is atomic and
// watchers see changes in write order.
type Memory struct {
	mu     sync.Mutex
	closed bool
	colls  map[string]*memCollection

	docWatchers  map[string]map[*Watcher]struct{}
	collWatchers map[string]map[*Watcher]struct{}

	now func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the create-time clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		colls:        make(map[string]*memCollection),
		docWatchers:  make(map[string]map[*Watcher]struct{}),
		collWatchers: make(map[string]map[*Watcher]struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(ctx context.Context, coll CollectionRef) (DocRef, error) {
	if err := ctx.Err(); err != nil {
		return DocRef{}, err
	}
	if coll.IsZero() {
		return DocRef{}, ErrBadPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return DocRef{}, ErrClosed
	}
	ref := coll.Doc(uuid.NewString())
	m.insertLocked(ref, map[string]json.RawMessage{})
	return ref, nil
}

func (m *Memory) Get(ctx context.Context, ref DocRef) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	d, ok := m.lookupLocked(ref)
	if !ok {
		return Document{}, ErrNotFound
	}
	return snapshot(ref, d), nil
}

func (m *Memory) Set(ctx context.Context, ref DocRef, field string, value any) error {
	return m.writeField(ctx, ref, field, value, true)
}

func (m *Memory) Update(ctx context.Context, ref DocRef, field string, value any) error {
	return m.writeField(ctx, ref, field, value, false)
}

func (m *Memory) writeField(ctx context.Context, ref DocRef, field string, value any, upsert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := EncodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	d, ok := m.lookupLocked(ref)
	if !ok {
		if !upsert {
			return ErrNotFound
		}
		m.insertLocked(ref, map[string]json.RawMessage{field: raw})
		return nil
	}
	d.fields[field] = raw
	m.notifyLocked(Change{Kind: Modified, Doc: snapshot(ref, d)})
	return nil
}

func (m *Memory) Append(ctx context.Context, coll CollectionRef, record any) (DocRef, error) {
	if err := ctx.Err(); err != nil {
		return DocRef{}, err
	}
	fields, err := EncodeRecord(record)
	if err != nil {
		return DocRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return DocRef{}, ErrClosed
	}
	ref := coll.Doc(uuid.NewString())
	m.insertLocked(ref, fields)
	return ref, nil
}

func (m *Memory) List(ctx context.Context, coll CollectionRef) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.listLocked(coll), nil
}

func (m *Memory) WatchDocument(ctx context.Context, ref DocRef, fn func(Change)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	key := ref.Path()
	var w *Watcher
	w = NewWatcher(key, fn, func() { m.dropWatcher(m.docWatchers, key, w) })
	if d, ok := m.lookupLocked(ref); ok {
		w.Push(Change{Kind: Added, Doc: snapshot(ref, d)})
	}
	addWatcher(m.docWatchers, key, w)
	return w, nil
}

func (m *Memory) WatchCollection(ctx context.Context, coll CollectionRef, fn func(Change)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	key := coll.Path()
	var w *Watcher
	w = NewWatcher(key, fn, func() { m.dropWatcher(m.collWatchers, key, w) })
	for _, d := range m.listLocked(coll) {
		w.Push(Change{Kind: Added, Doc: d})
	}
	addWatcher(m.collWatchers, key, w)
	return w, nil
}

func (m *Memory) BatchDelete(ctx context.Context, refs []DocRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ref := range refs {
		c, ok := m.colls[ref.Parent.Path()]
		if !ok || !c.remove(ref.ID) {
			continue
		}
		if len(c.docs) == 0 {
			delete(m.colls, ref.Parent.Path())
		}
		m.notifyLocked(Change{Kind: Removed, Doc: Document{Ref: ref}})
	}
	log.Debug().Str("module", "directory.memory").Int("refs", len(refs)).Msg("batch delete")
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*Watcher
	for _, set := range []map[string]map[*Watcher]struct{}{m.docWatchers, m.collWatchers} {
		for _, ws := range set {
			for w := range ws {
				all = append(all, w)
			}
		}
	}
	m.mu.Unlock()
	for _, w := range all {
		w.Unsubscribe()
	}
	return nil
}

func (m *Memory) lookupLocked(ref DocRef) (*memDoc, bool) {
	c, ok := m.colls[ref.Parent.Path()]
	if !ok {
		return nil, false
	}
	d, ok := c.docs[ref.ID]
	return d, ok
}

func (m *Memory) insertLocked(ref DocRef, fields map[string]json.RawMessage) {
	c, ok := m.colls[ref.Parent.Path()]
	if !ok {
		c = &memCollection{docs: make(map[string]*memDoc)}
		m.colls[ref.Parent.Path()] = c
	}
	d := &memDoc{fields: fields, created: m.now()}
	c.docs[ref.ID] = d
	c.order = append(c.order, ref.ID)
	m.notifyLocked(Change{Kind: Added, Doc: snapshot(ref, d)})
}

func (m *Memory) listLocked(coll CollectionRef) []Document {
	c, ok := m.colls[coll.Path()]
	if !ok {
		return []Document{}
	}
	out := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, snapshot(coll.Doc(id), c.docs[id]))
	}
	return out
}

func (m *Memory) notifyLocked(ch Change) {
	for w := range m.docWatchers[ch.Doc.Ref.Path()] {
		w.Push(ch)
	}
	for w := range m.collWatchers[ch.Doc.Ref.Parent.Path()] {
		w.Push(ch)
	}
}

func (m *Memory) dropWatcher(set map[string]map[*Watcher]struct{}, key string, w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removeWatcher(set, key, w)
}

func snapshot(ref DocRef, d *memDoc) Document {
	return Document{Ref: ref, Fields: copyFields(d.fields), CreateTime: d.created}
}

func addWatcher(set map[string]map[*Watcher]struct{}, key string, w *Watcher) {
	ws, ok := set[key]
	if !ok {
		ws = make(map[*Watcher]struct{})
		set[key] = ws
	}
	ws[w] = struct{}{}
}

func removeWatcher(set map[string]map[*Watcher]struct{}, key string, w *Watcher) {
	ws, ok := set[key]
	if !ok {
		return
	}
	delete(ws, w)
	if len(ws) == 0 {
		delete(set, key)
	}
}
