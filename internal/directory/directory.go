// Package directory defines the shared document store used as a signaling relay between peers, plus an
// in-memory implementation. Other backends live in sub-packages.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrBadPath   = errors.New("invalid path")
	ErrBadRecord = errors.New("record must encode to a JSON object")
	ErrClosed    = errors.New("directory closed")
)

// CollectionRef addresses a collection, e.g. "calls" or "calls/abc/offerCandidates".
type CollectionRef struct {
	path string
}

func Collection(name string) CollectionRef { return CollectionRef{path: name} }

func (c CollectionRef) Path() string { return c.path }

func (c CollectionRef) Doc(id string) DocRef { return DocRef{Parent: c, ID: id} }

func (c CollectionRef) IsZero() bool { return c.path == "" }

// DocRef addresses one document inside a collection.
type DocRef struct {
	Parent CollectionRef
	ID     string
}

func (d DocRef) Path() string { return d.Parent.path + "/" + d.ID }

// Collection returns a sub-collection of this document.
func (d DocRef) Collection(name string) CollectionRef {
	return CollectionRef{path: d.Path() + "/" + name}
}

func (d DocRef) String() string { return d.Path() }

// ParseCollection accepts paths with an odd number of non-empty segments.
func ParseCollection(p string) (CollectionRef, error) {
	segs := strings.Split(p, "/")
	if len(segs)%2 != 1 || !validSegments(segs) {
		return CollectionRef{}, fmt.Errorf("%w: collection %q", ErrBadPath, p)
	}
	return CollectionRef{path: p}, nil
}

// ParseDoc accepts paths with an even number of non-empty segments.
func ParseDoc(p string) (DocRef, error) {
	segs := strings.Split(p, "/")
	if len(segs) < 2 || len(segs)%2 != 0 || !validSegments(segs) {
		return DocRef{}, fmt.Errorf("%w: document %q", ErrBadPath, p)
	}
	last := len(segs) - 1
	return DocRef{Parent: CollectionRef{path: strings.Join(segs[:last], "/")}, ID: segs[last]}, nil
}

func validSegments(segs []string) bool {
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return false
		}
	}
	return true
}

// Document is a snapshot of one stored document. Fields hold raw JSON values.
type Document struct {
	Ref        DocRef
	Fields     map[string]json.RawMessage
	CreateTime time.Time
}

// Field decodes one field into v and reports whether it was present.
func (d Document) Field(name string, v any) (bool, error) {
	raw, ok := d.Fields[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", name, err)
	}
	return true, nil
}

// Decode unmarshals all fields into v as if they were one JSON object.
func (d Document) Decode(v any) error {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

func ParseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "added":
		return Added, nil
	case "modified":
		return Modified, nil
	case "removed":
		return Removed, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

// Change is delivered to watchers. For Removed the document carries only its Ref.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is a live watch. Unsubscribe is idempotent and does not wait for a callback that is
// already running; queued changes are discarded.
type Subscription interface {
	Unsubscribe()
}

// Directory is a shared addressable document store with change notifications.
//
// Watch callbacks are asynchronous. A watch first receives the current contents (existing documents as
// Added), then every change in write order. Callbacks of one subscription never overlap.
type Directory interface {
	Create(ctx context.Context, coll CollectionRef) (DocRef, error)
	Get(ctx context.Context, doc DocRef) (Document, error)
	// Set creates or replaces one field, creating the document when absent.
	Set(ctx context.Context, doc DocRef, field string, value any) error
	// Update replaces one field of an existing document; ErrNotFound otherwise.
	Update(ctx context.Context, doc DocRef, field string, value any) error
	Append(ctx context.Context, coll CollectionRef, record any) (DocRef, error)
	List(ctx context.Context, coll CollectionRef) ([]Document, error)
	WatchDocument(ctx context.Context, doc DocRef, fn func(Change)) (Subscription, error)
	WatchCollection(ctx context.Context, coll CollectionRef, fn func(Change)) (Subscription, error)
	// BatchDelete removes all refs atomically. Absent documents are ignored.
	BatchDelete(ctx context.Context, refs []DocRef) error
	Close() error
}

// EncodeValue marshals a field value.
func EncodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

// EncodeRecord marshals a record into a field map. The record must encode to a JSON object.
func EncodeRecord(record any) (map[string]json.RawMessage, error) {
	b, err := EncodeValue(record)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return nil, ErrBadRecord
	}
	return fields, nil
}

func copyFields(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
