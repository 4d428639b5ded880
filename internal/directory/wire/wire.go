// Package wire holds the JSON shapes exchanged between the directory server and its remote client, both
// for the HTTP endpoints and for the websocket change feed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/directory"
)

const (
	APIPrefix = "/api/v1/directory"
	WatchPath = APIPrefix + "/watch"
)

var ErrRateLimited = errors.New("rate limited")

// Error codes carried in Error.Code.
const (
	CodeNotFound    = "not_found"
	CodeBadPath     = "bad_path"
	CodeBadRecord   = "bad_record"
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
	CodeClosed      = "closed"
	CodeInternal    = "internal"
)

type PathRequest struct {
	Path string `json:"path"`
}

type FieldRequest struct {
	Path  string          `json:"path"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type AppendRequest struct {
	Path   string          `json:"path"`
	Record json.RawMessage `json:"record"`
}

type BatchDeleteRequest struct {
	Paths []string `json:"paths"`
}

type RefResponse struct {
	Path string `json:"path"`
}

type ListResponse struct {
	Documents []Document `json:"documents"`
}

type Document struct {
	Path       string                     `json:"path"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
	CreateTime time.Time                  `json:"createTime"`
}

func FromDocument(d directory.Document) Document {
	return Document{Path: d.Ref.Path(), Fields: d.Fields, CreateTime: d.CreateTime}
}

func (d Document) Document() (directory.Document, error) {
	ref, err := directory.ParseDoc(d.Path)
	if err != nil {
		return directory.Document{}, err
	}
	fields := d.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return directory.Document{Ref: ref, Fields: fields, CreateTime: d.CreateTime}, nil
}

type Change struct {
	Kind string   `json:"kind"`
	Doc  Document `json:"doc"`
}

func FromChange(c directory.Change) Change {
	return Change{Kind: c.Kind.String(), Doc: FromDocument(c.Doc)}
}

func (c Change) Change() (directory.Change, error) {
	kind, err := directory.ParseChangeKind(c.Kind)
	if err != nil {
		return directory.Change{}, err
	}
	doc, err := c.Doc.Document()
	if err != nil {
		return directory.Change{}, err
	}
	return directory.Change{Kind: kind, Doc: doc}, nil
}

// Error is the body of every non-2xx response and of feed error frames.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// NewError classifies err into a code.
func NewError(err error) Error {
	code := CodeInternal
	switch {
	case errors.Is(err, directory.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, directory.ErrBadPath):
		code = CodeBadPath
	case errors.Is(err, directory.ErrBadRecord):
		code = CodeBadRecord
	case errors.Is(err, directory.ErrClosed):
		code = CodeClosed
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
	}
	return Error{Code: code, Message: err.Error()}
}

// Err turns a received error back into one that matches the directory sentinels.
func (e Error) Err() error {
	var sentinel error
	switch e.Code {
	case CodeNotFound:
		sentinel = directory.ErrNotFound
	case CodeBadPath:
		sentinel = directory.ErrBadPath
	case CodeBadRecord:
		sentinel = directory.ErrBadRecord
	case CodeClosed:
		sentinel = directory.ErrClosed
	case CodeRateLimited:
		sentinel = ErrRateLimited
	default:
		return fmt.Errorf("directory server: %s", e.Message)
	}
	return fmt.Errorf("directory server: %w: %s", sentinel, e.Message)
}

// Feed frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	TypeSubscribed = "subscribed"
	TypeChange     = "change"
	TypeError      = "error"
	TypePong       = "pong"
)

// Watch targets.
const (
	TargetDocument   = "document"
	TargetCollection = "collection"
)

// ClientFrame is sent by watchers. ID names the subscription and is chosen by the client.
type ClientFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Target string `json:"target,omitempty"`
	Path   string `json:"path,omitempty"`
}

type ServerFrame struct {
	Type   string  `json:"type"`
	ID     string  `json:"id,omitempty"`
	Change *Change `json:"change,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}
