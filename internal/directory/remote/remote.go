// Package remote is a directory.Directory backed by a directory server: document operations are JSON posts,
// watches share one websocket feed that reconnects and resubscribes on failure.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/wire"
)

type Options struct {
	HTTPClient *http.Client
	// RetryInterval is the pause between feed reconnect attempts.
	RetryInterval time.Duration
	WriteTimeout  time.Duration
}

func (o *Options) defaults() error {
	if o.HTTPClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second, Jar: jar}
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return nil
}

type Client struct {
	api    string
	feed   string
	http   *http.Client
	dialer *websocket.Dialer
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started bool
	conn    *feedConn
	subs    map[string]*subscription
	acks    map[string]chan error
}

var _ directory.Directory = (*Client)(nil)

type subscription struct {
	id     string
	target string
	path   string
	w      *directory.Watcher
}

func (s *subscription) frame() wire.ClientFrame {
	return wire.ClientFrame{Type: wire.TypeSubscribe, ID: s.id, Target: s.target, Path: s.path}
}

// New returns a client for the server at baseURL (http or https). Nothing is dialed until the first watch.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("directory url: %w", err)
	}
	feed := *u
	switch u.Scheme {
	case "http":
		feed.Scheme = "ws"
	case "https":
		feed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("directory url: unsupported scheme %q", u.Scheme)
	}
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		api:  u.String() + wire.APIPrefix,
		feed: feed.String() + wire.WatchPath,
		http: opts.HTTPClient,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              opts.HTTPClient.Jar,
		},
		opts:   opts,
		log:    log.With().Str("module", "directory.remote").Str("server", u.Host).Logger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
		acks:   make(map[string]chan error),
	}, nil
}

func (c *Client) Create(ctx context.Context, coll directory.CollectionRef) (directory.DocRef, error) {
	var resp wire.RefResponse
	if err := c.post(ctx, "create", wire.PathRequest{Path: coll.Path()}, &resp); err != nil {
		return directory.DocRef{}, err
	}
	return directory.ParseDoc(resp.Path)
}

func (c *Client) Get(ctx context.Context, doc directory.DocRef) (directory.Document, error) {
	var resp wire.Document
	if err := c.post(ctx, "get", wire.PathRequest{Path: doc.Path()}, &resp); err != nil {
		return directory.Document{}, err
	}
	return resp.Document()
}

func (c *Client) Set(ctx context.Context, doc directory.DocRef, field string, value any) error {
	return c.writeField(ctx, "set", doc, field, value)
}

func (c *Client) Update(ctx context.Context, doc directory.DocRef, field string, value any) error {
	return c.writeField(ctx, "update", doc, field, value)
}

func (c *Client) writeField(ctx context.Context, op string, doc directory.DocRef, field string, value any) error {
	raw, err := directory.EncodeValue(value)
	if err != nil {
		return err
	}
	return c.post(ctx, op, wire.FieldRequest{Path: doc.Path(), Field: field, Value: raw}, nil)
}

func (c *Client) Append(ctx context.Context, coll directory.CollectionRef, record any) (directory.DocRef, error) {
	if _, err := directory.EncodeRecord(record); err != nil {
		return directory.DocRef{}, err
	}
	raw, err := directory.EncodeValue(record)
	if err != nil {
		return directory.DocRef{}, err
	}
	var resp wire.RefResponse
	if err := c.post(ctx, "append", wire.AppendRequest{Path: coll.Path(), Record: raw}, &resp); err != nil {
		return directory.DocRef{}, err
	}
	return directory.ParseDoc(resp.Path)
}

func (c *Client) List(ctx context.Context, coll directory.CollectionRef) ([]directory.Document, error) {
	var resp wire.ListResponse
	if err := c.post(ctx, "list", wire.PathRequest{Path: coll.Path()}, &resp); err != nil {
		return nil, err
	}
	out := make([]directory.Document, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		doc, err := d.Document()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (c *Client) BatchDelete(ctx context.Context, refs []directory.DocRef) error {
	paths := make([]string, len(refs))
	for i, r := range refs {
		paths[i] = r.Path()
	}
	return c.post(ctx, "batch-delete", wire.BatchDeleteRequest{Paths: paths}, nil)
}

func (c *Client) post(ctx context.Context, op string, body, out any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return directory.ErrClosed
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api+"/"+op, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		var e wire.Error
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil || e.Code == "" {
			return fmt.Errorf("%s: directory server status %d", op, res.StatusCode)
		}
		return fmt.Errorf("%s: %w", op, e.Err())
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) WatchDocument(ctx context.Context, doc directory.DocRef, fn func(directory.Change)) (directory.Subscription, error) {
	return c.watch(ctx, wire.TargetDocument, doc.Path(), fn)
}

func (c *Client) WatchCollection(ctx context.Context, coll directory.CollectionRef, fn func(directory.Change)) (directory.Subscription, error) {
	return c.watch(ctx, wire.TargetCollection, coll.Path(), fn)
}

// watch registers the subscription and waits for the server to acknowledge it. Once acknowledged it
// survives reconnects; the server replays the current contents after each resubscribe.
func (c *Client) watch(ctx context.Context, target, path string, fn func(directory.Change)) (directory.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{id: newSubID(), target: target, path: path}
	sub.w = directory.NewWatcher(path, fn, func() { c.unsubscribe(sub) })
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.w.Unsubscribe()
		return nil, directory.ErrClosed
	}
	c.subs[sub.id] = sub
	c.acks[sub.id] = ack
	if !c.started {
		c.started = true
		c.wg.Add(1)
		go c.run()
	}
	if c.conn != nil {
		c.sendLocked(sub.frame())
	}
	c.mu.Unlock()

	select {
	case err := <-ack:
		if err != nil {
			sub.w.Unsubscribe()
			return nil, err
		}
		return sub.w, nil
	case <-ctx.Done():
		sub.w.Unsubscribe()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		sub.w.Unsubscribe()
		return nil, directory.ErrClosed
	}
}

func (c *Client) unsubscribe(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.id]; !ok {
		return
	}
	delete(c.subs, sub.id)
	delete(c.acks, sub.id)
	if c.conn != nil {
		c.sendLocked(wire.ClientFrame{Type: wire.TypeUnsubscribe, ID: sub.id})
	}
}

func (c *Client) sendLocked(f wire.ClientFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Msg("encode frame")
		return
	}
	c.conn.enqueue(b)
}

func (c *Client) resolve(id string, err error) {
	c.mu.Lock()
	ack, waiting := c.acks[id]
	delete(c.acks, id)
	if err != nil {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if waiting {
		ack <- err
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("sub", id).Msg("resubscribe rejected")
	}
}

// failPending fails every watch still waiting for its first acknowledgement.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	acks := c.acks
	c.acks = make(map[string]chan error)
	for id := range acks {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	for _, ack := range acks {
		ack <- err
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.feed, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("feed dial failed")
			c.failPending(fmt.Errorf("watch feed: %w", err))
		} else {
			c.serve(ws)
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Msg("feed disconnected, reconnecting")
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func (c *Client) serve(ws *websocket.Conn) {
	conn := newFeedConn(ws, c.opts.WriteTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn.writePump()
	}()

	c.mu.Lock()
	c.conn = conn
	for _, sub := range c.subs {
		c.sendLocked(sub.frame())
	}
	n := len(c.subs)
	c.mu.Unlock()
	c.log.Info().Int("subscriptions", n).Msg("feed connected")

	stop := context.AfterFunc(c.ctx, conn.close)
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("feed read")
			}
			return
		}
		var f wire.ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Error().Err(err).Msg("bad feed frame")
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f wire.ServerFrame) {
	switch f.Type {
	case wire.TypeSubscribed:
		c.resolve(f.ID, nil)
	case wire.TypeError:
		err := errors.New("directory server: unknown error")
		if f.Error != nil {
			err = f.Error.Err()
		}
		if f.ID == "" {
			c.log.Warn().Err(err).Msg("feed error")
			return
		}
		c.resolve(f.ID, err)
	case wire.TypeChange:
		if f.Change == nil {
			return
		}
		ch, err := f.Change.Change()
		if err != nil {
			c.log.Error().Err(err).Str("sub", f.ID).Msg("bad change")
			return
		}
		c.mu.Lock()
		sub := c.subs[f.ID]
		c.mu.Unlock()
		if sub != nil {
			sub.w.Push(ch)
		}
	case wire.TypePong:
	default:
		c.log.Warn().Str("type", f.Type).Msg("unknown feed frame")
	}
}

// Close stops the feed and unsubscribes every watch. Later operations fail with directory.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		s.w.Unsubscribe()
	}
	c.wg.Wait()
	c.http.CloseIdleConnections()
	return nil
}
