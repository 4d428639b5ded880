package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory"
)

var (
	ErrUnknownConn     = errors.New("unknown connection")
	ErrDuplicateSub    = errors.New("subscription id already in use")
	ErrTooManyWatchers = errors.New("too many subscriptions on this connection")
)

type connEntry struct {
	Client string
	Conn   core.FeedConnection
	Cancel context.CancelFunc
	Subs   map[string]directory.Subscription
	Drops  int
}

// Registry tracks live change-feed connections and the directory subscriptions each one holds.
type Registry struct {
	mu      sync.RWMutex
	conns   map[core.ConnID]*connEntry
	maxSubs int

	// OnChange, if set, receives the totals after every bind, unbind and subscription change.
	OnChange func(Stats)
}

type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

// NewRegistry caps subscriptions per connection at maxSubs; zero means unlimited.
func NewRegistry(maxSubs int) *Registry {
	return &Registry{
		conns:   make(map[core.ConnID]*connEntry),
		maxSubs: maxSubs,
	}
}

func (r *Registry) Bind(id core.ConnID, client string, conn core.FeedConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	r.conns[id] = &connEntry{
		Client: client,
		Conn:   conn,
		Cancel: cancel,
		Subs:   make(map[string]directory.Subscription),
	}
	stats := r.statsLocked()
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("client", client).Msg("bound feed")
	r.changed(stats)
}

func (r *Registry) Conn(id core.ConnID) (core.FeedConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Reserve checks that subID can be added to connection id. The caller subscribes to the directory and
// then calls AddSubscription; a concurrent duplicate is still caught there.
func (r *Registry) Reserve(id core.ConnID, subID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkLocked(id, subID)
}

func (r *Registry) checkLocked(id core.ConnID, subID string) error {
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	if _, dup := e.Subs[subID]; dup {
		return ErrDuplicateSub
	}
	if r.maxSubs > 0 && len(e.Subs) >= r.maxSubs {
		return ErrTooManyWatchers
	}
	return nil
}

// AddSubscription records sub under subID. On error sub is unsubscribed.
func (r *Registry) AddSubscription(id core.ConnID, subID string, sub directory.Subscription) error {
	r.mu.Lock()
	if err := r.checkLocked(id, subID); err != nil {
		r.mu.Unlock()
		sub.Unsubscribe()
		return err
	}
	r.conns[id].Subs[subID] = sub
	stats := r.statsLocked()
	r.mu.Unlock()
	r.changed(stats)
	return nil
}

// RemoveSubscription unsubscribes subID and reports whether it existed.
func (r *Registry) RemoveSubscription(id core.ConnID, subID string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	sub, ok := e.Subs[subID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(e.Subs, subID)
	stats := r.statsLocked()
	r.mu.Unlock()
	sub.Unsubscribe()
	r.changed(stats)
	return true
}

// Unbind forgets the connection and unsubscribes everything it held.
func (r *Registry) Unbind(id core.ConnID) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	stats := r.statsLocked()
	r.mu.Unlock()
	for _, sub := range e.Subs {
		sub.Unsubscribe()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("subs", len(e.Subs)).Msg("unbind feed")
	r.changed(stats)
}

// RecordDrop counts one dropped frame and returns the running total for the connection.
func (r *Registry) RecordDrop(id core.ConnID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return 0
	}
	e.Drops++
	return e.Drops
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled feed")
	return true
}

// CancelAll cancels every connection, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	ids := make([]core.ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Cancel(id)
	}
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	s := Stats{Connections: len(r.conns)}
	for _, e := range r.conns {
		s.Subscriptions += len(e.Subs)
	}
	return s
}

func (r *Registry) changed(s Stats) {
	if r.OnChange != nil {
		r.OnChange(s)
	}
}
