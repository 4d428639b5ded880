package orch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Negotiation states of one call. The remote description is applied by the only transition out of
// awaitingRemote, so duplicate answer notifications cannot apply it twice.
const (
	negAwaitingRemote = "awaiting_remote"
	negRemoteApplied  = "remote_applied"
	evApplyRemote     = "apply_remote"
)

// callSession is everything one call attempt owns. It is discarded on abort or hangup, never reused.
type callSession struct {
	role      domain.Role
	transport core.Transport
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// inflight counts directory writes and the outbox so teardown can wait for them before deleting.
	inflight sync.WaitGroup

	mu      sync.Mutex
	id      domain.SessionID
	closed  bool
	dirty   bool
	subs    []core.Subscription
	neg     *fsm.FSM
	pending []domain.Candidate
	seen    map[string]struct{}

	outMu  sync.Mutex
	outbox []domain.Candidate
	wake   chan struct{}
}

func newCallSession(role domain.Role, id domain.SessionID, l zerolog.Logger) *callSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &callSession{
		role:   role,
		id:     id,
		log:    l.With().Str("role", string(role)).Str("call", uuid.NewString()[:8]).Logger(),
		ctx:    ctx,
		cancel: cancel,
		neg: fsm.NewFSM(negAwaitingRemote, fsm.Events{
			{Name: evApplyRemote, Src: []string{negAwaitingRemote}, Dst: negRemoteApplied},
		}, nil),
		seen: make(map[string]struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (cs *callSession) ID() domain.SessionID {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.id
}

// bind records the session id once it is known. It reports false when the call already ended.
func (cs *callSession) bind(id domain.SessionID) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.id = id
	return true
}

// setTransport attaches the call's transport. It reports false when the call already ended.
func (cs *callSession) setTransport(tr core.Transport) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.transport = tr
	return true
}

func (cs *callSession) getTransport() core.Transport {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.transport
}

// write runs one directory write as an in-flight operation.
func (cs *callSession) write(fn func() error) error {
	if !cs.begin() {
		return domain.ErrCallEnded
	}
	defer cs.end()
	return fn()
}

// markDirty notes that the session now holds data written by this side.
func (cs *callSession) markDirty() {
	cs.mu.Lock()
	cs.dirty = true
	cs.mu.Unlock()
}

// opContext is ctx that also ends when the call does.
func (cs *callSession) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cs.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// begin registers an in-flight directory operation. It reports false once the call is closed.
func (cs *callSession) begin() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.inflight.Add(1)
	return true
}

func (cs *callSession) end() { cs.inflight.Done() }

// track keeps sub for teardown, or cancels it right away if the call already ended.
func (cs *callSession) track(sub core.Subscription) bool {
	cs.mu.Lock()
	if !cs.closed {
		cs.subs = append(cs.subs, sub)
		cs.mu.Unlock()
		return true
	}
	cs.mu.Unlock()
	sub.Unsubscribe()
	return false
}

func (cs *callSession) subscriptions() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.subs)
}

func (cs *callSession) isClosed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closed
}

// close cancels every subscription and in-flight operation. It returns the session id and whether this side
// wrote anything under it. Only the first call reports the id.
func (cs *callSession) close() (domain.SessionID, bool) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return "", false
	}
	cs.closed = true
	subs := cs.subs
	cs.subs = nil
	cs.pending = nil
	id, dirty := cs.id, cs.dirty
	cs.mu.Unlock()

	cs.cancel()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return id, dirty
}

// wait blocks until in-flight writes and the outbox have returned. Only valid after close.
func (cs *callSession) wait() { cs.inflight.Wait() }

// applyRemote sets the remote description once and flushes candidates queued before it.
// It reports false when the description was already applied or the call ended.
func (cs *callSession) applyRemote(ctx context.Context, d domain.SessionDescription) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed || !cs.neg.Can(evApplyRemote) {
		return false, nil
	}
	if err := cs.transport.SetRemoteDescription(ctx, d); err != nil {
		return false, err
	}
	if err := cs.neg.Event(context.Background(), evApplyRemote); err != nil {
		return false, err
	}

	pending := cs.pending
	cs.pending = nil
	for _, c := range pending {
		if err := cs.transport.AddICECandidate(c); err != nil {
			cs.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
		}
	}
	if len(pending) > 0 {
		cs.log.Debug().Int("count", len(pending)).Msg("flushed queued candidates")
	}
	return true, nil
}

// addRemoteCandidate applies c, or queues it until the remote description is set. Records seen before
// are skipped.
func (cs *callSession) addRemoteCandidate(key string, c domain.Candidate) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil
	}
	if _, dup := cs.seen[key]; dup {
		return nil
	}
	cs.seen[key] = struct{}{}
	if cs.neg.Current() != negRemoteApplied {
		cs.pending = append(cs.pending, c)
		return nil
	}
	return cs.transport.AddICECandidate(c)
}

// queued is the number of remote candidates waiting for the remote description.
func (cs *callSession) queued() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pending)
}

// pushLocal hands a discovered candidate to the outbox. It never blocks the transport.
func (cs *callSession) pushLocal(c domain.Candidate) {
	cs.outMu.Lock()
	cs.outbox = append(cs.outbox, c)
	cs.outMu.Unlock()
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (cs *callSession) popLocal() (domain.Candidate, bool) {
	cs.outMu.Lock()
	defer cs.outMu.Unlock()
	if len(cs.outbox) == 0 {
		return domain.Candidate{}, false
	}
	c := cs.outbox[0]
	cs.outbox = cs.outbox[1:]
	return c, true
}

// startOutbox writes local candidates one at a time, in discovery order, until the call ends.
func (cs *callSession) startOutbox(write func(context.Context, domain.Candidate) error, onErr func(error)) bool {
	if !cs.begin() {
		return false
	}
	go func() {
		defer cs.end()
		for {
			select {
			case <-cs.ctx.Done():
				return
			case <-cs.wake:
			}
			for {
				c, ok := cs.popLocal()
				if !ok {
					break
				}
				if err := write(cs.ctx, c); err != nil {
					if cs.ctx.Err() != nil {
						return
					}
					onErr(err)
					continue
				}
				cs.markDirty()
			}
		}
	}()
	return true
}
