// Package orch drives one call at a time through negotiation over a session store: caller and callee flows,
// candidate exchange, teardown and mute.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Lifecycle events.
const (
	evMediaAcquired = "media_acquired"
	evMediaFailed   = "media_failed"
	evDial          = "dial"
	evAbort         = "abort"
	evConnected     = "connected"
	evHangup        = "hangup"
)

const defaultOpTimeout = 15 * time.Second

// Coordinator owns the local session state of one participant. Any number of them may coexist.
// Presenter methods are called with internal locks held and must not call back into the Coordinator.
type Coordinator struct {
	media      core.MediaSource
	transports core.TransportFactory
	sessions   core.SessionStore
	ui         core.Presenter

	constraints core.Constraints
	opTimeout   time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	state   *fsm.FSM
	local   *media.Stream[core.LocalTrack]
	remote  *media.Stream[core.RemoteTrack]
	call    *callSession
	orphans []domain.SessionID
	muted   bool
}

type Option func(*Coordinator)

func WithConstraints(c core.Constraints) Option {
	return func(co *Coordinator) { co.constraints = c }
}

// WithOpTimeout bounds cleanup work that runs without a caller context, e.g. teardown after a remote hangup.
func WithOpTimeout(d time.Duration) Option {
	return func(co *Coordinator) { co.opTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

func NewCoordinator(
	src core.MediaSource,
	transports core.TransportFactory,
	sessions core.SessionStore,
	ui core.Presenter,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		media:       src,
		transports:  transports,
		sessions:    sessions,
		ui:          ui,
		constraints: core.Constraints{Video: true, Audio: true},
		opTimeout:   defaultOpTimeout,
		log:         log.With().Str("module", "orch").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	idle := string(domain.StateIdle)
	ready := string(domain.StateMediaReady)
	negotiating := string(domain.StateNegotiating)
	connected := string(domain.StateConnected)

	c.state = fsm.NewFSM(idle,
		fsm.Events{
			{Name: evMediaAcquired, Src: []string{idle, ready}, Dst: ready},
			{Name: evMediaFailed, Src: []string{idle, ready}, Dst: idle},
			{Name: evDial, Src: []string{ready}, Dst: negotiating},
			{Name: evAbort, Src: []string{negotiating, connected}, Dst: ready},
			{Name: evConnected, Src: []string{negotiating}, Dst: connected},
			{Name: evHangup, Src: []string{idle, ready, negotiating, connected}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Info().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("state")
				c.ui.StateChanged(domain.CallState(e.Src), domain.CallState(e.Dst))
			},
		},
	)
	return c
}

// fire runs a lifecycle event. Self-transitions are not errors. Callers hold c.mu.
func (c *Coordinator) fire(event string) error {
	err := c.state.Event(context.Background(), event)
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return err
}

func (c *Coordinator) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CallState(c.state.Current())
}

func (c *Coordinator) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return domain.RoleNone
	}
	return c.call.role
}

// SessionID is the id of the active call, empty before one is known.
func (c *Coordinator) SessionID() domain.SessionID {
	c.mu.Lock()
	cs := c.call
	c.mu.Unlock()
	if cs == nil {
		return ""
	}
	return cs.ID()
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// ActiveSubscriptions counts the live change feeds of the current call.
func (c *Coordinator) ActiveSubscriptions() int {
	c.mu.Lock()
	cs := c.call
	c.mu.Unlock()
	if cs == nil {
		return 0
	}
	return cs.subscriptions()
}

// RemoteTracks returns the tracks received on the current call.
func (c *Coordinator) RemoteTracks() []core.RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote.Tracks()
}

// StartMedia acquires local tracks, stopping any previous ones first. It is refused while a call is active;
// hang up before switching media. A failed restart leaves nothing behind, as Hangup would.
func (c *Coordinator) StartMedia(ctx context.Context) error {
	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		return c.fail(domain.NewCallError(domain.ErrUsage, "start media", "A call is already in progress", domain.ErrCallActive))
	}
	old := c.local
	c.local = nil
	c.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	tracks, err := c.media.Acquire(ctx, c.constraints)
	if err != nil {
		c.mu.Lock()
		remote := c.remote
		c.remote = nil
		_ = c.fire(evMediaFailed)
		c.mu.Unlock()
		if remote != nil {
			remote.Stop()
		}
		c.ui.Reset()
		if !errors.Is(err, domain.ErrDevice) {
			err = errors.Join(domain.ErrDevice, err)
		}
		return c.fail(domain.NewCallError(domain.ErrDevice, "start media", "Could not start webcam.", err))
	}

	c.mu.Lock()
	if c.call != nil {
		// A call cannot start without local media, so this only happens if StartMedia raced itself.
		c.mu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return c.fail(domain.NewCallError(domain.ErrUsage, "start media", "A call is already in progress", domain.ErrCallActive))
	}
	if c.local != nil {
		c.local.Stop()
	}
	c.local = media.NewStream(tracks...)
	for _, t := range c.local.OfKind(webrtc.RTPCodecTypeAudio) {
		t.SetEnabled(!c.muted)
	}
	c.remote = media.NewStream[core.RemoteTrack]()
	_ = c.fire(evMediaAcquired)
	c.mu.Unlock()

	c.log.Info().Int("tracks", len(tracks)).Msg("local media ready")
	c.ui.MediaReady()
	return nil
}

// ToggleMute flips the mute flag, applies it to outgoing audio and returns the new value.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	if c.local != nil {
		for _, t := range c.local.OfKind(webrtc.RTPCodecTypeAudio) {
			t.SetEnabled(!muted)
		}
	}
	c.mu.Unlock()

	if muted {
		c.log.Info().Msg("Microphone is now muted")
	} else {
		c.log.Info().Msg("Microphone is now unmuted")
	}
	c.ui.MuteChanged(muted)
	return muted
}

// fail shows err to the user once and returns it.
func (c *Coordinator) fail(err error) error {
	c.log.Warn().Err(err).Msg("operation failed")
	c.ui.ShowError(domain.UserMessage(err))
	return err
}
