package orch

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	opCall   = "start call"
	opAnswer = "join call"
)

// Call starts a call as caller and returns the session id the callee has to enter. It returns once the offer
// is published and both change feeds are live; candidates keep flowing in the background.
func (c *Coordinator) Call(ctx context.Context) (domain.SessionID, error) {
	cs, err := c.beginCall(ctx, domain.RoleCaller, "")
	if err != nil {
		return "", err
	}
	ctx, cancel := cs.opContext(ctx)
	defer cancel()

	var id domain.SessionID
	err = cs.write(func() (err error) {
		id, err = c.sessions.Create(ctx)
		return err
	})
	if err != nil {
		return "", c.abort(cs, directoryError(opCall, "", err))
	}
	if !cs.bind(id) {
		c.discard(id)
		return "", c.abort(cs, callEnded(opCall))
	}
	cs.markDirty()
	c.log.Info().Str("sid", string(id)).Msg("session created")
	c.ui.SessionCreated(id)

	if !cs.startOutbox(c.candidateWriter(id, domain.RoleCaller), c.candidateWriteFailed) {
		return "", c.abort(cs, callEnded(opCall))
	}
	tr := cs.getTransport()
	tr.OnLocalCandidate(cs.pushLocal)

	offer, err := tr.CreateOffer(ctx)
	if err == nil {
		err = offer.Validate(domain.SDPTypeOffer)
	}
	if err != nil {
		return "", c.abort(cs, transportError(opCall, err))
	}
	if err := tr.SetLocalDescription(ctx, offer); err != nil {
		return "", c.abort(cs, transportError(opCall, err))
	}
	if err := cs.write(func() error { return c.sessions.PublishOffer(ctx, id, offer) }); err != nil {
		return "", c.abort(cs, directoryError(opCall, "", err))
	}

	sub, err := c.sessions.WatchSession(cs.ctx, id, c.onSession(cs))
	if err != nil {
		return "", c.abort(cs, directoryError(opCall, "", err))
	}
	cs.track(sub)
	sub, err = c.sessions.WatchCandidates(cs.ctx, id, domain.RoleCallee, c.onRemoteCandidate(cs))
	if err != nil {
		return "", c.abort(cs, directoryError(opCall, "", err))
	}
	if !cs.track(sub) {
		return "", c.abort(cs, callEnded(opCall))
	}
	cs.log.Info().Str("sid", string(id)).Strs("media", offer.Media()).Msg("offer published")
	return id, nil
}

// Answer joins the session id as callee. A missing session, one without a usable offer or one that already
// has an answer returns to MediaReady without writing anything.
func (c *Coordinator) Answer(ctx context.Context, id domain.SessionID) error {
	id = domain.SessionID(strings.TrimSpace(string(id)))
	cs, err := c.beginCall(ctx, domain.RoleCallee, id)
	if err != nil {
		return err
	}
	ctx, cancel := cs.opContext(ctx)
	defer cancel()

	sess, err := c.sessions.Get(ctx, id)
	if errors.Is(err, domain.ErrMalformedSDP) {
		return c.abort(cs, domain.NewCallError(domain.ErrNotFound, opAnswer, "Invalid call data.", err))
	}
	if err != nil {
		return c.abort(cs, directoryError(opAnswer, "Call ID not found.", err))
	}
	if sess.Offer == nil {
		return c.abort(cs, domain.NewCallError(domain.ErrNotFound, opAnswer, "Invalid call data.", domain.ErrMissingOffer))
	}
	if err := sess.Offer.Validate(domain.SDPTypeOffer); err != nil {
		return c.abort(cs, domain.NewCallError(domain.ErrNotFound, opAnswer, "Invalid call data.", err))
	}
	if sess.Answer != nil {
		return c.abort(cs, domain.NewCallError(domain.ErrNotFound, opAnswer, "Invalid call data.", domain.ErrAnswered))
	}

	applied, err := cs.applyRemote(ctx, *sess.Offer)
	if err != nil {
		return c.abort(cs, transportError(opAnswer, err))
	}
	if !applied {
		return c.abort(cs, callEnded(opAnswer))
	}

	if !cs.startOutbox(c.candidateWriter(id, domain.RoleCallee), c.candidateWriteFailed) {
		return c.abort(cs, callEnded(opAnswer))
	}
	tr := cs.getTransport()
	tr.OnLocalCandidate(cs.pushLocal)

	answer, err := tr.CreateAnswer(ctx)
	if err == nil {
		err = answer.Validate(domain.SDPTypeAnswer)
	}
	if err != nil {
		return c.abort(cs, transportError(opAnswer, err))
	}
	if err := tr.SetLocalDescription(ctx, answer); err != nil {
		return c.abort(cs, transportError(opAnswer, err))
	}
	if err := cs.write(func() error { return c.sessions.PublishAnswer(ctx, id, answer) }); err != nil {
		return c.abort(cs, directoryError(opAnswer, "Call ID not found.", err))
	}
	cs.markDirty()

	sub, err := c.sessions.WatchCandidates(cs.ctx, id, domain.RoleCaller, c.onRemoteCandidate(cs))
	if err != nil {
		return c.abort(cs, directoryError(opAnswer, "", err))
	}
	if !cs.track(sub) {
		return c.abort(cs, callEnded(opAnswer))
	}
	cs.log.Info().Str("sid", string(id)).Strs("media", answer.Media()).Msg("answer published")
	return nil
}

// beginCall claims the single call slot and prepares a fresh transport with local tracks and handlers attached.
func (c *Coordinator) beginCall(ctx context.Context, role domain.Role, id domain.SessionID) (*callSession, error) {
	op := opCall
	if role == domain.RoleCallee {
		op = opAnswer
	}

	c.mu.Lock()
	var usage *domain.CallError
	switch {
	case c.local == nil:
		usage = domain.NewCallError(domain.ErrUsage, op, "Please start your webcam first.", domain.ErrNoLocalMedia)
	case c.call != nil:
		usage = domain.NewCallError(domain.ErrUsage, op, "A call is already in progress", domain.ErrCallActive)
	case role == domain.RoleCallee && id == "":
		usage = domain.NewCallError(domain.ErrUsage, op, "Please enter a Call ID.", domain.ErrNoSessionID)
	}
	if usage != nil {
		c.mu.Unlock()
		return nil, c.fail(usage)
	}
	cs := newCallSession(role, id, c.log)
	c.call = cs
	tracks := c.local.Tracks()
	_ = c.fire(evDial)
	c.mu.Unlock()

	tr, err := c.transports.NewTransport(ctx)
	if err != nil {
		return nil, c.abort(cs, transportError(op, err))
	}
	if !cs.setTransport(tr) {
		_ = tr.Close()
		return nil, c.abort(cs, callEnded(op))
	}
	for _, t := range tracks {
		if err := tr.AddTrack(t); err != nil {
			return nil, c.abort(cs, transportError(op, err))
		}
	}
	tr.OnRemoteTrack(c.onRemoteTrack(cs))
	tr.OnStateChange(c.onTransportState(cs))
	return cs, nil
}

// abort ends a call that failed during setup and returns to MediaReady. Sessions this side already wrote to
// are kept as orphans for the next Hangup.
func (c *Coordinator) abort(cs *callSession, cause *domain.CallError) error {
	c.mu.Lock()
	if c.call != cs {
		// Hangup got here first and has released everything. Nothing is shown for a requested hangup.
		c.mu.Unlock()
		cs.close()
		c.log.Debug().Err(cause).Str("op", cause.Op).Msg("setup stopped by hangup")
		return callEnded(cause.Op)
	}
	c.call = nil
	remote := c.remote
	c.remote = media.NewStream[core.RemoteTrack]()
	_ = c.fire(evAbort)
	c.mu.Unlock()

	id, dirty := cs.close()
	cs.wait()
	if tr := cs.getTransport(); tr != nil {
		if err := tr.Close(); err != nil {
			cs.log.Warn().Err(err).Msg("close transport")
		}
	}
	if remote != nil {
		remote.Stop()
	}
	if dirty && id != "" {
		c.mu.Lock()
		c.orphans = append(c.orphans, id)
		c.mu.Unlock()
		cs.log.Info().Str("sid", string(id)).Msg("session left for hangup")
	}
	c.ui.MediaReady()
	return c.fail(cause)
}

// discard deletes a session created after its call already ended.
func (c *Coordinator) discard(id domain.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.sessions.Delete(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("sid", string(id)).Msg("discard session")
	}
}

func (c *Coordinator) candidateWriter(id domain.SessionID, role domain.Role) func(context.Context, domain.Candidate) error {
	return func(ctx context.Context, cand domain.Candidate) error {
		return c.sessions.AppendCandidate(ctx, id, role, cand)
	}
}

// candidateWriteFailed reports a lost local candidate. The call goes on; other candidates may still connect.
func (c *Coordinator) candidateWriteFailed(err error) {
	_ = c.fail(directoryError("write candidate", "", err))
}

func (c *Coordinator) onSession(cs *callSession) func(core.SessionEvent) {
	return func(ev core.SessionEvent) {
		if cs.isClosed() {
			return
		}
		if ev.Deleted {
			cs.log.Info().Msg("session deleted by peer")
			go c.endCall(cs)
			return
		}
		answer := ev.Session.Answer
		if answer == nil {
			return
		}
		if err := answer.Validate(domain.SDPTypeAnswer); err != nil {
			_ = c.fail(domain.NewCallError(domain.ErrTransport, "apply answer", "Invalid call data.", err))
			return
		}
		applied, err := cs.applyRemote(cs.ctx, *answer)
		if err != nil {
			if !cs.isClosed() {
				_ = c.fail(transportError("apply answer", err))
			}
			return
		}
		if applied {
			cs.log.Info().Msg("answer applied")
		}
	}
}

func (c *Coordinator) onRemoteCandidate(cs *callSession) func(core.CandidateEvent) {
	return func(ev core.CandidateEvent) {
		if err := cs.addRemoteCandidate(ev.Key, ev.Candidate); err != nil && !cs.isClosed() {
			_ = c.fail(transportError("add candidate", err))
		}
	}
}

func (c *Coordinator) onRemoteTrack(cs *callSession) func(core.RemoteTrack) {
	return func(t core.RemoteTrack) {
		c.mu.Lock()
		if c.call != cs || c.remote == nil {
			c.mu.Unlock()
			t.Stop()
			return
		}
		c.remote.Add(t)
		c.mu.Unlock()
		cs.log.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
		c.ui.RemoteTrack(t)
	}
}

func (c *Coordinator) onTransportState(cs *callSession) func(webrtc.PeerConnectionState) {
	return func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			if c.call == cs {
				_ = c.fire(evConnected)
			}
			c.mu.Unlock()
		case webrtc.PeerConnectionStateFailed:
			if cs.isClosed() {
				return
			}
			_ = c.fail(domain.NewCallError(domain.ErrTransport, "connect", "Connection failed.", domain.ErrNegotiateFail))
			go c.endCall(cs)
		case webrtc.PeerConnectionStateClosed:
			if cs.isClosed() {
				return
			}
			cs.log.Info().Msg("transport closed by peer")
			go c.endCall(cs)
		}
	}
}

func directoryError(op, notFound string, err error) *domain.CallError {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewCallError(domain.ErrNotFound, op, notFound, err)
	}
	return domain.NewCallError(domain.ErrDirectory, op, "", err)
}

func transportError(op string, err error) *domain.CallError {
	return domain.NewCallError(domain.ErrTransport, op, "", err)
}

func callEnded(op string) *domain.CallError {
	return domain.NewCallError(domain.ErrUsage, op, "The call was ended.", domain.ErrCallEnded)
}
