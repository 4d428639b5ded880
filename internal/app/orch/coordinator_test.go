package orch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type peer struct {
	*Coordinator
	src *fakeSource
	net *fakeFactory
	ui  *recorder
}

func newPeer(name string, store core.SessionStore) *peer {
	p := &peer{src: &fakeSource{}, net: &fakeFactory{name: name}, ui: &recorder{}}
	p.Coordinator = NewCoordinator(p.src, p.net, store, p.ui, WithOpTimeout(time.Second))
	return p
}

type fixture struct {
	dir    *directory.Memory
	store  *countingStore
	caller *peer
	callee *peer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewMemory()
	t.Cleanup(func() { _ = dir.Close() })
	store := &countingStore{SessionStore: signaling.NewStore(dir)}
	return &fixture{
		dir:    dir,
		store:  store,
		caller: newPeer("a", store),
		callee: newPeer("b", store),
	}
}

func (f *fixture) candidates(t *testing.T, id domain.SessionID, role domain.Role) []directory.Document {
	t.Helper()
	name, err := signaling.CandidateCollection(role)
	require.NoError(t, err)
	docs, err := f.dir.List(context.Background(), directory.Collection(signaling.CallsCollection).Doc(string(id)).Collection(name))
	require.NoError(t, err)
	return docs
}

func (f *fixture) sessionExists(t *testing.T, id domain.SessionID) bool {
	t.Helper()
	_, err := f.store.Get(context.Background(), id)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func (f *fixture) callsCount(t *testing.T) int {
	t.Helper()
	docs, err := f.dir.List(context.Background(), directory.Collection(signaling.CallsCollection))
	require.NoError(t, err)
	return len(docs)
}

func TestCoordinator_CallerAndCalleeConnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.caller.StartMedia(ctx))
	require.NoError(t, f.callee.StartMedia(ctx))
	assert.Equal(t, domain.StateMediaReady, f.caller.State())

	id, err := f.caller.Call(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []domain.SessionID{id}, f.caller.ui.sessionIDs)
	assert.Equal(t, domain.RoleCaller, f.caller.Role())
	assert.Equal(t, id, f.caller.SessionID())
	assert.Equal(t, 2, f.caller.ActiveSubscriptions())

	require.NoError(t, f.callee.Answer(ctx, "  "+id+"\n"))
	assert.Equal(t, domain.RoleCallee, f.callee.Role())
	assert.Equal(t, 1, f.callee.ActiveSubscriptions())

	require.Eventually(t, func() bool {
		return f.caller.State() == domain.StateConnected && f.callee.State() == domain.StateConnected
	}, waitFor, tick)

	a, b := f.caller.net.last(), f.callee.net.last()
	require.Eventually(t, func() bool {
		_, appliedA, _ := a.snapshot()
		_, appliedB, _ := b.snapshot()
		return appliedA == 2 && appliedB == 2
	}, waitFor, tick, "every trickled candidate reaches the other side")
	setsA, _, _ := a.snapshot()
	setsB, _, _ := b.snapshot()
	assert.Equal(t, 1, setsA)
	assert.Equal(t, 1, setsB)

	assert.Len(t, f.candidates(t, id, domain.RoleCaller), 2)
	assert.Len(t, f.candidates(t, id, domain.RoleCallee), 2)
	assert.EqualValues(t, 1, f.store.offers.Load())
	assert.EqualValues(t, 1, f.store.answers.Load())

	require.Eventually(t, func() bool { return len(f.caller.RemoteTracks()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.callee.ui.remoteCount() == 2 }, waitFor, tick)

	assert.Equal(t, []domain.CallState{domain.StateMediaReady, domain.StateNegotiating, domain.StateConnected}, f.caller.ui.states)
	assert.Empty(t, f.caller.ui.errors)
	assert.Empty(t, f.callee.ui.errors)
}

func TestCoordinator_HangupRemovesSessionAndTearsDownPeer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	require.NoError(t, f.callee.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, f.callee.Answer(ctx, id))
	require.Eventually(t, func() bool { return f.caller.State() == domain.StateConnected }, waitFor, tick)

	local := f.callee.src.last()
	remote := f.callee.RemoteTracks()
	require.NoError(t, f.callee.Hangup(ctx))

	assert.Equal(t, domain.StateIdle, f.callee.State())
	assert.Equal(t, 0, f.callee.ActiveSubscriptions())
	assert.False(t, f.sessionExists(t, id))
	assert.Empty(t, f.candidates(t, id, domain.RoleCaller))
	assert.Empty(t, f.candidates(t, id, domain.RoleCallee))
	_, _, closed := f.callee.net.last().snapshot()
	assert.True(t, closed)
	for _, tr := range local {
		assert.EqualValues(t, 1, tr.stopped.Load())
	}
	for _, tr := range remote {
		assert.EqualValues(t, 1, tr.(*fakeRemote).stopped.Load())
	}
	assert.Equal(t, 1, f.callee.ui.resets)

	// The caller sees its session document disappear and ends the call on its own.
	require.Eventually(t, func() bool { return f.caller.State() == domain.StateIdle }, waitFor, tick)
	assert.Equal(t, 0, f.caller.ActiveSubscriptions())
	require.Eventually(t, func() bool {
		_, _, closed := f.caller.net.last().snapshot()
		return closed
	}, waitFor, tick)
}

func TestCoordinator_HangupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newPeer("a", signaling.NewStore(directory.NewMemory()))

	require.NoError(t, p.Hangup(ctx))
	require.NoError(t, p.Hangup(ctx))
	assert.Equal(t, domain.StateIdle, p.State())
	assert.Empty(t, p.ui.errors)

	require.NoError(t, p.StartMedia(ctx))
	_, err := p.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Hangup(ctx))
	require.NoError(t, p.Hangup(ctx))
	assert.Equal(t, domain.StateIdle, p.State())
	assert.Equal(t, 0, p.ActiveSubscriptions())
	assert.Equal(t, domain.RoleNone, p.Role())
	assert.Empty(t, p.SessionID())
}

func TestCoordinator_HangupBeforeAnswerIgnoresLateAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)

	f.caller.mu.Lock()
	cs := f.caller.call
	f.caller.mu.Unlock()
	require.NotNil(t, cs)

	require.NoError(t, f.caller.Hangup(ctx))
	assert.False(t, f.sessionExists(t, id))
	assert.Empty(t, f.candidates(t, id, domain.RoleCaller))
	assert.Empty(t, f.candidates(t, id, domain.RoleCallee))
	assert.Equal(t, 0, f.caller.ActiveSubscriptions())

	// A notification already in flight when the feed was cancelled.
	answer := fakeSDP("late", domain.SDPTypeAnswer)
	f.caller.onSession(cs)(core.SessionEvent{Session: domain.Session{ID: id, Answer: &answer}})
	f.caller.onRemoteCandidate(cs)(core.CandidateEvent{Key: "late", Candidate: domain.Candidate{Candidate: "candidate:late"}})

	sets, applied, closed := f.caller.net.last().snapshot()
	assert.Zero(t, sets)
	assert.Zero(t, applied)
	assert.True(t, closed)
	assert.Equal(t, domain.StateIdle, f.caller.State())
	assert.Empty(t, f.caller.ui.errors)
}

func TestCoordinator_EarlyCandidatesAreQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)

	early := domain.Candidate{Candidate: "candidate:early 1 udp 1 10.0.0.9 5009 typ host"}
	require.NoError(t, f.store.AppendCandidate(ctx, id, domain.RoleCallee, early))

	f.caller.mu.Lock()
	cs := f.caller.call
	f.caller.mu.Unlock()
	require.Eventually(t, func() bool { return cs.queued() == 1 }, waitFor, tick)
	_, applied, _ := f.caller.net.last().snapshot()
	assert.Zero(t, applied, "nothing reaches the transport before the answer")

	require.NoError(t, f.callee.StartMedia(ctx))
	require.NoError(t, f.callee.Answer(ctx, id))

	require.Eventually(t, func() bool {
		return len(f.caller.net.last().appliedCandidates()) == 3
	}, waitFor, tick)
	assert.Equal(t, early, f.caller.net.last().appliedCandidates()[0], "queued candidates are applied first")
	assert.Zero(t, cs.queued())
	assert.Empty(t, f.caller.ui.errors)
}

func TestCallSession_AppliesRemoteDescriptionOnce(t *testing.T) {
	tr := &fakeTransport{name: "x"}
	cs := newCallSession(domain.RoleCaller, "id", zerolog.Nop())
	require.True(t, cs.setTransport(tr))

	c1 := domain.Candidate{Candidate: "candidate:1"}
	c2 := domain.Candidate{Candidate: "candidate:2"}
	require.NoError(t, cs.addRemoteCandidate("k1", c1))
	require.NoError(t, cs.addRemoteCandidate("k1", c1))
	assert.Equal(t, 1, cs.queued(), "duplicates are skipped")

	ctx := context.Background()
	applied, err := cs.applyRemote(ctx, fakeSDP("r", domain.SDPTypeAnswer))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = cs.applyRemote(ctx, fakeSDP("r", domain.SDPTypeAnswer))
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, cs.addRemoteCandidate("k2", c2))
	assert.Equal(t, []domain.Candidate{c1, c2}, tr.appliedCandidates())
	sets, _, _ := tr.snapshot()
	assert.Equal(t, 1, sets)

	id, _ := cs.close()
	assert.Equal(t, domain.SessionID("id"), id)
	applied, err = cs.applyRemote(ctx, fakeSDP("r", domain.SDPTypeAnswer))
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, cs.addRemoteCandidate("k3", domain.Candidate{Candidate: "candidate:3"}))
	assert.Len(t, tr.appliedCandidates(), 2)
}

func TestCoordinator_JoinUnknownSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.callee.StartMedia(ctx))

	err := f.callee.Answer(ctx, "doesnotexist")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrUsage)
	assert.Equal(t, "Call ID not found.", f.callee.ui.lastError())
	assert.Equal(t, domain.StateMediaReady, f.callee.State())
	assert.Equal(t, domain.RoleNone, f.callee.Role())
	assert.Zero(t, f.callsCount(t), "no document created")
	_, _, closed := f.callee.net.last().snapshot()
	assert.True(t, closed)

	// Nothing was written, so hangup has nothing to delete and still succeeds.
	require.NoError(t, f.callee.Hangup(ctx))
	assert.Zero(t, f.callsCount(t))
}

func TestCoordinator_JoinSessionWithoutOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.callee.StartMedia(ctx))

	err = f.callee.Answer(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrMissingOffer)
	assert.Equal(t, "Invalid call data.", f.callee.ui.lastError())
	assert.Equal(t, domain.StateMediaReady, f.callee.State())
	assert.Zero(t, f.store.answers.Load())
}

func TestCoordinator_JoinAnsweredSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	require.NoError(t, f.callee.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, f.callee.Answer(ctx, id))
	require.Eventually(t, func() bool {
		return f.caller.State() == domain.StateConnected && f.callee.State() == domain.StateConnected
	}, waitFor, tick)

	before, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, before.Answer)
	calleeCandidates := len(f.candidates(t, id, domain.RoleCallee))

	late := newPeer("c", f.store)
	require.NoError(t, late.StartMedia(ctx))
	err = late.Answer(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrAnswered)
	assert.Equal(t, "Invalid call data.", late.ui.lastError())
	assert.Equal(t, domain.StateMediaReady, late.State())
	assert.Equal(t, domain.RoleNone, late.Role())
	_, _, closed := late.net.last().snapshot()
	assert.True(t, closed)

	after, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Answer, after.Answer, "stored answer untouched")
	assert.EqualValues(t, 1, f.store.answers.Load())
	assert.Len(t, f.candidates(t, id, domain.RoleCallee), calleeCandidates)

	// The rejected peer wrote nothing, so its hangup leaves the call alone.
	require.NoError(t, late.Hangup(ctx))
	assert.True(t, f.sessionExists(t, id))
	assert.Equal(t, domain.StateConnected, f.caller.State())
	assert.Equal(t, domain.StateConnected, f.callee.State())
}

func TestCoordinator_HangupDuringCallSetupIsSilent(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	t.Cleanup(func() { _ = dir.Close() })
	store := &gatedStore{
		SessionStore: signaling.NewStore(dir),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	p := newPeer("a", store)
	require.NoError(t, p.StartMedia(ctx))

	callErr := make(chan error, 1)
	go func() {
		_, err := p.Call(ctx)
		callErr <- err
	}()
	select {
	case <-store.entered:
	case <-time.After(waitFor):
		t.Fatal("create never started")
	}
	p.mu.Lock()
	cs := p.call
	p.mu.Unlock()
	require.NotNil(t, cs)

	hungUp := make(chan struct{})
	go func() {
		_ = p.Hangup(ctx)
		close(hungUp)
	}()
	require.Eventually(t, cs.isClosed, waitFor, tick)
	close(store.release)

	select {
	case err := <-callErr:
		require.ErrorIs(t, err, domain.ErrCallEnded)
	case <-time.After(waitFor):
		t.Fatal("call did not return")
	}
	select {
	case <-hungUp:
	case <-time.After(waitFor):
		t.Fatal("hangup did not return")
	}

	assert.Empty(t, p.ui.errors, "the user asked for the hangup")
	assert.Equal(t, domain.StateIdle, p.State())
	docs, err := dir.List(ctx, directory.Collection(signaling.CallsCollection))
	require.NoError(t, err)
	assert.Empty(t, docs, "session created after hangup is discarded")
}

func TestCoordinator_UsageErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.caller.Call(ctx)
	require.ErrorIs(t, err, domain.ErrUsage)
	assert.ErrorIs(t, err, domain.ErrNoLocalMedia)
	assert.Equal(t, "Please start your webcam first.", f.caller.ui.lastError())
	assert.Nil(t, f.caller.net.last(), "rejected before any transport exists")

	require.NoError(t, f.callee.StartMedia(ctx))
	err = f.callee.Answer(ctx, "   ")
	require.ErrorIs(t, err, domain.ErrNoSessionID)
	assert.Equal(t, "Please enter a Call ID.", f.callee.ui.lastError())
	assert.Equal(t, domain.StateMediaReady, f.callee.State())

	require.NoError(t, f.caller.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)
	first := f.caller.net.last()

	_, err = f.caller.Call(ctx)
	require.ErrorIs(t, err, domain.ErrCallActive)
	assert.Equal(t, "A call is already in progress", f.caller.ui.lastError())
	err = f.caller.Answer(ctx, id)
	require.ErrorIs(t, err, domain.ErrCallActive)
	err = f.caller.StartMedia(ctx)
	require.ErrorIs(t, err, domain.ErrCallActive)

	assert.Same(t, first, f.caller.net.last(), "existing call untouched")
	assert.Equal(t, id, f.caller.SessionID())
	assert.Equal(t, domain.StateNegotiating, f.caller.State())
	assert.EqualValues(t, 1, f.store.offers.Load())
	assert.Equal(t, 1, f.callsCount(t))
	_, _, closed := first.snapshot()
	assert.False(t, closed)
}

func TestCoordinator_StartMediaFailure(t *testing.T) {
	ctx := context.Background()
	p := newPeer("a", signaling.NewStore(directory.NewMemory()))
	p.src.err = errors.New("permission denied")

	err := p.StartMedia(ctx)
	require.ErrorIs(t, err, domain.ErrDevice)
	assert.Equal(t, "Could not start webcam.", p.ui.lastError())
	assert.Equal(t, domain.StateIdle, p.State())
	assert.Equal(t, 1, p.ui.resets)

	_, err = p.Call(ctx)
	require.ErrorIs(t, err, domain.ErrNoLocalMedia)
}

func TestCoordinator_RestartMediaStopsPrevious(t *testing.T) {
	ctx := context.Background()
	p := newPeer("a", signaling.NewStore(directory.NewMemory()))
	require.NoError(t, p.StartMedia(ctx))
	first := p.src.last()
	require.NoError(t, p.StartMedia(ctx))
	for _, tr := range first {
		assert.EqualValues(t, 1, tr.stopped.Load())
	}
	for _, tr := range p.src.last() {
		assert.Zero(t, tr.stopped.Load())
	}
	assert.Equal(t, domain.StateMediaReady, p.State())
	assert.Equal(t, 2, p.ui.ready)
}

func TestCoordinator_FailedRestartLeavesNothing(t *testing.T) {
	ctx := context.Background()
	p := newPeer("a", signaling.NewStore(directory.NewMemory()))
	require.NoError(t, p.StartMedia(ctx))
	first := p.src.last()

	p.src.err = errors.New("device busy")
	require.ErrorIs(t, p.StartMedia(ctx), domain.ErrDevice)
	assert.Equal(t, domain.StateIdle, p.State())
	for _, tr := range first {
		assert.EqualValues(t, 1, tr.stopped.Load())
	}
	p.mu.Lock()
	assert.Nil(t, p.local)
	assert.Nil(t, p.remote)
	p.mu.Unlock()
	assert.Nil(t, p.RemoteTracks())
}

func TestCoordinator_ToggleMute(t *testing.T) {
	ctx := context.Background()
	p := newPeer("a", signaling.NewStore(directory.NewMemory()))

	assert.True(t, p.ToggleMute(), "mute works without media")
	require.NoError(t, p.StartMedia(ctx))
	for _, tr := range p.src.last() {
		assert.Equal(t, tr.kind != webrtc.RTPCodecTypeAudio, tr.Enabled(), tr.id)
	}

	assert.False(t, p.ToggleMute())
	assert.False(t, p.Muted())
	assert.False(t, p.ui.muted)
	for _, tr := range p.src.last() {
		assert.True(t, tr.Enabled(), tr.id)
	}

	assert.True(t, p.ToggleMute())
	require.NoError(t, p.Hangup(ctx))
	assert.True(t, p.Muted(), "mute outlives the call")
}

func TestCoordinator_TransportFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	id, err := f.caller.Call(ctx)
	require.NoError(t, err)

	f.caller.net.last().emit(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool { return f.caller.State() == domain.StateIdle }, waitFor, tick)
	assert.Equal(t, "Connection failed.", f.caller.ui.lastError())
	assert.False(t, f.sessionExists(t, id))
	assert.Equal(t, 0, f.caller.ActiveSubscriptions())
}

func TestCoordinator_TransportErrorFromFactory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.caller.StartMedia(ctx))
	f.caller.net.err = errors.New("no ports")

	_, err := f.caller.Call(ctx)
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.StateMediaReady, f.caller.State())
	assert.Zero(t, f.callsCount(t))
	assert.Equal(t, "Connection negotiation failed.", f.caller.ui.lastError())

	f.caller.net.err = nil
	_, err = f.caller.Call(ctx)
	require.NoError(t, err, "the user can retry")
}

func TestCoordinators_AreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	third := newPeer("c", f.store)
	for _, p := range []*peer{f.caller, f.callee, third} {
		require.NoError(t, p.StartMedia(ctx))
	}
	id1, err := f.caller.Call(ctx)
	require.NoError(t, err)
	id2, err := third.Call(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, f.callee.Answer(ctx, id2))
	require.Eventually(t, func() bool { return third.State() == domain.StateConnected }, waitFor, tick)
	assert.Equal(t, domain.StateNegotiating, f.caller.State())

	require.NoError(t, f.caller.Hangup(ctx))
	assert.True(t, f.sessionExists(t, id2))
	assert.Equal(t, domain.StateConnected, third.State())
}
