package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// fakeSDP is the smallest description pion's sdp parser accepts.
func fakeSDP(name string, typ domain.SDPType) domain.SessionDescription {
	body := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=" + name,
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"",
	}, "\r\n")
	return domain.SessionDescription{Type: typ, SDP: body}
}

type fakeTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Int32
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Track() webrtc.TrackLocal  { return nil }
func (t *fakeTrack) SetEnabled(e bool)         { t.enabled.Store(e) }
func (t *fakeTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeTrack) Stop()                     { t.stopped.Add(1) }

type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired [][]*fakeTrack
}

func (s *fakeSource) Acquire(_ context.Context, c core.Constraints) ([]core.LocalTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n := len(s.acquired)
	var set []*fakeTrack
	if c.Audio {
		set = append(set, newFakeTrack(fmt.Sprintf("audio-%d", n), webrtc.RTPCodecTypeAudio))
	}
	if c.Video {
		set = append(set, newFakeTrack(fmt.Sprintf("video-%d", n), webrtc.RTPCodecTypeVideo))
	}
	s.acquired = append(s.acquired, set)
	out := make([]core.LocalTrack, len(set))
	for i, t := range set {
		out[i] = t
	}
	return out, nil
}

func (s *fakeSource) last() []*fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired[len(s.acquired)-1]
}

type fakeRemote struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped atomic.Int32
}

func (r *fakeRemote) ID() string                { return r.id }
func (r *fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }
func (r *fakeRemote) Stop()                     { r.stopped.Add(1) }

var errNoRemote = errors.New("remote description not set")

// fakeTransport stands in for a peer connection. It trickles two host candidates after the local description
// is set and reports connected once both descriptions are in place and a remote candidate was applied.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	tracks      []core.LocalTrack
	local       *domain.SessionDescription
	remote      *domain.SessionDescription
	remoteSets  int
	applied     []domain.Candidate
	closed      bool
	connected   bool
	onCandidate func(domain.Candidate)
	onTrack     func(core.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
	remotes     []*fakeRemote
}

func (f *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	return fakeSDP(f.name, domain.SDPTypeOffer), nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return domain.SessionDescription{}, errNoRemote
	}
	return fakeSDP(f.name, domain.SDPTypeAnswer), nil
}

func (f *fakeTransport) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	f.mu.Lock()
	f.local = &d
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		go func() {
			for i := 1; i <= 2; i++ {
				fn(domain.Candidate{Candidate: fmt.Sprintf("candidate:%s%d 1 udp 2130706431 10.0.0.%d 500%d typ host", f.name, i, i, i)})
			}
		}()
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.remote = &d
	f.remoteSets++
	f.maybeConnectLocked()
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errNoRemote
	}
	f.applied = append(f.applied, c)
	f.maybeConnectLocked()
	return nil
}

func (f *fakeTransport) maybeConnectLocked() {
	if f.connected || f.closed || f.local == nil || f.remote == nil || len(f.applied) == 0 {
		return
	}
	f.connected = true
	state, track := f.onState, f.onTrack
	var remotes []*fakeRemote
	for _, t := range f.tracks {
		r := &fakeRemote{id: "remote-" + t.ID(), kind: t.Kind()}
		remotes = append(remotes, r)
	}
	f.remotes = remotes
	go func() {
		if state != nil {
			state(webrtc.PeerConnectionStateConnected)
		}
		if track != nil {
			for _, r := range remotes {
				track(r)
			}
		}
	}()
}

func (f *fakeTransport) AddTrack(t core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(domain.Candidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnRemoteTrack(fn func(core.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.onCandidate, f.onTrack, f.onState = nil, nil, nil
	return nil
}

// emit delivers a connection state as the transport would, from its own goroutine.
func (f *fakeTransport) emit(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		go fn(s)
	}
}

func (f *fakeTransport) snapshot() (remoteSets, applied int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSets, len(f.applied), f.closed
}

func (f *fakeTransport) appliedCandidates() []domain.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Candidate(nil), f.applied...)
}

type fakeFactory struct {
	name string
	mu   sync.Mutex
	made []*fakeTransport
	err  error
}

func (f *fakeFactory) NewTransport(context.Context) (core.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{name: fmt.Sprintf("%s%d", f.name, len(f.made))}
	f.made = append(f.made, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

// recorder is a Presenter that remembers what it was told.
type recorder struct {
	mu         sync.Mutex
	errors     []string
	states     []domain.CallState
	sessionIDs []domain.SessionID
	remote     []core.RemoteTrack
	resets     int
	ready      int
	muted      bool
}

func (r *recorder) MediaReady() {
	r.mu.Lock()
	r.ready++
	r.mu.Unlock()
}

func (r *recorder) SessionCreated(id domain.SessionID) {
	r.mu.Lock()
	r.sessionIDs = append(r.sessionIDs, id)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(_, to domain.CallState) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) RemoteTrack(t core.RemoteTrack) {
	r.mu.Lock()
	r.remote = append(r.remote, t)
	r.mu.Unlock()
}

func (r *recorder) MuteChanged(m bool) {
	r.mu.Lock()
	r.muted = m
	r.mu.Unlock()
}

func (r *recorder) ShowError(msg string) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *recorder) lastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[len(r.errors)-1]
}

func (r *recorder) remoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.remote)
}

// countingStore counts descriptor writes on top of a real store.
type countingStore struct {
	core.SessionStore
	offers  atomic.Int32
	answers atomic.Int32
}

func (s *countingStore) PublishOffer(ctx context.Context, id domain.SessionID, d domain.SessionDescription) error {
	s.offers.Add(1)
	return s.SessionStore.PublishOffer(ctx, id, d)
}

func (s *countingStore) PublishAnswer(ctx context.Context, id domain.SessionID, d domain.SessionDescription) error {
	s.answers.Add(1)
	return s.SessionStore.PublishAnswer(ctx, id, d)
}

// gatedStore holds Create until release is closed.
type gatedStore struct {
	core.SessionStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Create(ctx context.Context) (domain.SessionID, error) {
	close(s.entered)
	<-s.release
	return s.SessionStore.Create(ctx)
}
