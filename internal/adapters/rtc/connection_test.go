package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func newPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	lan, err := NewVirtualLAN(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lan.Stop() })

	var conns [2]*Connection
	for i := range conns {
		f, err := NewFactory(lan.Settings(i))
		require.NoError(t, err)
		tr, err := f.NewTransport(context.Background())
		require.NoError(t, err)
		conns[i] = tr.(*Connection)
		t.Cleanup(func() { _ = conns[i].Close() })
	}
	return conns[0], conns[1]
}

func waitState(t *testing.T, ch <-chan webrtc.PeerConnectionState, want webrtc.PeerConnectionState) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConnection_NegotiatesOverVirtualLAN(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t)

	pion, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peercall")
	require.NoError(t, err)
	local := media.NewSampleTrack(pion, nil)
	require.NoError(t, a.AddTrack(local))

	stateA := make(chan webrtc.PeerConnectionState, 16)
	stateB := make(chan webrtc.PeerConnectionState, 16)
	a.OnStateChange(func(s webrtc.PeerConnectionState) { stateA <- s })
	b.OnStateChange(func(s webrtc.PeerConnectionState) { stateB <- s })

	tracks := make(chan core.RemoteTrack, 1)
	b.OnRemoteTrack(func(rt core.RemoteTrack) { tracks <- rt })

	var (
		mu         sync.Mutex
		candidates []domain.Candidate
	)
	a.OnLocalCandidate(func(c domain.Candidate) {
		mu.Lock()
		candidates = append(candidates, c)
		mu.Unlock()
	})

	gatherA := webrtc.GatheringCompletePromise(a.pc)
	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, offer.Validate(domain.SDPTypeOffer))
	assert.Equal(t, []string{"audio"}, offer.Media())
	require.NoError(t, a.SetLocalDescription(ctx, offer))
	<-gatherA
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(candidates) > 0
	}, 5*time.Second, 10*time.Millisecond, "host candidate surfaced through the handler")

	require.NoError(t, b.SetRemoteDescription(ctx, fromPion(*a.pc.LocalDescription())))
	mu.Lock()
	trickled := append([]domain.Candidate(nil), candidates...)
	mu.Unlock()
	for _, c := range trickled {
		require.NoError(t, b.AddICECandidate(c))
	}

	gatherB := webrtc.GatheringCompletePromise(b.pc)
	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetLocalDescription(ctx, answer))
	<-gatherB
	require.NoError(t, a.SetRemoteDescription(ctx, fromPion(*b.pc.LocalDescription())))

	waitState(t, stateA, webrtc.PeerConnectionStateConnected)
	waitState(t, stateB, webrtc.PeerConnectionStateConnected)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = local.WriteSample(pmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case rt := <-tracks:
		assert.Equal(t, webrtc.RTPCodecTypeAudio, rt.Kind())
		rt.Stop()
	case <-time.After(10 * time.Second):
		t.Fatal("remote track never surfaced")
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	a, _ := newPair(t)
	called := false
	a.OnStateChange(func(webrtc.PeerConnectionState) { called = true })
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, called, "handlers are detached before the connection closes")
}

func TestConnection_RejectsTrackWithoutPionTrack(t *testing.T) {
	a, _ := newPair(t)
	assert.ErrorIs(t, a.AddTrack(nilTrack{}), ErrNoPionTrack)
}

type nilTrack struct{}

func (nilTrack) ID() string                { return "x" }
func (nilTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (nilTrack) Track() webrtc.TrackLocal  { return nil }
func (nilTrack) SetEnabled(bool)           {}
func (nilTrack) Enabled() bool             { return true }
func (nilTrack) Stop()                     {}
