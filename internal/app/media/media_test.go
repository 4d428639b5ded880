package media

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpusTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test")
	require.NoError(t, err)
	return tr
}

func TestLocalTrack_StateGate(t *testing.T) {
	stops := 0
	tr := NewSampleTrack(newOpusTrack(t, "audio"), func() { stops++ })

	assert.Equal(t, "audio", tr.ID())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tr.Kind())
	assert.True(t, tr.Enabled())
	require.NoError(t, tr.WriteSample(pmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}))

	tr.SetEnabled(false)
	assert.Equal(t, TrackMuted, tr.State())
	assert.NoError(t, tr.WriteSample(pmedia.Sample{Data: []byte{1}}), "muted writes are dropped silently")

	tr.SetEnabled(true)
	assert.Equal(t, TrackLive, tr.State())

	tr.Stop()
	tr.Stop()
	assert.Equal(t, 1, stops)
	assert.Equal(t, TrackEnded, tr.State())
	tr.SetEnabled(true)
	assert.Equal(t, TrackEnded, tr.State(), "ended is terminal")
	assert.ErrorIs(t, tr.WriteSample(pmedia.Sample{Data: []byte{1}}), ErrTrackEnded)
}

type chanSource struct {
	ch chan *rtp.Packet
}

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type memSink struct {
	mu     sync.Mutex
	seqs   []uint16
	closed bool
	fail   bool
}

func (s *memSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) state() ([]uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...), s.closed
}

func TestRemoteTrack_ForwardsToSinks(t *testing.T) {
	src := &chanSource{ch: make(chan *rtp.Packet)}
	rt := NewRemoteTrack("v", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, src)

	good := &memSink{}
	bad := &memSink{fail: true}
	rt.AddSink("good", good)
	rt.AddSink("bad", bad)
	rt.Start(t.Context())

	for i := uint16(1); i <= 3; i++ {
		src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: i}}
	}
	require.Eventually(t, func() bool {
		seqs, _ := good.state()
		return len(seqs) == 3
	}, time.Second, 5*time.Millisecond)

	seqs, _ := good.state()
	assert.Equal(t, []uint16{1, 2, 3}, seqs)
	_, badClosed := bad.state()
	assert.True(t, badClosed, "failing sink is dropped and closed")
	assert.Equal(t, 1, rt.SinkCount())
	assert.EqualValues(t, 3, rt.Packets())

	close(src.ch)
	select {
	case <-rt.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on source EOF")
	}
	_, goodClosed := good.state()
	assert.True(t, goodClosed)
}

func TestRemoteTrack_StopClosesSinks(t *testing.T) {
	src := &chanSource{ch: make(chan *rtp.Packet)}
	rt := NewRemoteTrack("a", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, src)
	s := &memSink{}
	rt.AddSink("rec", s)
	rt.Start(t.Context())

	rt.Stop()
	rt.Stop()
	_, closed := s.state()
	assert.True(t, closed)
	close(src.ch)
}

type stubTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped int
}

func (s *stubTrack) ID() string                { return s.id }
func (s *stubTrack) Kind() webrtc.RTPCodecType { return s.kind }
func (s *stubTrack) Stop()                     { s.stopped++ }

func TestStream_AddReplaceStop(t *testing.T) {
	a := &stubTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	v := &stubTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	s := NewStream[*stubTrack](a, v)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []*stubTrack{a}, s.OfKind(webrtc.RTPCodecTypeAudio))

	a2 := &stubTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	s.Add(a2)
	assert.Equal(t, 1, a.stopped, "replaced track is stopped")
	assert.Equal(t, []*stubTrack{a2, v}, s.Tracks(), "replacement keeps position")

	s.Stop()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, a2.stopped)
	assert.Equal(t, 1, v.stopped)
}
