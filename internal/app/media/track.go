package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackEnded = errors.New("track ended")

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackMuted:
		return "muted"
	case TrackEnded:
		return "ended"
	}
	return "unknown"
}

// LocalTrack gates writes into one outgoing pion track. Muted tracks drop what is written to them; ended
// tracks reject it.
type LocalTrack struct {
	sample *webrtc.TrackLocalStaticSample
	rtp    *webrtc.TrackLocalStaticRTP

	state    atomic.Int32 // zero is TrackLive
	stopOnce sync.Once
	onStop   func()
}

// NewSampleTrack wraps a sample track. onStop runs once, on the first Stop.
func NewSampleTrack(t *webrtc.TrackLocalStaticSample, onStop func()) *LocalTrack {
	return &LocalTrack{sample: t, onStop: onStop}
}

func NewRTPTrack(t *webrtc.TrackLocalStaticRTP, onStop func()) *LocalTrack {
	return &LocalTrack{rtp: t, onStop: onStop}
}

func (t *LocalTrack) local() webrtc.TrackLocal {
	if t.sample != nil {
		return t.sample
	}
	return t.rtp
}

func (t *LocalTrack) ID() string { return t.local().ID() }

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.local().Kind() }

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.local() }

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) SetEnabled(enabled bool) {
	from, to := TrackMuted, TrackLive
	if !enabled {
		from, to = TrackLive, TrackMuted
	}
	t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *LocalTrack) Enabled() bool { return t.State() == TrackLive }

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackEnded))
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *LocalTrack) WriteSample(s pmedia.Sample) error {
	switch t.State() {
	case TrackEnded:
		return ErrTrackEnded
	case TrackMuted:
		return nil
	}
	if t.sample == nil {
		return errors.New("not a sample track")
	}
	return t.sample.WriteSample(s)
}

func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	switch t.State() {
	case TrackEnded:
		return ErrTrackEnded
	case TrackMuted:
		return nil
	}
	if t.rtp == nil {
		return errors.New("not an rtp track")
	}
	return t.rtp.WriteRTP(p)
}
