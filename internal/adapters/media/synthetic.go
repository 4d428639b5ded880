// Package media provides the local media sources a peer can capture from, and recorders for what it receives.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const streamID = "peercall"

var ErrNoTracks = errors.New("no track kinds requested")

var (
	// opusSilence is one 20ms Opus frame of digital silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// vp8Blank is a VP8 keyframe header for a 16x16 picture over zero bytes. Good enough for
	// transport and recording, not for display.
	vp8Blank = append([]byte{0x50, 0x01, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}, make([]byte, 64)...)
)

// Synthetic produces tracks without any hardware: silent Opus audio and blank VP8 video.
type Synthetic struct {
	FrameRate int
	log       zerolog.Logger
}

var _ core.MediaSource = (*Synthetic)(nil)

func NewSynthetic() *Synthetic {
	return &Synthetic{FrameRate: 15, log: log.With().Str("module", "media").Str("source", "synthetic").Logger()}
}

func (s *Synthetic) Acquire(_ context.Context, c core.Constraints) ([]core.LocalTrack, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: %w", domain.ErrDevice, ErrNoTracks)
	}
	var out []core.LocalTrack
	if c.Audio {
		t, err := s.start(webrtc.MimeTypeOpus, "audio", opusSilence, 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		rate := s.FrameRate
		if rate <= 0 {
			rate = 15
		}
		t, err := s.start(webrtc.MimeTypeVP8, "video", vp8Blank, time.Second/time.Duration(rate))
		if err != nil {
			for _, o := range out {
				o.Stop()
			}
			return nil, err
		}
		out = append(out, t)
	}
	s.log.Info().Int("tracks", len(out)).Msg("acquired")
	return out, nil
}

func (s *Synthetic) start(mime, id string, frame []byte, every time.Duration) (*appmedia.LocalTrack, error) {
	pion, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: new %s track: %w", domain.ErrDevice, id, err)
	}
	done := make(chan struct{})
	t := appmedia.NewSampleTrack(pion, func() { close(done) })

	go func() {
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				err := t.WriteSample(pmedia.Sample{Data: frame, Duration: every})
				if errors.Is(err, appmedia.ErrTrackEnded) {
					return
				}
				if err != nil {
					s.log.Debug().Err(err).Str("track", id).Msg("write sample")
				}
			}
		}
	}()
	return t, nil
}
