//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const rtpMTU = 1200

// Devices captures the local camera and microphone and encodes them to VP8 and Opus.
type Devices struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

var _ core.MediaSource = (*Devices)(nil)

func NewDevices() (*Devices, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = 1_500_000
	op, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	d := &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8),
			mediadevices.WithAudioEncoders(&op),
		),
		log: log.With().Str("module", "media").Str("source", "devices").Logger(),
	}
	for _, info := range mediadevices.EnumerateDevices() {
		d.log.Info().Str("kind", fmt.Sprint(info.Kind)).Str("label", info.Label).Msg("device")
	}
	return d, nil
}

// ConfigureMedia registers exactly the codecs the encoders produce.
func (d *Devices) ConfigureMedia(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *Devices) Acquire(_ context.Context, c core.Constraints) ([]core.LocalTrack, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: %w", domain.ErrDevice, ErrNoTracks)
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: get user media: %w", domain.ErrDevice, err)
	}

	var out []core.LocalTrack
	for _, mt := range stream.GetTracks() {
		t, err := d.pump(mt)
		if err != nil {
			for _, o := range out {
				o.Stop()
			}
			for _, mt := range stream.GetTracks() {
				_ = mt.Close()
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrDevice, err)
		}
		out = append(out, t)
	}
	d.log.Info().Int("tracks", len(out)).Msg("acquired")
	return out, nil
}

// pump encodes mt into RTP and copies it into a gated local track, so mute drops packets at the source.
func (d *Devices) pump(mt mediadevices.Track) (*appmedia.LocalTrack, error) {
	mime, id := webrtc.MimeTypeOpus, "audio"
	if mt.Kind() == webrtc.RTPCodecTypeVideo {
		mime, id = webrtc.MimeTypeVP8, "video"
	}
	reader, err := mt.NewRTPReader(mime, rand.Uint32(), rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("rtp reader %s: %w", id, err)
	}
	pion, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	t := appmedia.NewRTPTrack(pion, func() {
		_ = reader.Close()
		_ = mt.Close()
	})
	mt.OnEnded(func(err error) {
		if err != nil {
			d.log.Warn().Err(err).Str("track", id).Msg("device track ended")
		}
	})

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				return
			}
			for _, p := range pkts {
				if err := t.WriteRTP(p); errors.Is(err, appmedia.ErrTrackEnded) {
					release()
					return
				}
			}
			release()
		}
	}()
	return t, nil
}
