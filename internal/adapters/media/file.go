package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const oggPageDuration = 20 * time.Millisecond

var ErrUnsupportedCodec = errors.New("unsupported codec")

// File plays media from disk: video from an IVF file, audio from an Ogg/Opus file. Playback loops.
type File struct {
	Video string
	Audio string
	log   zerolog.Logger
}

var _ core.MediaSource = (*File)(nil)

func NewFile(video, audio string) *File {
	return &File{Video: video, Audio: audio, log: log.With().Str("module", "media").Str("source", "file").Logger()}
}

func (f *File) Acquire(_ context.Context, c core.Constraints) ([]core.LocalTrack, error) {
	var out []core.LocalTrack
	fail := func(err error) ([]core.LocalTrack, error) {
		for _, t := range out {
			t.Stop()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDevice, err)
	}
	if c.Audio && f.Audio != "" {
		t, err := f.startOgg(f.Audio)
		if err != nil {
			return fail(err)
		}
		out = append(out, t)
	}
	if c.Video && f.Video != "" {
		t, err := f.startIVF(f.Video)
		if err != nil {
			return fail(err)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return fail(ErrNoTracks)
	}
	return out, nil
}

func ivfMime(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("%w: ivf fourcc %q", ErrUnsupportedCodec, fourcc)
}

func (f *File) startIVF(path string) (*appmedia.LocalTrack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read ivf header %s: %w", path, err)
	}
	mime, err := ivfMime(header.FourCC)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	pion, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	interval := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	done := make(chan struct{})
	t := appmedia.NewSampleTrack(pion, func() { close(done) })
	l := f.log.With().Str("file", path).Str("codec", mime).Logger()

	go func() {
		defer file.Close()
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if _, err = file.Seek(0, io.SeekStart); err == nil {
					reader, _, err = ivfreader.NewWith(file)
				}
				if err != nil {
					l.Error().Err(err).Msg("rewind")
					return
				}
				continue
			}
			if err != nil {
				l.Error().Err(err).Msg("parse frame")
				return
			}
			if err := t.WriteSample(pmedia.Sample{Data: frame, Duration: interval}); errors.Is(err, appmedia.ErrTrackEnded) {
				return
			}
		}
	}()
	l.Info().Dur("interval", interval).Msg("playing")
	return t, nil
}

func (f *File) startOgg(path string) (*appmedia.LocalTrack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", path, err)
	}
	pion, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  uint16(header.Channels),
	}, "audio", streamID)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	done := make(chan struct{})
	t := appmedia.NewSampleTrack(pion, func() { close(done) })
	l := f.log.With().Str("file", path).Logger()

	go func() {
		defer file.Close()
		tick := time.NewTicker(oggPageDuration)
		defer tick.Stop()
		var lastGranule uint64
		for {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			page, ph, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if _, err = file.Seek(0, io.SeekStart); err == nil {
					reader, _, err = oggreader.NewWith(file)
				}
				if err != nil {
					l.Error().Err(err).Msg("rewind")
					return
				}
				lastGranule = 0
				continue
			}
			if err != nil {
				l.Error().Err(err).Msg("parse page")
				return
			}
			// Granule positions count 48kHz samples.
			samples := ph.GranulePosition - lastGranule
			lastGranule = ph.GranulePosition
			d := time.Duration(float64(samples) / 48000 * float64(time.Second))
			if err := t.WriteSample(pmedia.Sample{Data: page, Duration: d}); errors.Is(err, appmedia.ErrTrackEnded) {
				return
			}
		}
	}()
	l.Info().Msg("playing")
	return t, nil
}
