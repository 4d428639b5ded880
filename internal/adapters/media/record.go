package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
)

// rtpWriter is what ivfwriter and oggwriter have in common.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

type fileSink struct {
	w    rtpWriter
	path string
}

func (s *fileSink) WriteRTP(p *rtp.Packet) error { return s.w.WriteRTP(p) }
func (s *fileSink) Close() error                 { return s.w.Close() }

// Recorder writes every remote track it is given to Dir: VP8 video as IVF, Opus audio as Ogg.
type Recorder struct {
	Dir string
	now func() time.Time
	log zerolog.Logger
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{Dir: dir, now: time.Now, log: log.With().Str("module", "record").Logger()}, nil
}

// Attach adds a file sink to t and returns the file path. The file is finalised when the track stops.
func (r *Recorder) Attach(t core.RemoteTrack) (string, error) {
	rt, ok := t.(*appmedia.RemoteTrack)
	if !ok {
		return "", fmt.Errorf("%w: track %s has no packets to record", ErrUnsupportedCodec, t.ID())
	}
	base := filepath.Join(r.Dir, fmt.Sprintf("%s-%d", sanitize(rt.ID()), r.now().UnixNano()))

	var (
		w    rtpWriter
		path string
		err  error
	)
	switch mime := rt.MimeType(); {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path = base + ".ivf"
		w, err = ivfwriter.New(path)
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path = base + ".ogg"
		w, err = oggwriter.New(path, 48000, 2)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	rt.AddSink("record", &fileSink{w: w, path: path})
	r.log.Info().Str("track", rt.ID()).Str("file", path).Msg("recording")
	return path, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
