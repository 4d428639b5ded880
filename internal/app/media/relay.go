package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PacketSource is satisfied by *webrtc.TrackRemote.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink consumes the packets of one remote track, e.g. a recorder.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

type sinkEntry struct {
	sink    Sink
	removed atomic.Bool
}

// RemoteTrack reads one incoming track and forwards every packet to its sinks.
type RemoteTrack struct {
	id       string
	kind     webrtc.RTPCodecType
	mimeType string
	src      PacketSource

	mu    sync.RWMutex
	sinks map[string]*sinkEntry

	packets  atomic.Uint64
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

func NewRemoteTrack(id string, kind webrtc.RTPCodecType, mimeType string, src PacketSource) *RemoteTrack {
	return &RemoteTrack{
		id:       id,
		kind:     kind,
		mimeType: mimeType,
		src:      src,
		sinks:    make(map[string]*sinkEntry),
		done:     make(chan struct{}),
		logger:   log.With().Str("module", "media.remote").Str("track", id).Str("kind", kind.String()).Logger(),
	}
}

// FromPion wraps a pion remote track.
func FromPion(t *webrtc.TrackRemote) *RemoteTrack {
	return NewRemoteTrack(t.ID(), t.Kind(), t.Codec().MimeType, t)
}

func (r *RemoteTrack) ID() string                { return r.id }
func (r *RemoteTrack) Kind() webrtc.RTPCodecType { return r.kind }
func (r *RemoteTrack) MimeType() string          { return r.mimeType }
func (r *RemoteTrack) Packets() uint64           { return r.packets.Load() }

// Done is closed when the read loop has exited.
func (r *RemoteTrack) Done() <-chan struct{} { return r.done }

// Start runs the read loop until ctx ends, Stop is called or the source fails.
func (r *RemoteTrack) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop(ctx)
}

func (r *RemoteTrack) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("remote track ctx done")
			r.closeSinks()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			r.logger.Debug().Err(err).Msg("remote track read ended")
			r.closeSinks()
			return
		}
		r.packets.Add(1)
		r.forward(pkt)
	}
}

func (r *RemoteTrack) forward(pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := maps.Clone(r.sinks)
	r.mu.RUnlock()

	var dirty []string
	for name, e := range snapshot {
		if e.removed.Load() {
			dirty = append(dirty, name)
			continue
		}
		if err := e.sink.WriteRTP(pkt); err != nil {
			r.logger.Warn().Err(err).Str("sink", name).Msg("sink write failed, dropping sink")
			e.removed.Store(true)
			_ = e.sink.Close()
			dirty = append(dirty, name)
		}
	}
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, name := range dirty {
			if e, ok := r.sinks[name]; ok && e.removed.Load() {
				delete(r.sinks, name)
			}
		}
		r.mu.Unlock()
	}
}

// AddSink attaches s under name, replacing and closing any sink already using that name.
func (r *RemoteTrack) AddSink(name string, s Sink) {
	r.mu.Lock()
	old, ok := r.sinks[name]
	r.sinks[name] = &sinkEntry{sink: s}
	r.mu.Unlock()
	if ok && !old.removed.Swap(true) {
		_ = old.sink.Close()
	}
}

func (r *RemoteTrack) RemoveSink(name string) {
	r.mu.Lock()
	e, ok := r.sinks[name]
	delete(r.sinks, name)
	r.mu.Unlock()
	if ok && !e.removed.Swap(true) {
		_ = e.sink.Close()
	}
}

func (r *RemoteTrack) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Stop cancels the loop and closes every sink. The loop itself exits on its next read, which returns once
// the owning transport is closed.
func (r *RemoteTrack) Stop() {
	r.stopOnce.Do(func() {
		r.mu.RLock()
		cancel := r.cancel
		r.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		r.closeSinks()
	})
}

func (r *RemoteTrack) closeSinks() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]*sinkEntry)
	r.mu.Unlock()
	for name, e := range sinks {
		if e.removed.Swap(true) {
			continue
		}
		if err := e.sink.Close(); err != nil {
			r.logger.Warn().Err(err).Str("sink", name).Msg("close sink")
		}
	}
}
