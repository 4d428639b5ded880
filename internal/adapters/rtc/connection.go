package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrNoPionTrack = errors.New("local track has no pion track")

const pliInterval = 3 * time.Second

// Connection is a core.Transport backed by one pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu          sync.RWMutex
	onCandidate func(domain.Candidate)
	onTrack     func(core.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

var _ core.Transport = (*Connection)(nil)

func NewConnection(api *webrtc.API, cfg webrtc.Configuration) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("module", "webrtc").Logger(),
	}
	c.start()
	return c, nil
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onCandidate
		c.mu.RUnlock()
		if fn != nil {
			fn(fromInit(cand.ToJSON()))
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")

		rt := media.FromPion(track)
		rt.Start(c.ctx)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyframes(uint32(track.SSRC()))
		}
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(rt)
		} else {
			rt.Stop()
		}
	})
}

// requestKeyframes sends a PictureLossIndication periodically so a late or lossy decoder recovers.
func (c *Connection) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				c.log.Debug().Err(err).Msg("write PLI")
				return
			}
		}
	}
}

func (c *Connection) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (c *Connection) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (c *Connection) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	return c.pc.SetLocalDescription(toPion(d))
}

func (c *Connection) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPion(d))
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// AddTrack attaches the local track and drains RTCP for its sender so interceptors keep running.
func (c *Connection) AddTrack(t core.LocalTrack) error {
	tr := t.Track()
	if tr == nil {
		return ErrNoPionTrack
	}
	sender, err := c.pc.AddTrack(tr)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) OnLocalCandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close is idempotent. Handlers are dropped first so nothing fires into a torn down call.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	c.onCandidate, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromInit(i webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        i.Candidate,
		SDPMid:           i.SDPMid,
		SDPMLineIndex:    i.SDPMLineIndex,
		UsernameFragment: i.UsernameFragment,
	}
}

// Factory builds Connections from one shared API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.TransportFactory = (*Factory)(nil)

func NewFactory(s Settings) (*Factory, error) {
	api, err := NewAPI(s)
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, cfg: s.Configuration()}, nil
}

func (f *Factory) NewTransport(_ context.Context) (core.Transport, error) {
	return NewConnection(f.api, f.cfg)
}
