// Package watch serves the directory change feed over websockets. One connection carries any number of
// subscriptions, each named by an id the client picks.
package watch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Settings struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func (s *Settings) defaults() {
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = 64 << 10
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 54 * time.Second
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 5 * time.Second
	}
}

// pongWait is how long a silent peer is tolerated; pings go out every PingPeriod.
func (s Settings) pongWait() time.Duration { return s.PingPeriod * 10 / 9 }

type Controller struct {
	Dir      directory.Directory
	Registry *app.Registry
	Policy   app.Policy
	Metrics  *metrics.Metrics
	Settings Settings
}

func NewController(dir directory.Directory, reg *app.Registry, policy app.Policy, m *metrics.Metrics, s Settings) *Controller {
	s.defaults()
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Controller{Dir: dir, Registry: reg, Policy: policy, Metrics: m, Settings: s}
}

type WsFeedConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsFeedConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsFeedConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWatch upgrades the request and runs the connection until ctx ends or either side hangs up.
// ctx should be the server's lifetime context, not the request's.
func (ctl *Controller) HandleWatch(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	id := core.ConnID(uuid.NewString())
	logger := log.With().Str("module", "watch").Str("conn", string(id)).Str("client", client).Logger()
	logger.Info().Msg("new feed connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Settings.ReadLimit)

	conn := &WsFeedConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Settings.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(id, client, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, id, conn)
}
