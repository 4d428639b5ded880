package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/watch"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/wire"
	"github.com/dkeye/peercall/internal/metrics"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every client a stable token kept in its cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// RateLimit rejects requests from clients that exceed their bucket.
func RateLimit(rl *ClientRateLimiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.GetString(clientTokenKey)) {
			c.Next()
			return
		}
		m.RateLimited.Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, wire.NewError(wire.ErrRateLimited))
	}
}

type Services struct {
	Dir      directory.Directory
	Registry *app.Registry
	Watch    *watch.Controller
	Metrics  *metrics.Metrics
	// Limiter may be nil to disable rate limiting.
	Limiter *ClientRateLimiter
}

// NewServices builds the registry, feed controller and limiter for dir from the server config, with the
// registry totals mirrored into m.
func NewServices(dir directory.Directory, cfg config.ServerConfig, m *metrics.Metrics) *Services {
	reg := app.NewRegistry(cfg.MaxSubscriptions)
	reg.OnChange = func(s app.Stats) {
		m.Connections.Set(float64(s.Connections))
		m.Subscriptions.Set(float64(s.Subscriptions))
	}
	var policy app.Policy = app.SimplePolicy{}
	if cfg.MaxDrops > 0 {
		policy = app.TolerantPolicy{MaxDrops: cfg.MaxDrops}
	}
	svc := &Services{
		Dir:      dir,
		Registry: reg,
		Metrics:  m,
		Watch: watch.NewController(dir, reg, policy, m, watch.Settings{
			SendBuffer: cfg.SendBuffer,
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
		}),
	}
	if cfg.RateLimit > 0 {
		svc.Limiter = NewClientRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return svc
}

// SetupRouter wires the directory API, the change feed and the metrics endpoint. ctx bounds the lifetime
// of feed connections.
func SetupRouter(ctx context.Context, cfg *config.Config, svc *Services) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("PeercallSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/metrics", gin.WrapH(svc.Metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := r.Group("/api/v1")
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Registry.Stats())
	})

	h := &directoryHandlers{dir: svc.Dir, metrics: svc.Metrics}
	limited := func(op string, handler gin.HandlerFunc) []gin.HandlerFunc {
		chain := []gin.HandlerFunc{h.observe(op)}
		if svc.Limiter != nil {
			chain = append(chain, RateLimit(svc.Limiter, svc.Metrics))
		}
		return append(chain, handler)
	}

	dir := api.Group("/directory")
	dir.POST("/create", limited("create", h.create)...)
	dir.POST("/append", limited("append", h.append)...)
	dir.POST("/get", h.observe("get"), h.get)
	dir.POST("/set", h.observe("set"), h.set)
	dir.POST("/update", h.observe("update"), h.update)
	dir.POST("/list", h.observe("list"), h.list)
	dir.POST("/batch-delete", h.observe("batch-delete"), h.batchDelete)

	dir.GET("/watch", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("watch endpoint hit")
		svc.Watch.HandleWatch(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
