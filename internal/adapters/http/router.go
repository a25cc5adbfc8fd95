package http

import (
	"context"
	"net/http"

	"github.com/dkeye/PeerMatch/internal/adapters/signal"
	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionName       = "PeerMatchSessions"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, limiter *AttemptLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("role", validRole); err != nil {
			log.Error().Str("module", "adapters.http").Err(err).Msg("register role validation")
		}
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{orch: o, ids: o.Registry, limiter: limiter}
	ctrl := signal.NewSignalWSController(o, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")
	api.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api.GET("/me", h.me)
	api.PUT("/me", h.rename)

	api.POST("/queue", h.join)
	api.DELETE("/queue", h.leave)
	api.GET("/queue", h.status)

	api.POST("/match", h.attempt)

	api.GET("/rooms/:id", h.room)
	api.POST("/rooms/:id/end", h.endRoom)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
