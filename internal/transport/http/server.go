package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/auth"
	"github.com/vovakirdan/silent-relay/internal/config"
	"github.com/vovakirdan/silent-relay/internal/core"
	"github.com/vovakirdan/silent-relay/internal/license"
)

// Server is the HTTP front of the relay.
type Server struct {
	HTTP *stdhttp.Server
	ws   *WSHandler
}

// NewServer builds the router and HTTP server. base bounds the lifetime of websocket
// sessions; cancelling it closes them with going-away. metricsHandler may be nil.
func NewServer(base context.Context, cfg *config.Config, hub *core.Hub, licenses *license.Service, metricsHandler stdhttp.Handler, logger *zerolog.Logger) *Server {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ws := NewWSHandler(base, hub, WSOptions{
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	if licenses != nil {
		lh := NewLicenseHandlers(licenses, logger)
		limiter := NewClientRateLimiter(cfg.HTTP.APIRatePerSecond, cfg.HTTP.APIRateBurst, nil)
		public := router.Group("/license", limiter.Middleware())
		public.POST("/register", lh.Register)
		public.GET("/status", lh.Status)

		if cfg.Admin.JWTSecret != "" {
			jwtCfg := &auth.JWTConfig{
				Secret:   []byte(cfg.Admin.JWTSecret),
				Issuer:   cfg.Admin.JWTIssuer,
				Audience: cfg.Admin.JWTAudience,
			}
			rh := NewRoomHandlers(hub, logger)
			admin := router.Group("/api/admin", AdminAuthMiddleware(jwtCfg, logger))
			admin.POST("/licenses/:install_id/activate", lh.Activate)
			admin.GET("/rooms", rh.ListRooms)
		}
	}

	var handler stdhttp.Handler = router
	if len(cfg.HTTP.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.HTTP.CORSOrigins,
			AllowedMethods: []string{stdhttp.MethodGet, stdhttp.MethodPost, stdhttp.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", installIDHeader},
		}).Handler(router)
	}

	// Websocket upgrades bypass gin: its writer refuses to hijack once the 101 is sent.
	mux := stdhttp.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("GET /ws/{room}", ws)
	mux.Handle("/", handler)

	return &Server{
		HTTP: &stdhttp.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		ws: ws,
	}
}

// Drain waits until every websocket session has ended or ctx expires.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.ws.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
