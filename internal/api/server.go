// Package api exposes the control surface of spec §6.3 over HTTP, grounded
// on the teacher's api.NewServer/Start/Shutdown lifecycle (internal/api/server.go)
// but trimmed to the seven core operations this engine defines.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"papertrader/config"
	"papertrader/internal/auth"
	"papertrader/internal/orchestrator"
)

// Server hosts the gin router and the websocket push hub over one core.
type Server struct {
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	core       *orchestrator.Core
	verifier   *auth.Verifier
	log        zerolog.Logger
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
}

// NewServer builds the router and registers every §6.3 route.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, core *orchestrator.Core, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      cfg,
		authCfg:  authCfg,
		core:     core,
		log:      log,
		router:   router,
		hub:      NewHub(),
	}
	if !authCfg.Disabled {
		s.verifier = auth.NewVerifier(authCfg.JWTSecret)
	}

	s.setupRoutes()
	go s.hub.Run()
	core.OnExit(func(e orchestrator.ExitEvent) { s.hub.Broadcast(e) })
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/ws", s.handleWebSocket)

	control := s.router.Group("/control", s.authMiddleware())
	control.POST("/start", s.handleStart)
	control.POST("/stop", s.handleStop)
	control.POST("/reset_portfolio", s.handleResetPortfolio)
	control.GET("/portfolio_snapshot", s.handlePortfolioSnapshot)
	control.PUT("/risk_settings", s.handleUpdateRiskSettings)
	control.POST("/manual_trade", s.handleExecuteManualTrade)
	control.POST("/trades/:id/close", s.handleCloseTrade)
	control.POST("/trigger_analysis", s.handleTriggerAnalysis)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authCfg.Disabled {
			c.Next()
			return
		}
		tokenString := extractBearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			errorResponse(c, http.StatusUnauthorized, "missing bearer token")
			c.Abort()
			return
		}
		claims, err := s.verifier.Verify(tokenString)
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, err.Error())
			c.Abort()
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// Start begins serving HTTP on cfg.Addr.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("starting control-surface HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: server start failed: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
