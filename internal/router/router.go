package router

import (
	"net/http"
	"strconv"
	"strings"

	"clearnode/internal/config"
	"clearnode/internal/handlers"
	"clearnode/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies what the HTTP surface is built from
type Dependencies struct {
	WebSocket http.Handler
	Health    *handlers.HealthHandler
	API       *handlers.APIHandler
	Auth      *middleware.AuthMiddleware
	Logger    *logrus.Logger
}

// corsMiddleware CORS middleware. An empty or "*" origin list allows everyone.
func corsMiddleware(cfg config.CORSConfig, logger *logrus.Logger) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*")
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	maxAge := 3600
	if cfg.MaxAge > 0 {
		maxAge = cfg.MaxAge
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		case origin != "":
			logger.WithFields(logrus.Fields{
				"request_origin":  origin,
				"allowed_origins": cfg.AllowedOrigins,
				"path":            c.Request.URL.Path,
				"remote_addr":     c.ClientIP(),
			}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Cache-Control")
		if cfg.AllowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORS, deps.Logger))

	adminOnly := middleware.NewLocalhostOnly(deps.Logger, cfg.Admin.AllowedIPs, cfg.Admin.Token)

	// ============ Check ============
	r.GET("/ping", handlers.Ping)
	r.GET("/health", deps.Health.Health)

	// ============ Prometheus Metrics ============
	r.GET("/metrics", adminOnly.Restrict(), gin.WrapH(promhttp.Handler()))

	// ============ RPC ============
	r.GET("/ws", gin.WrapH(deps.WebSocket))

	// ============ API Routes ============
	v1 := r.Group("/api/v1", deps.Auth.RequireAuth())
	{
		v1.GET("/balances", deps.API.GetBalances)
		v1.GET("/channels", deps.API.GetChannels)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "Endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
