// Package server assembles the HTTP surface of one maestro host: the
// management API operator tooling talks to, the public AMP endpoints under
// /v1, and the small unauthenticated routes peers hit during mesh probes.
// Handlers stay thin; every decision lives in the services they are wired to.
package server

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/fleet"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/meeting"
	"github.com/aimaestro/maestro/internal/mesh"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/stream"
	"github.com/aimaestro/maestro/internal/webhooks"
)

// Config tunes the HTTP layer. Zero values select the defaults.
type Config struct {
	// Version is reported by /v1/health, /v1/info, and /api/config.
	Version string

	// CORSOrigins lists the allowed browser origins. Empty disables CORS.
	CORSOrigins []string

	// RateLimitRPS caps requests per client IP per second. Zero disables
	// the limiter.
	RateLimitRPS int

	// MaxBodyBytes caps one request body. Zero selects 2 MiB, which leaves
	// room for a maximum AMP payload plus its envelope.
	MaxBodyBytes int64
}

// Deps are the wired services the handlers call into. Audit, Events, and
// Hub may be nil; the routes that need them degrade to no-ops.
type Deps struct {
	Agents    *registry.Store
	Sessions  *session.Supervisor
	Mail      *mailbox.Store
	Meetings  *meeting.Store
	Hosts     *hosts.Store
	Mesh      *mesh.Service
	Router    *router.Router
	Fleet     *fleet.Aggregator
	Identity  *identity.Store
	Relay     *relay.Queue
	Webhooks  *webhooks.Store
	Events    *webhooks.Dispatcher
	Audit     *audit.Log
	Hub       *stream.Hub
	MeshCheck *registry.MeshChecker
	Log       *zap.Logger
}

// emitEvent fans out a webhook event when a dispatcher is wired.
func emitEvent(d *webhooks.Dispatcher, event string, data map[string]any) {
	if d != nil {
		d.Emit(event, data)
	}
}

// recordAudit appends an audit entry when a log is wired.
func recordAudit(a *audit.Log, action, actor, subject string, detail map[string]any) {
	if a != nil {
		a.Record(action, actor, subject, detail)
	}
}

// Server is the assembled HTTP handler for one host.
type Server struct {
	engine *gin.Engine
	log    *zap.Logger
}

// New builds the engine: recovery, CORS, security headers, the body cap,
// per-IP rate limiting, metrics, then every route group.
func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	e := gin.New()
	e.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		e.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-AMP-Provider"},
			ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	e.Use(securityHeaders())
	e.Use(bodyLimit(cfg.MaxBodyBytes))
	if cfg.RateLimitRPS > 0 {
		e.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	e.Use(requestLogger(log))
	e.Use(PrometheusMiddleware())

	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	e.GET("/metrics", MetricsHandler())

	api := e.Group("/")
	newAgentHandler(d, log).Register(api)
	newMessageHandler(d, log).Register(api)
	newMeetingHandler(d, log).Register(api)
	newHostHandler(d, log).Register(api)
	newWebhookHandler(d, log).Register(api)
	newCompatHandler(d, cfg.Version, log).Register(api)

	v1 := e.Group("/v1")
	newAMPHandler(d, cfg.Version, log).Register(v1)

	return &Server{engine: e, log: log}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// containsWildcard reports whether origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
