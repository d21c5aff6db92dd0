package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/mesh"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/stream"
)

// compatHandler serves the /api surface peers consume: the agent list the
// fleet aggregator fetches, the session count the mesh status reads, and
// the websocket stream. Responses here are wire contracts with other hosts;
// change shapes only together with the mesh and fleet clients.
type compatHandler struct {
	reg      *registry.Store
	sessions *session.Supervisor
	hosts    *hosts.Store
	hub      *stream.Hub
	version  string
	log      *zap.Logger
}

func newCompatHandler(d Deps, version string, log *zap.Logger) *compatHandler {
	return &compatHandler{
		reg:      d.Agents,
		sessions: d.Sessions,
		hosts:    d.Hosts,
		hub:      d.Hub,
		version:  version,
		log:      log,
	}
}

// Register mounts the peer-facing routes.
func (h *compatHandler) Register(rg *gin.RouterGroup) {
	api := rg.Group("/api")
	{
		api.GET("/config", h.config)
		api.GET("/agents", h.agents)
		api.GET("/sessions", h.listSessions)
		api.GET("/docker/info", h.dockerInfo)
		api.GET("/sessions/stream", h.stream)
	}
}

// config doubles as the liveness probe peers hit; any 2xx means this host
// is up.
func (h *compatHandler) config(c *gin.Context) {
	body := gin.H{"version": h.version}
	if self, err := h.hosts.GetSelfHost(); err == nil {
		body["hostId"] = self.ID
		body["hostName"] = self.Name
	}
	if org, err := h.hosts.GetOrganization(); err == nil && org != nil {
		body["organization"] = org.Organization
	}
	c.JSON(http.StatusOK, body)
}

// agents lists this host's own agents only. Peers merge these lists
// themselves; returning the aggregated view here would bounce fetches
// between hosts forever.
func (h *compatHandler) agents(c *gin.Context) {
	all, err := h.reg.ListAgents()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	visible := make([]*registry.Agent, 0, len(all))
	for _, a := range all {
		if !a.IsSystem() {
			visible = append(visible, a)
		}
	}
	c.JSON(http.StatusOK, gin.H{"agents": visible, "count": len(visible)})
}

func (h *compatHandler) listSessions(c *gin.Context) {
	names := h.sessions.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sessions": names, "count": len(names)})
}

func (h *compatHandler) dockerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available": mesh.DockerAvailable()})
}

func (h *compatHandler) stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "invalid_request",
			"message": "streaming is not enabled on this host",
		})
		return
	}
	h.hub.HandleWS(c.Writer, c.Request)
}
