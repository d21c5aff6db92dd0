package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/mesh"
)

type hostHandler struct {
	hosts *hosts.Store
	mesh  *mesh.Service
	audit *audit.Log
	log   *zap.Logger
}

func newHostHandler(d Deps, log *zap.Logger) *hostHandler {
	return &hostHandler{hosts: d.Hosts, mesh: d.Mesh, audit: d.Audit, log: log}
}

// Register mounts the host directory and mesh routes. The handshake
// endpoints are mounted twice: peers dial them under the /api prefix, the
// bare paths serve operator tooling.
func (h *hostHandler) Register(rg *gin.RouterGroup) {
	hs := rg.Group("/hosts")
	{
		hs.GET("", h.list)
		hs.POST("", h.add)
		hs.PUT("/:id", h.update)
		hs.DELETE("/:id", h.delete)

		hs.GET("/identity", h.identity)
		hs.GET("/health", h.health)
		hs.GET("/sync", h.status)
		hs.POST("/sync", h.sync)
		hs.POST("/register-peer", h.registerPeer)
		hs.POST("/exchange-peers", h.exchangePeers)
	}

	wire := rg.Group("/api/hosts")
	{
		wire.POST("/register-peer", h.registerPeer)
		wire.POST("/exchange-peers", h.exchangePeers)
	}
}

func (h *hostHandler) list(c *gin.Context) {
	all, err := h.hosts.GetHosts()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": all, "count": len(all)})
}

type addHostRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url" binding:"required"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
}

func (h *hostHandler) add(c *gin.Context) {
	var req addHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "url")
		return
	}

	host := hosts.Host{
		ID:          req.ID,
		Name:        req.Name,
		URL:         req.URL,
		Type:        hosts.TypeRemote,
		Aliases:     req.Aliases,
		Enabled:     true,
		Description: req.Description,
	}
	added, err := h.hosts.AddHost(host)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	stored, err := h.hosts.FindHostByAnyIdentifier(host.URL)
	if err != nil && host.ID != "" {
		stored, err = h.hosts.FindHostByAnyIdentifier(host.ID)
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if added {
		recordAudit(h.audit, "host.add", stored.Name, stored.ID, map[string]any{"url": stored.URL})
		c.JSON(http.StatusCreated, gin.H{"host": stored})
		return
	}
	c.JSON(http.StatusOK, gin.H{"host": stored, "alreadyKnown": true})
}

type updateHostRequest struct {
	Name        *string   `json:"name"`
	URL         *string   `json:"url"`
	Enabled     *bool     `json:"enabled"`
	Description *string   `json:"description"`
	Aliases     *[]string `json:"aliases"`
}

func (h *hostHandler) update(c *gin.Context) {
	var req updateHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "body", "request body is not a JSON object")
		return
	}

	host, err := h.hosts.UpdateHost(c.Param("id"), hosts.Patch{
		Name:        req.Name,
		URL:         req.URL,
		Enabled:     req.Enabled,
		Description: req.Description,
		Aliases:     req.Aliases,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "host.update", host.Name, host.ID, nil)
	c.JSON(http.StatusOK, gin.H{"host": host})
}

func (h *hostHandler) delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.hosts.DeleteHost(id); err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "host.delete", "", id, nil)
	c.Status(http.StatusNoContent)
}

// identity reports who this host is and which organization it belongs to.
// Organization is null until the first peer registration sets it.
func (h *hostHandler) identity(c *gin.Context) {
	self, err := h.hosts.GetSelfHost()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	org, err := h.hosts.GetOrganization()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"host": self, "organization": org})
}

func (h *hostHandler) health(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		respondMissing(c, "url")
		return
	}
	res := h.mesh.Probe(c.Request.Context(), url)
	RecordPeerProbe(res.Reachable)
	c.JSON(http.StatusOK, res)
}

func (h *hostHandler) status(c *gin.Context) {
	rows, err := h.mesh.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": rows})
}

func (h *hostHandler) sync(c *gin.Context) {
	res, err := h.mesh.SyncAll(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "mesh.sync", "", "", map[string]any{
		"synced": len(res.Synced), "failed": len(res.Failed),
	})
	c.JSON(http.StatusOK, res)
}

func (h *hostHandler) registerPeer(c *gin.Context) {
	var req mesh.RegisterPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "host", "request body must carry the registering host")
		return
	}

	res, err := h.mesh.RegisterPeer(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *hostHandler) exchangePeers(c *gin.Context) {
	var req mesh.ExchangePeersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "fromHost", "request body must carry the sending host")
		return
	}

	res, err := h.mesh.ExchangePeers(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
