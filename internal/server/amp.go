package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// apiKeyNote is appended to every response that discloses a credential.
const apiKeyNote = "Store the api_key securely. It will not be shown again."

type ampHandler struct {
	router   *router.Router
	reg      *registry.Store
	identity *identity.Store
	hosts    *hosts.Store
	audit    *audit.Log
	version  string
	log      *zap.Logger
}

func newAMPHandler(d Deps, version string, log *zap.Logger) *ampHandler {
	return &ampHandler{
		router:   d.Router,
		reg:      d.Agents,
		identity: d.Identity,
		hosts:    d.Hosts,
		audit:    d.Audit,
		version:  version,
		log:      log,
	}
}

// Register mounts the protocol surface. Everything past register and the
// info endpoints authenticates with a bearer API key.
func (h *ampHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/health", h.health)
	rg.GET("/info", h.info)
	rg.POST("/register", h.register)
	rg.POST("/route", h.route)

	rg.GET("/messages/pending", h.listPending)
	rg.DELETE("/messages/pending", h.ackPending)
	rg.POST("/messages/pending", h.batchAck)
	rg.POST("/messages/:id/read", h.readReceipt)

	rg.GET("/agents", h.directory)
	rg.GET("/agents/me", h.me)
	rg.PATCH("/agents/me", h.updateMe)
	rg.DELETE("/agents/me", h.unregister)
	rg.GET("/agents/resolve/:addr", h.resolve)

	rg.POST("/auth/revoke-key", h.revokeKey)
	rg.POST("/auth/rotate-key", h.rotateKey)
	rg.POST("/auth/rotate-keys", h.rotateKeypair)

	rg.POST("/federation/deliver", h.federationDeliver)
}

func (h *ampHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "maestro",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// info advertises the provider domain derived from the host organization.
// Before an organization is adopted the provider field is empty and
// registration will be refused.
func (h *ampHandler) info(c *gin.Context) {
	provider := ""
	if org, err := h.hosts.GetOrganization(); err == nil && org != nil {
		provider = address.ProviderDomain(org.Organization)
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"protocol": amp.Version,
		"version":  h.version,
	})
}

func (h *ampHandler) register(c *gin.Context) {
	var req router.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "body", "request body is not a JSON object")
		return
	}
	req.UserKey = bearerToken(c)

	res, err := h.router.Register(req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "agent.register", res.Name, res.AgentID, map[string]any{
		"address": res.Address, "reRegistered": res.ReRegistered,
	})

	c.JSON(http.StatusCreated, gin.H{
		"agent_id":      res.AgentID,
		"name":          res.Name,
		"address":       res.Address,
		"fingerprint":   res.Fingerprint,
		"tenant":        res.Tenant,
		"api_key":       res.APIKey,
		"re_registered": res.ReRegistered,
		"note":          apiKeyNote,
	})
}

func (h *ampHandler) route(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "request body exceeds the maximum size",
		})
		return
	}

	res, rerr := h.router.Route(c.Request.Context(), router.RouteInput{
		Token:         bearerToken(c),
		ForwardedFrom: c.GetHeader("X-Forwarded-From"),
		EnvelopeID:    c.GetHeader("X-AMP-Envelope-Id"),
		Signature:     c.GetHeader("X-AMP-Signature"),
		Body:          body,
	})
	if rerr != nil {
		respondError(c, h.log, rerr)
		return
	}
	RecordRoute(res.Method, res.Status)
	c.JSON(http.StatusOK, res)
}

func (h *ampHandler) listPending(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondInvalid(c, "limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.router.ListPending(bearerToken(c), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ampHandler) ackPending(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		respondMissing(c, "id")
		return
	}
	if err := h.router.AcknowledgePending(bearerToken(c), id); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

type batchAckRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

func (h *ampHandler) batchAck(c *gin.Context) {
	var req batchAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "message_ids")
		return
	}

	n, err := h.router.BatchAcknowledge(bearerToken(c), req.MessageIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}

func (h *ampHandler) readReceipt(c *gin.Context) {
	receipt, err := h.router.SendReadReceipt(bearerToken(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// directory lists the protocol-registered agents of this host. Key material
// stays out; callers resolve an address for that.
func (h *ampHandler) directory(c *gin.Context) {
	agents, err := h.reg.AMPRegisteredAgents()
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	rows := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		row := gin.H{"agent_id": a.ID, "name": a.Name}
		if a.Alias != "" {
			row["alias"] = a.Alias
		}
		if a.AMPIdentity != nil {
			row["address"] = a.AMPIdentity.AMPAddress
			row["fingerprint"] = a.AMPIdentity.Fingerprint
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"agents": rows, "count": len(rows)})
}

// caller resolves the bearer key to the agent record it was issued for.
func (h *ampHandler) caller(c *gin.Context) (*registry.Agent, bool) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing API key"})
		return nil, false
	}
	reg, err := h.identity.VerifyAPIKey(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid or revoked API key"})
		return nil, false
	}
	agent, err := h.reg.GetAgent(reg.AgentID)
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return agent, true
}

func (h *ampHandler) me(c *gin.Context) {
	agent, ok := h.caller(c)
	if !ok {
		return
	}
	body := gin.H{"agent": agent}
	if agent.AMPIdentity != nil {
		body["address"] = agent.AMPIdentity.AMPAddress
	}
	c.JSON(http.StatusOK, body)
}

// selfPatchKeys are the fields an agent may change about itself.
var selfPatchKeys = map[string]bool{
	"label":       true,
	"alias":       true,
	"avatar":      true,
	"tags":        true,
	"metadata":    true,
	"preferences": true,
}

func (h *ampHandler) updateMe(c *gin.Context) {
	agent, ok := h.caller(c)
	if !ok {
		return
	}

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondInvalid(c, "body", "request body is not a JSON object")
		return
	}
	for key := range patch {
		if !selfPatchKeys[key] {
			respondInvalid(c, key, "field cannot be changed through this endpoint")
			return
		}
	}

	updated, err := h.reg.UpdateAgent(agent.ID, patch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": updated})
}

// unregister drops the caller's protocol identity. The agent record itself
// survives; only keys and the AMP address are removed.
func (h *ampHandler) unregister(c *gin.Context) {
	agent, ok := h.caller(c)
	if !ok {
		return
	}

	if _, err := h.identity.RevokeAllForAgent(agent.ID); err != nil {
		respondError(c, h.log, err)
		return
	}
	if _, err := h.reg.Mutate(agent.ID, func(a *registry.Agent) error {
		a.AMPIdentity = nil
		return nil
	}); err != nil {
		respondError(c, h.log, err)
		return
	}

	recordAudit(h.audit, "agent.unregister", agent.Name, agent.ID, nil)
	c.JSON(http.StatusOK, gin.H{"unregistered": true})
}

func (h *ampHandler) resolve(c *gin.Context) {
	res, err := h.router.ResolveAgentAddress(c.Param("addr"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ampHandler) revokeKey(c *gin.Context) {
	if err := h.router.RevokeKey(bearerToken(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "key.revoke", "", "", nil)
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (h *ampHandler) rotateKey(c *gin.Context) {
	res, err := h.router.RotateKey(bearerToken(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "key.rotate", "", res.AgentID, nil)
	c.JSON(http.StatusOK, gin.H{
		"agent_id": res.AgentID,
		"api_key":  res.APIKey,
		"note":     apiKeyNote,
	})
}

func (h *ampHandler) rotateKeypair(c *gin.Context) {
	res, err := h.router.RotateKeypair(bearerToken(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "keypair.rotate", "", res.AgentID, nil)
	c.JSON(http.StatusOK, gin.H{
		"agent_id":        res.AgentID,
		"fingerprint":     res.Fingerprint,
		"public_key_pem":  res.PublicKeyPEM,
		"private_key_pem": res.PrivateKeyPEM,
		"note":            "Store the private key securely. The server keeps only the public half.",
	})
}

// federationDeliver accepts an envelope relayed by a foreign provider. The
// X-AMP-Provider header names the origin; duplicate envelope ids are
// rejected so replays cannot double-deliver.
func (h *ampHandler) federationDeliver(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "request body exceeds the maximum size",
		})
		return
	}

	res, rerr := h.router.DeliverFederated(c.Request.Context(), c.GetHeader("X-AMP-Provider"), body)
	if rerr != nil {
		respondError(c, h.log, rerr)
		return
	}
	RecordRoute(res.Method, res.Status)
	c.JSON(http.StatusOK, res)
}
