package server

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/fleet"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/webhooks"
)

// agentNamePattern is the grammar for operator-created agent names: a letter
// first, then letters, digits, dashes, or underscores.
var agentNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// meshCheckTimeout bounds the cross-host name collision probe on create.
const meshCheckTimeout = 3 * time.Second

type agentHandler struct {
	reg      *registry.Store
	sessions *session.Supervisor
	fleet    *fleet.Aggregator
	mail     *mailbox.Store
	relay    *relay.Queue
	hosts    *hosts.Store
	identity *identity.Store
	check    *registry.MeshChecker
	events   *webhooks.Dispatcher
	audit    *audit.Log
	log      *zap.Logger
}

func newAgentHandler(d Deps, log *zap.Logger) *agentHandler {
	return &agentHandler{
		reg:      d.Agents,
		sessions: d.Sessions,
		fleet:    d.Fleet,
		mail:     d.Mail,
		relay:    d.Relay,
		hosts:    d.Hosts,
		identity: d.Identity,
		check:    d.MeshCheck,
		events:   d.Events,
		audit:    d.Audit,
		log:      log,
	}
}

// Register mounts the agent routes.
func (h *agentHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents")
	{
		agents.GET("", h.list)
		agents.POST("", h.create)
		agents.GET("/:id", h.get)
		agents.PATCH("/:id", h.update)
		agents.DELETE("/:id", h.delete)

		agents.POST("/:id/session", h.linkSession)
		agents.PATCH("/:id/session", h.sendCommand)
		agents.GET("/:id/session", h.sessionStatus)
		agents.DELETE("/:id/session", h.unlinkSession)
	}
}

// list returns the merged fleet view: every agent on every reachable host,
// with stats. The very first call may be partial while peer fetches warm.
func (h *agentHandler) list(c *gin.Context) {
	view, err := h.fleet.LoadAllAgents(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type createAgentRequest struct {
	Name             string         `json:"name" binding:"required"`
	Label            string         `json:"label"`
	Alias            string         `json:"alias"`
	Avatar           string         `json:"avatar"`
	Tags             []string       `json:"tags"`
	Owner            string         `json:"owner"`
	Team             string         `json:"team"`
	Program          string         `json:"program"`
	Model            string         `json:"model"`
	WorkingDirectory string         `json:"workingDirectory"`
	ProgramArgs      []string       `json:"programArgs"`
	Tools            registry.Tools `json:"tools"`
	Metadata         map[string]any `json:"metadata"`
	Preferences      map[string]any `json:"preferences"`
}

func (h *agentHandler) create(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "name")
		return
	}
	if !agentNamePattern.MatchString(req.Name) {
		respondInvalid(c, "name", "name must start with a letter and contain only letters, digits, dashes, or underscores")
		return
	}

	self, err := h.hosts.GetSelfHost()
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	if h.check != nil {
		hit, cerr := h.check.CheckMeshAgentExists(c.Request.Context(), req.Name, meshCheckTimeout)
		if cerr != nil {
			h.log.Warn("mesh name check failed", zap.String("name", req.Name), zap.Error(cerr))
		}
		if hit != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": fmt.Sprintf("agent %q already exists on host %s", req.Name, hit.Host.ID),
			})
			return
		}
	}

	created, err := h.reg.CreateAgent(registry.Agent{
		Name:             req.Name,
		Label:            req.Label,
		Alias:            req.Alias,
		Avatar:           req.Avatar,
		Tags:             req.Tags,
		Owner:            req.Owner,
		Team:             req.Team,
		Program:          req.Program,
		Model:            req.Model,
		WorkingDirectory: req.WorkingDirectory,
		ProgramArgs:      req.ProgramArgs,
		Tools:            req.Tools,
		Metadata:         req.Metadata,
		Preferences:      req.Preferences,
		HostID:           self.ID,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	emitEvent(h.events, webhooks.EventAgentRegistered, map[string]any{
		"agentId": created.ID, "name": created.Name, "hostId": created.HostID,
	})
	recordAudit(h.audit, "agent.create", created.Name, created.ID, nil)

	c.JSON(http.StatusCreated, gin.H{"agent": created})
}

// get resolves by id first, then by name, alias, or session name.
func (h *agentHandler) get(c *gin.Context) {
	id := c.Param("id")
	agent, err := h.reg.GetAgent(id)
	if err != nil {
		agent, err = h.reg.ResolveIdentifier(id)
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *agentHandler) update(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "request body is not a JSON object"})
		return
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "patch body is empty"})
		return
	}

	agent, err := h.reg.UpdateAgent(c.Param("id"), patch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "agent.update", agent.Name, agent.ID, nil)
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *agentHandler) delete(c *gin.Context) {
	backup, err := strconv.ParseBool(c.DefaultQuery("backup", "true"))
	if err != nil {
		respondInvalid(c, "backup", "backup must be true or false")
		return
	}

	agent, err := h.removeAgent(c.Param("id"), backup)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("agent deleted", zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
	c.Status(http.StatusNoContent)
}

// removeAgent revokes credentials, deletes the record, and wipes the
// mailbox and relay backlog. Cleanup failures after the registry delete are
// logged, not surfaced; the record is already gone.
func (h *agentHandler) removeAgent(id string, backup bool) (*registry.Agent, error) {
	if h.identity != nil {
		if _, err := h.identity.RevokeAllForAgent(id); err != nil {
			h.log.Warn("revoke keys on delete failed", zap.String("agent_id", id), zap.Error(err))
		}
	}

	agent, err := h.reg.DeleteAgent(id, backup)
	if err != nil {
		return nil, err
	}

	if err := h.mail.WipeAgent(agent.Name); err != nil {
		h.log.Warn("mailbox wipe failed", zap.String("agent", agent.Name), zap.Error(err))
	}
	if err := h.relay.PurgeAgent(agent.ID); err != nil {
		h.log.Warn("relay purge failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	emitEvent(h.events, webhooks.EventAgentDeleted, map[string]any{
		"agentId": agent.ID, "name": agent.Name,
	})
	recordAudit(h.audit, "agent.delete", agent.Name, agent.ID, map[string]any{"backup": backup})
	return agent, nil
}

type linkSessionRequest struct {
	TmuxSessionName  string `json:"tmuxSessionName" binding:"required"`
	WorkingDirectory string `json:"workingDirectory"`
}

func (h *agentHandler) linkSession(c *gin.Context) {
	var req linkSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "tmuxSessionName")
		return
	}

	agent, err := h.reg.LinkSession(c.Param("id"), req.TmuxSessionName, req.WorkingDirectory)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.sessions.RecordActivity(req.TmuxSessionName)
	recordAudit(h.audit, "session.link", agent.Name, req.TmuxSessionName, nil)
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

type sendCommandRequest struct {
	Command     string `json:"command" binding:"required"`
	RequireIdle *bool  `json:"requireIdle"`
	AddNewline  *bool  `json:"addNewline"`
}

// sendCommand injects a command line into the agent's session. With
// requireIdle (the default) a busy session is refused with 409 and the
// idleness diagnostics so callers can retry when it settles.
func (h *agentHandler) sendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "command")
		return
	}
	requireIdle := req.RequireIdle == nil || *req.RequireIdle
	addNewline := req.AddNewline == nil || *req.AddNewline

	agent, err := h.reg.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	sess := agent.CanonicalSession()
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent has no linked session"})
		return
	}
	name := sess.TmuxSessionName

	ctx := c.Request.Context()
	if !h.sessions.SessionExists(ctx, name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": fmt.Sprintf("session %q not found", name)})
		return
	}

	if requireIdle && !h.sessions.IsIdle(name) {
		since, _ := h.sessions.TimeSinceActivity(name)
		c.JSON(http.StatusConflict, gin.H{
			"error":             "Session is not idle",
			"idle":              false,
			"timeSinceActivity": since.Milliseconds(),
			"idleThreshold":     h.sessions.IdleThreshold().Milliseconds(),
		})
		return
	}

	if err := h.sessions.SendKeys(ctx, name, req.Command, addNewline); err != nil {
		respondError(c, h.log, err)
		return
	}
	h.sessions.ClearHook(agent.ID)
	if err := h.reg.TouchLastActive(agent.ID); err != nil {
		h.log.Warn("touch lastActive failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"sent": true, "sessionName": name})
}

func (h *agentHandler) sessionStatus(c *gin.Context) {
	agent, err := h.reg.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	sess := agent.CanonicalSession()
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent has no linked session"})
		return
	}

	st := h.sessions.Status(c.Request.Context(), agent.ID, sess.TmuxSessionName)
	body := gin.H{
		"sessionName":       st.SessionName,
		"status":            st.State,
		"timeSinceActivity": st.TimeSinceActivity.Milliseconds(),
		"idleThreshold":     st.IdleThreshold.Milliseconds(),
	}
	if st.HookStatus != "" {
		body["hookStatus"] = st.HookStatus
	}
	if st.NotificationType != "" {
		body["notificationType"] = st.NotificationType
	}
	c.JSON(http.StatusOK, body)
}

// unlinkSession tears down the agent's session link. kill (default true)
// also kills the multiplexer session; deleteAgent removes the agent record
// with the full cascade.
func (h *agentHandler) unlinkSession(c *gin.Context) {
	kill, err := strconv.ParseBool(c.DefaultQuery("kill", "true"))
	if err != nil {
		respondInvalid(c, "kill", "kill must be true or false")
		return
	}
	deleteAgent, err := strconv.ParseBool(c.DefaultQuery("deleteAgent", "false"))
	if err != nil {
		respondInvalid(c, "deleteAgent", "deleteAgent must be true or false")
		return
	}

	agent, err := h.reg.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	ctx := c.Request.Context()
	killed := false
	if sess := agent.CanonicalSession(); sess != nil {
		if kill && h.sessions.SessionExists(ctx, sess.TmuxSessionName) {
			if err := h.sessions.KillSession(ctx, sess.TmuxSessionName); err != nil {
				respondError(c, h.log, err)
				return
			}
			killed = true
		}
		if err := h.reg.SetSessionStatus(agent.ID, sess.TmuxSessionName, registry.SessionOffline); err != nil {
			h.log.Warn("status write-back failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	if deleteAgent {
		if _, err := h.removeAgent(agent.ID, true); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"killed": killed, "agentDeleted": deleteAgent})
}
