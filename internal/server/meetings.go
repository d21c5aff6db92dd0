package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/meeting"
)

type meetingHandler struct {
	meetings *meeting.Store
	audit    *audit.Log
	log      *zap.Logger
}

func newMeetingHandler(d Deps, log *zap.Logger) *meetingHandler {
	return &meetingHandler{meetings: d.Meetings, audit: d.Audit, log: log}
}

// Register mounts the meeting routes.
func (h *meetingHandler) Register(rg *gin.RouterGroup) {
	meetings := rg.Group("/meetings")
	{
		meetings.GET("", h.list)
		meetings.POST("", h.create)
		meetings.GET("/:id", h.get)
		meetings.PATCH("/:id", h.update)
		meetings.DELETE("/:id", h.delete)
	}
}

func (h *meetingHandler) list(c *gin.Context) {
	ms, err := h.meetings.List()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": ms, "count": len(ms)})
}

type createMeetingRequest struct {
	Name     string   `json:"name" binding:"required"`
	AgentIDs []string `json:"agentIds"`
	TeamID   string   `json:"teamId"`
}

func (h *meetingHandler) create(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondMissing(c, "name")
		return
	}

	m, err := h.meetings.Create(req.Name, req.AgentIDs, req.TeamID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "meeting.create", m.Name, m.ID, nil)
	c.JSON(http.StatusCreated, gin.H{"meeting": m})
}

func (h *meetingHandler) get(c *gin.Context) {
	m, err := h.meetings.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting": m})
}

type updateMeetingRequest struct {
	Name          *string   `json:"name"`
	Status        *string   `json:"status"`
	ActiveAgentID *string   `json:"activeAgentId"`
	SidebarMode   *string   `json:"sidebarMode"`
	AgentIDs      *[]string `json:"agentIds"`
}

// update applies a partial patch. Setting status to "ended" goes through
// End so the meeting gets its end timestamp exactly once.
func (h *meetingHandler) update(c *gin.Context) {
	var req updateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "body", "request body is not a JSON object")
		return
	}
	id := c.Param("id")

	if req.Status != nil && *req.Status == meeting.StatusEnded {
		if _, err := h.meetings.End(id); err != nil {
			respondError(c, h.log, err)
			return
		}
		req.Status = nil
	}

	m, err := h.meetings.Update(id, meeting.Patch{
		Name:          req.Name,
		Status:        req.Status,
		ActiveAgentID: req.ActiveAgentID,
		SidebarMode:   req.SidebarMode,
		AgentIDs:      req.AgentIDs,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting": m})
}

func (h *meetingHandler) delete(c *gin.Context) {
	if err := h.meetings.Delete(c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
