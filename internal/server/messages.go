package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/pkg/amp"
)

type messageHandler struct {
	mail   *mailbox.Store
	reg    *registry.Store
	router *router.Router
	log    *zap.Logger
}

func newMessageHandler(d Deps, log *zap.Logger) *messageHandler {
	return &messageHandler{mail: d.Mail, reg: d.Agents, router: d.Router, log: log}
}

// Register mounts the message routes. The collection endpoint multiplexes
// read-side queries through the action query parameter.
func (h *messageHandler) Register(rg *gin.RouterGroup) {
	msgs := rg.Group("/messages")
	{
		msgs.GET("", h.query)
		msgs.POST("", h.send)
		msgs.POST("/forward", h.forward)
		msgs.GET("/meeting", h.meetingFeed)
		msgs.GET("/:id", h.get)
		msgs.PATCH("/:id", h.act)
		msgs.DELETE("/:id", h.delete)
	}
}

// agentName maps an id, alias, or session name to the mailbox owner name.
// Unknown identifiers pass through unchanged so boxes of deleted agents stay
// reachable.
func (h *messageHandler) agentName(identifier string) string {
	if a, err := h.reg.ResolveIdentifier(identifier); err == nil {
		return a.Name
	}
	return identifier
}

func (h *messageHandler) query(c *gin.Context) {
	switch action := c.Query("action"); action {
	case "":
		h.list(c)
	case "resolve":
		h.resolve(c)
	case "search":
		h.search(c)
	case "unread-count":
		h.count(c, h.mail.UnreadCount)
	case "sent-count":
		h.count(c, h.mail.SentCount)
	case "stats":
		h.stats(c)
	case "agents":
		h.agents(c)
	default:
		respondInvalid(c, "action", "unknown action "+strconv.Quote(action))
	}
}

func (h *messageHandler) list(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	box := c.DefaultQuery("box", mailbox.BoxInbox)

	opts := mailbox.ListOptions{
		Status:   c.Query("status"),
		Priority: c.Query("priority"),
		From:     c.Query("from"),
		To:       c.Query("to"),
		Limit:    mailbox.DefaultLimit,
	}
	// An explicit limit=0 means the whole box.
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondInvalid(c, "limit", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := c.Query("previewLength"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondInvalid(c, "previewLength", "previewLength must be an integer")
			return
		}
		opts.PreviewLength = n
	}

	msgs, err := h.mail.List(box, h.agentName(agent), opts)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *messageHandler) resolve(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		respondMissing(c, "identifier")
		return
	}
	agent, err := h.reg.ResolveIdentifier(identifier)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *messageHandler) search(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	query := c.Query("q")
	if query == "" {
		respondMissing(c, "q")
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondInvalid(c, "limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := h.mail.Search(h.agentName(agent), query, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *messageHandler) count(c *gin.Context, fn func(string) (int, error)) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	n, err := fn(h.agentName(agent))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *messageHandler) stats(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	st, err := h.mail.AgentStats(h.agentName(agent))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *messageHandler) agents(c *gin.Context) {
	names, err := h.mail.AgentsWithMail()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": names, "count": len(names)})
}

type sendMessageRequest struct {
	From      string `json:"from" binding:"required"`
	To        string `json:"to" binding:"required"`
	Subject   string `json:"subject"`
	Priority  string `json:"priority"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	InReplyTo string `json:"inReplyTo"`
}

// send composes a message from a local agent and hands it to the router, so
// operator-sent mail takes the same local/mesh/relay path as signed traffic.
func (h *messageHandler) send(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if strings.Contains(err.Error(), "From") {
			respondMissing(c, "from")
		} else {
			respondMissing(c, "to")
		}
		return
	}

	sender, err := h.reg.ResolveIdentifier(req.From)
	if err != nil {
		respondInvalid(c, "from", "sender must be an agent on this host")
		return
	}

	kind := req.Type
	if kind == "" {
		kind = "notification"
	}
	raw, err := json.Marshal(amp.Payload{Type: kind, Message: req.Message})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	res, rerr := h.router.RouteFromAgent(c.Request.Context(), sender, router.RouteRequest{
		To:        req.To,
		Subject:   req.Subject,
		Priority:  req.Priority,
		Payload:   raw,
		InReplyTo: req.InReplyTo,
	})
	if rerr != nil {
		respondError(c, h.log, rerr)
		return
	}
	RecordRoute(res.Method, res.Status)
	c.JSON(http.StatusOK, res)
}

type forwardRequest struct {
	Agent string `json:"agent" binding:"required"`
	ID    string `json:"id" binding:"required"`
	To    string `json:"to" binding:"required"`
	Box   string `json:"box"`
}

// forward re-routes a stored message to another recipient with a Fwd:
// subject, keeping the original payload intact.
func (h *messageHandler) forward(c *gin.Context) {
	var req forwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "body", "agent, id, and to are required")
		return
	}
	box := req.Box
	if box == "" {
		box = mailbox.BoxInbox
	}

	sender, err := h.reg.ResolveIdentifier(req.Agent)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	orig, err := h.mail.Get(box, sender.Name, req.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	subject := orig.Subject
	if !strings.HasPrefix(subject, "Fwd: ") {
		subject = "Fwd: " + subject
	}
	raw, err := json.Marshal(orig.Content)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	res, rerr := h.router.RouteFromAgent(c.Request.Context(), sender, router.RouteRequest{
		To:      req.To,
		Subject: subject,
		Payload: raw,
	})
	if rerr != nil {
		respondError(c, h.log, rerr)
		return
	}
	RecordRoute(res.Method, res.Status)
	c.JSON(http.StatusOK, res)
}

// meetingFeed merges the meeting-tagged traffic of all participants into one
// chronological transcript.
func (h *messageHandler) meetingFeed(c *gin.Context) {
	meetingID := c.Query("meetingId")
	if meetingID == "" {
		respondMissing(c, "meetingId")
		return
	}

	var participants []string
	if csv := c.Query("participants"); csv != "" {
		for _, p := range strings.Split(csv, ",") {
			if p = strings.TrimSpace(p); p != "" {
				participants = append(participants, h.agentName(p))
			}
		}
	}

	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondInvalid(c, "since", "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	msgs, err := h.mail.MeetingMessages(meetingID, participants, since)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *messageHandler) get(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	box := c.DefaultQuery("box", mailbox.BoxInbox)

	msg, err := h.mail.Get(box, h.agentName(agent), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

type messageActionRequest struct {
	Action string `json:"action"`
}

func (h *messageHandler) act(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}

	var req messageActionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondInvalid(c, "action", "request body must be a JSON object")
		return
	}

	name := h.agentName(agent)
	id := c.Param("id")

	switch req.Action {
	case "", "read":
		msg, err := h.mail.MarkRead(name, id)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	case "archive":
		msg, err := h.mail.Archive(name, id)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	default:
		respondInvalid(c, "action", "action must be read or archive")
	}
}

func (h *messageHandler) delete(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondMissing(c, "agent")
		return
	}
	box := c.DefaultQuery("box", mailbox.BoxInbox)

	if err := h.mail.Delete(box, h.agentName(agent), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
