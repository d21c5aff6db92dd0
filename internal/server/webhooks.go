package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/webhooks"
)

type webhookHandler struct {
	store      *webhooks.Store
	dispatcher *webhooks.Dispatcher
	audit      *audit.Log
	log        *zap.Logger
}

func newWebhookHandler(d Deps, log *zap.Logger) *webhookHandler {
	return &webhookHandler{store: d.Webhooks, dispatcher: d.Events, audit: d.Audit, log: log}
}

// Register mounts the webhook subscription routes.
func (h *webhookHandler) Register(rg *gin.RouterGroup) {
	hooks := rg.Group("/webhooks")
	{
		hooks.GET("", h.list)
		hooks.POST("", h.create)
		hooks.GET("/:id", h.get)
		hooks.DELETE("/:id", h.delete)
		hooks.POST("/:id/test", h.test)
	}
}

func (h *webhookHandler) list(c *gin.Context) {
	all, err := h.store.List()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	rows := make([]webhooks.Webhook, 0, len(all))
	for _, w := range all {
		rows = append(rows, w.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": rows, "count": len(rows)})
}

type createWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// create registers a subscription. The signing secret appears in this
// response only; later reads return the redacted record.
func (h *webhookHandler) create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "body", "url and events are required")
		return
	}

	hook, err := h.store.Create(req.URL, req.Events)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "webhook.create", "", hook.ID, map[string]any{"url": hook.URL})

	c.JSON(http.StatusCreated, gin.H{
		"subscription": hook.Redacted(),
		"secret":       hook.Secret,
		"note":         "Store the secret securely. It will not be shown again.",
	})
}

func (h *webhookHandler) get(c *gin.Context) {
	hook, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": hook.Redacted()})
}

func (h *webhookHandler) delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		respondError(c, h.log, err)
		return
	}
	recordAudit(h.audit, "webhook.delete", "", id, nil)
	c.Status(http.StatusNoContent)
}

func (h *webhookHandler) test(c *gin.Context) {
	res, err := h.dispatcher.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
