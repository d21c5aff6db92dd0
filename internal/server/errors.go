package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/meeting"
	"github.com/aimaestro/maestro/internal/mesh"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/webhooks"
)

// statusForCode maps a taxonomy code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case router.CodeUnauthorized:
		return http.StatusUnauthorized
	case router.CodeMissingField, router.CodeInvalidField, router.CodeInvalidRequest:
		return http.StatusBadRequest
	case router.CodeNotFound:
		return http.StatusNotFound
	case router.CodeNameTaken, router.CodeDuplicateMessage, router.CodeOrganizationNotSet:
		return http.StatusConflict
	case router.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case router.CodeRateLimited:
		return http.StatusTooManyRequests
	case router.CodeExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondRouterError serializes a taxonomy error as {error, message, field?}
// plus the code-specific extras: name suggestions, setup hints, and the
// X-RateLimit-* headers for rate_limited.
func respondRouterError(c *gin.Context, re *router.Error) {
	if re.Rate != nil {
		c.Header("X-RateLimit-Limit", strconv.Itoa(re.Rate.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(re.Rate.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(re.Rate.Reset.Unix(), 10))
		c.Header("Retry-After", strconv.Itoa(re.Rate.RetryAfter(time.Now())))
	}
	body := gin.H{"error": re.Code, "message": re.Message}
	if re.Field != "" {
		body["field"] = re.Field
	}
	if len(re.Suggestions) > 0 {
		body["suggestions"] = re.Suggestions
	}
	if re.Hint != "" {
		body["hint"] = re.Hint
	}
	c.JSON(statusForCode(re.Code), body)
}

// respondError maps any service error onto the wire taxonomy. Errors nothing
// recognizes become internal_error with the cause logged, not echoed.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var re *router.Error
	if errors.As(err, &re) {
		if statusForCode(re.Code) == http.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		respondRouterError(c, re)
		return
	}

	var rv registry.ErrValidation
	if errors.As(err, &rv) {
		body := gin.H{"error": "invalid_field", "message": rv.Msg}
		if rv.Field != "" {
			body["field"] = rv.Field
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	var hv hosts.ErrValidation
	if errors.As(err, &hv) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_field", "message": hv.Msg})
		return
	}
	var wv webhooks.ErrValidation
	if errors.As(err, &wv) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_field", "message": wv.Msg})
		return
	}

	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, mailbox.ErrNotFound),
		errors.Is(err, meeting.ErrNotFound),
		errors.Is(err, hosts.ErrNotFound),
		errors.Is(err, webhooks.ErrNotFound),
		errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, registry.ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": err.Error()})
	case errors.Is(err, hosts.ErrOrganizationMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, mesh.ErrSelfRegistration),
		errors.Is(err, mesh.ErrDepthExceeded),
		errors.Is(err, hosts.ErrSelfImmutable),
		errors.Is(err, relay.ErrBatchTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// respondMissing is the shorthand for a missing request field.
func respondMissing(c *gin.Context, field string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "missing_field",
		"message": field + " is required",
		"field":   field,
	})
}

// respondInvalid is the shorthand for a malformed request field.
func respondInvalid(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_field",
		"message": message,
		"field":   field,
	})
}

// bearerToken extracts the Authorization bearer credential, stripped of its
// scheme. Empty when the header is absent or malformed.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
