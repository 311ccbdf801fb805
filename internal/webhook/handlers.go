package webhook

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainvoice/internal/metrics"
	"github.com/mbd888/chainvoice/internal/verify"
)

// Handler provides the webhook ingestion endpoint.
type Handler struct {
	ingestor *Ingestor
	token    string
}

// NewHandler creates a webhook handler. token is the shared secret chain
// monitors must present; empty disables the endpoint.
func NewHandler(ingestor *Ingestor, token string) *Handler {
	return &Handler{ingestor: ingestor, token: token}
}

// RegisterRoutes sets up the webhook route. The route must not sit
// behind the browser origin check: senders are external services, not
// browsers, and authenticate with the shared token instead.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Receive)
}

// Receive handles POST /v1/webhooks/payments
func (h *Handler) Receive(c *gin.Context) {
	if !h.authorized(c) {
		metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid or missing webhook token",
		})
		return
	}

	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	report, err := h.ingestor.Process(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrMalformed):
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrIgnored):
		// Acknowledged so the sender stops retrying; nothing to do.
		metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case err != nil:
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if report.Outcome == verify.OutcomeMatched {
		metrics.WebhooksTotal.WithLabelValues("settled").Inc()
	} else {
		metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "outcome": report.Outcome})
}

func (h *Handler) authorized(c *gin.Context) bool {
	if h.token == "" {
		return false
	}
	presented := c.GetHeader("X-Webhook-Token")
	if presented == "" {
		presented = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}
