package payment

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rkxrichard/UzdenBot/internal/utils"
)

// WebhookHandler receives YooKassa status-changed events. Source IPs
// are checked against the gateway's published ranges and an optional
// shared secret; the payload itself is re-verified against the gateway
// inside the service before anything is credited.
type WebhookHandler struct {
	Service      *Service
	Secret       string
	AllowedCIDRs []string
}

func NewWebhookHandler(service *Service, secret string, allowedCIDRs []string) *WebhookHandler {
	return &WebhookHandler{
		Service:      service,
		Secret:       secret,
		AllowedCIDRs: allowedCIDRs,
	}
}

func (h *WebhookHandler) Register(router *gin.Engine) {
	router.POST("/webhooks/yookassa", h.handle)
}

func (h *WebhookHandler) handle(c *gin.Context) {
	if len(h.AllowedCIDRs) > 0 && !utils.IsAllowedIP(c.ClientIP(), h.AllowedCIDRs) {
		log.Printf("Webhook from disallowed IP %s rejected", c.ClientIP())
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	if !h.authorized(c.GetHeader("Authorization")) {
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	var notification WebhookNotification
	if err := c.ShouldBindJSON(&notification); err != nil {
		log.Printf("Failed to decode webhook: %v", err)
		c.String(http.StatusBadRequest, "bad request")
		return
	}

	if notification.Event != "payment.succeeded" && notification.Event != "payment.canceled" {
		log.Printf("Ignored webhook event: %s", notification.Event)
		c.String(http.StatusOK, "ok")
		return
	}

	// Processing failures are logged, not surfaced: the pull-based
	// reconciler retries them with the same settlement guard.
	if err := h.Service.HandleWebhook(&notification); err != nil {
		log.Printf("Webhook processing failed for paymentId=%s: %v", notification.Object.ID, err)
	}
	c.String(http.StatusOK, "ok")
}

func (h *WebhookHandler) authorized(header string) bool {
	if h.Secret == "" {
		return true
	}
	return header == h.Secret || header == "Bearer "+h.Secret
}
