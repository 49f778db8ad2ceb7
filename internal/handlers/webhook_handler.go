package handlers

import (
	"net/http"

	"github.com/flowzap/flowzap-backend/internal/models"
	"github.com/flowzap/flowzap-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type WebhookHandler struct {
	webhookService *services.WebhookService
}

func NewWebhookHandler(webhookService *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

// HandleWebhook receives gateway events for an organization. The gateway
// retries on non-2xx, so processing failures are logged and acknowledged
// instead of surfacing as errors: duplicate deliveries are already handled
// inside the engine.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	organizationID := c.Param("organizationId")
	if organizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing organization id"})
		return
	}

	var event models.WebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.webhookService.HandleEvent(c.Request.Context(), organizationID, &event); err != nil {
		logrus.Errorf("Failed to process webhook event %q: %v", event.Event, err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
