package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/webhook"
)

// WebhookTester sends a single synchronous ping to the configured receiver.
type WebhookTester interface {
	Test() error
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	sender WebhookTester
}

func NewWebhookHandler(sender WebhookTester) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

// TestWebhook reports the receiver's answer in the body; only a missing
// configuration is an error status.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	err := h.sender.Test()
	if errors.Is(err, webhook.ErrDisabled) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "WebhookDisabled", Message: err.Error()})
		return
	}

	var statusErr *webhook.StatusError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "webhook delivered"})
	case errors.As(err, &statusErr):
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("webhook returned status %d", statusErr.Code),
		})
	default:
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("failed to send webhook: %v", err),
		})
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook/test", h.TestWebhook)
}
