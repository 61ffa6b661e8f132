package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/services"
)

// maxWebhookBody bounds what we read from a provider callback.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	completionService *services.CompletionService
}

func NewWebhookHandler(completionService *services.CompletionService) *WebhookHandler {
	return &WebhookHandler{
		completionService: completionService,
	}
}

// HandleWebhook godoc
// @Summary     FAL completion webhook
// @Description Receives queue completion callbacks from FAL. Verified with HMAC-SHA256 over the raw body.
// @Tags        webhooks
// @Accept      json
// @Produce     json
// @Param       X-Fal-Signature header string true "hex HMAC-SHA256 of the body"
// @Param       job_id query string false "Job ID appended at dispatch"
// @Success     200 {object} map[string]string "status"
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     503 {object} models.ErrorResponse
// @Router      /webhooks/fal [post]
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to read request body",
			Message: err.Error(),
		})
		return
	}

	result, err := h.completionService.Handle(
		c.Request.Context(),
		body,
		c.GetHeader(fal.SignatureHeader),
		c.Query("job_id"),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	status := "ok"
	switch {
	case result.Duplicate:
		status = "duplicate"
	case result.Ignored:
		status = "ignored"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
