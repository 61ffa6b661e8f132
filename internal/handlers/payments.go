package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/robokassa"
	"imagegen-backend/internal/services"
)

type PaymentsHandler struct {
	paymentService *services.PaymentService
}

func NewPaymentsHandler(paymentService *services.PaymentService) *PaymentsHandler {
	return &PaymentsHandler{
		paymentService: paymentService,
	}
}

// CreateOrder godoc
// @Summary     Buy points
// @Description Creates a pending order and returns the Robokassa checkout URL.
// @Tags        payments
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.CreatePaymentRequest true "Points package"
// @Success     201 {object} models.PaymentResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /payments [post]
func (h *PaymentsHandler) CreateOrder(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}

	result, err := h.paymentService.CreateOrder(c.Request.Context(), userID, req.Points)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.PaymentResponse{
		OrderID:    result.Order.ID.String(),
		InvID:      result.Order.InvID,
		Amount:     robokassa.FormatSum(result.Order.Amount),
		Points:     result.Order.Points,
		PaymentURL: result.PaymentURL,
	})
}

// HandleResult godoc
// @Summary     Robokassa ResultURL callback
// @Description Verifies the MD5 signature, marks the order paid and credits points once. Replies with a plain "OK".
// @Tags        webhooks
// @Accept      x-www-form-urlencoded
// @Produce     plain
// @Success     200 {string} string "OK"
// @Failure     401 {object} models.ErrorResponse
// @Router      /webhooks/robokassa [post]
func (h *PaymentsHandler) HandleResult(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to parse form",
			Message: err.Error(),
		})
		return
	}

	if _, err := h.paymentService.HandleResult(c.Request.Context(), c.Request.Form); err != nil {
		respondError(c, err)
		return
	}

	c.String(http.StatusOK, "OK")
}
