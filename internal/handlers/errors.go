package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/services"
)

// respondError maps service errors to status codes. Anything unrecognized is
// logged and answered with a generic 500.
func respondError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:  "validation failed",
			Fields: verr.Fields,
		})
	case errors.Is(err, services.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, models.ErrorResponse{
			Error:   "insufficient credits",
			Message: "top up your wallet to continue",
		})
	case errors.Is(err, services.ErrTooManyConcurrentJobs):
		c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
			Error:   "too many concurrent jobs",
			Message: "wait for a running generation to finish",
		})
	case errors.Is(err, services.ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, models.ErrorResponse{
			Error:   "generation provider unavailable",
			Message: "your credits were refunded, try again later",
		})
	case errors.Is(err, services.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, services.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "malformed event"})
	case errors.Is(err, services.ErrJobNotYetVisible):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "job not yet visible"})
	case errors.Is(err, services.ErrJobNotFound), errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "job not found"})
	case errors.Is(err, services.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "order not found"})
	case errors.Is(err, services.ErrAmountMismatch):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "amount mismatch"})
	default:
		zap.L().Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal server error"})
	}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

// pagination reads limit and offset, defaulting to 20 and capping at 100.
func pagination(c *gin.Context) (int, int) {
	var q struct {
		Limit  int `form:"limit"`
		Offset int `form:"offset"`
	}
	_ = c.ShouldBindQuery(&q)
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q.Limit, q.Offset
}
