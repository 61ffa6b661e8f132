package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/services"
)

type GenerationsHandler struct {
	generationService *services.GenerationService
	jobStore          *jobs.Store
}

func NewGenerationsHandler(generationService *services.GenerationService, jobStore *jobs.Store) *GenerationsHandler {
	return &GenerationsHandler{
		generationService: generationService,
		jobStore:          jobStore,
	}
}

// Submit godoc
// @Summary     Start a generation
// @Description Charges the wallet, creates a job and dispatches it to the provider. Completion arrives asynchronously.
// @Tags        generations
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.GenerateRequest true "Generation parameters"
// @Success     202 {object} models.GenerateResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     402 {object} models.ErrorResponse
// @Failure     429 {object} models.ErrorResponse
// @Failure     502 {object} models.ErrorResponse
// @Router      /generations [post]
func (h *GenerationsHandler) Submit(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}

	result, err := h.generationService.Submit(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, models.GenerateResponse{
		JobID:  result.JobID.String(),
		Status: result.Status,
		Cost:   result.Cost,
	})
}

// List godoc
// @Summary     List generations
// @Tags        generations
// @Produce     json
// @Security    Bearer
// @Param       limit  query int false "Page size (max 100)"
// @Param       offset query int false "Offset"
// @Success     200 {object} models.JobListResponse
// @Router      /generations [get]
func (h *GenerationsHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	list, err := h.jobStore.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	summaries := make([]models.JobSummary, 0, len(list))
	for _, job := range list {
		summaries = append(summaries, models.JobSummary{
			ID:        job.ID.String(),
			Status:    job.Status,
			Prompt:    job.Prompt,
			ThumbURL:  job.ThumbURL.String,
			CreatedAt: job.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, models.JobListResponse{Jobs: summaries})
}

// Get godoc
// @Summary     Get a generation
// @Tags        generations
// @Produce     json
// @Security    Bearer
// @Param       job_id path string true "Job ID (UUID)"
// @Success     200 {object} models.JobResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /generations/{job_id} [get]
func (h *GenerationsHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid job id"})
		return
	}

	job, err := h.jobStore.GetForUser(c.Request.Context(), jobID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

func toJobResponse(job *models.GenerationJob) models.JobResponse {
	resp := models.JobResponse{
		ID:           job.ID.String(),
		Status:       job.Status,
		Mode:         job.Mode,
		Prompt:       job.Prompt,
		Cost:         job.Cost,
		ResultURL:    job.ResultURL.String,
		ThumbURL:     job.ThumbURL.String,
		ErrorMessage: job.ErrorMessage.String,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if len(job.ResultAssets) > 0 {
		if err := json.Unmarshal(job.ResultAssets, &resp.Assets); err != nil {
			zap.L().Warn("Failed to decode job assets", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &resp.Metadata); err != nil {
			zap.L().Warn("Failed to decode job metadata", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return resp
}
