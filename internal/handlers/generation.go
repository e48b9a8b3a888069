package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contentpilot/strategy-backend/internal/http/response"
	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/repos"
	"github.com/contentpilot/strategy-backend/internal/services"
)

type GenerationHandler struct {
	log    *logger.Logger
	gen    *services.StrategyGenerationService
	status *services.JobStatusService
}

func NewGenerationHandler(log *logger.Logger, gen *services.StrategyGenerationService, status *services.JobStatusService) *GenerationHandler {
	return &GenerationHandler{
		log:    log.With("handler", "generation"),
		gen:    gen,
		status: status,
	}
}

// Start accepts a business payload and enqueues a generation job.
func (h *GenerationHandler) Start(c *gin.Context) {
	var input map[string]any
	if err := c.ShouldBindJSON(&input); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", errors.New("request body must be a JSON object"))
		return
	}

	job, err := h.gen.Enqueue(c.Request.Context(), input)
	if err != nil {
		var vErr *services.InputValidationError
		if errors.As(err, &vErr) {
			response.RespondError(c, http.StatusBadRequest, "invalid_input", vErr)
			return
		}
		h.log.Error("enqueue failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "enqueue_failed", errors.New("could not start generation"))
		return
	}

	response.RespondAccepted(c, gin.H{"job_id": job.ID.String()})
}

// Status returns the poll snapshot for a job. Unknown and malformed ids both
// read as 404 so callers cannot distinguish malformed ids from unknown ones.
func (h *GenerationHandler) Status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", errors.New("job not found"))
		return
	}

	snap, err := h.status.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "job_not_found", errors.New("job not found"))
			return
		}
		h.log.Error("status lookup failed", "job_id", id.String(), "error", err)
		response.RespondError(c, http.StatusNotFound, "job_not_found", errors.New("job not found"))
		return
	}

	response.RespondOK(c, snap)
}

// Document returns the persisted strategy document of a completed job.
func (h *GenerationHandler) Document(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "strategy_not_found", errors.New("strategy not found"))
		return
	}

	doc, err := h.status.GetDocument(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "strategy_not_found", errors.New("strategy not found"))
			return
		}
		h.log.Error("document lookup failed", "job_id", id.String(), "error", err)
		response.RespondError(c, http.StatusInternalServerError, "lookup_failed", errors.New("could not load strategy"))
		return
	}

	c.Data(http.StatusOK, "application/json", doc.Document)
}
