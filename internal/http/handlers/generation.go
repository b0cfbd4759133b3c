package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/http/response"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/apierr"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type GenerationService interface {
	Submit(ctx context.Context, in pipeline.SubmitInput) (*generation.PipelineRun, error)
	Status(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error)
	Cancel(ctx context.Context, runID uuid.UUID) error
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*generation.PipelineRun, error)
}

type Limiter interface {
	Allow(key string) bool
}

type GenerationHandler struct {
	log     *logger.Logger
	svc     GenerationService
	limiter Limiter
}

func NewGenerationHandler(log *logger.Logger, svc GenerationService, limiter Limiter) *GenerationHandler {
	return &GenerationHandler{log: log.With("handler", "GenerationHandler"), svc: svc, limiter: limiter}
}

// POST /api/generations
func (h *GenerationHandler) Submit(c *gin.Context) {
	var in pipeline.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if sd := ctxutil.GetSessionData(c.Request.Context()); sd != nil && sd.StudentID != "" {
		if in.StudentID == "" {
			in.StudentID = sd.StudentID
		} else if in.StudentID != sd.StudentID {
			response.RespondError(c, http.StatusForbidden, "student_mismatch", errors.New("student_id does not match the session"))
			return
		}
	}
	if h.limiter != nil && in.StudentID != "" && !h.limiter.Allow(in.StudentID) {
		response.RespondAPIError(c, apierr.TooManyRequests("rate_limited", errors.New("too many generation requests, try again shortly")))
		return
	}

	run, err := h.svc.Submit(c.Request.Context(), in)
	if err != nil {
		ae := toAPIError(err)
		if ae.Status >= 500 {
			h.log.Error("submit failed", append(ctxutil.LogFields(c.Request.Context()), "error", err)...)
		}
		response.RespondAPIError(c, ae)
		return
	}
	response.RespondAccepted(c, gin.H{
		"run_id":     run.ID,
		"request_id": run.RequestID,
		"status":     run.Status,
		"run":        run,
	})
}

// GET /api/generations/:id
func (h *GenerationHandler) Get(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.svc.Status(c.Request.Context(), runID)
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// POST /api/generations/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), runID); err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondAccepted(c, gin.H{"run_id": runID, "status": "cancelling"})
}

// GET /api/students/:id/generations
func (h *GenerationHandler) ListByStudent(c *gin.Context) {
	studentID := c.Param("id")
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be between 1 and 100"))
			return
		}
		limit = n
	}
	runs, err := h.svc.ListByStudent(c.Request.Context(), studentID, limit)
	if err != nil {
		h.log.Error("list runs failed", "student_id", studentID, "error", err)
		response.RespondAPIError(c, toAPIError(err))
		return
	}
	response.RespondOK(c, gin.H{"runs": runs})
}
