package handlers

import (
	"errors"
	"net/http"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/pipeline"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/apierr"
)

// toAPIError maps orchestrator errors onto HTTP statuses.
func toAPIError(err error) *apierr.Error {
	var ae *apierr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return apierr.BadRequest("invalid_request", err)
	case errors.Is(err, pipeline.ErrRunNotFound):
		return apierr.NotFound("run_not_found", err)
	case errors.Is(err, pipeline.ErrRunFinished):
		return apierr.Conflict("run_finished", err)
	case errors.Is(err, pipeline.ErrShuttingDown):
		return apierr.New(http.StatusServiceUnavailable, "shutting_down", err)
	default:
		return apierr.New(http.StatusInternalServerError, "internal_error", errors.New("internal error"))
	}
}
