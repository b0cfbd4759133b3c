package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/cache"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/http/response"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type ArtifactInvalidator interface {
	Invalidate(ctx context.Context, key cache.Key) (bool, error)
}

type ArtifactHandler struct {
	log   *logger.Logger
	cache ArtifactInvalidator
}

func NewArtifactHandler(log *logger.Logger, c ArtifactInvalidator) *ArtifactHandler {
	return &ArtifactHandler{log: log.With("handler", "ArtifactHandler"), cache: c}
}

// DELETE /api/artifacts?topic_id=&grade_level=&interest=
func (h *ArtifactHandler) Invalidate(c *gin.Context) {
	grade, err := strconv.Atoi(c.Query("grade_level"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_grade_level", err)
		return
	}
	key := cache.NewKey(c.Query("topic_id"), grade, c.Query("interest"))
	if err := key.Validate(); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_cache_key", err)
		return
	}
	deleted, err := h.cache.Invalidate(c.Request.Context(), key)
	if err != nil {
		h.log.Error("invalidate failed", "cache_key", key.String(), "error", err)
		response.RespondError(c, http.StatusInternalServerError, "invalidate_failed", err)
		return
	}
	h.log.Info("artifact invalidated", "cache_key", key.String(), "deleted", deleted)
	response.RespondOK(c, gin.H{"cache_key": key.String(), "deleted": deleted})
}
