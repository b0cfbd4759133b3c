package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/http/response"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/apierr"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/realtime"
)

// RunLookup resolves a run so its owner can be checked before a stream
// joins the run's channel.
type RunLookup interface {
	Status(ctx context.Context, runID uuid.UUID) (*generation.PipelineRun, error)
}

type RealtimeHandler struct {
	Log  *logger.Logger
	Hub  *realtime.SSEHub
	Runs RunLookup

	mu      sync.RWMutex
	clients map[string]*realtime.SSEClient // key: session id
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub, runs RunLookup) *RealtimeHandler {
	return &RealtimeHandler{
		Log:     log.With("handler", "RealtimeHandler"),
		Hub:     hub,
		Runs:    runs,
		clients: make(map[string]*realtime.SSEClient),
	}
}

// GET /api/sse/stream?run_id=&student_id=
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	var studentID, sessionID string
	if sd := ctxutil.GetSessionData(c.Request.Context()); sd != nil {
		studentID, sessionID = sd.StudentID, sd.SessionID
	}
	var runID uuid.UUID
	if raw := c.Query("run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid run_id", "code": "invalid_run_id"}})
			return
		}
		runID = id
	}
	if studentID == "" && runID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "student_id or run_id required", "code": "missing_subscription"}})
		return
	}
	if runID != uuid.Nil && !h.authorizeRun(c, runID, studentID) {
		return
	}

	client := h.Hub.NewSSEClient(studentID)
	client.Logger = h.Log.With("sse_client_id", client.ID, "student_id", studentID)
	if sessionID != "" {
		h.mu.Lock()
		// A session keeps one stream; a reconnect replaces the old one.
		if existing, ok := h.clients[sessionID]; ok {
			h.Hub.CloseClient(existing)
		}
		h.clients[sessionID] = client
		h.mu.Unlock()
	}
	if studentID != "" {
		h.Hub.AddChannel(client, realtime.StudentChannel(studentID))
	}
	if runID != uuid.Nil {
		h.Hub.AddChannel(client, realtime.RunChannel(runID))
	}

	h.Hub.ServeHTTP(c.Writer, c.Request, client)

	if sessionID != "" {
		h.mu.Lock()
		if h.clients[sessionID] == client {
			delete(h.clients, sessionID)
		}
		h.mu.Unlock()
	}
	h.Hub.CloseClient(client)
}

type runSubscription struct {
	RunID string `json:"run_id" binding:"required,uuid"`
}

// POST /api/sse/subscribe adds a run channel to the session's open stream.
func (h *RealtimeHandler) SSESubscribe(c *gin.Context) {
	h.updateSubscription(c, true)
}

// POST /api/sse/unsubscribe
func (h *RealtimeHandler) SSEUnsubscribe(c *gin.Context) {
	h.updateSubscription(c, false)
}

func (h *RealtimeHandler) updateSubscription(c *gin.Context, add bool) {
	sd := ctxutil.GetSessionData(c.Request.Context())
	if sd == nil || sd.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "missing session id", "code": "missing_session"}})
		return
	}
	var req runSubscription
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_run_id"}})
		return
	}

	runID := uuid.MustParse(req.RunID)
	if add && !h.authorizeRun(c, runID, sd.StudentID) {
		return
	}

	h.mu.RLock()
	client, exists := h.clients[sd.SessionID]
	h.mu.RUnlock()
	if !exists {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"message": "no active SSE connection for this session", "code": "no_stream"}})
		return
	}

	channel := realtime.RunChannel(runID)
	if add {
		h.Hub.AddChannel(client, channel)
		c.JSON(http.StatusOK, gin.H{"message": "subscribed", "channel": channel})
		return
	}
	h.Hub.RemoveChannel(client, channel)
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed", "channel": channel})
}

// authorizeRun writes the error response and returns false unless the run
// belongs to studentID. Another student's run is reported as not found.
func (h *RealtimeHandler) authorizeRun(c *gin.Context, runID uuid.UUID, studentID string) bool {
	if studentID == "" {
		response.RespondError(c, http.StatusForbidden, "student_required", errors.New("run subscriptions need a student identity"))
		return false
	}
	if h.Runs == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "runs_unavailable", errors.New("run lookup not configured"))
		return false
	}
	run, err := h.Runs.Status(c.Request.Context(), runID)
	if err != nil {
		response.RespondAPIError(c, toAPIError(err))
		return false
	}
	if run.StudentID != studentID {
		h.Log.Warn("rejected subscription to another student's run", "run_id", runID, "student_id", studentID)
		response.RespondAPIError(c, apierr.NotFound("run_not_found", errors.New("run not found")))
		return false
	}
	return true
}
