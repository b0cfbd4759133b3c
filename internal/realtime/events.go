package realtime

import (
	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

type SSEEvent string

const (
	SSEEventGenerationProgress  SSEEvent = "GenerationProgress"
	SSEEventGenerationCompleted SSEEvent = "GenerationCompleted"
	SSEEventGenerationPartial   SSEEvent = "GenerationPartial"
	SSEEventGenerationFailed    SSEEvent = "GenerationFailed"
)

type SSEMessage struct {
	Channel string           `json:"channel"`
	Event   SSEEvent         `json:"event"`
	Data    generation.Event `json:"data"`
}

func RunChannel(runID uuid.UUID) string { return "run:" + runID.String() }

func StudentChannel(studentID string) string { return "student:" + studentID }

// EventName maps a progress event to its SSE event name.
func EventName(e generation.Event) SSEEvent {
	if !e.Terminal {
		return SSEEventGenerationProgress
	}
	switch e.Status {
	case generation.EventStatusCompleted:
		return SSEEventGenerationCompleted
	case generation.EventStatusPartial:
		return SSEEventGenerationPartial
	default:
		return SSEEventGenerationFailed
	}
}

// Messages returns one message per channel the event is delivered on.
func Messages(e generation.Event) []SSEMessage {
	name := EventName(e)
	out := make([]SSEMessage, 0, 2)
	if e.RunID != uuid.Nil {
		out = append(out, SSEMessage{Channel: RunChannel(e.RunID), Event: name, Data: e})
	}
	if e.StudentID != "" {
		out = append(out, SSEMessage{Channel: StudentChannel(e.StudentID), Event: name, Data: e})
	}
	return out
}
