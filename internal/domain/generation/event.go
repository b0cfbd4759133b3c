package generation

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusRunning   EventStatus = "running"
	EventStatusWaiting   EventStatus = "waiting"
	EventStatusSucceeded EventStatus = "succeeded"
	EventStatusSkipped   EventStatus = "skipped"
	EventStatusFailed    EventStatus = "failed"
	EventStatusCompleted EventStatus = "completed"
	EventStatusPartial   EventStatus = "partial"
)

// Event is an immutable progress notification. ID is unique per event so
// consumers can drop redelivered copies; Seq orders events within one run.
// Stage failures of optional stages also carry EventStatusFailed, so only
// Terminal marks the end of a run.
type Event struct {
	ID         uuid.UUID   `json:"id"`
	RequestID  uuid.UUID   `json:"request_id"`
	RunID      uuid.UUID   `json:"run_id"`
	StudentID  string      `json:"student_id"`
	Seq        int64       `json:"seq"`
	Stage      StageName   `json:"stage"`
	Status     EventStatus `json:"status"`
	Progress   int         `json:"progress_percentage"`
	Message    string      `json:"message,omitempty"`
	Confidence *float64    `json:"confidence_score,omitempty"`
	Error      string      `json:"error,omitempty"`
	ArtifactID *uuid.UUID  `json:"artifact_id,omitempty"`
	Missing    []Modality  `json:"missing_modalities,omitempty"`
	Terminal   bool        `json:"terminal,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
