package generation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartial || s == RunStatusFailed
}

// PipelineRun is written only by the orchestrator.
type PipelineRun struct {
	ID                uuid.UUID                       `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID         uuid.UUID                       `gorm:"type:uuid;column:request_id;not null;index" json:"request_id"`
	StudentID         string                          `gorm:"column:student_id;not null;index" json:"student_id"`
	Status            RunStatus                       `gorm:"column:status;not null;index" json:"status"`
	CurrentStage      StageName                       `gorm:"column:current_stage;not null" json:"current_stage"`
	Progress          int                             `gorm:"column:progress;not null;default:0" json:"progress"`
	Stages            datatypes.JSONSlice[StageState] `gorm:"column:stages;type:jsonb" json:"stages"`
	TopicID           string                          `gorm:"column:topic_id;index" json:"topic_id,omitempty"`
	TopicName         string                          `gorm:"column:topic_name" json:"topic_name,omitempty"`
	Confidence        *float64                        `gorm:"column:confidence" json:"confidence,omitempty"`
	SelectedInterest  string                          `gorm:"column:selected_interest" json:"selected_interest,omitempty"`
	CacheKey          string                          `gorm:"column:cache_key;index" json:"cache_key,omitempty"`
	CacheHit          bool                            `gorm:"column:cache_hit;not null;default:false" json:"cache_hit"`
	ArtifactID        *uuid.UUID                      `gorm:"type:uuid;column:artifact_id" json:"artifact_id,omitempty"`
	FailedStage       StageName                       `gorm:"column:failed_stage" json:"failed_stage,omitempty"`
	Error             string                          `gorm:"column:error" json:"error,omitempty"`
	Cancelled         bool                            `gorm:"column:cancelled;not null;default:false" json:"cancelled"`
	MissingModalities datatypes.JSONSlice[Modality]   `gorm:"column:missing_modalities;type:jsonb" json:"missing_modalities,omitempty"`
	StartedAt         *time.Time                      `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time                      `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt         time.Time                       `gorm:"column:created_at;not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time                       `gorm:"column:updated_at;not null;autoUpdateTime" json:"updated_at"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }

func (r *PipelineRun) Terminal() bool {
	return r != nil && r.Status.Terminal()
}

// Elapsed is measured from StartedAt (or CreatedAt before the run starts)
// to FinishedAt, or to now while the run is live.
func (r *PipelineRun) Elapsed(now time.Time) time.Duration {
	if r == nil {
		return 0
	}
	start := r.CreatedAt
	if r.StartedAt != nil {
		start = *r.StartedAt
	}
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Stage returns the recorded state for name, or nil.
func (r *PipelineRun) Stage(name StageName) *StageState {
	if r == nil {
		return nil
	}
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// InitStages seeds one pending entry per pipeline stage.
func (r *PipelineRun) InitStages() {
	names := Stages()
	r.Stages = make(datatypes.JSONSlice[StageState], 0, len(names))
	for _, n := range names {
		r.Stages = append(r.Stages, StageState{Name: n, Status: StageStatusPending})
	}
}

// SucceededStages lists stages that finished successfully, in order.
func (r *PipelineRun) SucceededStages() []StageName {
	if r == nil {
		return nil
	}
	out := make([]StageName, 0, len(r.Stages))
	for _, s := range r.Stages {
		if s.Status == StageStatusSucceeded {
			out = append(out, s.Name)
		}
	}
	return out
}
