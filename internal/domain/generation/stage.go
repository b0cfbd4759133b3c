package generation

import "time"

type StageName string

const (
	StageSubmitted        StageName = "submitted"
	StageUnderstanding    StageName = "understanding"
	StageInterestMatching StageName = "interest_matching"
	StageCacheLookup      StageName = "cache_lookup"
	StageRetrieval        StageName = "retrieval"
	StageScriptGeneration StageName = "script_generation"
	StageAudioSynthesis   StageName = "audio_synthesis"
	StageVideoGeneration  StageName = "video_generation"
	StageImageGeneration  StageName = "image_generation"
	StageFinalize         StageName = "finalize"
)

var stageOrder = []StageName{
	StageSubmitted,
	StageUnderstanding,
	StageInterestMatching,
	StageCacheLookup,
	StageRetrieval,
	StageScriptGeneration,
	StageAudioSynthesis,
	StageVideoGeneration,
	StageImageGeneration,
	StageFinalize,
}

// Ordinal is the stage's position in the pipeline; -1 for unknown names.
func (s StageName) Ordinal() int {
	for i, n := range stageOrder {
		if n == s {
			return i
		}
	}
	return -1
}

// Stages returns every stage in pipeline order.
func Stages() []StageName {
	out := make([]StageName, len(stageOrder))
	copy(out, stageOrder)
	return out
}

type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

func (s StageStatus) Done() bool {
	return s == StageStatusSucceeded || s == StageStatusFailed || s == StageStatusSkipped
}

type StageState struct {
	Name       StageName   `json:"name"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
}
