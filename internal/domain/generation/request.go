package generation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GenerationRequest is immutable once stored.
type GenerationRequest struct {
	ID         uuid.UUID                     `gorm:"type:uuid;primaryKey" json:"id"`
	StudentID  string                        `gorm:"column:student_id;not null;index" json:"student_id"`
	Query      string                        `gorm:"column:query;not null" json:"query"`
	GradeLevel int                           `gorm:"column:grade_level;not null" json:"grade_level"`
	Modalities datatypes.JSONSlice[Modality] `gorm:"column:modalities;type:jsonb" json:"modalities"`
	Interests  datatypes.JSONSlice[string]   `gorm:"column:interests;type:jsonb" json:"interests"`
	CreatedAt  time.Time                     `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
}

func (GenerationRequest) TableName() string { return "generation_request" }

func (r *GenerationRequest) ModalitySet() ModalitySet {
	if r == nil {
		return nil
	}
	return ModalitySet(r.Modalities)
}
