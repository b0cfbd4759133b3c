package generation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SourceRef records a retrieved passage a script was grounded on.
type SourceRef struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// CachedArtifact is written once per cache key and never updated.
type CachedArtifact struct {
	ID               uuid.UUID                      `gorm:"type:uuid;primaryKey" json:"id"`
	CacheKey         string                         `gorm:"column:cache_key;not null;uniqueIndex" json:"cache_key"`
	TopicID          string                         `gorm:"column:topic_id;not null;index" json:"topic_id"`
	GradeLevel       int                            `gorm:"column:grade_level;not null" json:"grade_level"`
	Interest         string                         `gorm:"column:interest;not null" json:"interest"`
	Title            string                         `gorm:"column:title" json:"title,omitempty"`
	Script           string                         `gorm:"column:script;not null" json:"script"`
	AudioURL         string                         `gorm:"column:audio_url" json:"audio_url,omitempty"`
	VideoURL         string                         `gorm:"column:video_url" json:"video_url,omitempty"`
	ImageURLs        datatypes.JSONSlice[string]    `gorm:"column:image_urls;type:jsonb" json:"image_urls,omitempty"`
	Sources          datatypes.JSONSlice[SourceRef] `gorm:"column:sources;type:jsonb" json:"sources,omitempty"`
	SupportedFormats datatypes.JSONSlice[Modality]  `gorm:"column:supported_formats;type:jsonb" json:"supported_formats"`
	SourceRunID      uuid.UUID                      `gorm:"type:uuid;column:source_run_id" json:"source_run_id"`
	CreatedAt        time.Time                      `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
}

func (CachedArtifact) TableName() string { return "cached_artifact" }

func (a *CachedArtifact) Supports(m Modality) bool {
	if a == nil {
		return false
	}
	for _, f := range a.SupportedFormats {
		if f == m {
			return true
		}
	}
	return false
}

// Missing lists requested modalities the artifact cannot serve.
func (a *CachedArtifact) Missing(requested ModalitySet) []Modality {
	var out []Modality
	for _, m := range requested {
		if !a.Supports(m) {
			out = append(out, m)
		}
	}
	return out
}

// Formats derives SupportedFormats from the populated fields.
func (a *CachedArtifact) Formats() []Modality {
	if a == nil {
		return nil
	}
	out := make([]Modality, 0, 4)
	if a.Script != "" {
		out = append(out, ModalityText)
	}
	if a.AudioURL != "" {
		out = append(out, ModalityAudio)
	}
	if a.VideoURL != "" {
		out = append(out, ModalityVideo)
	}
	if len(a.ImageURLs) > 0 {
		out = append(out, ModalityImages)
	}
	return out
}
