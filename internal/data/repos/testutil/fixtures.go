package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

func SeedRequest(tb testing.TB, ctx context.Context, tx *gorm.DB, studentID string) *types.GenerationRequest {
	tb.Helper()
	req := &types.GenerationRequest{
		ID:         uuid.New(),
		StudentID:  studentID,
		Query:      "Explain Newton's Third Law",
		GradeLevel: 10,
		Modalities: datatypes.JSONSlice[types.Modality]{types.ModalityText, types.ModalityAudio},
		Interests:  datatypes.JSONSlice[string]{"chess", "music"},
	}
	if err := tx.WithContext(ctx).Create(req).Error; err != nil {
		tb.Fatalf("seed request: %v", err)
	}
	return req
}

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, req *types.GenerationRequest, status types.RunStatus) *types.PipelineRun {
	tb.Helper()
	run := &types.PipelineRun{
		ID:           uuid.New(),
		RequestID:    req.ID,
		StudentID:    req.StudentID,
		Status:       status,
		CurrentStage: types.StageSubmitted,
	}
	run.InitStages()
	if err := tx.WithContext(ctx).Create(run).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return run
}
