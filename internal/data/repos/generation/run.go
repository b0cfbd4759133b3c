package generation

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type RunRepo interface {
	Create(dbc dbctx.Context, run *types.PipelineRun) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error)
	Save(dbc dbctx.Context, run *types.PipelineRun) error
	ListByStudent(dbc dbctx.Context, studentID string, limit int) ([]*types.PipelineRun, error)
	ListByStatus(dbc dbctx.Context, statuses []types.RunStatus) ([]*types.PipelineRun, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{db: db, log: baseLog.With("repo", "PipelineRunRepo")}
}

func (r *runRepo) Create(dbc dbctx.Context, run *types.PipelineRun) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(run).Error
}

// GetByID returns nil, nil when the run does not exist.
func (r *runRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var out types.PipelineRun
	err := dbc.DB(r.db).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *runRepo) Save(dbc dbctx.Context, run *types.PipelineRun) error {
	if run == nil || run.ID == uuid.Nil {
		return errors.New("run id required")
	}
	return dbc.DB(r.db).Save(run).Error
}

func (r *runRepo) ListByStudent(dbc dbctx.Context, studentID string, limit int) ([]*types.PipelineRun, error) {
	var out []*types.PipelineRun
	if studentID == "" {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	err := dbc.DB(r.db).
		Where("student_id = ?", studentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runRepo) ListByStatus(dbc dbctx.Context, statuses []types.RunStatus) ([]*types.PipelineRun, error) {
	var out []*types.PipelineRun
	if len(statuses) == 0 {
		return out, nil
	}
	if err := dbc.DB(r.db).Where("status IN ?", statuses).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
