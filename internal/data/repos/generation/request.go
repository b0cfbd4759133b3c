package generation

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type RequestRepo interface {
	Create(dbc dbctx.Context, req *types.GenerationRequest) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationRequest, error)
}

type requestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRequestRepo(db *gorm.DB, baseLog *logger.Logger) RequestRepo {
	return &requestRepo{db: db, log: baseLog.With("repo", "GenerationRequestRepo")}
}

func (r *requestRepo) Create(dbc dbctx.Context, req *types.GenerationRequest) error {
	if req == nil {
		return errors.New("request is nil")
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(req).Error
}

// GetByID returns nil, nil when the request does not exist.
func (r *requestRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationRequest, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var out types.GenerationRequest
	err := dbc.DB(r.db).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
