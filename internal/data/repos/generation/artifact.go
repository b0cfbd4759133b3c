package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

// ArtifactRepo persists cached artifacts. It satisfies cache.ArtifactStore.
type ArtifactRepo interface {
	GetByKey(ctx context.Context, cacheKey string) (*types.CachedArtifact, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.CachedArtifact, error)
	CreateIfAbsent(ctx context.Context, a *types.CachedArtifact) (*types.CachedArtifact, bool, error)
	DeleteByKey(ctx context.Context, cacheKey string) (bool, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{db: db, log: baseLog.With("repo", "CachedArtifactRepo")}
}

// GetByKey returns nil, nil on a miss.
func (r *artifactRepo) GetByKey(ctx context.Context, cacheKey string) (*types.CachedArtifact, error) {
	if cacheKey == "" {
		return nil, nil
	}
	var out types.CachedArtifact
	err := dbctx.New(ctx).DB(r.db).Where("cache_key = ?", cacheKey).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *artifactRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.CachedArtifact, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var out types.CachedArtifact
	err := dbctx.New(ctx).DB(r.db).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateIfAbsent inserts a unless an artifact already exists for its key.
// It returns the stored row and whether this call created it.
func (r *artifactRepo) CreateIfAbsent(ctx context.Context, a *types.CachedArtifact) (*types.CachedArtifact, bool, error) {
	if a == nil || a.CacheKey == "" {
		return nil, false, errors.New("artifact with cache key required")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	res := dbctx.New(ctx).DB(r.db).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "cache_key"}}, DoNothing: true}).
		Create(a)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return a, true, nil
	}
	existing, err := r.GetByKey(ctx, a.CacheKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("artifact for %q conflicted but could not be read back", a.CacheKey)
	}
	r.log.Debug("artifact already stored", "cache_key", a.CacheKey, "artifact_id", existing.ID)
	return existing, false, nil
}

func (r *artifactRepo) DeleteByKey(ctx context.Context, cacheKey string) (bool, error) {
	if cacheKey == "" {
		return false, nil
	}
	res := dbctx.New(ctx).DB(r.db).Where("cache_key = ?", cacheKey).Delete(&types.CachedArtifact{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
