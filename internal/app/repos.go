package app

import (
	"gorm.io/gorm"

	repos "github.com/rich1edwards/vividly-mvp-sub011/internal/data/repos/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

type Repos struct {
	Requests  repos.RequestRepo
	Runs      repos.RunRepo
	Artifacts repos.ArtifactRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Requests:  repos.NewRequestRepo(db, log),
		Runs:      repos.NewRunRepo(db, log),
		Artifacts: repos.NewArtifactRepo(db, log),
	}
}
