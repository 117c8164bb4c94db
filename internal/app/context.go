package app

import (
	"context"
	"errors"
	"fmt"

	"missionline/internal/config"
	"missionline/internal/repo"
)

// ResolveConfig loads the workspace config, preferring missionline.yml on
// disk, then the copy stored in the workspace database, seeding defaults if
// neither exists. A file present on disk always refreshes the stored copy.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertWorkspaceConfig(ctx, fileCfg); err != nil {
			return nil, fmt.Errorf("store workspace config: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetWorkspaceConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default("operator-local")
	if err := r.UpsertWorkspaceConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed workspace config: %w", err)
	}
	return seed, nil
}
