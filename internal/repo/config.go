package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/config"
)

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}
