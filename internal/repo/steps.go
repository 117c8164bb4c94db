package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

// InsertStep records a completed-step fact. The (mission, step) primary key
// plus INSERT OR IGNORE make duplicate completion resolve to "already
// satisfied" rather than an error or a second row.
func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, e domain.StepEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO mission_steps(mission_id, step, completed_at) VALUES (?,?,?)`,
		e.MissionID, e.Step, e.CompletedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) HasStep(ctx context.Context, missionID, step string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM mission_steps WHERE mission_id=? AND step=? LIMIT 1`, missionID, step)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) HasStepTx(ctx context.Context, tx *sql.Tx, missionID, step string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM mission_steps WHERE mission_id=? AND step=? LIMIT 1`, missionID, step)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListSteps(ctx context.Context, missionID string) ([]domain.StepEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT mission_id, step, completed_at FROM mission_steps WHERE mission_id=? ORDER BY completed_at ASC, step ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.StepEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT mission_id, step, completed_at FROM mission_steps WHERE mission_id=? ORDER BY completed_at ASC, step ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]domain.StepEntry, error) {
	var res []domain.StepEntry
	for rows.Next() {
		var e domain.StepEntry
		if err := rows.Scan(&e.MissionID, &e.Step, &e.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CompletedStepIDs returns just the step ids, for policy derivations.
func CompletedStepIDs(entries []domain.StepEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Step)
	}
	return ids
}
