package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

func (r Repo) UpsertApplication(ctx context.Context, tx *sql.Tx, a domain.CreatorApplication) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id, mission_id, creator_id, status, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(mission_id, creator_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		a.ID, a.MissionID, a.CreatorID, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateApplicationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ApplicationStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApplication(row rowScanner) (domain.CreatorApplication, error) {
	var a domain.CreatorApplication
	err := row.Scan(&a.ID, &a.MissionID, &a.CreatorID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.CreatorApplication, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT id, mission_id, creator_id, status, created_at, updated_at FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.CreatorApplication, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT id, mission_id, creator_id, status, created_at, updated_at FROM applications WHERE id=?`, id))
}

// GetApplicationByCreatorTx resolves the row for one creator on one mission.
func (r Repo) GetApplicationByCreatorTx(ctx context.Context, tx *sql.Tx, missionID, creatorID string) (domain.CreatorApplication, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT id, mission_id, creator_id, status, created_at, updated_at FROM applications WHERE mission_id=? AND creator_id=?`, missionID, creatorID))
}

func (r Repo) ListApplications(ctx context.Context, missionID string) ([]domain.CreatorApplication, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, mission_id, creator_id, status, created_at, updated_at FROM applications WHERE mission_id=? ORDER BY created_at ASC, id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

func (r Repo) ListApplicationsTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.CreatorApplication, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, mission_id, creator_id, status, created_at, updated_at FROM applications WHERE mission_id=? ORDER BY created_at ASC, id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

func collectApplications(rows *sql.Rows) ([]domain.CreatorApplication, error) {
	defer rows.Close()
	var res []domain.CreatorApplication
	for rows.Next() {
		var a domain.CreatorApplication
		if err := rows.Scan(&a.ID, &a.MissionID, &a.CreatorID, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
