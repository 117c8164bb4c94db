package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

func (r Repo) InsertAnnotation(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO annotations(id, mission_id, kind, body, actor_id, created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.MissionID, a.Kind, a.Body, a.ActorID, a.CreatedAt)
	return err
}

// LatestAnnotation returns the current value of a feedback channel: the most
// recent row wins, the history stays.
func (r Repo) LatestAnnotation(ctx context.Context, missionID string, kind domain.AnnotationKind) (domain.Annotation, error) {
	var a domain.Annotation
	err := r.DB.QueryRowContext(ctx, `SELECT id, mission_id, kind, body, actor_id, created_at FROM annotations
WHERE mission_id=? AND kind=? ORDER BY created_at DESC, id DESC LIMIT 1`, missionID, kind).
		Scan(&a.ID, &a.MissionID, &a.Kind, &a.Body, &a.ActorID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAnnotations(ctx context.Context, missionID string, kind domain.AnnotationKind) ([]domain.Annotation, error) {
	query := `SELECT id, mission_id, kind, body, actor_id, created_at FROM annotations WHERE mission_id=?`
	args := []any{missionID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		if err := rows.Scan(&a.ID, &a.MissionID, &a.Kind, &a.Body, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAnnotationsTx counts rows for a channel inside a transaction, used for
// cap enforcement at mutation time.
func (r Repo) CountAnnotationsTx(ctx context.Context, tx *sql.Tx, missionID string, kind domain.AnnotationKind) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM annotations WHERE mission_id=? AND kind=?`, missionID, kind).Scan(&n)
	return n, err
}
