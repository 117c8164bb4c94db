package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id,brand_id,operator_id,title,status,pipeline,
COALESCE(product,''),COALESCE(format,''),COALESCE(script_type,''),COALESCE(usage_rights,''),
budget,COALESCE(deadline,''),creator_id,script_status,COALESCE(script_content,''),video_ref,
revisions_used,creator_amount,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var creatorID, videoRef sql.NullString
	err := row.Scan(&m.ID, &m.BrandID, &m.OperatorID, &m.Title, &m.Status, &m.Pipeline,
		&m.Product, &m.Format, &m.ScriptType, &m.UsageRights,
		&m.Budget, &m.Deadline, &creatorID, &m.ScriptStatus, &m.ScriptContent, &videoRef,
		&m.RevisionsUsed, &m.CreatorAmount, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if creatorID.Valid {
		m.CreatorID = &creatorID.String
	}
	if videoRef.Valid {
		m.VideoRef = &videoRef.String
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,brand_id,operator_id,title,status,pipeline,product,format,script_type,usage_rights,budget,deadline,creator_id,script_status,script_content,video_ref,revisions_used,creator_amount,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.BrandID, m.OperatorID, m.Title, m.Status, m.Pipeline,
		nullable(m.Product), nullable(m.Format), nullable(m.ScriptType), nullable(m.UsageRights),
		m.Budget, nullable(m.Deadline), nullableStringPtr(m.CreatorID), m.ScriptStatus, nullable(m.ScriptContent), nullableStringPtr(m.VideoRef),
		m.RevisionsUsed, m.CreatorAmount, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET brand_id=?, operator_id=?, title=?, status=?, pipeline=?, product=?, format=?, script_type=?, usage_rights=?, budget=?, deadline=?, creator_id=?, script_status=?, script_content=?, video_ref=?, revisions_used=?, creator_amount=?, updated_at=? WHERE id=?`,
		m.BrandID, m.OperatorID, m.Title, m.Status, m.Pipeline,
		nullable(m.Product), nullable(m.Format), nullable(m.ScriptType), nullable(m.UsageRights),
		m.Budget, nullable(m.Deadline), nullableStringPtr(m.CreatorID), m.ScriptStatus, nullable(m.ScriptContent), nullableStringPtr(m.VideoRef),
		m.RevisionsUsed, m.CreatorAmount, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MissionFilters struct {
	Status          string
	BrandID         string
	CreatorID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.BrandID != "" {
		clauses = append(clauses, "brand_id=?")
		args = append(args, f.BrandID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, missionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
