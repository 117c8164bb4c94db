package repo

import (
	"context"
	"database/sql"
	"fmt"

	"missionline/internal/domain"
)

// The direct and mandate lifecycles live in separate tables with their own
// keys; a mission may hold zero, one, or both in different states. The two
// tables share one row shape, so the SQL layer is parameterized by variant.
func contractTable(variant domain.ContractVariant) (table, keyColumn string, err error) {
	switch variant {
	case domain.ContractDirect:
		return "direct_contracts", "application_id", nil
	case domain.ContractMandate:
		return "mandate_contracts", "mission_id", nil
	default:
		return "", "", fmt.Errorf("unknown contract variant %q", variant)
	}
}

func contractColumns(keyColumn string) string {
	return fmt.Sprintf(`id, %s, mission_id, state, amount, text,
initiator_role, initiator_signed_at, initiator_addr, counter_signed_at, counter_addr, created_at`, keyColumn)
}

func scanContract(variant domain.ContractVariant, row rowScanner) (domain.Contract, error) {
	c := domain.Contract{Variant: variant}
	var counterSignedAt, counterAddr sql.NullString
	err := row.Scan(&c.ID, &c.Key, &c.MissionID, &c.State, &c.Amount, &c.Text,
		&c.InitiatorRole, &c.InitiatorSignedAt, &c.InitiatorAddr, &counterSignedAt, &counterAddr, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if counterSignedAt.Valid {
		c.CounterSignedAt = &counterSignedAt.String
	}
	if counterAddr.Valid {
		c.CounterAddr = &counterAddr.String
	}
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	table, keyCol, err := contractTable(c.Variant)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(id, %s, mission_id, state, amount, text, initiator_role, initiator_signed_at, initiator_addr, counter_signed_at, counter_addr, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, table, keyCol),
		c.ID, c.Key, c.MissionID, c.State, c.Amount, c.Text,
		c.InitiatorRole, c.InitiatorSignedAt, c.InitiatorAddr, nullableStringPtr(c.CounterSignedAt), nullableStringPtr(c.CounterAddr), c.CreatedAt)
	return err
}

// UpdateContractSignature applies the counterparty signature and state change.
func (r Repo) UpdateContractSignature(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	table, _, err := contractTable(c.Variant)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET state=?, counter_signed_at=?, counter_addr=? WHERE id=?`, table),
		c.State, nullableStringPtr(c.CounterSignedAt), nullableStringPtr(c.CounterAddr), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetContract resolves a contract by variant and its variant-specific key
// (application id for direct, mission id for mandate).
func (r Repo) GetContract(ctx context.Context, variant domain.ContractVariant, key string) (domain.Contract, error) {
	table, keyCol, err := contractTable(variant)
	if err != nil {
		return domain.Contract{}, err
	}
	return scanContract(variant, r.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s=?`, contractColumns(keyCol), table, keyCol), key))
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, variant domain.ContractVariant, key string) (domain.Contract, error) {
	table, keyCol, err := contractTable(variant)
	if err != nil {
		return domain.Contract{}, err
	}
	return scanContract(variant, tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s=?`, contractColumns(keyCol), table, keyCol), key))
}

// ListContractsByMission gathers both variants for a mission view.
func (r Repo) ListContractsByMission(ctx context.Context, missionID string) ([]domain.Contract, error) {
	var res []domain.Contract
	for _, variant := range []domain.ContractVariant{domain.ContractDirect, domain.ContractMandate} {
		table, keyCol, err := contractTable(variant)
		if err != nil {
			return nil, err
		}
		rows, err := r.DB.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE mission_id=? ORDER BY created_at ASC, id ASC`, contractColumns(keyCol), table), missionID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			c, err := scanContract(variant, rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			res = append(res, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return res, nil
}
