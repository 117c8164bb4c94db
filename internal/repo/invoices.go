package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

// InsertInvoiceIfAbsent inserts the invoice unless one already exists for the
// mission. The mission_id primary key carries the at-most-one invariant;
// concurrent duplicate calls both converge on the persisted row.
func (r Repo) InsertInvoiceIfAbsent(ctx context.Context, tx *sql.Tx, inv domain.Invoice) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO invoices(mission_id, number, amount, generated_at, document_ref)
VALUES (?,?,?,?,?) ON CONFLICT(mission_id) DO NOTHING`,
		inv.MissionID, inv.Number, inv.Amount, inv.GeneratedAt, nullableStringPtr(inv.DocumentRef))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextInvoiceSeq allocates the next invoice sequence number within the
// caller's transaction.
func (r Repo) NextInvoiceSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM invoice_seq WHERE id=1`).Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invoice_seq SET next=? WHERE id=1`, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var docRef sql.NullString
	err := row.Scan(&inv.MissionID, &inv.Number, &inv.Amount, &inv.GeneratedAt, &docRef)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if docRef.Valid {
		inv.DocumentRef = &docRef.String
	}
	return inv, nil
}

func (r Repo) GetInvoice(ctx context.Context, missionID string) (domain.Invoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT mission_id, number, amount, generated_at, document_ref FROM invoices WHERE mission_id=?`, missionID))
}

func (r Repo) GetInvoiceTx(ctx context.Context, tx *sql.Tx, missionID string) (domain.Invoice, error) {
	return scanInvoice(tx.QueryRowContext(ctx, `SELECT mission_id, number, amount, generated_at, document_ref FROM invoices WHERE mission_id=?`, missionID))
}

func (r Repo) SetInvoiceDocumentRef(ctx context.Context, missionID, ref string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE invoices SET document_ref=? WHERE mission_id=?`, nullable(ref), missionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
