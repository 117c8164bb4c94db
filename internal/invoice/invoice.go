// Package invoice generates the single billing document a mission carries once
// its final video has been forwarded to the brand.
package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/workflow"
)

// ErrNotEligible is returned when the mission has not completed the
// video-sent-to-brand cascade yet.
var ErrNotEligible = errors.New("mission not eligible for invoicing")

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func NewService(db *sql.DB, cfg *config.Config) Service {
	return Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Generate creates the mission's invoice, or returns the existing one
// unchanged. Safe under concurrent duplicate calls: the mission-keyed insert
// makes the loser of the race read back the winner's row and number.
func (s Service) Generate(ctx context.Context, missionID, actorID string) (domain.Invoice, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	inv, err := s.GenerateTx(ctx, tx, missionID, actorID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

// GenerateTx is the transactional core, also invoked by the mission engine
// inside the delivery cascade so the ledger writes and the invoice land as one
// unit.
func (s Service) GenerateTx(ctx context.Context, tx *sql.Tx, missionID, actorID string) (domain.Invoice, error) {
	m, err := s.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Invoice{}, err
	}
	delivered, err := s.Repo.HasStepTx(ctx, tx, missionID, workflow.StepVideoSentToBrand)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !delivered {
		return domain.Invoice{}, ErrNotEligible
	}
	if existing, err := s.Repo.GetInvoiceTx(ctx, tx, missionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Invoice{}, err
	}

	now := s.now().UTC()
	seq, err := s.Repo.NextInvoiceSeq(ctx, tx)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv := domain.Invoice{
		MissionID:   missionID,
		Number:      fmt.Sprintf("%s-%d-%04d", s.Config.Billing.InvoicePrefix, now.Year(), seq),
		Amount:      m.CreatorAmount,
		GeneratedAt: now.Format(time.RFC3339),
	}
	inserted, err := s.Repo.InsertInvoiceIfAbsent(ctx, tx, inv)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !inserted {
		// Lost a race inside another transaction; the stored row wins.
		return s.Repo.GetInvoiceTx(ctx, tx, missionID)
	}
	if err := s.Events.Append(ctx, tx, "invoice.generated", missionID, "invoice", inv.Number, actorID, events.EventPayload{
		"number": inv.Number,
		"amount": inv.Amount,
	}); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

// Get returns the persisted invoice for a mission.
func (s Service) Get(ctx context.Context, missionID string) (domain.Invoice, error) {
	return s.Repo.GetInvoice(ctx, missionID)
}

// RenderText is the pure read-side rendering of the persisted invoice plus
// mission data. Repeated calls produce identical output.
func (s Service) RenderText(ctx context.Context, missionID string) (string, error) {
	inv, err := s.Repo.GetInvoice(ctx, missionID)
	if err != nil {
		return "", err
	}
	m, err := s.Repo.GetMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	creator := "(unassigned)"
	if m.CreatorID != nil {
		creator = *m.CreatorID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INVOICE %s\n", inv.Number)
	fmt.Fprintf(&b, "Date: %s\n\n", inv.GeneratedAt)
	fmt.Fprintf(&b, "Issued by: %s\n", s.Config.Operator.Name)
	if s.Config.Operator.Address != "" {
		fmt.Fprintf(&b, "%s\n", s.Config.Operator.Address)
	}
	fmt.Fprintf(&b, "\nBilled for creator: %s\n", creator)
	fmt.Fprintf(&b, "Mission: %s (%s)\n", m.Title, m.ID)
	fmt.Fprintf(&b, "Amount due: %.2f EUR\n", inv.Amount)
	fmt.Fprintf(&b, "Terms: %s\n", s.Config.Billing.PaymentTerms)
	return b.String(), nil
}
