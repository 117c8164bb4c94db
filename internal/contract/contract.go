// Package contract manages the two agreement lifecycles around a mission: the
// direct brand<->creator contract keyed by a creator application, and the
// mandate operator<->creator contract keyed by the mission itself. Both run the
// same two-phase signature machine; they differ only in key and parties.
package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/workflow"
)

// StateError reports a signature action outside the monotonic
// none -> pending_counterparty_signature -> active progression.
type StateError struct {
	State  domain.ContractState
	Action string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s contract in state %s", e.Action, e.State)
}

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

// CreateOptions parameterizes contract creation for either variant.
type CreateOptions struct {
	Variant domain.ContractVariant
	// Key is the application id for direct contracts. For mandates it may be
	// left empty; the mission id is the key.
	Key           string
	MissionID     string
	Amount        float64
	InitiatorRole domain.Role
	InitiatorAddr string
	ActorID       string
	BrandParty    Party
	CreatorParty  Party
}

// Create renders and persists the frozen agreement snapshot and opens the
// signature window. Fails when the amount is not positive or the mission has
// no selected creator.
func (s Service) Create(ctx context.Context, opts CreateOptions) (domain.Contract, error) {
	if opts.Amount <= 0 {
		return domain.Contract{}, errors.New("contract amount must be positive")
	}
	m, err := s.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		return domain.Contract{}, err
	}
	if m.Status.Terminal() {
		return domain.Contract{}, StateError{State: domain.ContractStateNone, Action: "create for a closed mission"}
	}
	if m.CreatorID == nil {
		return domain.Contract{}, errors.New("mission has no selected creator")
	}

	key := opts.Key
	switch opts.Variant {
	case domain.ContractDirect:
		if key == "" {
			return domain.Contract{}, errors.New("application id required for direct contract")
		}
	case domain.ContractMandate:
		key = m.ID
	default:
		return domain.Contract{}, fmt.Errorf("unknown contract variant %q", opts.Variant)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if opts.Variant == domain.ContractDirect {
		app, err := s.Repo.GetApplicationTx(ctx, tx, key)
		if err != nil {
			return domain.Contract{}, err
		}
		if app.MissionID != m.ID {
			return domain.Contract{}, fmt.Errorf("application %s not on mission %s", key, m.ID)
		}
	}
	if _, err := s.Repo.GetContractTx(ctx, tx, opts.Variant, key); err == nil {
		return domain.Contract{}, StateError{State: domain.ContractStatePending, Action: "re-create"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	c := domain.Contract{
		ID:                uuid.New().String(),
		Variant:           opts.Variant,
		Key:               key,
		MissionID:         m.ID,
		State:             domain.ContractStatePending,
		Amount:            opts.Amount,
		InitiatorRole:     opts.InitiatorRole,
		InitiatorSignedAt: now,
		InitiatorAddr:     opts.InitiatorAddr,
		CreatedAt:         now,
	}
	c.Text = Render(s.variables(c, m, opts, nil))

	if err := s.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	// The mandate amount is the creator remuneration the invoice bills later.
	if opts.Variant == domain.ContractMandate {
		m.CreatorAmount = opts.Amount
		m.UpdatedAt = now
		if err := s.Repo.UpdateMission(ctx, tx, m); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, "contract.created", m.ID, "contract", c.ID, opts.ActorID, events.EventPayload{
		"variant": string(c.Variant),
		"amount":  c.Amount,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// Sign applies the counterparty signature. Only a pending contract can be
// signed; re-signing by the initiator in the same state is a no-op, while
// signing an active contract fails.
func (s Service) Sign(ctx context.Context, variant domain.ContractVariant, key string, role domain.Role, addr, actorID string) (domain.Contract, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetContractTx(ctx, tx, variant, key)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.State != domain.ContractStatePending {
		return domain.Contract{}, StateError{State: c.State, Action: "sign"}
	}
	if role == c.InitiatorRole {
		// Initiator re-submitting in the pending window changes nothing.
		return c, tx.Commit()
	}
	if expect := counterpartyRole(c.Variant, c.InitiatorRole); role != expect {
		return domain.Contract{}, workflow.UnauthorizedError{Role: role, Step: "contract_sign"}
	}
	now := s.now().UTC().Format(time.RFC3339)
	c.State = domain.ContractStateActive
	c.CounterSignedAt = &now
	c.CounterAddr = &addr
	if err := s.Repo.UpdateContractSignature(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if err := s.Events.Append(ctx, tx, "contract.signed", c.MissionID, "contract", c.ID, actorID, events.EventPayload{
		"variant": string(c.Variant),
		"role":    string(role),
		"addr":    addr,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// Preview renders the agreement text for a contract that may not exist yet.
// Persisted contracts re-render byte-identically from their stored inputs.
func (s Service) Preview(ctx context.Context, opts CreateOptions) (string, error) {
	m, err := s.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		return "", err
	}
	c := domain.Contract{
		Variant:       opts.Variant,
		MissionID:     m.ID,
		Amount:        opts.Amount,
		InitiatorRole: opts.InitiatorRole,
	}
	return Render(s.variables(c, m, opts, nil)), nil
}

// counterpartyRole names the only role that may counter-sign: the creator
// against the brand on direct contracts, against the operator on mandates, or
// the other party when the creator initiated.
func counterpartyRole(variant domain.ContractVariant, initiator domain.Role) domain.Role {
	first := domain.RoleBrand
	if variant == domain.ContractMandate {
		first = domain.RoleOperator
	}
	if initiator == first {
		return domain.RoleCreator
	}
	return first
}

func (s Service) variables(c domain.Contract, m domain.Mission, opts CreateOptions, counter *Signature) Variables {
	title := "Creator collaboration agreement"
	partyA := opts.BrandParty
	if c.Variant == domain.ContractMandate {
		title = "Production mandate agreement"
		partyA = Party{Name: s.Config.Operator.Name, Address: s.Config.Operator.Address, Contact: s.Config.Operator.Contact}
	}
	var sigA *Signature
	if c.InitiatorSignedAt != "" {
		sigA = &Signature{Role: string(c.InitiatorRole), SignedAt: c.InitiatorSignedAt, Address: c.InitiatorAddr}
	}
	return Variables{
		ContractID:   c.ID,
		Date:         s.now().UTC().Format("2006-01-02"),
		Title:        title,
		PartyA:       partyA,
		PartyB:       opts.CreatorParty,
		Mission:      m.Title,
		Description:  m.Product,
		Deliverables: m.Format,
		Deadline:     m.Deadline,
		Revisions:    domain.MaxBrandRevisions,
		Amount:       c.Amount,
		PaymentTerms: s.Config.Billing.PaymentTerms,
		SignatureA:   sigA,
		SignatureB:   counter,
	}
}
