package contract_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/contract"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/workflow"
)

type testEnv struct {
	Engine    engine.Engine
	Contracts contract.Service
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("operator-1")
	eng := engine.New(conn, cfg)
	cs := contract.NewService(conn, cfg)
	fixed := func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Invoices.Now = fixed
	cs.Now = fixed
	return testEnv{Engine: eng, Contracts: cs, Ctx: context.Background()}
}

// missionWithCreator seeds a mission through proposal and selection and returns
// it with the selected application id.
func missionWithCreator(t *testing.T, env testEnv) (domain.Mission, string) {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID: "brand-1",
		Title:   "Spring launch video",
		Budget:  5000,
		ActorID: "op",
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepBriefReceived, Role: domain.RoleOperator, ActorID: "op",
	}); err != nil {
		t.Fatalf("brief: %v", err)
	}
	apps, err := env.Engine.ProposeCreators(env.Ctx, m.ID, []string{"cr-1"}, domain.RoleOperator, "op")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	m, err = env.Engine.AssignCreator(env.Ctx, m.ID, "cr-1", domain.RoleBrand, "br")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return m, apps[0].ID
}

func TestDirectContractLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m, appID := missionWithCreator(t, env)

	c, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant:       domain.ContractDirect,
		Key:           appID,
		MissionID:     m.ID,
		Amount:        1200,
		InitiatorRole: domain.RoleBrand,
		InitiatorAddr: "10.0.0.1",
		ActorID:       "br",
		BrandParty:    contract.Party{Name: "Acme", Address: "1 Brand St"},
		CreatorParty:  contract.Party{Name: "Casey Creator"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.State != domain.ContractStatePending {
		t.Fatalf("expected pending, got %s", c.State)
	}
	if c.InitiatorSignedAt == "" {
		t.Fatalf("expected initiator signature at creation")
	}
	if c.Text == "" {
		t.Fatalf("expected frozen contract text")
	}

	// Initiator re-submitting in the pending window is a no-op.
	same, err := env.Contracts.Sign(env.Ctx, domain.ContractDirect, appID, domain.RoleBrand, "10.0.0.1", "br")
	if err != nil {
		t.Fatalf("initiator resign: %v", err)
	}
	if same.State != domain.ContractStatePending {
		t.Fatalf("expected still pending, got %s", same.State)
	}

	signed, err := env.Contracts.Sign(env.Ctx, domain.ContractDirect, appID, domain.RoleCreator, "10.0.0.2", "cr-1")
	if err != nil {
		t.Fatalf("counter-sign: %v", err)
	}
	if signed.State != domain.ContractStateActive {
		t.Fatalf("expected active, got %s", signed.State)
	}
	if signed.CounterSignedAt == nil || signed.CounterAddr == nil {
		t.Fatalf("expected counterparty signature recorded")
	}

	// The progression is monotonic: signing an active contract fails.
	_, err = env.Contracts.Sign(env.Ctx, domain.ContractDirect, appID, domain.RoleCreator, "10.0.0.2", "cr-1")
	var state contract.StateError
	if !errors.As(err, &state) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestSignRequiresCounterpartyRole(t *testing.T) {
	env := newTestEnv(t)
	m, appID := missionWithCreator(t, env)

	if _, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant:       domain.ContractMandate,
		MissionID:     m.ID,
		Amount:        900,
		InitiatorRole: domain.RoleOperator,
		ActorID:       "op",
		CreatorParty:  contract.Party{Name: "Casey Creator"},
	}); err != nil {
		t.Fatalf("create mandate: %v", err)
	}

	// A brand is no party to the operator/creator mandate.
	_, err := env.Contracts.Sign(env.Ctx, domain.ContractMandate, m.ID, domain.RoleBrand, "10.0.0.9", "br")
	var unauth workflow.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	c, err := env.Contracts.Repo.GetContract(env.Ctx, domain.ContractMandate, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.State != domain.ContractStatePending {
		t.Fatalf("expected still pending, got %s", c.State)
	}

	if _, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant:       domain.ContractDirect,
		Key:           appID,
		MissionID:     m.ID,
		Amount:        1200,
		InitiatorRole: domain.RoleBrand,
		ActorID:       "br",
		BrandParty:    contract.Party{Name: "Acme"},
		CreatorParty:  contract.Party{Name: "Casey Creator"},
	}); err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if _, err := env.Contracts.Sign(env.Ctx, domain.ContractDirect, appID, domain.RoleOperator, "10.0.0.9", "op"); !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized for operator on direct contract, got %v", err)
	}
}

func TestMandateContractSetsCreatorAmount(t *testing.T) {
	env := newTestEnv(t)
	m, _ := missionWithCreator(t, env)

	c, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant:       domain.ContractMandate,
		MissionID:     m.ID,
		Amount:        900,
		InitiatorRole: domain.RoleOperator,
		ActorID:       "op",
		CreatorParty:  contract.Party{Name: "Casey Creator"},
	})
	if err != nil {
		t.Fatalf("create mandate: %v", err)
	}
	// Mandates are keyed by the mission itself.
	if c.Key != m.ID {
		t.Fatalf("expected mission-keyed mandate, got %s", c.Key)
	}
	stored, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CreatorAmount != 900 {
		t.Fatalf("expected creator amount 900, got %.2f", stored.CreatorAmount)
	}

	// The mandate amount flows into the invoice on delivery.
	res, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepVideoSentToBrand, Role: domain.RoleOperator, ActorID: "op",
	})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if res.Invoice == nil || res.Invoice.Amount != 900 {
		t.Fatalf("expected invoice over 900, got %+v", res.Invoice)
	}
}

func TestContractVariantsIndependent(t *testing.T) {
	env := newTestEnv(t)
	m, appID := missionWithCreator(t, env)

	direct, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractDirect, Key: appID, MissionID: m.ID, Amount: 1200,
		InitiatorRole: domain.RoleBrand, ActorID: "br",
	})
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	mandate, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractMandate, MissionID: m.ID, Amount: 900,
		InitiatorRole: domain.RoleOperator, ActorID: "op",
	})
	if err != nil {
		t.Fatalf("mandate: %v", err)
	}
	// Counter-signing one leaves the other pending.
	if _, err := env.Contracts.Sign(env.Ctx, domain.ContractMandate, m.ID, domain.RoleCreator, "10.0.0.2", "cr-1"); err != nil {
		t.Fatalf("sign mandate: %v", err)
	}
	got, err := env.Engine.Repo.GetContract(env.Ctx, domain.ContractDirect, direct.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.ContractStatePending {
		t.Fatalf("direct contract should stay pending, got %s", got.State)
	}
	got, err = env.Engine.Repo.GetContract(env.Ctx, domain.ContractMandate, mandate.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.ContractStateActive {
		t.Fatalf("mandate should be active, got %s", got.State)
	}
}

func TestContractCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	m, appID := missionWithCreator(t, env)

	if _, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractDirect, Key: appID, MissionID: m.ID, Amount: 0,
		InitiatorRole: domain.RoleBrand, ActorID: "br",
	}); err == nil {
		t.Fatalf("expected rejection of non-positive amount")
	}
	if _, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractDirect, MissionID: m.ID, Amount: 100,
		InitiatorRole: domain.RoleBrand, ActorID: "br",
	}); err == nil {
		t.Fatalf("expected rejection of direct contract without application key")
	}

	// Re-creating an existing contract fails with a state error.
	if _, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractDirect, Key: appID, MissionID: m.ID, Amount: 100,
		InitiatorRole: domain.RoleBrand, ActorID: "br",
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractDirect, Key: appID, MissionID: m.ID, Amount: 100,
		InitiatorRole: domain.RoleBrand, ActorID: "br",
	})
	var state contract.StateError
	if !errors.As(err, &state) {
		t.Fatalf("expected state error on re-create, got %v", err)
	}
}

func TestContractWithoutCreatorRejected(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID: "brand-1", Title: "No creator yet", ActorID: "op",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Contracts.Create(env.Ctx, contract.CreateOptions{
		Variant: domain.ContractMandate, MissionID: m.ID, Amount: 100,
		InitiatorRole: domain.RoleOperator, ActorID: "op",
	})
	if err == nil {
		t.Fatalf("expected rejection without selected creator")
	}
}

func TestPreviewMatchesFrozenText(t *testing.T) {
	env := newTestEnv(t)
	m, _ := missionWithCreator(t, env)

	opts := contract.CreateOptions{
		Variant:       domain.ContractMandate,
		MissionID:     m.ID,
		Amount:        900,
		InitiatorRole: domain.RoleOperator,
		ActorID:       "op",
		CreatorParty:  contract.Party{Name: "Casey Creator"},
	}
	preview, err := env.Contracts.Preview(env.Ctx, opts)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !strings.Contains(preview, "Production mandate agreement") {
		t.Fatalf("expected mandate title in preview:\n%s", preview)
	}
	if !strings.Contains(preview, contract.PendingSignature) {
		t.Fatalf("expected pending signature placeholders in preview:\n%s", preview)
	}

	c, err := env.Contracts.Create(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The stored snapshot never changes after signature.
	if _, err := env.Contracts.Sign(env.Ctx, domain.ContractMandate, m.ID, domain.RoleCreator, "10.0.0.2", "cr-1"); err != nil {
		t.Fatal(err)
	}
	stored, err := env.Engine.Repo.GetContract(env.Ctx, domain.ContractMandate, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Text != c.Text {
		t.Fatalf("frozen text changed after signing")
	}
}
