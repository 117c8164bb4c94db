package invoice_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/invoice"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
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
	fixed := func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Invoices.Now = fixed
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func deliveredMission(t *testing.T, env testEnv) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID:  "brand-1",
		Title:    "Spring launch video",
		Pipeline: workflow.PipelineShort,
		ActorID:  "op",
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepVideoSentToBrand, Role: domain.RoleOperator, ActorID: "op",
	}); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	return m
}

func TestGenerateRequiresDelivery(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID: "brand-1", Title: "Not delivered", ActorID: "op",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Invoices.Generate(env.Ctx, m.ID, "op")
	if !errors.Is(err, invoice.ErrNotEligible) {
		t.Fatalf("expected not eligible, got %v", err)
	}
	_, err = env.Engine.Invoices.Get(env.Ctx, m.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGenerateIdempotentNumber(t *testing.T) {
	env := newTestEnv(t)
	m := deliveredMission(t, env)

	// The delivery cascade already generated the invoice; explicit calls
	// return the same row and number.
	first, err := env.Engine.Invoices.Generate(env.Ctx, m.ID, "op")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.Engine.Invoices.Generate(env.Ctx, m.ID, "op")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Number != second.Number {
		t.Fatalf("expected stable number, got %s and %s", first.Number, second.Number)
	}
	if !strings.HasPrefix(first.Number, "INV-2024-") {
		t.Fatalf("unexpected number format %s", first.Number)
	}
}

func TestConcurrentDeliverySingleInvoice(t *testing.T) {
	env := newTestEnv(t)
	// Expanded pipeline: delivery cascades without completing the mission, so
	// the losing call lands on a live mission and degrades to a no-op.
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID:  "brand-1",
		Title:    "Raced delivery",
		Pipeline: workflow.PipelineExpanded,
		ActorID:  "op",
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}

	// Race the delivery cascade against itself. Exactly one call inserts the
	// step and generates the invoice; the other sees the existing entry.
	results := make([]engine.StepResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
				MissionID: m.ID, Step: workflow.StepVideoSentToBrand, Role: domain.RoleOperator, ActorID: "op",
			})
		}(i)
	}
	wg.Wait()
	inserted := 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if results[i].Inserted {
			inserted++
		}
	}
	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}

	numbers := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var inv domain.Invoice
			inv, errs[i] = env.Engine.Invoices.Generate(env.Ctx, m.ID, "op")
			numbers[i] = inv.Number
		}(i)
	}
	wg.Wait()
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("generate %d: %v", i, errs[i])
		}
	}
	if numbers[0] != numbers[1] || numbers[0] != "INV-2024-0001" {
		t.Fatalf("expected one number INV-2024-0001, got %s and %s", numbers[0], numbers[1])
	}
}

func TestSequentialNumbersAcrossMissions(t *testing.T) {
	env := newTestEnv(t)
	a := deliveredMission(t, env)
	b := deliveredMission(t, env)

	invA, err := env.Engine.Invoices.Get(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	invB, err := env.Engine.Invoices.Get(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if invA.Number == invB.Number {
		t.Fatalf("expected distinct numbers, both %s", invA.Number)
	}
	if invA.Number != "INV-2024-0001" || invB.Number != "INV-2024-0002" {
		t.Fatalf("expected sequential numbers, got %s and %s", invA.Number, invB.Number)
	}
}

func TestRenderTextStable(t *testing.T) {
	env := newTestEnv(t)
	m := deliveredMission(t, env)

	first, err := env.Engine.Invoices.RenderText(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := env.Engine.Invoices.RenderText(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("render again: %v", err)
	}
	if first != second {
		t.Fatalf("render not stable")
	}
	for _, want := range []string{"INVOICE INV-2024-0001", "Missionline Operations", m.Title, "Amount due:"} {
		if !strings.Contains(first, want) {
			t.Fatalf("expected %q in document:\n%s", want, first)
		}
	}
}
