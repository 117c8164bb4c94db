package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
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

func newMission(t *testing.T, env testEnv, pipeline string) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		BrandID:  "brand-1",
		Title:    "Spring launch video",
		Pipeline: pipeline,
		Budget:   5000,
		ActorID:  "op",
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func completeStep(t *testing.T, env testEnv, missionID, step string) engine.StepResult {
	t.Helper()
	res, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: missionID,
		Step:      step,
		Role:      domain.RoleOperator,
		ActorID:   "op",
	})
	if err != nil {
		t.Fatalf("complete %s: %v", step, err)
	}
	return res
}

func TestCreateMissionDefaults(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, "")
	if m.Pipeline != workflow.PipelineExpanded {
		t.Fatalf("expected default pipeline expanded, got %s", m.Pipeline)
	}
	if m.Status != domain.MissionStatusOpen {
		t.Fatalf("expected open, got %s", m.Status)
	}
	if m.ScriptStatus != domain.ScriptStatusDraft {
		t.Fatalf("expected draft script, got %s", m.ScriptStatus)
	}
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{BrandID: "brand-1", ActorID: "op"})
	var input engine.InputError
	if !errors.As(err, &input) {
		t.Fatalf("expected input error for missing title, got %v", err)
	}
}

func TestStepLedgerIdempotence(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	first := completeStep(t, env, m.ID, workflow.StepBriefReceived)
	if !first.Inserted || first.CurrentIndex != 0 {
		t.Fatalf("first completion: inserted=%v index=%d", first.Inserted, first.CurrentIndex)
	}
	second := completeStep(t, env, m.ID, workflow.StepBriefReceived)
	if second.Inserted {
		t.Fatalf("repeat completion should be a no-op")
	}
	steps, err := env.Engine.Repo.ListSteps(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(steps))
	}
}

func TestPositionDerivedFromHighestEntry(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	completeStep(t, env, m.ID, workflow.StepCreatorsProposed)
	// Jump past indexes 2 and 3 with strict ordering off.
	res := completeStep(t, env, m.ID, workflow.StepScriptSent)
	if res.CurrentIndex != 4 {
		t.Fatalf("expected position 4 from sparse ledger, got %d", res.CurrentIndex)
	}
	idx, err := env.Engine.CurrentStepIndex(env.Ctx, m.ID)
	if err != nil || idx != 4 {
		t.Fatalf("derived index %d err %v", idx, err)
	}
}

func TestStrictOrderingBlocksGaps(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.StrictOrdering = true
	m := newMission(t, env, workflow.PipelineShort)

	_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepCreatorValidated, Role: domain.RoleOperator, ActorID: "op",
	})
	var missing engine.MissingPredecessorError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing predecessor error, got %v", err)
	}
	if len(missing.Missing) != 2 {
		t.Fatalf("expected 2 missing predecessors, got %v", missing.Missing)
	}
	// In-order completion still passes.
	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	completeStep(t, env, m.ID, workflow.StepCreatorsProposed)
	completeStep(t, env, m.ID, workflow.StepCreatorValidated)
}

func TestStepRoleGating(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepBriefReceived, Role: domain.RoleCreator, ActorID: "cr",
	})
	var unauth workflow.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	// The step's owning role passes.
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepBriefReceived, Role: domain.RoleBrand, ActorID: "br",
	}); err != nil {
		t.Fatalf("brand completion: %v", err)
	}
}

func TestUnknownStepRejected(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineShort)
	_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: "ship_it", Role: domain.RoleOperator, ActorID: "op",
	})
	var unknown workflow.UnknownStepError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown step error, got %v", err)
	}
}

func TestDeliveryCascadeExpanded(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	res := completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)
	if res.Invoice == nil {
		t.Fatalf("expected invoice from delivery cascade")
	}
	if res.Invoice.Number == "" {
		t.Fatalf("expected invoice number")
	}
	review, err := env.Engine.Repo.HasStep(env.Ctx, m.ID, workflow.StepBrandFinalReview)
	if err != nil || !review {
		t.Fatalf("expected brand final review entry, has=%v err=%v", review, err)
	}
	// The cascade lands at the review index, not the delivery one.
	if res.CurrentIndex != 13 {
		t.Fatalf("expected position 13 after cascade, got %d", res.CurrentIndex)
	}
	// Re-delivery changes nothing.
	again := completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)
	if again.Inserted {
		t.Fatalf("repeat delivery should be a no-op")
	}
	inv, err := env.Engine.Invoices.Get(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Number != res.Invoice.Number {
		t.Fatalf("expected one stable invoice number, got %s and %s", inv.Number, res.Invoice.Number)
	}
}

func TestDeliveryCompletesShortPipeline(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineShort)

	res := completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)
	if res.Mission.Status != domain.MissionStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Mission.Status)
	}
	if res.Invoice == nil {
		t.Fatalf("expected invoice on short-pipeline delivery")
	}
	// No review step exists in the short pipeline.
	review, err := env.Engine.Repo.HasStep(env.Ctx, m.ID, workflow.StepBrandFinalReview)
	if err != nil {
		t.Fatal(err)
	}
	if review {
		t.Fatalf("short pipeline must not record brand final review")
	}
}

func TestFinalStepCompletesMission(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)
	res := completeStep(t, env, m.ID, workflow.StepBrandFinalApproved)
	if res.Mission.Status != domain.MissionStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Mission.Status)
	}
}

func TestTerminalMissionRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	if _, err := env.Engine.CancelMission(env.Ctx, m.ID, domain.RoleBrand, "br"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{
		MissionID: m.ID, Step: workflow.StepBriefReceived, Role: domain.RoleOperator, ActorID: "op",
	})
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error on cancelled mission, got %v", err)
	}
	_, err = env.Engine.RequestClarification(env.Ctx, m.ID, "still open?", domain.RoleBrand, "br")
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error for annotation on cancelled mission, got %v", err)
	}
	// Cancelling twice fails the same way.
	_, err = env.Engine.CancelMission(env.Ctx, m.ID, domain.RoleBrand, "br")
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error on double cancel, got %v", err)
	}
}

func TestCreatorSelectionFlow(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	// Proposing before the brief is on the ledger fails.
	_, err := env.Engine.ProposeCreators(env.Ctx, m.ID, []string{"cr-1"}, domain.RoleOperator, "op")
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error without brief, got %v", err)
	}

	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	apps, err := env.Engine.ProposeCreators(env.Ctx, m.ID, []string{"cr-1", "cr-2"}, domain.RoleOperator, "op")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(apps))
	}
	// The proposal records its own ledger step.
	proposed, err := env.Engine.Repo.HasStep(env.Ctx, m.ID, workflow.StepCreatorsProposed)
	if err != nil || !proposed {
		t.Fatalf("expected creators_proposed entry, has=%v err=%v", proposed, err)
	}

	updated, err := env.Engine.AssignCreator(env.Ctx, m.ID, "cr-1", domain.RoleBrand, "br")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if updated.CreatorID == nil || *updated.CreatorID != "cr-1" {
		t.Fatalf("expected cr-1 assigned")
	}
	if updated.Status != domain.MissionStatusInProgress {
		t.Fatalf("expected in_progress, got %s", updated.Status)
	}
	all, err := env.Engine.Repo.ListApplications(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range all {
		switch a.CreatorID {
		case "cr-1":
			if a.Status != domain.ApplicationStatusSelected {
				t.Fatalf("cr-1 status %s", a.Status)
			}
		case "cr-2":
			if a.Status != domain.ApplicationStatusDeclined {
				t.Fatalf("cr-2 status %s", a.Status)
			}
		}
	}
	// A declined creator cannot be selected afterwards.
	_, err = env.Engine.AssignCreator(env.Ctx, m.ID, "cr-2", domain.RoleBrand, "br")
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error for declined creator, got %v", err)
	}
}

func TestScriptLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	if _, err := env.Engine.ProposeCreators(env.Ctx, m.ID, []string{"cr-1"}, domain.RoleOperator, "op"); err != nil {
		t.Fatal(err)
	}

	// Validation needs a selected creator.
	_, err := env.Engine.SaveScript(env.Ctx, m.ID, "draft text", true, domain.RoleOperator, "op")
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error validating without creator, got %v", err)
	}
	// Sending a non-validated script fails.
	_, err = env.Engine.SendScriptToBrand(env.Ctx, m.ID, domain.RoleOperator, "op")
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error sending draft, got %v", err)
	}

	if _, err := env.Engine.AssignCreator(env.Ctx, m.ID, "cr-1", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveScript(env.Ctx, m.ID, "final text", true, domain.RoleOperator, "op"); err != nil {
		t.Fatalf("save validated: %v", err)
	}
	sent, err := env.Engine.SendScriptToBrand(env.Ctx, m.ID, domain.RoleOperator, "op")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ScriptStatus != domain.ScriptStatusBrandReview {
		t.Fatalf("expected brand_review, got %s", sent.ScriptStatus)
	}
	// The send records both of its pipeline steps.
	for _, step := range []string{workflow.StepScriptSent, workflow.StepScriptBrandReview} {
		has, err := env.Engine.Repo.HasStep(env.Ctx, m.ID, step)
		if err != nil || !has {
			t.Fatalf("expected %s entry, has=%v err=%v", step, has, err)
		}
	}
	approved, err := env.Engine.ApproveScript(env.Ctx, m.ID, domain.RoleBrand, "br")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ScriptStatus != domain.ScriptStatusBrandApproved {
		t.Fatalf("expected brand_approved, got %s", approved.ScriptStatus)
	}
	has, err := env.Engine.Repo.HasStep(env.Ctx, m.ID, workflow.StepScriptBrandApproved)
	if err != nil || !has {
		t.Fatalf("expected script_brand_approved entry, has=%v err=%v", has, err)
	}
	// Approving twice fails: the sub-state already moved on.
	_, err = env.Engine.ApproveScript(env.Ctx, m.ID, domain.RoleBrand, "br")
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error on double approve, got %v", err)
	}
}

func TestRevisionCap(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	for i := 0; i < domain.MaxBrandRevisions; i++ {
		updated, err := env.Engine.RecordBrandRevisionRequest(env.Ctx, m.ID, "tighten the intro", domain.RoleBrand, "br")
		if err != nil {
			t.Fatalf("revision %d: %v", i+1, err)
		}
		if updated.RevisionsUsed != i+1 {
			t.Fatalf("expected %d used, got %d", i+1, updated.RevisionsUsed)
		}
	}
	_, err := env.Engine.RecordBrandRevisionRequest(env.Ctx, m.ID, "one more", domain.RoleBrand, "br")
	if !errors.Is(err, engine.ErrRevisionCapExceeded) {
		t.Fatalf("expected revision cap error, got %v", err)
	}
	notes, err := env.Engine.Annotations(env.Ctx, m.ID, domain.AnnotationBrandRevision)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != domain.MaxBrandRevisions {
		t.Fatalf("expected %d revision notes, got %d", domain.MaxBrandRevisions, len(notes))
	}
}

func TestAttachVideoRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	_, err := env.Engine.AttachVideo(env.Ctx, m.ID, "s3://bucket/video.mp4", domain.RoleCreator, "cr-1")
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error without creator, got %v", err)
	}
	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	if _, err := env.Engine.ProposeCreators(env.Ctx, m.ID, []string{"cr-1"}, domain.RoleOperator, "op"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignCreator(env.Ctx, m.ID, "cr-1", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}
	updated, err := env.Engine.AttachVideo(env.Ctx, m.ID, "s3://bucket/video.mp4", domain.RoleCreator, "cr-1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if updated.VideoRef == nil || *updated.VideoRef != "s3://bucket/video.mp4" {
		t.Fatalf("expected video ref stored")
	}
}

func TestFeedbackChannelsRecorded(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)

	if _, err := env.Engine.RecordScriptFeedback(env.Ctx, m.ID, "tighten the hook", domain.RoleCreator, "cr-1"); err == nil {
		t.Fatalf("expected creator to be rejected for script feedback")
	}
	if _, err := env.Engine.RecordScriptFeedback(env.Ctx, m.ID, "tighten the hook", domain.RoleBrand, "br"); err != nil {
		t.Fatalf("script feedback: %v", err)
	}
	if _, err := env.Engine.RecordBrandFinalFeedback(env.Ctx, m.ID, "great delivery", domain.RoleBrand, "br"); err != nil {
		t.Fatalf("final feedback: %v", err)
	}

	script, err := env.Engine.Annotations(env.Ctx, m.ID, domain.AnnotationScriptFeedback)
	if err != nil {
		t.Fatal(err)
	}
	if len(script) != 1 || script[0].Body != "tighten the hook" {
		t.Fatalf("expected one script note, got %+v", script)
	}
	final, err := env.Engine.Annotations(env.Ctx, m.ID, domain.AnnotationBrandFinal)
	if err != nil {
		t.Fatal(err)
	}
	if len(final) != 1 || final[0].Body != "great delivery" {
		t.Fatalf("expected one final note, got %+v", final)
	}
}

func TestViewCarriesLatestFeedback(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	times := []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	i := 0
	env.Engine.Now = func() time.Time { ts := times[i]; i++; return ts }
	if _, err := env.Engine.RecordScriptFeedback(env.Ctx, m.ID, "first pass", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordScriptFeedback(env.Ctx, m.ID, "second pass", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}

	v, err := env.Engine.MissionView(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.ScriptFeedback == nil || v.ScriptFeedback.Body != "second pass" {
		t.Fatalf("expected latest script feedback in view, got %+v", v.ScriptFeedback)
	}
	if v.FinalFeedback != nil {
		t.Fatalf("expected no final feedback yet, got %+v", v.FinalFeedback)
	}
}

func TestAnnotationsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineExpanded)
	times := []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	i := 0
	env.Engine.Now = func() time.Time { ts := times[i]; i++; return ts }
	if _, err := env.Engine.RequestClarification(env.Ctx, m.ID, "first", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestClarification(env.Ctx, m.ID, "second", domain.RoleBrand, "br"); err != nil {
		t.Fatal(err)
	}
	notes, err := env.Engine.Annotations(env.Ctx, m.ID, domain.AnnotationBriefClarification)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0].Body != "second" {
		t.Fatalf("expected newest first, got %+v", notes)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineShort)
	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, m.ID, "", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"mission.created", "step.completed", "mission.status", "invoice.generated"} {
		if !seen[want] {
			t.Fatalf("expected %s event, got %v", want, seen)
		}
	}
}

func TestMissionViewAggregates(t *testing.T) {
	env := newTestEnv(t)
	m := newMission(t, env, workflow.PipelineShort)
	completeStep(t, env, m.ID, workflow.StepBriefReceived)
	completeStep(t, env, m.ID, workflow.StepVideoSentToBrand)

	v, err := env.Engine.MissionView(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.CurrentIndex != 6 || v.CurrentStep != workflow.StepVideoSentToBrand {
		t.Fatalf("view position %d step %s", v.CurrentIndex, v.CurrentStep)
	}
	if v.Invoice == nil {
		t.Fatalf("expected invoice in view")
	}
	if len(v.Steps) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(v.Steps))
	}
}
