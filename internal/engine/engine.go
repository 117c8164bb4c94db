// Package engine applies mission transitions. Every mutation runs in its own
// transaction with its audit events, so a mission is never observed halfway
// through a cascade.
package engine

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
	"missionline/internal/invoice"
	"missionline/internal/repo"
	"missionline/internal/workflow"
)

// ErrRevisionCapExceeded is returned once a mission has used both allowed
// brand revision requests.
var ErrRevisionCapExceeded = errors.New("brand revision cap reached")

// InputError reports invalid caller input.
type InputError struct {
	Msg string
}

func (e InputError) Error() string { return e.Msg }

// TransitionError reports a mutation the mission's current state forbids.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// MissingPredecessorError is returned under strict ordering when a step's
// canonical predecessors have no ledger entry yet.
type MissingPredecessorError struct {
	Step    string
	Missing []string
}

func (e MissingPredecessorError) Error() string {
	return fmt.Sprintf("step %s has %d incomplete predecessors", e.Step, len(e.Missing))
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Invoices invoice.Service
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Invoices: invoice.NewService(db, cfg),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ensureMutable rejects any mutation of a terminal mission.
func ensureMutable(m domain.Mission, action string) error {
	if m.Status.Terminal() {
		return TransitionError{Entity: "mission", From: string(m.Status), To: action}
	}
	return nil
}

// authorizeAction gates engine actions that are not ledger steps. The operator
// may perform any action, same rule as the step table.
func authorizeAction(role, required domain.Role, action string) error {
	if role == domain.RoleOperator || role == required {
		return nil
	}
	return workflow.UnauthorizedError{Role: role, Step: action}
}

// MissionCreateOptions are parameters for creating a mission from a brief.
type MissionCreateOptions struct {
	ID          string
	BrandID     string
	Title       string
	Pipeline    string
	Product     string
	Format      string
	ScriptType  string
	UsageRights string
	Budget      float64
	Deadline    string
	ActorID     string
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Mission{}, InputError{Msg: "title is required"}
	}
	if opts.BrandID == "" {
		return domain.Mission{}, InputError{Msg: "brand is required"}
	}
	if opts.Pipeline == "" {
		opts.Pipeline = e.Config.Workflow.DefaultPipeline
	}
	switch opts.Pipeline {
	case workflow.PipelineShort, workflow.PipelineExpanded:
	default:
		return domain.Mission{}, InputError{Msg: fmt.Sprintf("unknown pipeline %s", opts.Pipeline)}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	m := domain.Mission{
		ID:           opts.ID,
		BrandID:      opts.BrandID,
		OperatorID:   e.Config.Operator.ID,
		Title:        opts.Title,
		Status:       domain.MissionStatusOpen,
		Pipeline:     opts.Pipeline,
		Product:      opts.Product,
		Format:       opts.Format,
		ScriptType:   opts.ScriptType,
		UsageRights:  opts.UsageRights,
		Budget:       opts.Budget,
		Deadline:     opts.Deadline,
		ScriptStatus: domain.ScriptStatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
		"brand_id": m.BrandID,
		"pipeline": m.Pipeline,
		"budget":   m.Budget,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, f)
}

// View is the composed read model for a mission: the record, its ledger, the
// derived position, and the billing artifacts.
type View struct {
	Mission      domain.Mission     `json:"mission"`
	Steps        []domain.StepEntry `json:"steps"`
	CurrentIndex int                `json:"current_index"`
	CurrentStep  string             `json:"current_step,omitempty"`
	Contracts    []domain.Contract  `json:"contracts,omitempty"`
	Invoice      *domain.Invoice    `json:"invoice,omitempty"`
	// Latest-wins reads of the feedback channels. History stays in the
	// annotations endpoint.
	ScriptFeedback *domain.Annotation `json:"script_feedback,omitempty"`
	FinalFeedback  *domain.Annotation `json:"final_feedback,omitempty"`
}

func (e Engine) MissionView(ctx context.Context, id string) (View, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return View{}, err
	}
	steps, err := e.Repo.ListSteps(ctx, id)
	if err != nil {
		return View{}, err
	}
	v := View{
		Mission:      m,
		Steps:        steps,
		CurrentIndex: workflow.CurrentIndex(m.Pipeline, repo.CompletedStepIDs(steps)),
	}
	if def, ok := workflow.StepAt(m.Pipeline, v.CurrentIndex); ok {
		v.CurrentStep = def.ID
	}
	v.Contracts, err = e.Repo.ListContractsByMission(ctx, id)
	if err != nil {
		return View{}, err
	}
	if inv, err := e.Repo.GetInvoice(ctx, id); err == nil {
		v.Invoice = &inv
	} else if !errors.Is(err, repo.ErrNotFound) {
		return View{}, err
	}
	if a, err := e.Repo.LatestAnnotation(ctx, id, domain.AnnotationScriptFeedback); err == nil {
		v.ScriptFeedback = &a
	} else if !errors.Is(err, repo.ErrNotFound) {
		return View{}, err
	}
	if a, err := e.Repo.LatestAnnotation(ctx, id, domain.AnnotationBrandFinal); err == nil {
		v.FinalFeedback = &a
	} else if !errors.Is(err, repo.ErrNotFound) {
		return View{}, err
	}
	return v, nil
}

// CurrentStepIndex derives the mission's position from the ledger: the highest
// canonical index present, -1 for an empty ledger.
func (e Engine) CurrentStepIndex(ctx context.Context, id string) (int, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return -1, err
	}
	steps, err := e.Repo.ListSteps(ctx, id)
	if err != nil {
		return -1, err
	}
	return workflow.CurrentIndex(m.Pipeline, repo.CompletedStepIDs(steps)), nil
}

// CompleteStepOptions are parameters for recording a step completion.
type CompleteStepOptions struct {
	MissionID string
	Step      string
	Role      domain.Role
	ActorID   string
}

// StepResult reports the ledger after a completion call. Inserted is false
// when the entry already existed and the call was a no-op.
type StepResult struct {
	Mission      domain.Mission  `json:"mission"`
	Step         string          `json:"step"`
	Inserted     bool            `json:"inserted"`
	CurrentIndex int             `json:"current_index"`
	Invoice      *domain.Invoice `json:"invoice,omitempty"`
}

// CompleteStep records a step completion in the ledger. Completing the
// delivery step also records the brand final review entry and generates the
// mission's invoice; all of it commits as one transaction. Re-completing a
// step changes nothing.
func (e Engine) CompleteStep(ctx context.Context, opts CompleteStepOptions) (StepResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepResult{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return StepResult{}, err
	}
	if err := ensureMutable(m, "step:"+opts.Step); err != nil {
		return StepResult{}, err
	}
	if err := workflow.Authorize(m.Pipeline, opts.Role, opts.Step); err != nil {
		return StepResult{}, err
	}

	entries, err := e.Repo.ListStepsTx(ctx, tx, m.ID)
	if err != nil {
		return StepResult{}, err
	}
	completed := repo.CompletedStepIDs(entries)
	if e.Config != nil && e.Config.Workflow.StrictOrdering {
		missing, err := workflow.MissingPredecessors(m.Pipeline, opts.Step, completed)
		if err != nil {
			return StepResult{}, err
		}
		if len(missing) > 0 {
			return StepResult{}, MissingPredecessorError{Step: opts.Step, Missing: missing}
		}
	}

	res := StepResult{Step: opts.Step}
	res.Inserted, err = e.recordStep(ctx, tx, &m, opts.Step, opts.ActorID)
	if err != nil {
		return StepResult{}, err
	}
	if res.Inserted {
		completed = append(completed, opts.Step)
	}

	if opts.Step == workflow.StepVideoSentToBrand && res.Inserted {
		// Delivery cascade: the brand review entry and the invoice land in
		// the same transaction as the delivery step itself.
		if _, err := workflow.Index(m.Pipeline, workflow.StepBrandFinalReview); err == nil {
			inserted, err := e.recordStep(ctx, tx, &m, workflow.StepBrandFinalReview, opts.ActorID)
			if err != nil {
				return StepResult{}, err
			}
			if inserted {
				completed = append(completed, workflow.StepBrandFinalReview)
			}
		}
		inv, err := e.Invoices.GenerateTx(ctx, tx, m.ID, opts.ActorID)
		if err != nil {
			return StepResult{}, err
		}
		res.Invoice = &inv
	}

	if err := tx.Commit(); err != nil {
		return StepResult{}, err
	}
	res.Mission = m
	res.CurrentIndex = workflow.CurrentIndex(m.Pipeline, completed)
	return res, nil
}

// recordStep appends one ledger entry and its event, bumping the coarse status
// when the entry is the pipeline's terminal step. The (mission, step) key makes
// duplicates silent.
func (e Engine) recordStep(ctx context.Context, tx *sql.Tx, m *domain.Mission, step, actorID string) (bool, error) {
	inserted, err := e.Repo.InsertStep(ctx, tx, domain.StepEntry{
		MissionID:   m.ID,
		Step:        step,
		CompletedAt: e.nowRFC3339(),
	})
	if err != nil {
		return false, fmt.Errorf("insert step %s: %w", step, err)
	}
	if !inserted {
		return false, nil
	}
	idx, _ := workflow.Index(m.Pipeline, step)
	if err := e.Events.Append(ctx, tx, "step.completed", m.ID, "step", step, actorID, events.EventPayload{
		"step":  step,
		"index": idx,
	}); err != nil {
		return false, err
	}
	if step == workflow.FinalStep(m.Pipeline) && m.Status != domain.MissionStatusCompleted {
		if err := e.setStatus(ctx, tx, m, domain.MissionStatusCompleted, actorID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, m *domain.Mission, status domain.MissionStatus, actorID string) error {
	from := m.Status
	m.Status = status
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMission(ctx, tx, *m); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "mission.status", m.ID, "mission", m.ID, actorID, events.EventPayload{
		"from": string(from),
		"to":   string(status),
	})
}

// RequestClarification appends a brief clarification note. It never touches
// the ledger; the brief stays wherever the ledger says it is.
func (e Engine) RequestClarification(ctx context.Context, missionID, body string, role domain.Role, actorID string) (domain.Annotation, error) {
	if err := authorizeAction(role, domain.RoleBrand, "clarification"); err != nil {
		return domain.Annotation{}, err
	}
	return e.annotate(ctx, missionID, domain.AnnotationBriefClarification, body, actorID, "mission.clarification_requested")
}

// RecordQCFeedback appends the operator's quality-control note on the
// delivered video.
func (e Engine) RecordQCFeedback(ctx context.Context, missionID, body string, role domain.Role, actorID string) (domain.Annotation, error) {
	if err := authorizeAction(role, domain.RoleOperator, "qc_feedback"); err != nil {
		return domain.Annotation{}, err
	}
	return e.annotate(ctx, missionID, domain.AnnotationQCFeedback, body, actorID, "mission.qc_feedback")
}

// RecordScriptFeedback appends the brand's review note on the submitted
// script. The script state itself only moves through the approve call.
func (e Engine) RecordScriptFeedback(ctx context.Context, missionID, body string, role domain.Role, actorID string) (domain.Annotation, error) {
	if err := authorizeAction(role, domain.RoleBrand, "script_feedback"); err != nil {
		return domain.Annotation{}, err
	}
	return e.annotate(ctx, missionID, domain.AnnotationScriptFeedback, body, actorID, "script.brand_feedback")
}

// RecordBrandFinalFeedback appends the brand's closing note on the delivered
// video.
func (e Engine) RecordBrandFinalFeedback(ctx context.Context, missionID, body string, role domain.Role, actorID string) (domain.Annotation, error) {
	if err := authorizeAction(role, domain.RoleBrand, "final_feedback"); err != nil {
		return domain.Annotation{}, err
	}
	return e.annotate(ctx, missionID, domain.AnnotationBrandFinal, body, actorID, "video.brand_final_feedback")
}

func (e Engine) annotate(ctx context.Context, missionID string, kind domain.AnnotationKind, body, actorID, evtType string) (domain.Annotation, error) {
	if body == "" {
		return domain.Annotation{}, InputError{Msg: "feedback text is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if err := ensureMutable(m, string(kind)); err != nil {
		return domain.Annotation{}, err
	}
	a := domain.Annotation{
		ID:        uuid.NewString(),
		MissionID: missionID,
		Kind:      kind,
		Body:      body,
		ActorID:   actorID,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAnnotation(ctx, tx, a); err != nil {
		return domain.Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, evtType, missionID, "annotation", a.ID, actorID, events.EventPayload{
		"kind": string(kind),
	}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

// ProposeCreators registers candidate creators on a mission and records the
// proposal step. Requires the brief to be in the ledger already.
func (e Engine) ProposeCreators(ctx context.Context, missionID string, creatorIDs []string, role domain.Role, actorID string) ([]domain.CreatorApplication, error) {
	if err := authorizeAction(role, domain.RoleOperator, "propose_creators"); err != nil {
		return nil, err
	}
	if len(creatorIDs) == 0 {
		return nil, InputError{Msg: "at least one creator is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return nil, err
	}
	if err := ensureMutable(m, "propose_creators"); err != nil {
		return nil, err
	}
	briefed, err := e.Repo.HasStepTx(ctx, tx, missionID, workflow.StepBriefReceived)
	if err != nil {
		return nil, err
	}
	if !briefed {
		return nil, TransitionError{Entity: "step", From: "(no brief)", To: workflow.StepCreatorsProposed}
	}

	now := e.nowRFC3339()
	var apps []domain.CreatorApplication
	for _, creatorID := range creatorIDs {
		a := domain.CreatorApplication{
			ID:        uuid.NewString(),
			MissionID: missionID,
			CreatorID: creatorID,
			Status:    domain.ApplicationStatusProposed,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.UpsertApplication(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("upsert application: %w", err)
		}
		stored, err := e.Repo.GetApplicationByCreatorTx(ctx, tx, missionID, creatorID)
		if err != nil {
			return nil, err
		}
		apps = append(apps, stored)
	}
	if _, err := e.recordStep(ctx, tx, &m, workflow.StepCreatorsProposed, actorID); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "mission.creators_proposed", missionID, "mission", missionID, actorID, events.EventPayload{
		"creator_ids": creatorIDs,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return apps, nil
}

// AssignCreator selects one proposed creator, declines the rest, moves the
// mission into production and records the validation step.
func (e Engine) AssignCreator(ctx context.Context, missionID, creatorID string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleBrand, "assign_creator"); err != nil {
		return domain.Mission{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, "assign_creator"); err != nil {
		return domain.Mission{}, err
	}
	app, err := e.Repo.GetApplicationByCreatorTx(ctx, tx, missionID, creatorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Mission{}, TransitionError{Entity: "application", From: "(not proposed)", To: string(domain.ApplicationStatusSelected)}
		}
		return domain.Mission{}, err
	}
	if app.Status == domain.ApplicationStatusDeclined {
		return domain.Mission{}, TransitionError{Entity: "application", From: string(app.Status), To: string(domain.ApplicationStatusSelected)}
	}

	now := e.nowRFC3339()
	if err := e.Repo.UpdateApplicationStatus(ctx, tx, app.ID, domain.ApplicationStatusSelected, now); err != nil {
		return domain.Mission{}, err
	}
	others, err := e.Repo.ListApplicationsTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	for _, other := range others {
		if other.ID == app.ID || other.Status != domain.ApplicationStatusProposed {
			continue
		}
		if err := e.Repo.UpdateApplicationStatus(ctx, tx, other.ID, domain.ApplicationStatusDeclined, now); err != nil {
			return domain.Mission{}, err
		}
	}

	m.CreatorID = &creatorID
	if m.Status == domain.MissionStatusDraft || m.Status == domain.MissionStatusOpen {
		m.Status = domain.MissionStatusInProgress
	}
	m.UpdatedAt = now
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if _, err := e.recordStep(ctx, tx, &m, workflow.StepCreatorValidated, actorID); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "mission.creator_assigned", missionID, "application", app.ID, actorID, events.EventPayload{
		"creator_id": creatorID,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// SaveScript writes script content. With validated=true the script sub-state
// advances draft -> validated, which requires a selected creator.
func (e Engine) SaveScript(ctx context.Context, missionID, content string, validated bool, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleOperator, "save_script"); err != nil {
		return domain.Mission{}, err
	}
	if content == "" {
		return domain.Mission{}, InputError{Msg: "script content is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, "save_script"); err != nil {
		return domain.Mission{}, err
	}
	m.ScriptContent = content
	target := domain.ScriptStatusDraft
	if validated {
		if m.CreatorID == nil {
			return domain.Mission{}, TransitionError{Entity: "script", From: string(m.ScriptStatus), To: string(domain.ScriptStatusValidated)}
		}
		target = domain.ScriptStatusValidated
	}
	m.ScriptStatus = target
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "script.saved", missionID, "mission", missionID, actorID, events.EventPayload{
		"script_status": string(target),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// SendScriptToBrand moves a validated script into brand review and records the
// matching ledger entries.
func (e Engine) SendScriptToBrand(ctx context.Context, missionID string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleOperator, "send_script"); err != nil {
		return domain.Mission{}, err
	}
	return e.advanceScript(ctx, missionID, domain.ScriptStatusValidated, domain.ScriptStatusBrandReview,
		[]string{workflow.StepScriptSent, workflow.StepScriptBrandReview}, "script.sent_to_brand", actorID)
}

// ApproveScript records the brand's approval of the reviewed script.
func (e Engine) ApproveScript(ctx context.Context, missionID string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleBrand, "approve_script"); err != nil {
		return domain.Mission{}, err
	}
	return e.advanceScript(ctx, missionID, domain.ScriptStatusBrandReview, domain.ScriptStatusBrandApproved,
		[]string{workflow.StepScriptBrandApproved}, "script.brand_approved", actorID)
}

// advanceScript is the shared script sub-state transition: exact from-state
// check, then ledger entries for whichever of the listed steps exist in the
// mission's pipeline.
func (e Engine) advanceScript(ctx context.Context, missionID string, from, to domain.ScriptStatus, steps []string, evtType, actorID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, string(to)); err != nil {
		return domain.Mission{}, err
	}
	if m.ScriptStatus != from {
		return domain.Mission{}, TransitionError{Entity: "script", From: string(m.ScriptStatus), To: string(to)}
	}
	m.ScriptStatus = to
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	for _, step := range steps {
		if _, err := workflow.Index(m.Pipeline, step); err != nil {
			continue
		}
		if _, err := e.recordStep(ctx, tx, &m, step, actorID); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, missionID, "mission", missionID, actorID, events.EventPayload{
		"script_status": string(to),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// AttachVideo stores the delivered video reference.
func (e Engine) AttachVideo(ctx context.Context, missionID, videoRef string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleCreator, "attach_video"); err != nil {
		return domain.Mission{}, err
	}
	if videoRef == "" {
		return domain.Mission{}, InputError{Msg: "video reference is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, "attach_video"); err != nil {
		return domain.Mission{}, err
	}
	if m.CreatorID == nil {
		return domain.Mission{}, TransitionError{Entity: "mission", From: "(no creator)", To: "attach_video"}
	}
	m.VideoRef = &videoRef
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "video.attached", missionID, "mission", missionID, actorID, events.EventPayload{
		"video_ref": videoRef,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// RecordBrandRevisionRequest appends a brand revision note on the delivered
// video and spends one of the two allowed revisions. The third request fails.
func (e Engine) RecordBrandRevisionRequest(ctx context.Context, missionID, feedback string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleBrand, "revision_request"); err != nil {
		return domain.Mission{}, err
	}
	if feedback == "" {
		return domain.Mission{}, InputError{Msg: "feedback text is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, "revision_request"); err != nil {
		return domain.Mission{}, err
	}
	// The annotation rows are the source of truth for the cap; the mission
	// counter is the derived display value.
	used, err := e.Repo.CountAnnotationsTx(ctx, tx, missionID, domain.AnnotationBrandRevision)
	if err != nil {
		return domain.Mission{}, err
	}
	if used >= domain.MaxBrandRevisions {
		return domain.Mission{}, ErrRevisionCapExceeded
	}
	m.RevisionsUsed = used + 1
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	a := domain.Annotation{
		ID:        uuid.NewString(),
		MissionID: missionID,
		Kind:      domain.AnnotationBrandRevision,
		Body:      feedback,
		ActorID:   actorID,
		CreatedAt: m.UpdatedAt,
	}
	if err := e.Repo.InsertAnnotation(ctx, tx, a); err != nil {
		return domain.Mission{}, fmt.Errorf("insert annotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "video.revision_requested", missionID, "annotation", a.ID, actorID, events.EventPayload{
		"revisions_used": m.RevisionsUsed,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// CancelMission moves a mission to its terminal cancelled state. The ledger
// and billing records stay as the audit trail.
func (e Engine) CancelMission(ctx context.Context, missionID string, role domain.Role, actorID string) (domain.Mission, error) {
	if err := authorizeAction(role, domain.RoleBrand, "cancel"); err != nil {
		return domain.Mission{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMutable(m, string(domain.MissionStatusCancelled)); err != nil {
		return domain.Mission{}, err
	}
	if err := e.setStatus(ctx, tx, &m, domain.MissionStatusCancelled, actorID); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// Annotations returns a mission's notes for one channel, newest first, plus
// the derived current value.
func (e Engine) Annotations(ctx context.Context, missionID string, kind domain.AnnotationKind) ([]domain.Annotation, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.ListAnnotations(ctx, missionID, kind)
}
