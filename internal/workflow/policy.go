package workflow

import (
	"fmt"

	"missionline/internal/domain"
)

// Step is a single catalogue entry. The catalogue is pure data: ordering and
// role metadata only, no behavior.
type Step struct {
	ID    string
	Label string
	Role  domain.Role
}

// Expanded pipeline step ids.
const (
	StepBriefReceived         = "brief_received"
	StepCreatorsProposed      = "creators_proposed"
	StepBrandReviewingProfile = "brand_reviewing_profiles"
	StepCreatorValidated      = "creator_validated"
	StepScriptSent            = "script_sent"
	StepScriptBrandReview     = "script_brand_review"
	StepScriptBrandApproved   = "script_brand_approved"
	StepMissionSentToCreator  = "mission_sent_to_creator"
	StepCreatorAccepted       = "creator_accepted"
	StepCreatorShooting       = "creator_shooting"
	StepVideoUploaded         = "video_uploaded"
	StepVideoValidated        = "video_validated"
	StepVideoSentToBrand      = "video_sent_to_brand"
	StepBrandFinalReview      = "brand_final_review"
	StepBrandFinalApproved    = "brand_final_approved"
)

// Pipeline names.
const (
	PipelineShort    = "short"
	PipelineExpanded = "expanded"
)

// shortSteps is the original 7-step pipeline.
var shortSteps = []Step{
	{ID: StepBriefReceived, Label: "Brief received", Role: domain.RoleBrand},
	{ID: StepCreatorsProposed, Label: "Creator profiles proposed", Role: domain.RoleOperator},
	{ID: StepCreatorValidated, Label: "Creator validated", Role: domain.RoleBrand},
	{ID: StepScriptSent, Label: "Script sent", Role: domain.RoleOperator},
	{ID: StepVideoUploaded, Label: "Video delivered", Role: domain.RoleCreator},
	{ID: StepVideoValidated, Label: "Video validated", Role: domain.RoleOperator},
	{ID: StepVideoSentToBrand, Label: "Video sent to brand", Role: domain.RoleOperator},
}

// expandedSteps adds the brand review/approval gates and the explicit creator
// production states.
var expandedSteps = []Step{
	{ID: StepBriefReceived, Label: "Brief received", Role: domain.RoleBrand},
	{ID: StepCreatorsProposed, Label: "Creator profiles proposed", Role: domain.RoleOperator},
	{ID: StepBrandReviewingProfile, Label: "Brand reviewing profiles", Role: domain.RoleBrand},
	{ID: StepCreatorValidated, Label: "Creator validated", Role: domain.RoleBrand},
	{ID: StepScriptSent, Label: "Script sent", Role: domain.RoleOperator},
	{ID: StepScriptBrandReview, Label: "Script in brand review", Role: domain.RoleOperator},
	{ID: StepScriptBrandApproved, Label: "Script approved by brand", Role: domain.RoleBrand},
	{ID: StepMissionSentToCreator, Label: "Mission sent to creator", Role: domain.RoleOperator},
	{ID: StepCreatorAccepted, Label: "Creator accepted", Role: domain.RoleCreator},
	{ID: StepCreatorShooting, Label: "Creator shooting", Role: domain.RoleCreator},
	{ID: StepVideoUploaded, Label: "Video uploaded", Role: domain.RoleCreator},
	{ID: StepVideoValidated, Label: "Video validated (QC)", Role: domain.RoleOperator},
	{ID: StepVideoSentToBrand, Label: "Video sent to brand", Role: domain.RoleOperator},
	{ID: StepBrandFinalReview, Label: "Brand final review", Role: domain.RoleBrand},
	{ID: StepBrandFinalApproved, Label: "Brand final approval", Role: domain.RoleBrand},
}

// UnknownStepError reports a step id outside the pipeline's catalogue.
type UnknownStepError struct {
	Pipeline string
	Step     string
}

func (e UnknownStepError) Error() string {
	return fmt.Sprintf("step %s not in %s pipeline", e.Step, e.Pipeline)
}

// UnauthorizedError reports a role/step mismatch.
type UnauthorizedError struct {
	Role domain.Role
	Step string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("role %s cannot complete step %s", e.Role, e.Step)
}

// Steps returns the ordered catalogue for a pipeline. Unknown names fall back
// to the expanded pipeline, which is the default for new missions.
func Steps(pipeline string) []Step {
	if pipeline == PipelineShort {
		return shortSteps
	}
	return expandedSteps
}

// Index returns the canonical position of a step in the pipeline.
func Index(pipeline, step string) (int, error) {
	for i, s := range Steps(pipeline) {
		if s.ID == step {
			return i, nil
		}
	}
	return -1, UnknownStepError{Pipeline: pipeline, Step: step}
}

// StepAt returns the step definition at a canonical index, or false when the
// index is past the end of the pipeline.
func StepAt(pipeline string, idx int) (Step, bool) {
	steps := Steps(pipeline)
	if idx < 0 || idx >= len(steps) {
		return Step{}, false
	}
	return steps[idx], true
}

// Authorize checks the central (role, step) table. The operator may drive any
// step: it is the intermediary that records progress on behalf of both sides.
func Authorize(pipeline string, role domain.Role, step string) error {
	idx, err := Index(pipeline, step)
	if err != nil {
		return err
	}
	def := Steps(pipeline)[idx]
	if role == domain.RoleOperator || role == def.Role {
		return nil
	}
	return UnauthorizedError{Role: role, Step: step}
}

// CurrentIndex derives the mission's position as the highest canonical index
// with a ledger entry present. Entries completed out of canonical order advance
// the reported position past steps never actually done; UI gating depends on
// exactly this derivation. Returns -1 for an empty ledger.
func CurrentIndex(pipeline string, completed []string) int {
	highest := -1
	for _, step := range completed {
		if idx, err := Index(pipeline, step); err == nil && idx > highest {
			highest = idx
		}
	}
	return highest
}

// MissingPredecessors lists the canonical predecessors of step that have no
// ledger entry. Used by the strict-ordering policy.
func MissingPredecessors(pipeline, step string, completed []string) ([]string, error) {
	idx, err := Index(pipeline, step)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(completed))
	for _, s := range completed {
		present[s] = true
	}
	var missing []string
	for _, s := range Steps(pipeline)[:idx] {
		if !present[s.ID] {
			missing = append(missing, s.ID)
		}
	}
	return missing, nil
}

// FinalStep is the terminal step of a pipeline.
func FinalStep(pipeline string) string {
	steps := Steps(pipeline)
	return steps[len(steps)-1].ID
}
