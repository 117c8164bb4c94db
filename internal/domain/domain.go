package domain

// Role identifies which party an actor acts as on a mission.
type Role string

const (
	RoleBrand    Role = "brand"
	RoleOperator Role = "operator"
	RoleCreator  Role = "creator"
)

// MissionStatus is the coarse mission lifecycle, independent of the step ledger.
type MissionStatus string

const (
	MissionStatusDraft      MissionStatus = "draft"
	MissionStatusOpen       MissionStatus = "open"
	MissionStatusInProgress MissionStatus = "in_progress"
	MissionStatusCompleted  MissionStatus = "completed"
	MissionStatusCancelled  MissionStatus = "cancelled"
)

// Terminal reports whether the mission accepts no further mutations.
func (s MissionStatus) Terminal() bool {
	return s == MissionStatusCompleted || s == MissionStatusCancelled
}

// ScriptStatus is the nested script sub-state, advanced by explicit actions.
type ScriptStatus string

const (
	ScriptStatusDraft         ScriptStatus = "draft"
	ScriptStatusValidated     ScriptStatus = "validated"
	ScriptStatusBrandReview   ScriptStatus = "brand_review"
	ScriptStatusBrandApproved ScriptStatus = "brand_approved"
)

// MaxBrandRevisions bounds the brand revision loop on the delivered video.
const MaxBrandRevisions = 2

type Mission struct {
	ID         string        `json:"id"`
	BrandID    string        `json:"brand_id"`
	OperatorID string        `json:"operator_id"`
	Title      string        `json:"title"`
	Status     MissionStatus `json:"status" enum:"draft,open,in_progress,completed,cancelled"`
	Pipeline   string        `json:"pipeline" enum:"short,expanded"`

	// Brief fields.
	Product     string  `json:"product,omitempty"`
	Format      string  `json:"format,omitempty"`
	ScriptType  string  `json:"script_type,omitempty"`
	UsageRights string  `json:"usage_rights,omitempty"`
	Budget      float64 `json:"budget"`
	Deadline    string  `json:"deadline,omitempty" format:"date-time"`

	// Assignment and production artifacts.
	CreatorID     *string      `json:"creator_id,omitempty"`
	ScriptStatus  ScriptStatus `json:"script_status" enum:"draft,validated,brand_review,brand_approved"`
	ScriptContent string       `json:"script_content,omitempty"`
	VideoRef      *string      `json:"video_ref,omitempty"`
	RevisionsUsed int          `json:"revisions_used"`
	CreatorAmount float64      `json:"creator_amount"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// StepEntry is a completed-step fact. At most one per (mission, step).
type StepEntry struct {
	MissionID   string `json:"mission_id"`
	Step        string `json:"step"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

// ApplicationStatus tracks a proposed creator's standing on a mission.
type ApplicationStatus string

const (
	ApplicationStatusProposed ApplicationStatus = "proposed"
	ApplicationStatusSelected ApplicationStatus = "selected"
	ApplicationStatusDeclined ApplicationStatus = "declined"
)

// CreatorApplication links a proposed creator to a mission. Direct contracts
// are keyed by the application, not the mission.
type CreatorApplication struct {
	ID        string            `json:"id"`
	MissionID string            `json:"mission_id"`
	CreatorID string            `json:"creator_id"`
	Status    ApplicationStatus `json:"status" enum:"proposed,selected,declined"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// ContractVariant distinguishes the two independently-keyed lifecycles.
type ContractVariant string

const (
	// ContractDirect is the brand<->creator agreement, keyed by application id.
	ContractDirect ContractVariant = "direct"
	// ContractMandate is the operator<->creator agreement, keyed by mission id.
	ContractMandate ContractVariant = "mandate"
)

// ContractState transitions strictly none -> pending_counterparty_signature -> active.
type ContractState string

const (
	ContractStateNone    ContractState = "none"
	ContractStatePending ContractState = "pending_counterparty_signature"
	ContractStateActive  ContractState = "active"
)

type Contract struct {
	ID      string          `json:"id"`
	Variant ContractVariant `json:"variant" enum:"direct,mandate"`
	// Key is the application id for direct contracts, the mission id for mandates.
	Key       string        `json:"key"`
	MissionID string        `json:"mission_id"`
	State     ContractState `json:"state" enum:"none,pending_counterparty_signature,active"`
	Amount    float64       `json:"amount"`
	// Text is the frozen snapshot rendered at creation time.
	Text string `json:"text,omitempty"`

	InitiatorRole     Role    `json:"initiator_role"`
	InitiatorSignedAt string  `json:"initiator_signed_at" format:"date-time"`
	InitiatorAddr     string  `json:"initiator_addr"`
	CounterSignedAt   *string `json:"counter_signed_at,omitempty" format:"date-time"`
	CounterAddr       *string `json:"counter_addr,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
}

// Invoice is generated at most once per mission by the delivery cascade.
type Invoice struct {
	MissionID   string  `json:"mission_id"`
	Number      string  `json:"number"`
	Amount      float64 `json:"amount"`
	GeneratedAt string  `json:"generated_at" format:"date-time"`
	DocumentRef *string `json:"document_ref,omitempty"`
}

// AnnotationKind names the append-only feedback channels on a mission.
type AnnotationKind string

const (
	AnnotationBriefClarification AnnotationKind = "brief.clarification"
	AnnotationScriptFeedback     AnnotationKind = "script.brand_feedback"
	AnnotationQCFeedback         AnnotationKind = "video.qc_feedback"
	AnnotationBrandRevision      AnnotationKind = "video.brand_revision"
	AnnotationBrandFinal         AnnotationKind = "video.brand_final"
)

// Annotation is an out-of-band note. Annotations never advance the ledger and
// are never updated; the current value of a channel is the latest row.
type Annotation struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Kind      AnnotationKind `json:"kind"`
	Body      string         `json:"body"`
	ActorID   string         `json:"actor_id"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role" enum:"brand,operator,creator"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
