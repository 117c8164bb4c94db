package server

import (
	"missionline/internal/domain"
	"missionline/internal/engine"
)

// Request payloads

type CreateMissionRequest struct {
	ID          *string `json:"id,omitempty"`
	BrandID     string  `json:"brand_id"`
	Title       string  `json:"title"`
	Pipeline    string  `json:"pipeline,omitempty" enum:"short,expanded"`
	Product     string  `json:"product,omitempty"`
	Format      string  `json:"format,omitempty"`
	ScriptType  string  `json:"script_type,omitempty"`
	UsageRights string  `json:"usage_rights,omitempty"`
	Budget      float64 `json:"budget,omitempty"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
}

type CompleteStepRequest struct {
	Step string `json:"step"`
}

type AnnotationRequest struct {
	Text string `json:"text"`
}

type ProposeCreatorsRequest struct {
	CreatorIDs []string `json:"creator_ids"`
}

type SaveScriptRequest struct {
	Content   string `json:"content"`
	Validated bool   `json:"validated,omitempty"`
}

type AttachVideoRequest struct {
	VideoRef string `json:"video_ref"`
}

type PartyRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type CreateContractRequest struct {
	Variant       string        `json:"variant" enum:"direct,mandate"`
	Key           string        `json:"key,omitempty"`
	MissionID     string        `json:"mission_id"`
	Amount        float64       `json:"amount"`
	InitiatorAddr string        `json:"initiator_addr,omitempty"`
	BrandParty    *PartyRequest `json:"brand_party,omitempty"`
	CreatorParty  *PartyRequest `json:"creator_party,omitempty"`
}

type SignContractRequest struct {
	SignerAddr string `json:"signer_addr,omitempty"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"brand,operator,creator"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"brand,operator,creator"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type StepCatalogueEntry struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  string `json:"role" enum:"brand,operator,creator"`
}

type LedgerResponse struct {
	Pipeline     string               `json:"pipeline" enum:"short,expanded"`
	Steps        []domain.StepEntry   `json:"steps"`
	Catalogue    []StepCatalogueEntry `json:"catalogue"`
	CurrentIndex int                  `json:"current_index"`
	CurrentStep  string               `json:"current_step,omitempty"`
}

type ContractTextResponse struct {
	Text string `json:"text"`
}

type CreateKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedMissions struct {
	Items      []domain.Mission `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items []domain.Event `json:"items"`
}

type missionBody struct {
	Body domain.Mission `json:"body"`
}

type viewBody struct {
	Body engine.View `json:"body"`
}

type stepResultBody struct {
	Body engine.StepResult `json:"body"`
}

type annotationBody struct {
	Body domain.Annotation `json:"body"`
}

type annotationsBody struct {
	Body []domain.Annotation `json:"body"`
}

type applicationsBody struct {
	Body []domain.CreatorApplication `json:"body"`
}

type contractBody struct {
	Body domain.Contract `json:"body"`
}

type invoiceBody struct {
	Body domain.Invoice `json:"body"`
}

func keyResponse(k domain.APIKey) KeyResponse {
	return KeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      string(k.Role),
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}
