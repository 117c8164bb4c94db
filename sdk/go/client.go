package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID            string  `json:"id"`
	BrandID       string  `json:"brand_id"`
	Title         string  `json:"title"`
	Pipeline      string  `json:"pipeline"`
	Status        string  `json:"status"`
	ScriptStatus  string  `json:"script_status"`
	CreatorID     *string `json:"creator_id,omitempty"`
	VideoRef      *string `json:"video_ref,omitempty"`
	RevisionsUsed int     `json:"revisions_used"`
	Budget        float64 `json:"budget"`
}

// StepEntry is one completed ledger step.
type StepEntry struct {
	MissionID   string `json:"mission_id"`
	Step        string `json:"step"`
	CompletedAt string `json:"completed_at"`
}

// StepResult describes the outcome of a step completion.
type StepResult struct {
	Mission      Mission  `json:"mission"`
	Step         string   `json:"step"`
	Inserted     bool     `json:"inserted"`
	CurrentIndex int      `json:"current_index"`
	Invoice      *Invoice `json:"invoice,omitempty"`
}

// Contract represents either contract variant.
type Contract struct {
	Variant       string  `json:"variant"`
	Key           string  `json:"key"`
	MissionID     string  `json:"mission_id"`
	State         string  `json:"state"`
	Amount        float64 `json:"amount"`
	Text          string  `json:"text"`
	InitiatorRole string  `json:"initiator_role"`
}

// Invoice represents a mission invoice.
type Invoice struct {
	MissionID   string  `json:"mission_id"`
	Number      string  `json:"number"`
	Amount      float64 `json:"amount"`
	GeneratedAt string  `json:"generated_at"`
}

// Annotation is a feedback entry on a mission.
type Annotation struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at"`
}

// Application is a creator proposal on a mission.
type Application struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	CreatorID string `json:"creator_id"`
	Status    string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMissions wraps mission listings with a cursor.
type PaginatedMissions struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps event listings.
type PaginatedEvents struct {
	Items []Event `json:"items"`
}

// CreateMission creates a mission from a brief.
func (c *Client) CreateMission(ctx context.Context, brandID, title, pipeline string) (Mission, error) {
	body := map[string]any{
		"brand_id": brandID,
		"title":    title,
		"pipeline": pipeline,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// MissionView is the full mission read model: the mission plus its ledger,
// contracts and invoice.
type MissionView struct {
	Mission      Mission     `json:"mission"`
	Steps        []StepEntry `json:"steps"`
	CurrentIndex int         `json:"current_index"`
	CurrentStep  string      `json:"current_step,omitempty"`
	Contracts    []Contract  `json:"contracts,omitempty"`
	Invoice      *Invoice    `json:"invoice,omitempty"`
	// Latest value per feedback channel; full history via Annotations.
	ScriptFeedback *Annotation `json:"script_feedback,omitempty"`
	FinalFeedback  *Annotation `json:"final_feedback,omitempty"`
}

// GetMission fetches a mission view by id.
func (c *Client) GetMission(ctx context.Context, id string) (MissionView, error) {
	var resp MissionView
	err := c.do(ctx, http.MethodGet, c.missionPath(id, ""), nil, &resp)
	return resp, err
}

// MissionsPage returns a paginated mission listing.
func (c *Client) MissionsPage(ctx context.Context, limit int, cursor string) (PaginatedMissions, error) {
	endpoint := "v0/missions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStep records a ledger step on a mission.
func (c *Client) CompleteStep(ctx context.Context, missionID, step string) (StepResult, error) {
	body := map[string]any{"step": step}
	var resp StepResult
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "steps"), body, &resp)
	return resp, err
}

// ProposeCreators proposes candidate creators for a mission.
func (c *Client) ProposeCreators(ctx context.Context, missionID string, creatorIDs []string) ([]Application, error) {
	body := map[string]any{"creator_ids": creatorIDs}
	var resp []Application
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "creators"), body, &resp)
	return resp, err
}

// AssignCreator selects one of the proposed creators.
func (c *Client) AssignCreator(ctx context.Context, missionID, creatorID string) (Mission, error) {
	endpoint := c.missionPath(missionID, fmt.Sprintf("creators/%s/assign", url.PathEscape(creatorID)))
	var resp Mission
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SaveScript stores script content, optionally marking it validated.
func (c *Client) SaveScript(ctx context.Context, missionID, content string, validated bool) (Mission, error) {
	body := map[string]any{"content": content, "validated": validated}
	var resp Mission
	err := c.do(ctx, http.MethodPut, c.missionPath(missionID, "script"), body, &resp)
	return resp, err
}

// SendScript sends the validated script to the brand for review.
func (c *Client) SendScript(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "script/send"), nil, &resp)
	return resp, err
}

// ApproveScript records the brand's approval of the reviewed script.
func (c *Client) ApproveScript(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "script/approve"), nil, &resp)
	return resp, err
}

// AttachVideo stores the delivered video reference.
func (c *Client) AttachVideo(ctx context.Context, missionID, videoRef string) (Mission, error) {
	body := map[string]any{"video_ref": videoRef}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "video"), body, &resp)
	return resp, err
}

// RequestRevision records a brand revision request on the delivered video.
func (c *Client) RequestRevision(ctx context.Context, missionID, text string) (Mission, error) {
	body := map[string]any{"text": text}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "revisions"), body, &resp)
	return resp, err
}

// RequestClarification records a brief clarification request.
func (c *Client) RequestClarification(ctx context.Context, missionID, text string) (Annotation, error) {
	body := map[string]any{"text": text}
	var resp Annotation
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "clarifications"), body, &resp)
	return resp, err
}

// RecordScriptFeedback records the brand's feedback on the submitted script.
func (c *Client) RecordScriptFeedback(ctx context.Context, missionID, text string) (Annotation, error) {
	body := map[string]any{"text": text}
	var resp Annotation
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "script/feedback"), body, &resp)
	return resp, err
}

// RecordFinalFeedback records the brand's final feedback on the delivered video.
func (c *Client) RecordFinalFeedback(ctx context.Context, missionID, text string) (Annotation, error) {
	body := map[string]any{"text": text}
	var resp Annotation
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "final-feedback"), body, &resp)
	return resp, err
}

// CreateContract creates a contract and opens its signature window.
func (c *Client) CreateContract(ctx context.Context, variant, key, missionID string, amount float64, addr string) (Contract, error) {
	body := map[string]any{
		"variant":        variant,
		"key":            key,
		"mission_id":     missionID,
		"amount":         amount,
		"initiator_addr": addr,
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "v0/contracts", body, &resp)
	return resp, err
}

// SignContract counter-signs a pending contract.
func (c *Client) SignContract(ctx context.Context, variant, key, addr string) (Contract, error) {
	body := map[string]any{"signer_addr": addr}
	endpoint := fmt.Sprintf("v0/contracts/%s/%s/sign", url.PathEscape(variant), url.PathEscape(key))
	var resp Contract
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetContract fetches a contract by variant and key.
func (c *Client) GetContract(ctx context.Context, variant, key string) (Contract, error) {
	endpoint := fmt.Sprintf("v0/contracts/%s/%s", url.PathEscape(variant), url.PathEscape(key))
	var resp Contract
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GenerateInvoice generates the mission invoice.
func (c *Client) GenerateInvoice(ctx context.Context, missionID string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "invoice"), nil, &resp)
	return resp, err
}

// GetInvoice fetches the mission invoice.
func (c *Client) GetInvoice(ctx context.Context, missionID string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodGet, c.missionPath(missionID, "invoice"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(id, sub string) string {
	p := fmt.Sprintf("v0/missions/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
