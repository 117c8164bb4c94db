package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"missionline/internal/contract"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/invoice"
	"missionline/internal/repo"
	"missionline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Contracts contract.Service
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"revision_cap_exceeded"`
	Message string         `json:"message" example:"brand revision cap reached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"step\":\"video_uploaded\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerCreators(group, cfg.Engine)
	registerScript(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerContracts(group, cfg.Engine, cfg.Contracts)
	registerInvoices(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue workflow.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{"role": string(ue.Role), "step": ue.Step})
	}
	var se workflow.UnknownStepError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "unknown_step", err.Error(), map[string]any{"step": se.Step, "pipeline": se.Pipeline})
	}
	var ie engine.InputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var pe engine.MissingPredecessorError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "missing_predecessors", err.Error(), map[string]any{"step": pe.Step, "missing": pe.Missing})
	}
	var ce contract.StateError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "contract_state", err.Error(), map[string]any{"state": string(ce.State)})
	}
	if errors.Is(err, engine.ErrRevisionCapExceeded) {
		return newAPIError(http.StatusConflict, "revision_cap_exceeded", err.Error(), nil)
	}
	if errors.Is(err, invoice.ErrNotEligible) {
		return newAPIError(http.StatusUnprocessableEntity, "not_eligible", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create a mission from a brief",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role == domain.RoleCreator {
			return nil, handleError(workflow.UnauthorizedError{Role: principal.Role, Step: "create_mission"})
		}
		opts := engine.MissionCreateOptions{
			BrandID:     input.Body.BrandID,
			Title:       input.Body.Title,
			Pipeline:    input.Body.Pipeline,
			Product:     input.Body.Product,
			Format:      input.Body.Format,
			ScriptType:  input.Body.ScriptType,
			UsageRights: input.Body.UsageRights,
			Budget:      input.Body.Budget,
			Deadline:    stringOrEmpty(input.Body.Deadline),
			ActorID:     principal.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"draft,open,in_progress,completed,cancelled"`
		BrandID   string `query:"brand_id"`
		CreatorID string `query:"creator_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListMissions(ctx, repo.MissionFilters{
			Status:          input.Status,
			BrandID:         input.BrandID,
			CreatorID:       input.CreatorID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMissions{Items: []domain.Mission{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Mission with ledger, contracts and invoice",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*viewBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		v, err := e.MissionView(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &viewBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel a mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CancelMission(ctx, input.MissionID, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/steps",
		Summary:     "Record a step completion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string              `path:"mission_id"`
		Body      CompleteStepRequest `json:"body"`
	}) (*stepResultBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteStep(ctx, engine.CompleteStepOptions{
			MissionID: input.MissionID,
			Step:      input.Body.Step,
			Role:      principal.Role,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResultBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/steps",
		Summary:     "Step ledger and derived position",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body LedgerResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		v, err := e.MissionView(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LedgerResponse{
			Pipeline:     v.Mission.Pipeline,
			Steps:        v.Steps,
			Catalogue:    []StepCatalogueEntry{},
			CurrentIndex: v.CurrentIndex,
			CurrentStep:  v.CurrentStep,
		}
		for i, def := range workflow.Steps(v.Mission.Pipeline) {
			resp.Catalogue = append(resp.Catalogue, StepCatalogueEntry{
				Index: i,
				ID:    def.ID,
				Label: def.Label,
				Role:  string(def.Role),
			})
		}
		return &struct {
			Body LedgerResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCreators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "propose-creators",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/creators",
		Summary:     "Propose candidate creators",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string                 `path:"mission_id"`
		Body      ProposeCreatorsRequest `json:"body"`
	}) (*applicationsBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		apps, err := e.ProposeCreators(ctx, input.MissionID, input.Body.CreatorIDs, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &applicationsBody{Body: apps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-creators",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/creators",
		Summary:     "List creator applications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*applicationsBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		apps, err := e.Repo.ListApplications(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &applicationsBody{Body: apps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-creator",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/creators/{creator_id}/assign",
		Summary:     "Select a proposed creator",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		CreatorID string `path:"creator_id"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AssignCreator(ctx, input.MissionID, input.CreatorID, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})
}

func registerScript(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-script",
		Method:      http.MethodPut,
		Path:        "/missions/{mission_id}/script",
		Summary:     "Save script content",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      SaveScriptRequest `json:"body"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SaveScript(ctx, input.MissionID, input.Body.Content, input.Body.Validated, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-script",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/script/send",
		Summary:     "Send the validated script to the brand",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendScriptToBrand(ctx, input.MissionID, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-script",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/script/approve",
		Summary:     "Approve the reviewed script",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveScript(ctx, input.MissionID, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-video",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/video",
		Summary:     "Attach the delivered video reference",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string             `path:"mission_id"`
		Body      AttachVideoRequest `json:"body"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AttachVideo(ctx, input.MissionID, input.Body.VideoRef, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-clarification",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/clarifications",
		Summary:     "Request a brief clarification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      AnnotationRequest `json:"body"`
	}) (*annotationBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestClarification(ctx, input.MissionID, input.Body.Text, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &annotationBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-qc-feedback",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/qc-feedback",
		Summary:     "Record quality-control feedback on the video",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      AnnotationRequest `json:"body"`
	}) (*annotationBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordQCFeedback(ctx, input.MissionID, input.Body.Text, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &annotationBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-script-feedback",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/script/feedback",
		Summary:     "Record the brand's feedback on the submitted script",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      AnnotationRequest `json:"body"`
	}) (*annotationBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordScriptFeedback(ctx, input.MissionID, input.Body.Text, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &annotationBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-final-feedback",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/final-feedback",
		Summary:     "Record the brand's final feedback on the delivered video",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      AnnotationRequest `json:"body"`
	}) (*annotationBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordBrandFinalFeedback(ctx, input.MissionID, input.Body.Text, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &annotationBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/revisions",
		Summary:     "Request a brand revision on the video",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      AnnotationRequest `json:"body"`
	}) (*missionBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RecordBrandRevisionRequest(ctx, input.MissionID, input.Body.Text, principal.Role, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/annotations",
		Summary:     "List annotation history for a channel, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Kind      string `query:"kind" enum:"brief.clarification,script.brand_feedback,video.qc_feedback,video.brand_revision,video.brand_final"`
	}) (*annotationsBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Annotations(ctx, input.MissionID, domain.AnnotationKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Annotation{}
		}
		return &annotationsBody{Body: items}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine, contracts contract.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create a contract and open its signature window",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*contractBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := contractOptions(input.Body, principal)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := contracts.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/preview",
		Summary:     "Render contract text without persisting",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*struct {
		Body ContractTextResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := contractOptions(input.Body, principal)
		if err != nil {
			return nil, handleError(err)
		}
		text, err := contracts.Preview(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractTextResponse `json:"body"`
		}{Body: ContractTextResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{variant}/{key}",
		Summary:     "Contract by variant and key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Variant string `path:"variant" enum:"direct,mandate"`
		Key     string `path:"key"`
	}) (*contractBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetContract(ctx, domain.ContractVariant(input.Variant), input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{variant}/{key}/sign",
		Summary:     "Counter-sign a pending contract",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Variant string              `path:"variant" enum:"direct,mandate"`
		Key     string              `path:"key"`
		Body    SignContractRequest `json:"body"`
	}) (*contractBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := contracts.Sign(ctx, domain.ContractVariant(input.Variant), input.Key, principal.Role, input.Body.SignerAddr, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractBody{Body: c}, nil
	})
}

func contractOptions(req CreateContractRequest, principal Principal) (contract.CreateOptions, error) {
	opts := contract.CreateOptions{
		Variant:       domain.ContractVariant(req.Variant),
		Key:           req.Key,
		MissionID:     req.MissionID,
		Amount:        req.Amount,
		InitiatorRole: principal.Role,
		InitiatorAddr: req.InitiatorAddr,
		ActorID:       principal.ActorID,
	}
	if req.BrandParty != nil {
		opts.BrandParty = contract.Party{Name: req.BrandParty.Name, Address: req.BrandParty.Address, Contact: req.BrandParty.Contact}
	}
	if req.CreatorParty != nil {
		opts.CreatorParty = contract.Party{Name: req.CreatorParty.Name, Address: req.CreatorParty.Address, Contact: req.CreatorParty.Contact}
	}
	return opts, nil
}

func registerInvoices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-invoice",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/invoice",
		Summary:     "Generate the mission invoice",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*invoiceBody, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.Invoices.Generate(ctx, input.MissionID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/invoice",
		Summary:     "Mission invoice",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*invoiceBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		inv, err := e.Invoices.Get(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "render-invoice",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/invoice/text",
		Summary:     "Rendered invoice document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body ContractTextResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		text, err := e.Invoices.RenderText(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractTextResponse `json:"body"`
		}{Body: ContractTextResponse{Text: text}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID  string `query:"mission_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"mission,step,application,contract,invoice,annotation"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.MissionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body CreateKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role != domain.RoleOperator {
			return nil, handleError(workflow.UnauthorizedError{Role: principal.Role, Step: "manage_keys"})
		}
		role, err := parseRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		secret := input.Body.Key
		if secret == "" {
			secret = uuid.NewString()
		}
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Role:    role,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateKeyResponse `json:"body"`
		}{Body: CreateKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Role:    string(key.Role),
			Name:    key.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []KeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role != domain.RoleOperator {
			return nil, handleError(workflow.UnauthorizedError{Role: principal.Role, Step: "manage_keys"})
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []KeyResponse{}
		for _, k := range keys {
			resp = append(resp, keyResponse(k))
		}
		return &struct {
			Body []KeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role != domain.RoleOperator {
			return nil, handleError(workflow.UnauthorizedError{Role: principal.Role, Step: "manage_keys"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    string(principal.Role),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		role, err := parseRole(input.Body.Role)
		if actor == "" || err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
