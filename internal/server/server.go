package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"releaseline/internal/deploy"
	"releaseline/internal/domain"
	"releaseline/internal/engine"
	"releaseline/internal/lock"
	"releaseline/internal/repo"
	"releaseline/internal/verify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_conflict"`
	Message string         `json:"message" example:"target shop/production: target lease held"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"target\":\"shop/production\"}"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Releaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	hcfg := huma.DefaultConfig("Releaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	registerHealth(group)
	registerManifest(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerProbe(group, cfg.Engine)
	registerRollback(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, deploy.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, lock.ErrHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	case errors.Is(err, verify.ErrUnknownInvariant):
		return newAPIError(http.StatusBadRequest, "unknown_invariant", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "no stable deployment"):
		return newAPIError(http.StatusConflict, "no_rollback_target", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
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
    <title>Releaseline API Docs</title>
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
      Send X-Actor-Id to label audit events with your name.
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

func registerManifest(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-manifest",
		Method:      http.MethodGet,
		Path:        "/manifest",
		Summary:     "Active verification manifest",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ManifestResponse `json:"body"`
	}, error) {
		if e.Manifest == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "manifest not loaded", nil)
		}
		return &struct {
			Body ManifestResponse `json:"body"`
		}{Body: manifestResponse(e.Manifest)}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Verify the workspace against the manifest",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    VerifyRequest
	}) (*struct {
		Body domain.VerificationReport `json:"body"`
	}, error) {
		report, err := e.Verify(ctx, engine.VerifyOptions{
			Kind:         input.Body.Kind,
			InvariantIDs: input.Body.InvariantIDs,
			Target:       input.Body.Target,
			ActorID:      input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Run the release pipeline",
		Description:   "Runs synchronously. A failed release is a normal result; inspect final_state and success.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    RunRequest
	}) (*struct {
		Body domain.RunResult `json:"body"`
	}, error) {
		if input.Body.MaxAttempts < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "max_attempts must not be negative", nil)
		}
		res, err := e.StartRun(ctx, engine.RunOptions{
			Project:          input.Body.Project,
			Environment:      input.Body.Environment,
			SourceRef:        input.Body.SourceRef,
			Kind:             input.Body.Kind,
			DryRun:           input.Body.DryRun,
			SkipDeploy:       input.Body.SkipDeploy,
			MaxAttempts:      input.Body.MaxAttempts,
			PreviousStableID: input.Body.PreviousStableID,
			ActorID:          input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent runs",
	}, func(ctx context.Context, input *struct {
		Target     string `query:"target"`
		FinalState string `query:"final_state" enum:"DONE,FAILED"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body listRuns `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx, repo.RunFilters{
			Target:     input.Target,
			FinalState: input.FinalState,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listRuns `json:"body"`
		}{Body: listRuns{Items: nonNilSlice(runs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunResult `json:"body"`
	}, error) {
		res, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List health alerts",
	}, func(ctx context.Context, input *struct {
		Target string `query:"target"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body listAlerts `json:"body"`
	}, error) {
		alerts, err := e.ListAlerts(ctx, input.Target, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAlerts `json:"body"`
		}{Body: listAlerts{Items: nonNilSlice(alerts)}}, nil
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
		Target     string `query:"target"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"run,proof,alert,deployment,lease,manifest"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilters{
			Target:     input.Target,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProbe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "probe",
		Method:      http.MethodPost,
		Path:        "/probe",
		Summary:     "Probe a URL against the health thresholds",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ProbeRequest
	}) (*struct {
		Body domain.HealthReport `json:"body"`
	}, error) {
		report, err := e.Probe(ctx, input.Body.URL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HealthReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerRollback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rollback",
		Method:      http.MethodPost,
		Path:        "/rollback",
		Summary:     "Point the production alias at an earlier deployment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    RollbackRequest
	}) (*struct {
		Body domain.GjallarhornAlert `json:"body"`
	}, error) {
		alert, err := e.Rollback(ctx, engine.RollbackOptions{
			Project:      input.Body.Project,
			Environment:  input.Body.Environment,
			DeploymentID: input.Body.DeploymentID,
			Reason:       input.Body.Reason,
			ActorID:      input.ActorID,
		})
		if err != nil {
			if alert.RollbackSucceeded != nil && !*alert.RollbackSucceeded {
				return nil, newAPIError(http.StatusBadGateway, "rollback_failed", err.Error(), map[string]any{"alert_id": alert.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GjallarhornAlert `json:"body"`
		}{Body: alert}, nil
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
