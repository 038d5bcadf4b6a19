package server

import (
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

	"civicplan/internal/engine"
	"civicplan/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"budget must be a positive number"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Civicplan API.
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
	hcfg := huma.DefaultConfig("Civicplan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerInit(group, cfg.Engine)
	registerPipeline(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerSchedule(group, cfg.Engine)
	registerCalendar(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
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
	if errors.Is(err, engine.ErrInvalidBudget) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Civicplan API Docs</title>
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

func registerInit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "init",
		Method:      http.MethodPost,
		Path:        "/init",
		Summary:     "Seed the sample backlog and resource calendar",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InitResponse `json:"body"`
	}, error) {
		if err := e.Init(ctx); err != nil {
			return nil, handleError(err)
		}
		summary, err := e.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitResponse `json:"body"`
		}{Body: InitResponse{Status: "seeded", OpenIssues: summary.OpenIssues}}, nil
	})
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipeline/run",
		Summary:     "Run the full planning pipeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RunPipelineRequest `json:"body"`
	}) (*struct {
		Body RunPipelineResponse `json:"body"`
	}, error) {
		budget := e.Config.QuarterlyBudget
		if input.Body.Budget != nil {
			budget = *input.Body.Budget
		}
		res, err := e.RunPipeline(ctx, budget)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunPipelineResponse `json:"body"`
		}{Body: runPipelineResponse(res)}, nil
	})
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validation-report",
		Method:      http.MethodGet,
		Path:        "/report/validation",
		Summary:     "Consistency validation report",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		report, err := e.Validate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(report)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with decisions and schedule",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		details, err := e.ProjectDetails(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ProjectResponse, 0, len(details))
		for _, d := range details {
			items = append(items, projectResponse(d))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerSchedule(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Scheduled tasks",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerCalendar(api huma.API, e engine.Engine) {
	type calendarQuery struct {
		ResourceType string `query:"resource_type"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-calendar",
		Method:      http.MethodGet,
		Path:        "/calendar",
		Summary:     "Resource calendar",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *calendarQuery) (*struct {
		Body []CalendarResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListCalendar(ctx, repo.CalendarFilters{ResourceType: input.ResourceType})
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]CalendarResponse, 0, len(entries))
		for _, entry := range entries {
			items = append(items, calendarResponse(entry))
		}
		return &struct {
			Body []CalendarResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	type auditQuery struct {
		Stage     string `query:"stage"`
		EventType string `query:"event_type"`
		Limit     int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body []AuditResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			Stage:     input.Stage,
			EventType: input.EventType,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]AuditResponse, 0, len(entries))
		for _, entry := range entries {
			items = append(items, auditResponse(entry))
		}
		return &struct {
			Body []AuditResponse `json:"body"`
		}{Body: items}, nil
	})
}
