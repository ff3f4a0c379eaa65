package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"meshline/internal/domain"
	"meshline/internal/engine"
	"meshline/internal/repo"
	"meshline/internal/verdict"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid issue transition draft -> done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Meshline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema violations map to 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Meshline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIssues(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerMerge(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerPublish(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ite domain.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(ite.From),
			"to":   string(ite.To),
		})
	}
	var me engine.MergeError
	if errors.As(err, &me) {
		return newAPIError(http.StatusUnprocessableEntity, me.Code, me.Reason, nil)
	}
	var ve verdict.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, engine.ErrRunConflict) {
		return newAPIError(http.StatusConflict, "run_conflict", err.Error(), nil)
	}
	var ae engine.ArgumentError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadRequest, "bad_request", ae.Reason, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	log.Printf("request failed: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Meshline API Docs</title>
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

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
			Title:       input.Body.Title,
			CanonicalID: input.Body.CanonicalID,
			Repo:        input.Body.Repo,
			PRNumber:    input.Body.PRNumber,
			PRURL:       input.Body.PRURL,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(is)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Repo   string `query:"repo"`
		Limit  int    `query:"limit" default:"50"`
		Offset int    `query:"offset"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		if input.Status != "" && !domain.ValidState(domain.IssueState(input.Status)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		items, err := e.Repo.ListIssues(ctx, repo.IssueFilters{
			Status: input.Status,
			Repo:   input.Repo,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: paginatedIssues{Items: mapIssues(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{identifier}",
		Summary:     "Get issue by UUID, public id or canonical id",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		is, err := e.Repo.GetIssue(ctx, input.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(is)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-issue-status",
		Method:      http.MethodPatch,
		Path:        "/issues/{identifier}/status",
		Summary:     "Transition issue to a new pipeline stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Identifier string                `path:"identifier"`
		Body       SetIssueStatusRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.ApplyTransition(ctx, input.Identifier, domain.IssueState(input.Body.Status), actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(is)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-issue-pr",
		Method:      http.MethodPost,
		Path:        "/issues/{identifier}/pr",
		Summary:     "Link a pull request to an issue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Identifier string        `path:"identifier"`
		Body       LinkPRRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.LinkPR(ctx, input.Identifier, input.Body.Repo, input.Body.PRNumber, input.Body.PRURL, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(is)}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Evaluate verification evidence and store the verdict",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string        `header:"X-Request-Id"`
		Body      VerifyRequest `json:"body"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.StoreVerdict(ctx, verdict.Evidence{
			IssueID: input.Body.IssueID,
			RunID:   input.Body.RunID,
			RuleSet: input.Body.RuleSet,
			Checks:  input.Body.Checks,
		}, actorID, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: verdictResponse(out)}, nil
	})
}

func registerMerge(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "merge-apply",
		Method:      http.MethodPost,
		Path:        "/merge-outcomes",
		Summary:     "Apply a merge outcome to its issue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body MergeApplyRequest `json:"body"`
	}) (*struct {
		Body MergeApplyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyMergeOutcome(ctx, engine.MergeOutcomeOptions{
			IssueID:     input.Body.IssueID,
			Repo:        input.Body.Repo,
			PRNumber:    input.Body.PRNumber,
			PRURL:       input.Body.PRURL,
			MergeCommit: input.Body.MergeCommit,
			MergedAt:    input.Body.MergedAt,
			RunID:       input.Body.RunID,
			RequestID:   input.Body.RequestID,
			Source:      input.Body.Source,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := MergeApplyResponse{OK: res.OK, AlreadyDone: res.AlreadyDone}
		if res.Issue != nil {
			ir := issueResponse(*res.Issue)
			resp.Issue = &ir
		}
		return &struct {
			Body MergeApplyResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-timeline",
		Method:      http.MethodGet,
		Path:        "/issues/{identifier}/timeline",
		Summary:     "Issue timeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
		EventType  string `query:"event_type"`
		Limit      int    `query:"limit" default:"100"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		page, err := e.Timeline(ctx, input.Identifier, input.EventType, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TimelineResponse{Events: []TimelineEventResponse{}, Total: page.Total}
		for _, ev := range page.Events {
			resp.Events = append(resp.Events, timelineEventResponse(ev))
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPublish(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-publish-batch",
		Method:        http.MethodPost,
		Path:          "/publish-batches",
		Summary:       "Record a publish batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePublishBatchRequest `json:"body"`
	}) (*struct {
		Body PublishBatchResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items := make([]engine.PublishItemInput, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			items = append(items, engine.PublishItemInput{
				IssueID:    it.IssueID,
				Action:     it.Action,
				Reason:     it.Reason,
				ResultJSON: it.ResultJSON,
			})
		}
		b, err := e.AppendPublishBatch(ctx, input.Body.SessionID, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishBatchResponse `json:"body"`
		}{Body: publishBatchResponse(b, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-publish-batches",
		Method:      http.MethodGet,
		Path:        "/publish-batches",
		Summary:     "List publish batches",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SessionID    string `query:"session_id"`
		Limit        int    `query:"limit" default:"50"`
		Offset       int    `query:"offset"`
		IncludeItems bool   `query:"include_items"`
	}) (*struct {
		Body paginatedPublishBatches `json:"body"`
	}, error) {
		batches, err := e.Repo.ListPublishBatches(ctx, repo.PublishBatchFilters{
			SessionID: input.SessionID,
			Limit:     input.Limit,
			Offset:    input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPublishBatches{Items: []PublishBatchResponse{}}
		for _, b := range batches {
			var items []domain.PublishItem
			if input.IncludeItems {
				items, err = e.Repo.ListPublishItems(ctx, b.ID)
				if err != nil {
					return nil, handleError(err)
				}
			}
			resp.Items = append(resp.Items, publishBatchResponse(b, items))
		}
		return &struct {
			Body paginatedPublishBatches `json:"body"`
		}{Body: resp}, nil
	})
}
