// Package server exposes the HTTP API over the controller. Handlers stay
// thin: decode, validate, delegate, map errors into the envelope.
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
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"guilthub/internal/controller"
	"guilthub/internal/derive"
	"guilthub/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	Controller *controller.Controller
	BasePath   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"commit abc: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the GUILTHUB API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
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
	hcfg := huma.DefaultConfig("GUILTHUB API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Controller)
	registerCommits(group, cfg.Controller)
	registerHeatmap(group, cfg.Controller)
	registerMetrics(group, cfg.Controller)
	registerIssues(group, cfg.Controller)
	registerPulls(group, cfg.Controller)
	registerChat(group, cfg.Controller)
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
	if errors.Is(err, controller.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "review pull request"):
		return newAPIError(http.StatusBadGateway, "oracle_unavailable", msg, nil)
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
	case http.StatusBadGateway:
		return "oracle_unavailable"
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
    <title>GUILTHUB API Docs</title>
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

func registerStatus(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "System status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		state := c.Snapshot()
		open := derive.CountIssues(state.Issues, domain.IssueOpen)
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			KernelStatus: c.KernelStatus(),
			SystemHealth: derive.Health(open),
			OpenIssues:   open,
			PendingPulls: derive.CountPulls(state.PullRequests, domain.PROpen),
			AvgSeverity:  derive.AverageSeverity(state.Commits),
			TotalCommits: len(state.Commits),
		}}, nil
	})
}

func registerCommits(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-commit",
		Method:        http.MethodPost,
		Path:          "/commits",
		Summary:       "Log a deviation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCommitRequest `json:"body"`
	}) (*struct {
		Body domain.Commit `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		commit, err := c.CreateCommit(ctx, input.Body.Message, input.Body.Analysis, input.Body.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commit `json:"body"`
		}{Body: commit}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commits",
		Method:      http.MethodGet,
		Path:        "/commits",
		Summary:     "List commits, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Commit `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Commit `json:"body"`
		}{Body: c.Snapshot().Commits}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-commit",
		Method:      http.MethodGet,
		Path:        "/commits/{id}",
		Summary:     "Get one commit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Commit `json:"body"`
	}, error) {
		for _, commit := range c.Snapshot().Commits {
			if commit.ID == input.ID {
				return &struct {
					Body domain.Commit `json:"body"`
				}{Body: commit}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "commit "+input.ID+" not found", nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-commit",
		Method:      http.MethodPost,
		Path:        "/commits/analyze",
		Summary:     "Score a deviation without recording it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest `json:"body"`
	}) (*struct {
		Body domain.Analysis `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		return &struct {
			Body domain.Analysis `json:"body"`
		}{Body: c.AnalyzeMessage(ctx, input.Body.Message)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-activity",
		Method:      http.MethodGet,
		Path:        "/commits/activity",
		Summary:     "Commits grouped by calendar date",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DateGroup `json:"body"`
	}, error) {
		groups := derive.GroupByDate(c.Snapshot().Commits)
		if groups == nil {
			groups = []domain.DateGroup{}
		}
		return &struct {
			Body []domain.DateGroup `json:"body"`
		}{Body: groups}, nil
	})
}

func registerHeatmap(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "heatmap",
		Method:      http.MethodGet,
		Path:        "/heatmap",
		Summary:     "Contribution heatmap buckets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"365" minimum:"1" maximum:"730"`
	}) (*struct {
		Body HeatmapResponse `json:"body"`
	}, error) {
		days := derive.DailyBuckets(c.Snapshot().Commits, input.Days, c.Now())
		return &struct {
			Body HeatmapResponse `json:"body"`
		}{Body: HeatmapResponse{Days: days, Weeks: derive.Weeks(days)}}, nil
	})
}

func registerMetrics(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "severity-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics/severity",
		Summary:     "Severity time series and average",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"15" minimum:"1" maximum:"100"`
	}) (*struct {
		Body SeverityMetricsResponse `json:"body"`
	}, error) {
		commits := c.Snapshot().Commits
		return &struct {
			Body SeverityMetricsResponse `json:"body"`
		}{Body: SeverityMetricsResponse{
			Points:  derive.SeverityTimeSeries(commits, input.Limit),
			Average: derive.AverageSeverity(commits),
		}}, nil
	})
}

func registerIssues(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Open an issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		issue, err := c.CreateIssue(ctx, input.Body.Title, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,closed"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		issues := c.Snapshot().Issues
		if input.Status != "" {
			filtered := make([]domain.Issue, 0, len(issues))
			for _, i := range issues {
				if i.Status == input.Status {
					filtered = append(filtered, i)
				}
			}
			issues = filtered
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/close",
		Summary:     "Close an issue",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := c.CloseIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if issue.ID == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "issue "+input.ID+" not found", nil)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerPulls(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-pull-request",
		Method:        http.MethodPost,
		Path:          "/pulls",
		Summary:       "Open a pull request against a commit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePullRequestRequest `json:"body"`
	}) (*struct {
		Body domain.PullRequest `json:"body"`
	}, error) {
		if input.Body.CommitID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "commit_id is required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		pr, err := c.OpenPullRequest(ctx, input.Body.CommitID, input.Body.Title, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PullRequest `json:"body"`
		}{Body: pr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pull-requests",
		Method:      http.MethodGet,
		Path:        "/pulls",
		Summary:     "List pull requests, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PullRequest `json:"body"`
	}, error) {
		return &struct {
			Body []domain.PullRequest `json:"body"`
		}{Body: c.Snapshot().PullRequests}, nil
	})
}

func registerChat(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "chat-history",
		Method:      http.MethodGet,
		Path:        "/chat/history",
		Summary:     "Sentinel conversation so far",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChatHistoryResponse `json:"body"`
	}, error) {
		return &struct {
			Body ChatHistoryResponse `json:"body"`
		}{Body: ChatHistoryResponse{Messages: c.ChatHistory()}}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Send a chat message, streaming the reply",
	}, map[string]any{
		"delta": ChatDelta{},
		"done":  ChatDone{},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}, send sse.Sender) {
		if strings.TrimSpace(input.Body.Message) == "" {
			send.Data(ChatDone{Reply: ""})
			return
		}
		reply, err := c.SendChat(ctx, input.Body.Message, func(chunk string) {
			send.Data(ChatDelta{Text: chunk})
		})
		if err != nil {
			// Superseded by a newer turn; that stream owns the reply now.
			return
		}
		send.Data(ChatDone{Reply: reply})
	})
}
