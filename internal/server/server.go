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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"matflow/internal/domain"
	"matflow/internal/drill"
	"matflow/internal/engine"
	"matflow/internal/engine/auth"
	"matflow/internal/heatmap"
	"matflow/internal/repo"
	"matflow/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// SparringSecret guards the unauthenticated sparring-log ingest hook.
	SparringSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_version"`
	Message string         `json:"message" example:"stale version"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"version\":3}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Matflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Matflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGraphs(group, cfg.Engine)
	registerNodes(group, cfg.Engine)
	registerEdges(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerDrill(group, cfg.Engine)
	registerHeatmap(group, cfg.Engine)
	registerSparring(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerSparringHook(router, cfg.Engine, cfg.SparringSecret)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"graph_id": fe.GraphID, "action": fe.Action})
	}
	var ve engine.ValidationFailedError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"errors":   ve.Result.Errors,
			"warnings": ve.Result.Warnings,
		})
	}
	if errors.Is(err, engine.ErrStaleVersion) {
		return newAPIError(http.StatusConflict, "stale_version", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrDuplicateReview) {
		return newAPIError(http.StatusConflict, "duplicate_review", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Matflow API Docs</title>
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

func registerGraphs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-graph",
		Method:        http.MethodPost,
		Path:          "/graphs",
		Summary:       "Create graph",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGraphRequest `json:"body"`
	}) (*struct {
		Body domain.Graph `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGraph(ctx, engine.GraphCreateOptions{
			Title:      input.Body.Title,
			Visibility: input.Body.Visibility,
			Belt:       input.Body.Belt,
			GroupID:    input.Body.GroupID,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Graph `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-graphs",
		Method:      http.MethodGet,
		Path:        "/graphs",
		Summary:     "List visible graphs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OwnerID    string `query:"owner_id"`
		Visibility string `query:"visibility" enum:"private,group,public"`
	}) (*struct {
		Body []domain.Graph `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListGraphs(ctx, repo.GraphFilters{OwnerID: input.OwnerID, Visibility: input.Visibility}, p)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Graph{}
		}
		return &struct {
			Body []domain.Graph `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-graph",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}",
		Summary:     "Get graph snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSnapshot(ctx, input.GraphID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-graph",
		Method:      http.MethodPatch,
		Path:        "/graphs/{graph_id}",
		Summary:     "Update graph metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string             `path:"graph_id"`
		Body    UpdateGraphRequest `json:"body"`
	}) (*struct {
		Body domain.Graph `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.UpdateGraph(ctx, input.GraphID, engine.GraphUpdateOptions{
			Title:       input.Body.Title,
			Visibility:  input.Body.Visibility,
			Belt:        input.Body.Belt,
			GroupID:     input.Body.GroupID,
			StartNodeID: input.Body.StartNodeID,
			Version:     input.Body.Version,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Graph `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-graph",
		Method:      http.MethodDelete,
		Path:        "/graphs/{graph_id}",
		Summary:     "Delete graph",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		Version int64  `query:"version"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteGraph(ctx, input.GraphID, input.Version, p); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-graph",
		Method:      http.MethodPost,
		Path:        "/graphs/{graph_id}/publish",
		Summary:     "Validate and publish graph",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string         `path:"graph_id"`
		Body    PublishRequest `json:"body"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, res, err := e.Publish(ctx, input.GraphID, input.Body.Version, input.Body.Visibility, p)
		if err != nil {
			return nil, handleError(err)
		}
		warns := res.Warnings
		if warns == nil {
			warns = []validate.Issue{}
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Graph: g, Warnings: warns}}, nil
	})
}

func registerNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-node",
		Method:        http.MethodPost,
		Path:          "/graphs/{graph_id}/nodes",
		Summary:       "Add node",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string            `path:"graph_id"`
		Body    CreateNodeRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, snap, err := e.CreateNode(ctx, input.GraphID, engine.NodeCreateOptions{
			Kind:       input.Body.Kind,
			Label:      input.Body.Label,
			Tags:       input.Body.Tags,
			Belt:       input.Body.Belt,
			Difficulty: input.Body.Difficulty,
			Media:      input.Body.Media,
			Version:    input.Body.Version,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-node",
		Method:      http.MethodPatch,
		Path:        "/graphs/{graph_id}/nodes/{node_id}",
		Summary:     "Update node",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string            `path:"graph_id"`
		NodeID  string            `path:"node_id"`
		Body    UpdateNodeRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, snap, err := e.UpdateNode(ctx, input.GraphID, input.NodeID, engine.NodeUpdateOptions{
			Label:      input.Body.Label,
			Tags:       input.Body.Tags,
			Belt:       input.Body.Belt,
			Difficulty: input.Body.Difficulty,
			Media:      input.Body.Media,
			Stats:      input.Body.Stats,
			Version:    input.Body.Version,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-node",
		Method:      http.MethodDelete,
		Path:        "/graphs/{graph_id}/nodes/{node_id}",
		Summary:     "Delete node and incident edges",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		NodeID  string `path:"node_id"`
		Version int64  `query:"version"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.DeleteNode(ctx, input.GraphID, input.NodeID, input.Version, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true, Snapshot: snap}}, nil
	})
}

func registerEdges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-edge",
		Method:        http.MethodPost,
		Path:          "/graphs/{graph_id}/edges",
		Summary:       "Add edge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string            `path:"graph_id"`
		Body    CreateEdgeRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, snap, err := e.CreateEdge(ctx, input.GraphID, engine.EdgeCreateOptions{
			SourceID:      input.Body.SourceID,
			TargetID:      input.Body.TargetID,
			Kind:          input.Body.Kind,
			Tags:          input.Body.Tags,
			PointValue:    input.Body.PointValue,
			Risk:          input.Body.Risk,
			Media:         input.Body.Media,
			SRSWeight:     input.Body.SRSWeight,
			Preconditions: input.Body.Preconditions,
			Version:       input.Body.Version,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-edge",
		Method:      http.MethodPatch,
		Path:        "/graphs/{graph_id}/edges/{edge_id}",
		Summary:     "Update edge",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string            `path:"graph_id"`
		EdgeID  string            `path:"edge_id"`
		Body    UpdateEdgeRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EdgeUpdateOptions{
			Tags:          input.Body.Tags,
			PointValue:    input.Body.PointValue,
			Risk:          input.Body.Risk,
			Media:         input.Body.Media,
			Preconditions: input.Body.Preconditions,
			Version:       input.Body.Version,
		}
		if input.Body.SRSWeight != nil {
			w := input.Body.SRSWeight
			opts.SRSWeight = &w
		} else if input.Body.ClearWeight {
			var cleared *float64
			opts.SRSWeight = &cleared
		}
		_, snap, err := e.UpdateEdge(ctx, input.GraphID, input.EdgeID, opts, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-edge",
		Method:      http.MethodDelete,
		Path:        "/graphs/{graph_id}/edges/{edge_id}",
		Summary:     "Delete edge",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		EdgeID  string `path:"edge_id"`
		Version int64  `query:"version"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.DeleteEdge(ctx, input.GraphID, input.EdgeID, input.Version, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true, Snapshot: snap}}, nil
	})
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-graph",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/validation",
		Summary:     "Validate graph structure",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.GetGraph(ctx, input.GraphID, p)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Validate(ctx, input.GraphID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(g.ID, g.Version, res)}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-review",
		Method:        http.MethodPost,
		Path:          "/graphs/{graph_id}/reviews",
		Summary:       "Record a review outcome",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string              `path:"graph_id"`
		Body    RecordReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReviewOptions{
			UnitType: input.Body.UnitType,
			UnitID:   input.Body.UnitID,
			Quality:  input.Body.Quality,
		}
		if input.Body.ReviewedAt != "" {
			at, err := time.Parse(time.RFC3339, input.Body.ReviewedAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid reviewed_at", nil)
			}
			opts.ReviewedAt = at
		}
		card, err := e.RecordReview(ctx, input.GraphID, opts, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "due-queue",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/due",
		Summary:     "Cards due for review",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		AsOf    string `query:"as_of" format:"date-time"`
	}) (*struct {
		Body []domain.Card `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var asOf time.Time
		if input.AsOf != "" {
			parsed, err := time.Parse(time.RFC3339, input.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid as_of", nil)
			}
			asOf = parsed
		}
		cards, err := e.DueQueue(ctx, input.GraphID, asOf, p)
		if err != nil {
			return nil, handleError(err)
		}
		if cards == nil {
			cards = []domain.Card{}
		}
		return &struct {
			Body []domain.Card `json:"body"`
		}{Body: cards}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-history",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/reviews",
		Summary:     "Review history for a unit",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID  string `path:"graph_id"`
		UnitType string `query:"unit_type" enum:"node,edge"`
		UnitID   string `query:"unit_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Review `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.UnitType == "" || input.UnitID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unit_type and unit_id are required", nil)
		}
		items, err := e.ReviewHistory(ctx, input.GraphID, input.UnitType, input.UnitID, input.Limit, p)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Review{}
		}
		return &struct {
			Body []domain.Review `json:"body"`
		}{Body: items}, nil
	})
}

func registerDrill(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-drill",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/drill",
		Summary:     "Generate a drill sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID     string `path:"graph_id"`
		StartNodeID string `query:"start_node_id"`
		MaxLength   int    `query:"max_length"`
		Seed        int64  `query:"seed"`
	}) (*struct {
		Body drill.Item `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Drill(ctx, input.GraphID, engine.DrillOptions{
			StartNodeID: input.StartNodeID,
			MaxLength:   input.MaxLength,
			Seed:        input.Seed,
		}, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body drill.Item `json:"body"`
		}{Body: item}, nil
	})
}

func registerHeatmap(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "heatmap",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/heatmap",
		Summary:     "Per-unit sparring success heatmap",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
	}) (*struct {
		Body heatmap.Result `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Heatmap(ctx, input.GraphID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body heatmap.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerSparring(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-sparring",
		Method:        http.MethodPost,
		Path:          "/graphs/{graph_id}/sparring",
		Summary:       "Record a sparring outcome",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		GraphID string                `path:"graph_id"`
		Body    RecordSparringRequest `json:"body"`
	}) (*struct {
		Body domain.SparringEvent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := recordSparring(ctx, e, input.GraphID, input.Body, p)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.SparringEvent `json:"body"`
		}{Body: ev}, nil
	})
}

func recordSparring(ctx context.Context, e engine.Engine, graphID string, req RecordSparringRequest, p auth.Principal) (domain.SparringEvent, huma.StatusError) {
	opts := engine.SparringOptions{
		UnitType: req.UnitType,
		UnitID:   req.UnitID,
		Success:  req.Success,
		Source:   req.Source,
	}
	if req.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			return domain.SparringEvent{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid occurred_at", nil)
		}
		opts.OccurredAt = at
	}
	ev, err := e.RecordSparring(ctx, graphID, opts, p)
	if err != nil {
		return domain.SparringEvent{}, handleError(err)
	}
	return ev, nil
}

// registerSparringHook exposes the sparring-log ingest endpoint outside the
// authenticated base path. Callers authenticate with the shared secret and
// act as the graph owner.
func registerSparringHook(r chi.Router, e engine.Engine, secret string) {
	if strings.TrimSpace(secret) == "" {
		return
	}
	r.Post("/hooks/sparring", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Matflow-Secret") != secret {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid hook secret", nil))
			return
		}
		var body struct {
			GraphID string `json:"graph_id"`
			RecordSparringRequest
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid body", nil))
			return
		}
		if body.GraphID == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "graph_id is required", nil))
			return
		}
		g, err := e.Repo.GetGraph(req.Context(), body.GraphID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		p := auth.Principal{UserID: g.OwnerID}
		ev, herr := recordSparring(req.Context(), e, body.GraphID, body.RecordSparringRequest, p)
		if herr != nil {
			respondStatusError(w, herr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ev)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.GraphEvents(ctx, input.GraphID, input.Limit, input.Cursor, p)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, p.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items := []APIKeyResponse{}
		for _, k := range keys {
			items = append(items, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, input.KeyID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Groups []string `json:"groups"`
	Source string   `json:"source"`
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
		principal, ok := principalFromContext(ctx)
		if !ok || principal.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		groups := principal.Groups
		if groups == nil {
			groups = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Groups: groups,
			Source: principal.Source,
		}}, nil
	})
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Groups []string `json:"groups,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, user, input.Body.Groups)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, userID string, groups []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Groups: groups,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
