package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"engageline/internal/domain"
	"engageline/internal/engine"
	"engageline/internal/errs"
	"engageline/internal/payments"
)

// DocumentStore serves rendered contract documents by reference.
type DocumentStore interface {
	Open(ref string) (io.ReadCloser, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler *payments.Reconciler
	Documents  DocumentStore
	BasePath   string
	Auth       AuthConfig
	Logger     *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"project is cancelled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"title\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope returned by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T `json:"body"`
}

type projectPath struct {
	ID string `path:"id"`
}

type contractPath struct {
	ID string `path:"id"`
}

var errorStatuses = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
	http.StatusInternalServerError,
}

// MaxBodyBytes caps every request body, the unauthenticated webhook included.
const MaxBodyBytes = 1 << 20

// New returns an HTTP handler exposing the engagement API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Auth.logger()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema violations are bad requests, like engine validation errors.
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
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "request_too_large",
						fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "", "request body could not be read", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Engageline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: cfg.Logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerProjects(group)
	h.registerContracts(group, cfg.Documents)
	h.registerTasks(group)
	h.registerDeliverables(group)
	h.registerActors(group)
	registerPayments(router, group, basePath, cfg.Reconciler, h)
	if cfg.Auth.DevTokens {
		registerDevAuth(group, cfg.Auth)
	}
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

type handlers struct {
	engine engine.Engine
	logger *log.Logger
}

// fail maps an engine error onto the envelope. Internal errors are logged and
// reported without their message.
func (h handlers) fail(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		h.logger.Printf("internal error: %v", err)
		return newAPIError(http.StatusInternalServerError, kind.Code(), "internal error", nil)
	}
	var details map[string]any
	if md := errs.MetadataOf(err); len(md) > 0 {
		details = make(map[string]any, len(md))
		for k, v := range md {
			details[k] = v
		}
	}
	return newAPIError(kind.HTTPStatus(), kind.Code(), err.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
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
		Name: APIKeyHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
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
    <title>Engageline API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return &output[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Submit a project request",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body SubmitProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.Submit(ctx, actor, engine.SubmitInput{
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Questionnaire: input.Body.Questionnaire,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects visible to the caller",
		Errors:      errorStatuses,
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.engine.ListProjects(ctx, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[[]domain.Project]{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.GetProject(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/review",
		Summary:     "Review a project and set its pricing",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ReviewProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.Review(ctx, actor, domain.ProjectID(input.ID), domain.Pricing{
			Amount:   input.Body.Amount,
			Currency: input.Body.Currency,
			Notes:    input.Body.Notes,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-contractor",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/assign",
		Summary:     "Assign a contractor",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body AssignContractorRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.AssignContractor(ctx, actor, domain.ProjectID(input.ID), domain.ActorID(strings.TrimSpace(input.Body.ContractorID)))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/cancel",
		Summary:     "Cancel a project",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *CancelProjectRequest `json:"body,omitempty" required:"false"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		p, err := h.engine.Cancel(ctx, actor, domain.ProjectID(input.ID), reason)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/complete",
		Summary:     "Complete a project whose tasks are all done",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.Complete(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-payment",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/payment",
		Summary:     "Payment status and applied provider events",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[engine.PaymentView], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		view, err := h.engine.PaymentStatus(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[engine.PaymentView]{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-payment-intent",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/payment/intent",
		Summary:       "Start collecting the price of a project awaiting payment",
		DefaultStatus: http.StatusCreated,
		Errors:        append(errorStatuses, http.StatusBadGateway),
	}, func(ctx context.Context, input *projectPath) (*output[engine.PaymentIntent], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		intent, err := h.engine.CreatePaymentIntent(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[engine.PaymentIntent]{Body: intent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/events",
		Summary:     "Event history of a project",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Event], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.engine.ProjectEvents(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[[]domain.Event]{Body: orEmpty(items)}, nil
	})
}

func (h handlers) registerContracts(api huma.API, docs DocumentStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-contract",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/contracts",
		Summary:       "Generate the contract of a reviewed project",
		DefaultStatus: http.StatusCreated,
		Errors:        append(errorStatuses, http.StatusBadGateway),
	}, func(ctx context.Context, input *projectPath) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.engine.Generate(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-contract",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/contract",
		Summary:     "Active contract of a project",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.engine.ContractForProject(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *contractPath) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.engine.GetContract(ctx, actor, domain.ContractID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})

	if docs != nil {
		huma.Register(api, huma.Operation{
			OperationID: "contract-document",
			Method:      http.MethodGet,
			Path:        "/contracts/{id}/document",
			Summary:     "Rendered contract document",
			Errors:      errorStatuses,
		}, func(ctx context.Context, input *contractPath) (*struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}, error) {
			actor, aerr := actorFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			c, err := h.engine.GetContract(ctx, actor, domain.ContractID(input.ID))
			if err != nil {
				return nil, h.fail(err)
			}
			f, err := docs.Open(c.FileRef)
			if err != nil {
				return nil, h.fail(errs.Wrap(errs.KindNotFound, "contract document not found", err))
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				return nil, h.fail(err)
			}
			return &struct {
				ContentType string `header:"Content-Type"`
				Body        []byte
			}{ContentType: "text/plain; charset=utf-8", Body: data}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "send-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/send",
		Summary:     "Send a contract to both parties",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *contractPath) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.engine.Send(ctx, actor, domain.ContractID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/sign",
		Summary:     "Sign a contract as the client or the contractor",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SignContractRequest `json:"body"`
	}) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.engine.Sign(ctx, actor, domain.ContractID(input.ID), input.Body.Signature)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/reject",
		Summary:     "Reject an unsigned contract",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *RejectContractRequest `json:"body,omitempty" required:"false"`
	}) (*output[domain.Contract], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		c, err := h.engine.Reject(ctx, actor, domain.ContractID(input.ID), reason)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Contract]{Body: c}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		in := engine.TaskInput{Title: input.Body.Title, Description: input.Body.Description}
		if input.Body.AssigneeID != nil {
			in.AssigneeID = domain.ActorID(strings.TrimSpace(*input.Body.AssigneeID))
		}
		task, err := h.engine.CreateTask(ctx, actor, domain.ProjectID(input.ID), in)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Task]{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/tasks",
		Summary:     "List the tasks of a project",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Task], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.engine.ListTasks(ctx, actor, domain.ProjectID(input.ID))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[[]domain.Task]{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Move a task to another status",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		task, err := h.engine.UpdateTaskStatus(ctx, actor, domain.TaskID(input.ID), domain.TaskStatus(input.Body.Status))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Task]{Body: task}, nil
	})
}

func (h handlers) registerDeliverables(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-deliverable",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/deliverables",
		Summary:       "Submit a deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body SubmitDeliverableRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.SubmitDeliverable(ctx, actor, domain.ProjectID(input.ID), input.Body.Name, input.Body.FileURL)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-deliverable",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/deliverables/{index}/review",
		Summary:     "Approve or reject a deliverable",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID    string                   `path:"id"`
		Index int                      `path:"index" minimum:"0"`
		Body  ReviewDeliverableRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.engine.ReviewDeliverable(ctx, actor, domain.ProjectID(input.ID), input.Index, input.Body.Approved)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.Project]{Body: p}, nil
	})
}

func (h handlers) registerActors(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body RegisterActorRequest `json:"body"`
	}) (*output[domain.ActorProfile], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		profile, err := h.engine.RegisterActor(ctx, actor, domain.ActorProfile{
			ID:          domain.ActorID(strings.TrimSpace(input.Body.ID)),
			Role:        domain.Role(input.Body.Role),
			DisplayName: input.Body.DisplayName,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.ActorProfile]{Body: profile}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"admin,client,contractor"`
	}) (*output[[]domain.ActorProfile], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.engine.ListActors(ctx, actor, domain.Role(input.Role))
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[[]domain.ActorProfile]{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/keys",
		Summary:       "Issue an API key for an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *IssueAPIKeyRequest `json:"body,omitempty" required:"false"`
	}) (*output[APIKeyResponse], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		name := ""
		if input.Body != nil {
			name = input.Body.Name
		}
		key, plaintext, err := h.engine.IssueAPIKey(ctx, actor, domain.ActorID(input.ID), name)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[APIKeyResponse]{Body: apiKeyResponse(key, plaintext)}, nil
	})
}

// registerPayments mounts the provider webhook as a plain route, since it must
// see the exact bytes the provider signed, plus the reconciliation queue.
func registerPayments(r chi.Router, api huma.API, basePath string, rec *payments.Reconciler, h handlers) {
	r.Post(path.Join(basePath, "payments/webhook"), func(w http.ResponseWriter, req *http.Request) {
		if rec == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "", "payments are not configured", nil))
			return
		}
		res, err := rec.HandleEvent(req.Context(), req.Header, bodyBytes(req.Context()))
		if res == payments.Rejected {
			if err == nil {
				err = errs.New(errs.KindValidation, "webhook rejected")
			}
			respondStatusError(w, h.fail(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(WebhookAck{Received: true})
	})
	if rec == nil {
		return
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-reconciliation",
		Method:      http.MethodGet,
		Path:        "/payments/reconciliation",
		Summary:     "Payment events awaiting manual reconciliation",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"include resolved items"`
	}) (*output[[]domain.ReconciliationItem], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := rec.Queue(ctx, actor, !input.All)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[[]domain.ReconciliationItem]{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-reconciliation",
		Method:      http.MethodPost,
		Path:        "/payments/reconciliation/{id}/replay",
		Summary:     "Re-apply a queued payment event",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body *ReplayRequest `json:"body,omitempty" required:"false"`
	}) (*output[domain.ReconciliationItem], error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		var projectID domain.ProjectID
		if input.Body != nil {
			projectID = domain.ProjectID(strings.TrimSpace(input.Body.ProjectID))
		}
		item, err := rec.Replay(ctx, actor, input.ID, projectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &output[domain.ReconciliationItem]{Body: item}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*output[DevTokenResponse], error) {
		actor := domain.Actor{
			ID:   domain.ActorID(strings.TrimSpace(input.Body.ActorID)),
			Role: domain.Role(input.Body.Role),
		}
		if actor.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := time.Hour
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		now := time.Now().UTC()
		token, err := SignToken(authCfg.JWTSecret, actor, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &output[DevTokenResponse]{Body: DevTokenResponse{Token: token, ExpiresAt: now.Add(ttl)}}, nil
	})
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
