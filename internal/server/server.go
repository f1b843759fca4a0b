package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"makerspace/internal/logging"
	"makerspace/internal/metrics"
	"makerspace/internal/service"
)

const (
	apiBasePath = "/api/requests"

	// MaxBodyBytes caps what the body capture middleware will buffer.
	MaxBodyBytes = 1 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Service         *service.Service
	Logger          *zap.Logger
	RequestDeadline time.Duration
}

type apiErrorBody struct {
	Kind    string `json:"kind" example:"INVALID_INPUT"`
	Message string `json:"message" example:"title must not be empty"`
	Field   string `json:"field,omitempty" example:"title"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the {"error": {...}} envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	svc      *service.Service
	log      *zap.Logger
	deadline time.Duration
}

// New returns an HTTP handler exposing the maintenance request API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service is required")
	}
	h := &handler{
		svc:      cfg.Service,
		log:      logging.Or(cfg.Logger),
		deadline: cfg.RequestDeadline,
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the kind/message/field envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return humaError(context.Background(), status, msg, errs)
	}
	huma.NewErrorWithContext = func(hctx huma.Context, status int, msg string, errs ...error) huma.StatusError {
		ctx := context.Background()
		if hctx != nil {
			ctx = hctx.Context()
		}
		return humaError(ctx, status, msg, errs)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(exposeRequestID)
	router.Use(h.instrument)
	router.Use(h.recoverer)
	router.Use(h.withDeadline)
	router.Use(captureBody)
	router.Use(newAuthMiddleware(apiBasePath, h))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, service.KindNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), ""))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, service.KindInvalidInput, fmt.Sprintf("method %s is not allowed on %s", r.Method, r.URL.Path), ""))
	})

	hcfg := huma.DefaultConfig("MakerSpace Maintenance Requests API", "1.0.0")
	hcfg.OpenAPIPath = "" // served below with error responses and bearer security filled in
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerCreateRequest(api, h)
	registerDeleteRequest(api, h)
	registerListRequests(api, h)
	registerOpenAPI(router, api)
	router.Handle("/metrics", metrics.Handler())

	return router, nil
}

func newAPIError(status int, kind service.Kind, message, field string) huma.StatusError {
	if kind == "" {
		kind = kindForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Kind:    string(kind),
			Message: message,
			Field:   field,
		},
	}
}

// humaError converts errors raised by Huma itself (body parsing, schema
// validation) into the envelope. Validation failures are always 400.
func humaError(ctx context.Context, status int, msg string, errs []error) huma.StatusError {
	if status >= http.StatusInternalServerError {
		return newAPIError(status, service.KindInternal, internalMessage(middleware.GetReqID(ctx)), "")
	}
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	field, detail := errorField(errs)
	if detail != "" {
		msg = msg + ": " + detail
	}
	return newAPIError(status, "", msg, field)
}

// errorField reports the body field named by the first validation detail.
func errorField(errs []error) (field, detail string) {
	for _, err := range errs {
		if err == nil {
			continue
		}
		var d huma.ErrorDetailer
		if errors.As(err, &d) {
			ed := d.ErrorDetail()
			loc := ed.Location
			if i := strings.IndexByte(loc, '.'); i >= 0 {
				field = loc[i+1:]
			}
			return field, ed.Message
		}
		return "", err.Error()
	}
	return "", ""
}

func internalMessage(correlationID string) string {
	if correlationID == "" {
		return "internal error"
	}
	return fmt.Sprintf("internal error (correlation id: %s)", correlationID)
}

// handleError is the only place service errors become HTTP statuses.
func (h *handler) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *service.Error
	if !errors.As(err, &se) {
		se = &service.Error{Kind: service.KindInternal, Message: "unexpected error", Err: err}
	}
	status := statusForKind(se.Kind)
	switch se.Kind {
	case service.KindInternal:
		reqID := middleware.GetReqID(ctx)
		h.log.Error("internal error",
			zap.String("correlation_id", reqID),
			zap.String("message", se.Message),
			zap.Error(err),
		)
		return newAPIError(status, se.Kind, internalMessage(reqID), "")
	case service.KindStoreUnavailable:
		h.log.Warn("dependency unavailable", zap.String("request_id", middleware.GetReqID(ctx)), zap.Error(err))
	}
	return newAPIError(status, se.Kind, se.Message, se.Field)
}

func statusForKind(kind service.Kind) int {
	switch kind {
	case service.KindUnauthenticated:
		return http.StatusUnauthorized
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) service.Kind {
	switch status {
	case http.StatusUnauthorized:
		return service.KindUnauthenticated
	case http.StatusForbidden:
		return service.KindForbidden
	case http.StatusNotFound:
		return service.KindNotFound
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return service.KindStoreUnavailable
	}
	if status >= http.StatusInternalServerError {
		return service.KindInternal
	}
	return service.KindInvalidInput
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML)
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	document := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas)
		out, _ := json.Marshal(oas)
		return out
	})
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(document())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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

func applyAuthSecurity(oas *huma.OpenAPI) {
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
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if strings.HasPrefix(route, apiBasePath) {
				op.Security = security
			} else {
				op.Security = []map[string][]string{}
			}
		}
	}
}

const swaggerHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>MakerSpace API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '/openapi.json',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerCreateRequest(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          apiBasePath + "/create",
		Summary:       "File a maintenance request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body CreateRequestResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectUnknownFields(ctx, "title", "body"); err != nil {
			return nil, err
		}
		created, err := h.svc.CreateRequestAs(ctx, principal, service.CreateInput{
			Title: input.Body.Title,
			Body:  input.Body.Body,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body CreateRequestResponse `json:"body"`
		}{Body: CreateRequestResponse{ID: created.ID}}, nil
	})
}

func registerDeleteRequest(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "delete-request",
		Method:        http.MethodPost,
		Path:          apiBasePath + "/delete",
		Summary:       "Delete a maintenance request",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body DeleteRequestBody `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectUnknownFields(ctx, "request_id"); err != nil {
			return nil, err
		}
		if err := h.svc.DeleteRequestAs(ctx, principal, input.Body.RequestID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return nil, nil
	})
}

func registerListRequests(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        apiBasePath,
		Summary:     "List maintenance requests visible to the caller",
		Description: "Managers see every request; everyone else sees only their own. Ordered by created_at, then id.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.svc.ListRequestsAs(ctx, principal)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})
}

// captureBody buffers the request body so handlers can inspect the raw
// fields after Huma has decoded it.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, service.KindInvalidInput, fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), ""))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, service.KindInvalidInput, "unable to read request body", ""))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		ctx := context.WithValue(r.Context(), requestKey{}, r)
		ctx = context.WithValue(ctx, bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

// rejectUnknownFields fails with INVALID_INPUT naming the first field of the
// raw body that is not in allowed.
func rejectUnknownFields(ctx context.Context, allowed ...string) huma.StatusError {
	known := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		known[k] = struct{}{}
	}
	var unknown []string
	for k := range rawBodyMap(ctx) {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	first := unknown[0]
	for _, k := range unknown[1:] {
		if k < first {
			first = k
		}
	}
	return newAPIError(http.StatusBadRequest, service.KindInvalidInput, fmt.Sprintf("unknown field %q", first), first)
}
