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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"contactline/internal/domain"
	"contactline/internal/engine"
	"contactline/internal/engine/auth"
	"contactline/internal/repo"
	"contactline/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_payload"`
	Message string         `json:"message" example:"decode source contact info: invalid JSON"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"section\":\"source\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the contactline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Log
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("contactline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProcess(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerContacts(group, cfg.Engine)
	registerLog(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var pde *domain.PayloadDecodeError
	if errors.As(err, &pde) {
		return newAPIError(http.StatusBadRequest, engine.CodeBadPayload, err.Error(), map[string]any{"section": pde.Section})
	}
	var pe *rules.PolicyError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, engine.CodePolicyFailed, err.Error(), map[string]any{"rule": pe.Rule})
	}
	var ire *repo.InvalidRecordError
	if errors.As(err, &ire) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>contactline API Docs</title>
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

func registerProcess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-event",
		Method:      http.MethodPost,
		Path:        "/events/process",
		Summary:     "Run the rule chain over an event",
		Description: "Section failures are reported per section. The request fails only when every section failed.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ProcessEventRequest `json:"body"`
	}) (*struct {
		Body ProcessEventResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermEventsProcess)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := eventFromBody(ctx, input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.ProcessEvent(ctx, ev, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := allSectionsFailed(res); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessEventResponse `json:"body"`
		}{Body: processResponse(res)}, nil
	})
}

// eventFromBody decodes the event from the raw request so numbers keep their
// JSON form.
func eventFromBody(ctx context.Context, fallback ProcessEventRequest) (domain.Event, error) {
	if data, ok := ctx.Value(bodyBytesKey{}).([]byte); ok && len(data) > 0 {
		var outer struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &outer); err == nil && len(outer.Event) > 0 {
			return domain.DecodeEvent(outer.Event)
		}
	}
	if fallback.Event == nil {
		return nil, errors.New("event required")
	}
	return domain.Event(fallback.Event), nil
}

func allSectionsFailed(res engine.ProcessResult) error {
	if len(res.Sections) == 0 {
		return nil
	}
	for _, s := range res.Sections {
		if s.Err == nil {
			return nil
		}
	}
	return res.Sections[0].Err
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List registered rules",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RulesResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermRulesRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RulesResponse `json:"body"`
		}{Body: RulesResponse{Items: nonNilSlice(e.Rules())}}, nil
	})
}

func registerContacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-contacts",
		Method:      http.MethodGet,
		Path:        "/contacts/lookup",
		Summary:     "Look up contacts for event values",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		IP   string `query:"ip"`
		ASN  int64  `query:"asn"`
		FQDN string `query:"fqdn"`
		CC   string `query:"cc" maxLength:"2"`
	}) (*struct {
		Body domain.ContactInfo `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermContactsRead)
		if err != nil {
			return nil, handleError(err)
		}
		info, err := e.Lookup(ctx, repo.LookupQuery{IP: input.IP, ASN: input.ASN, FQDN: input.FQDN, CountryCode: input.CC}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContactInfo `json:"body"`
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-organisations",
		Method:      http.MethodPost,
		Path:        "/contacts/organisations",
		Summary:     "Import organisations into the contact database",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ImportOrganisationsRequest `json:"body"`
	}) (*struct {
		Body ImportOrganisationsResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermContactsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		ids, err := e.ImportOrganisations(ctx, input.Body.Organisations, input.Body.Replace, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportOrganisationsResponse `json:"body"`
		}{Body: ImportOrganisationsResponse{IDs: nonNilSlice(ids)}}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "List processing log entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type" doc:"section.processed, section.failed, contacts.looked_up or contacts.imported"`
		RunID   string `query:"run_id"`
		Section string `query:"section"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedLog `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermLogRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEntries(ctx, limit+1, repo.LogFilters{Type: input.Type, RunID: input.RunID, Section: input.Section, Before: before})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLog{Items: []LogEntryResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, entry := range items {
			resp.Items = append(resp.Items, logEntryResponse(entry))
		}
		return &struct {
			Body paginatedLog `json:"body"`
		}{Body: resp}, nil
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
