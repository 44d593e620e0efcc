// Package server is the reference hub: the REST API, the websocket event channel and
// the notification push, backed by the sqlite engine.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/domain"
	"tasksync/internal/engine"
	"tasksync/internal/engine/auth"
	"tasksync/internal/repo"
)

// Config for the HTTP handler.
type Config struct {
	Engine   engine.Engine
	Hub      *Hub
	BasePath string
	WSPath   string
	Auth     AuthConfig
	Logger   log.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not allowed to update task 42"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine engine.Engine
	hub    *Hub
	auth   AuthConfig
	log    log.FieldLogger
}

// New returns an HTTP handler exposing the task API under BasePath and the event
// channel at WSPath.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	if cfg.Engine.DB == nil {
		return nil, errors.New("server needs an engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
			if r.Body == nil || r.URL.Path == wsPath {
				next.ServeHTTP(w, r)
				return
			}
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, body)))
		})
	})
	router.Use(newAuthMiddleware(basePath, wsPath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tasksync Hub API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, hub: cfg.Hub, auth: cfg.Auth, log: logger.WithField("component", "api")}
	registerHealth(group)
	h.registerTasks(group)
	h.registerUsers(group)
	h.registerNotifications(group)
	h.registerDevAuth(group)
	registerOpenAPI(router, api, basePath)
	if cfg.Hub != nil {
		router.Handle(wsPath, cfg.Hub)
	}
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

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		h.log.WithError(err).Error("request failed")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks ordered by due date",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		DueDate   string `query:"dueDate" doc:"YYYY-MM-DD"`
		SortOrder string `query:"sortOrder" doc:"asc or desc"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		f := repo.TaskFilters{Order: domain.SortAsc}
		if strings.EqualFold(input.SortOrder, string(domain.SortDesc)) {
			f.Order = domain.SortDesc
		}
		if strings.TrimSpace(input.Status) != "" {
			st, err := parseStatusField(input.Status)
			if err != nil {
				return nil, err
			}
			f.Status = st
		}
		if strings.TrimSpace(input.DueDate) != "" {
			due, err := parseDueField(input.DueDate)
			if err != nil {
				return nil, err
			}
			f.DueDate = due
		}
		tasks, err := h.engine.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := input.Body.toNewTask()
		if err != nil {
			return nil, err
		}
		res, err := h.engine.CreateTask(ctx, actor, in)
		if err != nil {
			return nil, h.handleError(err)
		}
		h.logMutation(res)
		h.pushNotifications(ctx, res.Notified)
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: res.Task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/updateTask/{id}",
		Summary:     "Partially update task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch, err := input.Body.toPatch()
		if err != nil {
			return nil, err
		}
		res, err := h.engine.UpdateTask(ctx, actor, input.ID, patch)
		if err != nil {
			return nil, h.handleError(err)
		}
		h.logMutation(res)
		h.pushNotifications(ctx, res.Notified)
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: res.Task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/deleteTask/{id}/{ownerId}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		OwnerID string `path:"ownerId"`
	}) (*struct{}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.DeleteTask(ctx, actor, input.ID, input.OwnerID)
		if err != nil {
			return nil, h.handleError(err)
		}
		h.logMutation(res)
		return &struct{}{}, nil
	})
}

func (h handlers) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users/all",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := h.engine.Repo.ListUsers(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fetch-user",
		Method:      http.MethodGet,
		Path:        "/users/fetchUser/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := h.engine.Repo.GetUser(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func (h handlers) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/{userId}",
		Summary:     "List a user's notifications",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"userId"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		notes, err := h.engine.ListNotifications(ctx, actor, input.UserID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: notes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPatch,
		Path:        "/notifications/{id}",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body MarkReadRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !input.Body.Read {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "notifications cannot be marked unread", map[string]any{"field": "read"})
		}
		n, err := h.engine.MarkNotificationRead(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: register a user and mint a JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		u, err := h.engine.DevLogin(ctx, input.Body.Username, domain.ParseRole(input.Body.Role))
		if err != nil {
			return nil, h.handleError(err)
		}
		token, err := signDevToken(h.auth.JWTSecret, u, h.auth.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, User: u}}, nil
	})
}

// pushNotifications sends each recipient's full notification list as notification.new.
// The frame reaches every client; each keeps only entries addressed to it.
func (h handlers) logMutation(res engine.Result) {
	h.log.WithFields(log.Fields{
		"activity": res.Activity.ID,
		"task":     res.Activity.TaskID,
		"action":   res.Activity.Action,
		"actor":    res.Activity.UserID,
	}).Info("task mutation recorded")
}

func (h handlers) pushNotifications(ctx context.Context, recipients []string) {
	if h.hub == nil {
		return
	}
	for _, userID := range recipients {
		notes, err := h.engine.Repo.ListNotifications(ctx, userID)
		if err != nil {
			h.log.WithError(err).WithField("user", userID).Warn("load notifications for push")
			continue
		}
		if err := h.hub.Broadcast(ctx, domain.EventNotificationNew, notes); err != nil {
			h.log.WithError(err).WithField("user", userID).Warn("push notifications")
		}
	}
}
