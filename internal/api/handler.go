// Package api is the HTTP surface. Handlers translate between the JSON/SSE
// wire shapes and the service layer; no query logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/introspect"
	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/service"
	"github.com/querydesk/querydesk/internal/sqlguard"
)

type ReadinessCheck func(ctx context.Context) error

type QueryService interface {
	Ask(ctx context.Context, req service.AskRequest) (*service.AskResult, error)
	AskStream(ctx context.Context, req service.AskRequest, emit func(service.Event) error) error
	Schema(ctx context.Context, tenantID, dsn string) (*introspect.Schema, error)
}

type PoolAdmin interface {
	ClosePool(tenantID string) bool
	PoolCount() int
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Service           QueryService
	Pools             PoolAdmin
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/stream", func(w http.ResponseWriter, r *http.Request) {
		handleQueryStream(deps, w, r)
	})
	protected.HandleFunc("POST /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/pools/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		handleClosePool(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("POST /v1/query/stream", protectedHandler)
	mux.Handle("POST /v1/schema", protectedHandler)
	mux.Handle("DELETE /v1/pools/{tenant}", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckAIConfig verifies the translation backend is configured at all; it
// does not call it.
func CheckAIConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.BaseURL == "" {
			return errors.New("ai base url is not configured")
		}
		if cfg.AI.APIKey == "" {
			return errors.New("ai api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeServiceError maps service-layer failures onto HTTP statuses and the
// shared error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var rejection *sqlguard.RejectionError
	if errors.As(err, &rejection) {
		extra := map[string]any{"reason": string(rejection.Reason)}
		if rejection.Keyword != "" {
			extra["keyword"] = rejection.Keyword
		}
		writeError(ctx, w, http.StatusBadRequest, "SQL_REJECTED", rejection.Error(), false, extra)
		return
	}
	if errors.Is(err, service.ErrNoSQLGenerated) {
		writeError(ctx, w, http.StatusUnprocessableEntity, "GENERATION_FAILED", err.Error(), true, nil)
		return
	}

	var execErr *executor.Error
	if errors.As(err, &execErr) {
		status, retryable := statusForKind(execErr.Kind)
		var extra map[string]any
		if execErr.Kind == executor.KindResultTooLarge {
			extra = map[string]any{"row_limit": execErr.Limit}
		}
		writeError(ctx, w, status, strings.ToUpper(string(execErr.Kind)), execErr.Message, retryable, extra)
		return
	}

	writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "query processing failed", false, nil)
}

func statusForKind(kind executor.Kind) (status int, retryable bool) {
	switch kind {
	case executor.KindPoolExhausted:
		return http.StatusServiceUnavailable, true
	case executor.KindTimeout:
		return http.StatusGatewayTimeout, true
	case executor.KindConnectionRefused, executor.KindHostNotFound:
		return http.StatusBadGateway, true
	case executor.KindAuthentication, executor.KindDatabaseNotFound:
		return http.StatusBadGateway, false
	case executor.KindResultTooLarge:
		return http.StatusUnprocessableEntity, false
	case executor.KindTableNotFound, executor.KindSyntaxError,
		executor.KindUniqueViolation, executor.KindForeignKeyViolation:
		return http.StatusBadRequest, false
	default:
		return http.StatusInternalServerError, false
	}
}

func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		return "", fmt.Errorf("tenant context is required")
	}
	return tenantID, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
