package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/introspect"
	"github.com/querydesk/querydesk/internal/service"
	"github.com/querydesk/querydesk/internal/sqlguard"
)

type fakeService struct {
	askResult *service.AskResult
	askErr    error
	schema    *introspect.Schema
	schemaErr error
	events    []service.Event
	streamErr error
	lastAsk   service.AskRequest
}

func (f *fakeService) Ask(_ context.Context, req service.AskRequest) (*service.AskResult, error) {
	f.lastAsk = req
	if f.askErr != nil {
		return nil, f.askErr
	}
	return f.askResult, nil
}

func (f *fakeService) AskStream(_ context.Context, req service.AskRequest, emit func(service.Event) error) error {
	f.lastAsk = req
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, event := range f.events {
		if err := emit(event); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeService) Schema(context.Context, string, string) (*introspect.Schema, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return f.schema, nil
}

type fakePools struct {
	closed map[string]bool
	count  int
}

func (f *fakePools) ClosePool(tenantID string) bool { return f.closed[tenantID] }
func (f *fakePools) PoolCount() int                 { return f.count }

func testConfig() config.Config {
	cfg, err := config.Load("querydesk-api", func(string) (string, bool) { return "", false })
	if err != nil {
		panic(err)
	}
	return cfg
}

func postJSON(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["service"] != "querydesk-api" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyEndpointReportsFailingCheck(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Readiness: func(context.Context) error { return errors.New("ai base url is not configured") },
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "NOT_READY" {
		t.Fatalf("body = %v", body)
	}
}

func TestQueryHappyPath(t *testing.T) {
	svc := &fakeService{askResult: &service.AskResult{
		SQL:           "SELECT id FROM users",
		Explanation:   "the ids",
		Rows:          []map[string]any{{"id": float64(1)}},
		RowCount:      1,
		ElapsedMillis: 9,
	}}
	handler := NewHandler(testConfig(), Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"postgres://u:p@db/app","question":"which ids?"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["sql"] != "SELECT id FROM users" || body["row_count"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
	if svc.lastAsk.TenantID != "tenant-1" || svc.lastAsk.Question != "which ids?" {
		t.Fatalf("service request = %+v", svc.lastAsk)
	}
}

func TestQueryRequiresTenant(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{Service: &fakeService{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"dsn":"d","question":"q"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryRejectsInvalidBody(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{Service: &fakeService{}})

	cases := []string{
		`not json`,
		`{"question":"q"}`,
		`{"dsn":"d"}`,
		`{"dsn":"d","question":"q","unknown":true}`,
	}
	for _, body := range cases {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, postJSON("/v1/query", body))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rr.Code)
		}
	}
}

func TestQueryMapsResultTooLarge(t *testing.T) {
	svc := &fakeService{askErr: &executor.Error{
		Kind:    executor.KindResultTooLarge,
		Message: "query returned more than 10000 rows; add a LIMIT clause or narrow the filter",
		Limit:   10000,
	}}
	handler := NewHandler(testConfig(), Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "RESULT_TOO_LARGE" {
		t.Fatalf("body = %v", body)
	}
	extra, _ := body["context"].(map[string]any)
	if extra["row_limit"] != float64(10000) {
		t.Fatalf("context = %v", extra)
	}
}

func TestQueryMapsValidatorRejection(t *testing.T) {
	svc := &fakeService{askErr: &sqlguard.RejectionError{Reason: sqlguard.ReasonDisallowedKeyword, Keyword: "drop"}}
	handler := NewHandler(testConfig(), Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "SQL_REJECTED" {
		t.Fatalf("body = %v", body)
	}
}

func TestQueryMapsPoolExhausted(t *testing.T) {
	svc := &fakeService{askErr: &executor.Error{Kind: executor.KindPoolExhausted, Message: "no connection became available within the acquire timeout"}}
	handler := NewHandler(testConfig(), Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestQueryMapsGenerationFailure(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{Service: &fakeService{askErr: service.ErrNoSQLGenerated}})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "GENERATION_FAILED" {
		t.Fatalf("body = %v", body)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	svc := &fakeService{schema: &introspect.Schema{Tables: []introspect.Table{
		{Name: "users", Columns: []introspect.Column{{Name: "id", DataType: "integer"}}},
	}}}
	handler := NewHandler(testConfig(), Dependencies{Service: svc})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/schema", `{"dsn":"postgres://u:p@db/app"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["table_count"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
}

func TestClosePoolEndpoint(t *testing.T) {
	pools := &fakePools{closed: map[string]bool{"tenant-1": true}, count: 2}
	handler := NewHandler(testConfig(), Dependencies{Pools: pools})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/pools/tenant-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["closed"] != true {
		t.Fatalf("body = %v", body)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/pools/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown tenant", rr.Code)
	}
}

func TestProtectedRoutesRequireAuthWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true

	validator, err := auth.NewStaticAPIKeyValidator("k1:tenant-1:query_runner|schema_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	handler := NewHandler(cfg, Dependencies{
		Service:        &fakeService{askResult: &service.AskResult{SQL: "SELECT 1"}},
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}

	req := postJSON("/v1/query", `{"dsn":"d","question":"q"}`)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestRoleEnforcementOnPoolEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true

	validator, err := auth.NewStaticAPIKeyValidator("reader:tenant-1:query_runner,admin:tenant-1:pool_admin")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	handler := NewHandler(cfg, Dependencies{
		Pools:          &fakePools{closed: map[string]bool{"tenant-1": true}},
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	req := httptest.NewRequest(http.MethodDelete, "/v1/pools/tenant-1", nil)
	req.Header.Set("X-API-Key", "reader")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d for reader key", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/pools/tenant-1", nil)
	req.Header.Set("X-API-Key", "admin")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d for admin key", rr.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	handler := NewHandler(cfg, Dependencies{Service: &fakeService{}})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postJSON("/v1/query", `{"dsn":"d","question":"q"}`))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}
