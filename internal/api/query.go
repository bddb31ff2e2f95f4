package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/service"
)

type queryRequest struct {
	DSN      string `json:"dsn"`
	Question string `json:"question"`
}

// decode parses and validates the shared request body for the query, stream,
// and schema endpoints. The DSN arrives per request and is never echoed back.
func (q *queryRequest) decode(r *http.Request, questionRequired bool) (string, bool) {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(q); err != nil {
		return "invalid request body", false
	}
	if strings.TrimSpace(q.DSN) == "" {
		return "dsn is required", false
	}
	if questionRequired && strings.TrimSpace(q.Question) == "" {
		return "question is required", false
	}
	return "", true
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Service == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	if message, ok := request.decode(r, true); !ok {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", message, false, nil)
		return
	}

	result, err := deps.Service.Ask(r.Context(), service.AskRequest{
		TenantID: tenantID,
		DSN:      request.DSN,
		Question: request.Question,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
