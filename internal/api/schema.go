package api

import (
	"net/http"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/introspect"
)

type schemaResponse struct {
	TableCount int                `json:"table_count"`
	Tables     []introspect.Table `json:"tables"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Service == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleSchemaReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	if message, ok := request.decode(r, false); !ok {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", message, false, nil)
		return
	}

	schema, err := deps.Service.Schema(r.Context(), tenantID, request.DSN)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{TableCount: schema.TableCount(), Tables: schema.Tables})
}
