package api

import (
	"net/http"
	"strings"

	"github.com/querydesk/querydesk/internal/auth"
)

// handleClosePool evicts one tenant's pool. The next query for that tenant
// recreates it lazily, so eviction is safe to use after rotating a DSN.
func handleClosePool(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pools == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "POOLS_NOT_CONFIGURED", "pool administration is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RolePoolAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if tenantID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant path segment is required", false, nil)
		return
	}

	closed := deps.Pools.ClosePool(tenantID)
	status := http.StatusOK
	if !closed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"tenant_id":    tenantID,
		"closed":       closed,
		"active_pools": deps.Pools.PoolCount(),
	})
}
