package api

import (
	"net/http"
	"strconv"

	"github.com/iotdatahub/core/internal/audit"
)

// recordCommand writes an audit trail entry for a dispatched command.
// Best effort: a failed write is logged and the request still succeeds.
func (s *Server) recordCommand(r *http.Request, token, command string, pin int, value string) {
	if s.audit == nil {
		return
	}

	// The token is a credential; log the device id instead.
	deviceID := ""
	if d, ok := s.cache.GetDeviceByToken(token); ok {
		deviceID = d.ID
	}

	entry := &audit.AuditLog{
		Action:     "command",
		EntityType: "device",
		EntityID:   deviceID,
		Source:     "api",
		Details: map[string]any{
			"command": command,
			"pin":     pin,
			"value":   value,
		},
	}

	if err := s.audit.Create(r.Context(), entry); err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}

// handleAuditList serves paginated audit log entries, newest first.
//
// Query parameters: action, entity_type, entity_id, limit, offset.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to query audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
