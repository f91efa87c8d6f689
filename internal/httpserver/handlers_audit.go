package httpserver

import (
	"net/http"
	"time"

	"github.com/paygate/server/internal/audit"
	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/pkg/responders"
)

func (h *handlers) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Type:  q.Get("type"),
		Actor: q.Get("actor"),
		Limit: atoiDefault(q.Get("limit"), 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "since must be ISO 8601", nil)
			return
		}
		filter.Since = &t
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"events": h.audit.List(filter)})
}

func (h *handlers) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.audit.Stats())
}

func (h *handlers) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	events := h.audit.List(audit.Filter{Limit: 100000, MaxCap: 100000})

	switch r.URL.Query().Get("format") {
	case "csv":
		body, err := audit.ExportCSV(events)
		if err != nil {
			apierrors.WriteError(w, apierrors.ErrCodeInternalError, "failed to export audit log", nil)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write(body)
	case "json", "":
		body, err := audit.ExportJSON(events)
		if err != nil {
			apierrors.WriteError(w, apierrors.ErrCodeInternalError, "failed to export audit log", nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	default:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "format must be csv or json", nil)
	}
}
