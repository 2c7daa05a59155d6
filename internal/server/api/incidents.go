package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/reporting"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// incidentHandlers serves incident queries, lifecycle updates, and the
// PDF export.
type incidentHandlers struct {
	store Store
}

func newIncidentHandlers(st Store) *incidentHandlers {
	return &incidentHandlers{store: st}
}

// HandleList returns visible incidents, optionally filtered by status and
// severity.
func (h *incidentHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.incidents"

	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := store.IncidentFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.IncidentStatus(raw)
		if status != models.IncidentOpen && status != models.IncidentInvestigating && status != models.IncidentResolved {
			writeError(w, r, errors.Validation(op, "unknown incident status %q", raw))
			return
		}
		f.Status = status
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		severity := models.Severity(raw)
		if !severity.Valid() {
			writeError(w, r, errors.Validation(op, "unknown severity %q", raw))
			return
		}
		f.Severity = severity
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.Limit = limit

	incidents, err := h.store.ListIncidents(r.Context(), scope, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(incidents))
}

// HandleIncidentTree dispatches /api/incidents/{id} plus the alerts,
// status, and report subresources.
func (h *incidentHandlers) HandleIncidentTree(w http.ResponseWriter, r *http.Request) {
	const op = "api.incident"

	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/incidents/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, errors.Validation(op, "incident id must be an integer"))
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	// Every subresource rides on the visibility check in IncidentByID.
	incident, err := h.store.IncidentByID(r.Context(), scope, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, incident)

	case action == "alerts" && r.Method == http.MethodGet:
		alerts, err := h.store.IncidentAlerts(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, orEmptySlice(alerts))

	case action == "status" && r.Method == http.MethodPut:
		var req models.IncidentStatusUpdate
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		switch req.Status {
		case models.IncidentOpen, models.IncidentInvestigating, models.IncidentResolved:
		default:
			writeError(w, r, errors.Validation(op, "unknown incident status %q", req.Status))
			return
		}
		updated, err := h.store.UpdateIncidentStatus(r.Context(), id, req.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		log.Info().Int64("incident_id", id).Str("status", string(req.Status)).Msg("Incident status updated")
		writeJSON(w, http.StatusOK, updated)

	case action == "report" && r.Method == http.MethodGet:
		alerts, err := h.store.IncidentAlerts(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		pdf, err := reporting.IncidentPDF(incident, alerts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("incident-%d.pdf", id)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(pdf); err != nil {
			log.Error().Err(err).Int64("incident_id", id).Msg("Failed to write incident report")
		}

	default:
		methodNotAllowed(w)
	}
}
