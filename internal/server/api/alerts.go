package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// alertHandlers serves alert queries and the triage transitions. The
// transition legality (who may claim, resolve, escalate) is enforced by
// the store so API and future callers share one rulebook.
type alertHandlers struct {
	store Store
}

func newAlertHandlers(st Store) *alertHandlers {
	return &alertHandlers{store: st}
}

// HandleList returns visible alerts, newest first.
func (h *alertHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), scope, store.AlertFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(alerts))
}

// HandleAlertTree dispatches everything under /api/alerts/: the triage
// views (my-assignments, unassigned, by-status), bulk assignment, and the
// per-alert transitions.
func (h *alertHandlers) HandleAlertTree(w http.ResponseWriter, r *http.Request) {
	const op = "api.alerts"

	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	switch {
	case rest == "my-assignments":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleMyAssignments(w, r)
	case rest == "unassigned":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleUnassigned(w, r)
	case strings.HasPrefix(rest, "by-status/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleByStatus(w, r, strings.TrimPrefix(rest, "by-status/"))
	case rest == "bulk-assign":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.handleBulkAssign(w, r)
	case rest == "":
		writeError(w, r, errors.Validation(op, "alert id missing from path"))
	default:
		h.handleAlertAction(w, r, rest)
	}
}

func (h *alertHandlers) handleMyAssignments(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := h.store.MyAssignedAlerts(r.Context(), scope, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(alerts))
}

func (h *alertHandlers) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := h.store.UnassignedAlerts(r.Context(), scope, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(alerts))
}

func (h *alertHandlers) handleByStatus(w http.ResponseWriter, r *http.Request, raw string) {
	const op = "api.alerts_by_status"

	status := models.AssignmentStatus(raw)
	if !status.Valid() {
		writeError(w, r, errors.Validation(op, "unknown assignment status %q", raw))
		return
	}
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), scope, store.AlertFilter{Status: status, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(alerts))
}

func (h *alertHandlers) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	const op = "api.bulk_assign"

	_, actor, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req models.BulkAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.AlertIDs) == 0 {
		writeError(w, r, errors.Validation(op, "alert_ids is empty"))
		return
	}
	if req.AssignedTo == "" {
		writeError(w, r, errors.Validation(op, "assigned_to is required"))
		return
	}
	target, err := h.store.UserByID(r.Context(), req.AssignedTo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.store.BulkAssignAlerts(r.Context(), req.AlertIDs, target, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordTriageTransition("bulk_assign")
	log.Info().Int("assigned", n).Str("target", target.ID).Str("actor", actor.ID).Msg("Bulk alert assignment")
	writeJSON(w, http.StatusOK, models.BulkAssignResponse{Assigned: n})
}

// handleAlertAction routes /api/alerts/{id} and /api/alerts/{id}/{action}.
func (h *alertHandlers) handleAlertAction(w http.ResponseWriter, r *http.Request, rest string) {
	const op = "api.alert_action"

	scope, actor, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	alertID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGetAlert(w, r, scope, alertID)

	case action == "claim" && r.Method == http.MethodPost:
		assignment, err := h.store.ClaimAlert(r.Context(), alertID, actor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.RecordTriageTransition("claim")
		log.Info().Str("alert_id", alertID).Str("user_id", actor.ID).Msg("Alert claimed")
		writeJSON(w, http.StatusOK, assignment)

	case action == "status" && r.Method == http.MethodPut:
		var req models.AlertAssignmentUpdate
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		assignment, err := h.store.UpdateAssignmentStatus(r.Context(), alertID, actor, store.StatusUpdate{
			Status:     req.Status,
			Resolution: req.Resolution,
			Notes:      req.Notes,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.RecordTriageTransition("set_status")
		log.Info().Str("alert_id", alertID).Str("status", string(req.Status)).Str("user_id", actor.ID).Msg("Assignment status updated")
		writeJSON(w, http.StatusOK, assignment)

	case action == "escalate" && r.Method == http.MethodPost:
		var req models.EscalateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		assignment, err := h.store.EscalateAlert(r.Context(), alertID, actor, req.Notes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.RecordTriageTransition("escalate")
		log.Info().Str("alert_id", alertID).Str("user_id", actor.ID).Msg("Alert escalated")
		writeJSON(w, http.StatusOK, assignment)

	case action == "comments" && r.Method == http.MethodPost:
		var req models.CommentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Note) == "" {
			writeError(w, r, errors.Validation(op, "note is empty"))
			return
		}
		assignment, err := h.store.CommentOnAlert(r.Context(), alertID, actor, req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.RecordTriageTransition("comment")
		writeJSON(w, http.StatusOK, assignment)

	default:
		methodNotAllowed(w)
	}
}

func (h *alertHandlers) handleGetAlert(w http.ResponseWriter, r *http.Request, scope store.Scope, alertID string) {
	alert, err := h.store.AlertByID(r.Context(), scope, alertID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail := models.AlertDetail{Alert: alert}
	if alert.AssignmentStatus != models.StatusUnassigned {
		assignment, err := h.store.ActiveAssignment(r.Context(), alert.ID)
		if err != nil && errors.KindOf(err) != errors.KindNotFound {
			writeError(w, r, err)
			return
		}
		detail.Assignment = assignment
	}
	writeJSON(w, http.StatusOK, detail)
}
