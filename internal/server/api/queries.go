package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// queryHandlers serves the read side: devices, logs, commands, metrics,
// and process tables. Row visibility is enforced by the store scope.
type queryHandlers struct {
	store Store
}

func newQueryHandlers(st Store) *queryHandlers {
	return &queryHandlers{store: st}
}

// scopeFrom derives the row-filtering scope from the authenticated user.
func scopeFrom(r *http.Request) (store.Scope, *models.User, error) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		return store.Scope{}, nil, errors.NotPermitted("api.scope", "no authenticated user")
	}
	return store.ScopeUser(user), user, nil
}

// HandleDevices lists the devices the caller may see.
func (h *queryHandlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	devices, err := h.store.ListDevices(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(devices))
}

// HandleDeviceAssignments dispatches the owner-only assignment routes:
// POST /api/devices/{id}/assignments and
// DELETE /api/devices/{id}/assignments/{user_id}.
func (h *queryHandlers) HandleDeviceAssignments(w http.ResponseWriter, r *http.Request) {
	const op = "api.device_assignments"

	_, actor, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "assignments" {
		writeError(w, r, errors.NotFound(op, "no such route"))
		return
	}
	deviceID := parts[0]

	switch {
	case r.Method == http.MethodPost && len(parts) == 2:
		var req models.AssignDeviceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		target, err := h.store.UserByID(r.Context(), req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if target.Role != models.RoleAdmin {
			writeError(w, r, errors.Validation(op, "devices can only be assigned to admins"))
			return
		}
		da := &models.DeviceAssignment{
			DeviceID:   deviceID,
			UserID:     target.ID,
			AssignedBy: actor.ID,
			AssignedAt: time.Now().UTC(),
		}
		if err := h.store.AssignDevice(r.Context(), da); err != nil {
			writeError(w, r, err)
			return
		}
		log.Info().Str("device_id", deviceID).Str("user_id", target.ID).Msg("Device assigned")
		writeJSON(w, http.StatusCreated, da)

	case r.Method == http.MethodDelete && len(parts) == 3 && parts[2] != "":
		if err := h.store.UnassignDevice(r.Context(), deviceID, parts[2]); err != nil {
			writeError(w, r, err)
			return
		}
		log.Info().Str("device_id", deviceID).Str("user_id", parts[2]).Msg("Device unassigned")
		writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})

	default:
		methodNotAllowed(w)
	}
}

// HandleLogs returns log records filtered by agent, timeframe, and limit.
func (h *queryHandlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := logFilterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.store.ListLogs(r.Context(), scope, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(recs))
}

// HandleCommands returns shell command events under the same filters as
// logs.
func (h *queryHandlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := logFilterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cmds, err := h.store.ListCommands(r.Context(), scope, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(cmds))
}

func logFilterFrom(r *http.Request) (store.LogFilter, error) {
	timeframe, err := queryTimeframe(r)
	if err != nil {
		return store.LogFilter{}, err
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return store.LogFilter{}, err
	}
	return store.LogFilter{
		AgentID:   r.URL.Query().Get("agent_id"),
		Timeframe: timeframe,
		Limit:     limit,
	}, nil
}

// HandleMetrics returns resource samples for one agent.
func (h *queryHandlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	const op = "api.metrics_query"

	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agentID := pathTail(r.URL.Path, "/api/metrics/")
	if agentID == "" {
		writeError(w, r, errors.Validation(op, "agent id missing from path"))
		return
	}
	if err := h.authorizeAgent(r, scope, agentID); err != nil {
		writeError(w, r, err)
		return
	}
	timeframe, err := queryTimeframe(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	samples, err := h.store.ListMetrics(r.Context(), agentID, timeframe, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(samples))
}

// HandleProcesses returns the latest process table for one agent with
// offset pagination.
func (h *queryHandlers) HandleProcesses(w http.ResponseWriter, r *http.Request) {
	const op = "api.processes_query"

	scope, _, err := scopeFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agentID := pathTail(r.URL.Path, "/api/processes/")
	if agentID == "" {
		writeError(w, r, errors.Validation(op, "agent id missing from path"))
		return
	}
	if err := h.authorizeAgent(r, scope, agentID); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	procs, err := h.store.ListProcesses(r.Context(), agentID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmptySlice(procs))
}

// authorizeAgent rejects per-agent queries outside the caller's scope.
func (h *queryHandlers) authorizeAgent(r *http.Request, scope store.Scope, agentID string) error {
	ok, err := h.store.CanReadAgent(r.Context(), scope, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NotPermitted("api.agent_scope", "agent %s is outside your scope", agentID)
	}
	return nil
}
