package api

import (
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// ingestHandlers accepts spooled telemetry batches from agents.
type ingestHandlers struct {
	store Store
	hub   Hub
}

func newIngestHandlers(st Store, hub Hub) *ingestHandlers {
	return &ingestHandlers{store: st, hub: hub}
}

// deviceFrom pulls the authenticated device out of the request context.
func deviceFrom(r *http.Request) (*models.Device, error) {
	device, ok := auth.DeviceFrom(r.Context())
	if !ok {
		return nil, errors.NotPermitted("api.ingest", "no authenticated device")
	}
	return device, nil
}

// HandleLogs ingests a batch of log records via the bulk-copy path.
func (h *ingestHandlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var recs []models.LogRecord
	if err := decodeJSON(r, &recs); err != nil {
		metrics.RecordIngestFailure(models.StreamLogs)
		writeError(w, r, err)
		return
	}
	n, err := h.store.InsertLogs(r.Context(), device.AgentID, recs)
	if err != nil {
		metrics.RecordIngestFailure(models.StreamLogs)
		writeError(w, r, err)
		return
	}
	metrics.RecordIngest(models.StreamLogs, int(n))
	writeJSON(w, http.StatusOK, models.IngestResponse{Inserted: int(n)})
}

// HandleMetric ingests one resource sample.
func (h *ingestHandlers) HandleMetric(w http.ResponseWriter, r *http.Request) {
	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var sample models.MetricSample
	if err := decodeJSON(r, &sample); err != nil {
		metrics.RecordIngestFailure(models.StreamMetrics)
		writeError(w, r, err)
		return
	}
	if err := h.store.InsertMetric(r.Context(), device.AgentID, &sample); err != nil {
		metrics.RecordIngestFailure(models.StreamMetrics)
		writeError(w, r, err)
		return
	}
	metrics.RecordIngest(models.StreamMetrics, 1)
	writeJSON(w, http.StatusOK, models.IngestResponse{Inserted: 1})
}

// HandleProcesses replaces the device's current process table and appends
// the snapshot to history, atomically.
func (h *ingestHandlers) HandleProcesses(w http.ResponseWriter, r *http.Request) {
	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var snaps []models.ProcessSnapshot
	if err := decodeJSON(r, &snaps); err != nil {
		metrics.RecordIngestFailure(models.StreamProcesses)
		writeError(w, r, err)
		return
	}
	if err := h.store.ReplaceProcesses(r.Context(), device.AgentID, snaps); err != nil {
		metrics.RecordIngestFailure(models.StreamProcesses)
		writeError(w, r, err)
		return
	}
	metrics.RecordIngest(models.StreamProcesses, len(snaps))
	writeJSON(w, http.StatusOK, models.IngestResponse{Inserted: len(snaps)})
}

// HandleCommands ingests shell history events; replays of already-seen
// commands are dropped by hash without erroring.
func (h *ingestHandlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var cmds []models.CommandEvent
	if err := decodeJSON(r, &cmds); err != nil {
		metrics.RecordIngestFailure(models.StreamCommands)
		writeError(w, r, err)
		return
	}
	n, err := h.store.InsertCommands(r.Context(), device.AgentID, cmds)
	if err != nil {
		metrics.RecordIngestFailure(models.StreamCommands)
		writeError(w, r, err)
		return
	}
	metrics.RecordIngest(models.StreamCommands, int(n))
	writeJSON(w, http.StatusOK, models.IngestResponse{Inserted: int(n)})
}

// HandleAgentAlerts accepts alerts raised by the agent's local rule engine.
// Each alert is re-keyed with a server id; repeats inside the dedup window
// are suppressed rather than stored twice.
func (h *ingestHandlers) HandleAgentAlerts(w http.ResponseWriter, r *http.Request) {
	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var uploads []models.AgentAlert
	if err := decodeJSON(r, &uploads); err != nil {
		metrics.RecordIngestFailure(models.StreamAlerts)
		writeError(w, r, err)
		return
	}

	accepted := 0
	for _, up := range uploads {
		if up.RuleName == "" {
			writeError(w, r, errors.Validation("api.ingest_alerts", "alert is missing rule_name"))
			return
		}
		createdAt := up.Timestamp
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		details := up.Details
		if details == nil {
			details = map[string]any{}
		}
		if _, ok := details["hostname"]; !ok {
			details["hostname"] = device.Hostname
		}
		alert := &models.Alert{
			ID:               ulid.Make().String(),
			RuleName:         up.RuleName,
			Severity:         models.ParseSeverity(string(up.Severity)),
			Details:          details,
			AgentID:          device.AgentID,
			CreatedAt:        createdAt.UTC(),
			AssignmentStatus: models.StatusUnassigned,
		}
		inserted, err := h.store.InsertAlert(r.Context(), alert, store.AlertDedupWindow)
		if err != nil {
			metrics.RecordIngestFailure(models.StreamAlerts)
			writeError(w, r, err)
			return
		}
		if !inserted {
			metrics.RecordAlertSuppressed(alert.RuleName)
			continue
		}
		accepted++
		metrics.RecordAlertEmitted(alert.RuleName, string(alert.Severity))
		h.hub.BroadcastAlert(alert)
		log.Info().
			Str("alert_id", alert.ID).
			Str("rule", alert.RuleName).
			Str("severity", string(alert.Severity)).
			Str("agent_id", alert.AgentID).
			Msg("Agent alert accepted")
	}
	metrics.RecordIngest(models.StreamAlerts, accepted)
	writeJSON(w, http.StatusOK, models.IngestResponse{Inserted: accepted})
}

// HandleLastSync tells the agent the newest command timestamp the server
// holds so history parsing can resume where the last upload stopped.
func (h *ingestHandlers) HandleLastSync(w http.ResponseWriter, r *http.Request) {
	const op = "api.last_sync"

	device, err := deviceFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agentID := pathTail(r.URL.Path, "/api/commands/last-sync/")
	if agentID == "" {
		writeError(w, r, errors.Validation(op, "agent id missing from path"))
		return
	}
	if agentID != device.AgentID {
		writeError(w, r, errors.NotPermitted(op, "agents may only query their own sync point"))
		return
	}
	ts, err := h.store.LastCommandSync(r.Context(), device.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.LastSyncResponse{Timestamp: ts})
}
