// Package api exposes the server's HTTP surface: agent telemetry uploads,
// account and device management, alert triage, and the investigation
// queries behind the dashboard.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// Store is the persistence surface the handlers depend on. *store.Store
// implements it; tests substitute fakes.
type Store interface {
	Ping(ctx context.Context) error

	// Accounts and invitations.
	CreateUser(ctx context.Context, u *models.User) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	TouchLastLogin(ctx context.Context, userID string) error
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	UnexpiredInvitations(ctx context.Context) ([]models.Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error

	// Devices.
	CreateDevice(ctx context.Context, d *models.Device) error
	DeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error)
	ListDevices(ctx context.Context, scope store.Scope) ([]models.Device, error)
	CanReadAgent(ctx context.Context, scope store.Scope, agentID string) (bool, error)
	TouchLastSeen(ctx context.Context, agentID string) error
	AssignDevice(ctx context.Context, da *models.DeviceAssignment) error
	UnassignDevice(ctx context.Context, deviceID, userID string) error

	// Telemetry ingest and queries.
	InsertLogs(ctx context.Context, agentID string, recs []models.LogRecord) (int64, error)
	InsertMetric(ctx context.Context, agentID string, m *models.MetricSample) error
	ReplaceProcesses(ctx context.Context, agentID string, snaps []models.ProcessSnapshot) error
	InsertCommands(ctx context.Context, agentID string, cmds []models.CommandEvent) (int64, error)
	LastCommandSync(ctx context.Context, agentID string) (*time.Time, error)
	ListLogs(ctx context.Context, scope store.Scope, f store.LogFilter) ([]models.LogRecord, error)
	ListMetrics(ctx context.Context, agentID, timeframe string, limit int) ([]models.MetricSample, error)
	ListProcesses(ctx context.Context, agentID string, limit, offset int) ([]models.ProcessSnapshot, error)
	ListCommands(ctx context.Context, scope store.Scope, f store.LogFilter) ([]models.CommandEvent, error)

	// Alerts and triage.
	InsertAlert(ctx context.Context, a *models.Alert, window time.Duration) (bool, error)
	AlertByID(ctx context.Context, scope store.Scope, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, scope store.Scope, f store.AlertFilter) ([]models.Alert, error)
	MyAssignedAlerts(ctx context.Context, scope store.Scope, limit int) ([]models.Alert, error)
	UnassignedAlerts(ctx context.Context, scope store.Scope, limit int) ([]models.Alert, error)
	ActiveAssignment(ctx context.Context, alertID string) (*models.AlertAssignment, error)
	ClaimAlert(ctx context.Context, alertID string, actor *models.User) (*models.AlertAssignment, error)
	UpdateAssignmentStatus(ctx context.Context, alertID string, actor *models.User, upd store.StatusUpdate) (*models.AlertAssignment, error)
	EscalateAlert(ctx context.Context, alertID string, actor *models.User, notes string) (*models.AlertAssignment, error)
	CommentOnAlert(ctx context.Context, alertID string, actor *models.User, note string) (*models.AlertAssignment, error)
	BulkAssignAlerts(ctx context.Context, alertIDs []string, target, actor *models.User) (int, error)

	// Incidents.
	ListIncidents(ctx context.Context, scope store.Scope, f store.IncidentFilter) ([]models.Incident, error)
	IncidentByID(ctx context.Context, scope store.Scope, id int64) (*models.Incident, error)
	IncidentAlerts(ctx context.Context, incidentID int64) ([]models.Alert, error)
	UpdateIncidentStatus(ctx context.Context, id int64, status models.IncidentStatus) (*models.Incident, error)
}

// Hub pushes accepted alerts to connected dashboards and upgrades /ws.
type Hub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	BroadcastAlert(a *models.Alert)
	ClientCount() int
}

// Router handles HTTP routing.
type Router struct {
	mux     *http.ServeMux
	config  *config.Config
	store   Store
	tokens  *auth.TokenService
	hub     Hub
	started time.Time
}

// NewRouter wires every endpoint and returns the root handler.
func NewRouter(cfg *config.Config, st Store, tokens *auth.TokenService, hub Hub) http.Handler {
	rt := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		store:   st,
		tokens:  tokens,
		hub:     hub,
		started: time.Now(),
	}
	rt.setupRoutes()
	return rt
}

// setupRoutes configures all routes.
func (rt *Router) setupRoutes() {
	ingest := newIngestHandlers(rt.store, rt.hub)
	accounts := newAccountHandlers(rt.store, rt.tokens, rt.config)
	queries := newQueryHandlers(rt.store)
	alerts := newAlertHandlers(rt.store)
	incidents := newIncidentHandlers(rt.store)

	analysts := []models.Role{models.RoleOwner, models.RoleAdmin}

	// Agent upload endpoints. /api/alerts and /api/commands double as user
	// queries on GET, so the method switch picks the auth path.
	rt.mux.HandleFunc("/api/ingest", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withAgent(ingest.HandleLogs)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withAgent(ingest.HandleMetric)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/processes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withAgent(ingest.HandleProcesses)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/commands", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withAgent(ingest.HandleCommands)(w, r)
		case http.MethodGet:
			rt.withUser(queries.HandleCommands)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/commands/last-sync/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withAgent(ingest.HandleLastSync)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/alerts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withAgent(ingest.HandleAgentAlerts)(w, r)
		case http.MethodGet:
			rt.withUser(alerts.HandleList, analysts...)(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	// Accounts.
	rt.mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			accounts.HandleLogin(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/auth/signup", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			accounts.HandleSignup(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withUser(accounts.HandleCreateUser, models.RoleOwner)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(accounts.HandleMe)(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	// Device enrolment and management.
	rt.mux.HandleFunc("/api/device/create-invitation", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rt.withUser(accounts.HandleCreateInvitation)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/device/register", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			accounts.HandleRegisterDevice(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(queries.HandleDevices)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/devices/", func(w http.ResponseWriter, r *http.Request) {
		rt.withUser(queries.HandleDeviceAssignments, models.RoleOwner)(w, r)
	})

	// Investigation queries.
	rt.mux.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(queries.HandleLogs)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/metrics/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(queries.HandleMetrics)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/processes/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(queries.HandleProcesses)(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	// Alert triage and incidents. Role checks beyond analyst membership
	// (assignee, owner-only resolution) live in the store transitions.
	rt.mux.HandleFunc("/api/alerts/", func(w http.ResponseWriter, r *http.Request) {
		rt.withUser(alerts.HandleAlertTree, analysts...)(w, r)
	})
	rt.mux.HandleFunc("/api/incidents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rt.withUser(incidents.HandleList, analysts...)(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	rt.mux.HandleFunc("/api/incidents/", func(w http.ResponseWriter, r *http.Request) {
		rt.withUser(incidents.HandleIncidentTree, analysts...)(w, r)
	})

	// Live event stream.
	rt.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		rt.withUser(rt.hub.HandleWebSocket, analysts...)(w, r)
	})

	rt.mux.HandleFunc("/api/health", rt.handleHealth)
	rt.mux.HandleFunc("/api/version", rt.handleVersion)
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if rt.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", rt.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+agentIDHeader)
	}

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/ws") {
		addSecurityHeaders(w)
	}

	start := time.Now()
	rt.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response.
func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// handleHealth reports liveness plus database reachability.
func (rt *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	status := "healthy"
	code := http.StatusOK
	if err := rt.store.Ping(req.Context()); err != nil {
		log.Warn().Err(err).Msg("Health check database ping failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  time.Now().Unix(),
		"uptime":     time.Since(rt.started).Seconds(),
		"ws_clients": rt.hub.ClientCount(),
	})
}

// handleVersion handles version requests.
func (rt *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"runtime": "go",
	})
}

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"
