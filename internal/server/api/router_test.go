package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// fakeStore satisfies Store with canned rows and records every mutating
// call so tests can assert on what the handlers asked for.
type fakeStore struct {
	pingErr error

	users       map[string]*models.User // keyed by id
	createdUser *models.User
	lastLogins  []string

	invitations       []models.Invitation
	createdInvitation *models.Invitation
	deletedInvitation string

	devices       map[string]*models.Device // keyed by agent id
	createdDevice *models.Device
	touched       []string
	deviceList    []models.Device
	readableAgent bool
	assigned      *models.DeviceAssignment
	unassigned    [2]string

	insertedLogs     []models.LogRecord
	insertedMetric   *models.MetricSample
	replacedProcs    []models.ProcessSnapshot
	insertedCommands []models.CommandEvent
	commandsKept     int64
	lastSync         *time.Time

	logRows     []models.LogRecord
	metricRows  []models.MetricSample
	procRows    []models.ProcessSnapshot
	commandRows []models.CommandEvent
	lastLogF    store.LogFilter
	lastScope   store.Scope
	procLimit   int
	procOffset  int

	alertRows      []models.Alert
	alertByID      *models.Alert
	lastAlertF     store.AlertFilter
	insertedAlerts []*models.Alert
	alertWindows   []time.Duration
	duplicateAlert bool

	assignment    *models.AlertAssignment
	triageErr     error
	lastStatusUpd store.StatusUpdate
	bulkIDs       []string
	bulkTarget    *models.User
	bulkCount     int

	incidentRows    []models.Incident
	incident        *models.Incident
	incidentAlerts  []models.Alert
	lastIncidentF   store.IncidentFilter
	updatedIncident models.IncidentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[string]*models.User{},
		devices:       map[string]*models.Device{},
		readableAgent: true,
		commandsKept:  -1,
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) CreateUser(ctx context.Context, u *models.User) error {
	f.createdUser = u
	return nil
}

func (f *fakeStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, errors.NotFound("store.user_by_email", "no user %s", email)
}

func (f *fakeStore) UserByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, errors.NotFound("store.user_by_id", "no user %s", id)
}

func (f *fakeStore) TouchLastLogin(ctx context.Context, userID string) error {
	f.lastLogins = append(f.lastLogins, userID)
	return nil
}

func (f *fakeStore) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	f.createdInvitation = inv
	f.invitations = append(f.invitations, *inv)
	return nil
}

func (f *fakeStore) UnexpiredInvitations(ctx context.Context) ([]models.Invitation, error) {
	return f.invitations, nil
}

func (f *fakeStore) DeleteInvitation(ctx context.Context, id string) error {
	f.deletedInvitation = id
	return nil
}

func (f *fakeStore) CreateDevice(ctx context.Context, d *models.Device) error {
	if _, exists := f.devices[d.AgentID]; exists {
		return errors.Conflict("store.create_device", "agent %s is already registered", d.AgentID)
	}
	f.createdDevice = d
	f.devices[d.AgentID] = d
	return nil
}

func (f *fakeStore) DeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error) {
	if d, ok := f.devices[agentID]; ok {
		return d, nil
	}
	return nil, errors.NotFound("store.device_by_agent_id", "agent %s is not registered", agentID)
}

func (f *fakeStore) ListDevices(ctx context.Context, scope store.Scope) ([]models.Device, error) {
	f.lastScope = scope
	return f.deviceList, nil
}

func (f *fakeStore) CanReadAgent(ctx context.Context, scope store.Scope, agentID string) (bool, error) {
	f.lastScope = scope
	return f.readableAgent, nil
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, agentID string) error {
	f.touched = append(f.touched, agentID)
	return nil
}

func (f *fakeStore) AssignDevice(ctx context.Context, da *models.DeviceAssignment) error {
	f.assigned = da
	return nil
}

func (f *fakeStore) UnassignDevice(ctx context.Context, deviceID, userID string) error {
	f.unassigned = [2]string{deviceID, userID}
	return nil
}

func (f *fakeStore) InsertLogs(ctx context.Context, agentID string, recs []models.LogRecord) (int64, error) {
	f.insertedLogs = recs
	return int64(len(recs)), nil
}

func (f *fakeStore) InsertMetric(ctx context.Context, agentID string, m *models.MetricSample) error {
	f.insertedMetric = m
	return nil
}

func (f *fakeStore) ReplaceProcesses(ctx context.Context, agentID string, snaps []models.ProcessSnapshot) error {
	f.replacedProcs = snaps
	return nil
}

func (f *fakeStore) InsertCommands(ctx context.Context, agentID string, cmds []models.CommandEvent) (int64, error) {
	f.insertedCommands = cmds
	if f.commandsKept >= 0 {
		return f.commandsKept, nil
	}
	return int64(len(cmds)), nil
}

func (f *fakeStore) LastCommandSync(ctx context.Context, agentID string) (*time.Time, error) {
	return f.lastSync, nil
}

func (f *fakeStore) ListLogs(ctx context.Context, scope store.Scope, lf store.LogFilter) ([]models.LogRecord, error) {
	f.lastScope = scope
	f.lastLogF = lf
	return f.logRows, nil
}

func (f *fakeStore) ListMetrics(ctx context.Context, agentID, timeframe string, limit int) ([]models.MetricSample, error) {
	return f.metricRows, nil
}

func (f *fakeStore) ListProcesses(ctx context.Context, agentID string, limit, offset int) ([]models.ProcessSnapshot, error) {
	f.procLimit = limit
	f.procOffset = offset
	return f.procRows, nil
}

func (f *fakeStore) ListCommands(ctx context.Context, scope store.Scope, lf store.LogFilter) ([]models.CommandEvent, error) {
	f.lastScope = scope
	f.lastLogF = lf
	return f.commandRows, nil
}

func (f *fakeStore) InsertAlert(ctx context.Context, a *models.Alert, window time.Duration) (bool, error) {
	f.alertWindows = append(f.alertWindows, window)
	if f.duplicateAlert {
		return false, nil
	}
	f.insertedAlerts = append(f.insertedAlerts, a)
	return true, nil
}

func (f *fakeStore) AlertByID(ctx context.Context, scope store.Scope, id string) (*models.Alert, error) {
	f.lastScope = scope
	if f.alertByID == nil {
		return nil, errors.NotFound("store.alert_by_id", "alert %s not found", id)
	}
	return f.alertByID, nil
}

func (f *fakeStore) ListAlerts(ctx context.Context, scope store.Scope, af store.AlertFilter) ([]models.Alert, error) {
	f.lastScope = scope
	f.lastAlertF = af
	return f.alertRows, nil
}

func (f *fakeStore) MyAssignedAlerts(ctx context.Context, scope store.Scope, limit int) ([]models.Alert, error) {
	f.lastScope = scope
	return f.alertRows, nil
}

func (f *fakeStore) UnassignedAlerts(ctx context.Context, scope store.Scope, limit int) ([]models.Alert, error) {
	f.lastScope = scope
	return f.alertRows, nil
}

func (f *fakeStore) ActiveAssignment(ctx context.Context, alertID string) (*models.AlertAssignment, error) {
	if f.assignment == nil {
		return nil, errors.NotFound("store.active_assignment", "alert %s has no active assignment", alertID)
	}
	return f.assignment, nil
}

func (f *fakeStore) ClaimAlert(ctx context.Context, alertID string, actor *models.User) (*models.AlertAssignment, error) {
	if f.triageErr != nil {
		return nil, f.triageErr
	}
	return f.assignment, nil
}

func (f *fakeStore) UpdateAssignmentStatus(ctx context.Context, alertID string, actor *models.User, upd store.StatusUpdate) (*models.AlertAssignment, error) {
	if f.triageErr != nil {
		return nil, f.triageErr
	}
	f.lastStatusUpd = upd
	return f.assignment, nil
}

func (f *fakeStore) EscalateAlert(ctx context.Context, alertID string, actor *models.User, notes string) (*models.AlertAssignment, error) {
	if f.triageErr != nil {
		return nil, f.triageErr
	}
	return f.assignment, nil
}

func (f *fakeStore) CommentOnAlert(ctx context.Context, alertID string, actor *models.User, note string) (*models.AlertAssignment, error) {
	if f.triageErr != nil {
		return nil, f.triageErr
	}
	return f.assignment, nil
}

func (f *fakeStore) BulkAssignAlerts(ctx context.Context, alertIDs []string, target, actor *models.User) (int, error) {
	f.bulkIDs = alertIDs
	f.bulkTarget = target
	return f.bulkCount, nil
}

func (f *fakeStore) ListIncidents(ctx context.Context, scope store.Scope, inf store.IncidentFilter) ([]models.Incident, error) {
	f.lastScope = scope
	f.lastIncidentF = inf
	return f.incidentRows, nil
}

func (f *fakeStore) IncidentByID(ctx context.Context, scope store.Scope, id int64) (*models.Incident, error) {
	f.lastScope = scope
	if f.incident == nil {
		return nil, errors.NotFound("store.incident_by_id", "incident %d not found", id)
	}
	return f.incident, nil
}

func (f *fakeStore) IncidentAlerts(ctx context.Context, incidentID int64) ([]models.Alert, error) {
	return f.incidentAlerts, nil
}

func (f *fakeStore) UpdateIncidentStatus(ctx context.Context, id int64, status models.IncidentStatus) (*models.Incident, error) {
	f.updatedIncident = status
	return f.incident, nil
}

// fakeHub records broadcasts and websocket upgrades.
type fakeHub struct {
	alerts  []*models.Alert
	wsCalls int
}

func (h *fakeHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsCalls++
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) BroadcastAlert(a *models.Alert) { h.alerts = append(h.alerts, a) }
func (h *fakeHub) ClientCount() int               { return 0 }

type testEnv struct {
	handler http.Handler
	store   *fakeStore
	hub     *fakeHub
	tokens  *auth.TokenService

	owner      *models.User
	admin      *models.User
	deviceUser *models.User
	device     *models.Device
}

const testAgentID = "6f1f939c-2f6f-4a53-a316-180e0c062f7a"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService("test-signing-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}

	st := newFakeStore()
	env := &testEnv{store: st, hub: &fakeHub{}, tokens: tokens}

	env.owner = &models.User{ID: "owner-1", Email: "owner@example.com", Role: models.RoleOwner, IsActive: true}
	env.admin = &models.User{ID: "admin-1", Email: "admin@example.com", Role: models.RoleAdmin, IsActive: true}
	env.deviceUser = &models.User{ID: "devuser-1", Email: "dev@example.com", Role: models.RoleDeviceUser, IsActive: true}
	for _, u := range []*models.User{env.owner, env.admin, env.deviceUser} {
		st.users[u.ID] = u
	}

	env.device = &models.Device{
		ID:       "device-1",
		AgentID:  testAgentID,
		Hostname: "web-01",
		Name:     "web-01",
		UserID:   env.deviceUser.ID,
		Status:   models.DeviceOnline,
	}
	st.devices[testAgentID] = env.device

	cfg := config.Defaults(t.TempDir())
	env.handler = NewRouter(cfg, st, tokens, env.hub)
	return env
}

func (e *testEnv) tokenFor(t *testing.T, u *models.User) string {
	t.Helper()
	token, _, err := e.tokens.Issue(u)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

// do runs a request through the router. A non-nil user gets a bearer
// token; a non-empty agentID gets the agent header.
func (e *testEnv) do(t *testing.T, method, path, body string, user *models.User, agentID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.tokenFor(t, user))
	}
	if agentID != "" {
		req.Header.Set(agentIDHeader, agentID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthReportsDegradedDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = errors.Transient("store.ping", context.DeadlineExceeded)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/version", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version status = %d, want 200", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["runtime"] != "go" {
		t.Errorf("runtime = %q, want go", body["runtime"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/api/ingest", "", nil, testAgentID)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestSecurityHeadersOnAPIRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil, "")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestCORSHeadersWhenConfigured(t *testing.T) {
	tokens, err := auth.NewTokenService("test-signing-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	cfg := config.Defaults(t.TempDir())
	cfg.AllowedOrigins = "https://soc.example.com"
	handler := NewRouter(cfg, newFakeStore(), tokens, &fakeHub{})

	req := httptest.NewRequest(http.MethodOptions, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://soc.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestUserAuthRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/devices", "", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestUserAuthRejectsGarbageToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestUserAuthRejectsDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	env.admin.IsActive = false

	rec := env.do(t, http.MethodGet, "/api/devices", "", env.admin, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestUserAuthRejectsDeletedAccount(t *testing.T) {
	env := newTestEnv(t)
	ghost := &models.User{ID: "ghost-1", Email: "ghost@example.com", Role: models.RoleAdmin, IsActive: true}

	rec := env.do(t, http.MethodGet, "/api/devices", "", ghost, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestWebSocketRequiresAnalystRole(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ws", "", env.deviceUser, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("device_user /ws status = %d, want 403", rec.Code)
	}
	if env.hub.wsCalls != 0 {
		t.Error("hub should not be reached without authorization")
	}
}

func TestWebSocketAcceptsQueryToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ws?token="+env.tokenFor(t, env.admin), "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/ws status = %d, want 200", rec.Code)
	}
	if env.hub.wsCalls != 1 {
		t.Errorf("hub upgrades = %d, want 1", env.hub.wsCalls)
	}
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/ingest", "[]", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody[models.ErrorResponse](t, rec)
	if body.Detail == "" {
		t.Error("error responses must carry a detail message")
	}
}
