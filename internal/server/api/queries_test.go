package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/store"
)

func TestDevicesListScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	env.store.deviceList = []models.Device{*env.device}

	rec := env.do(t, http.MethodGet, "/api/devices", "", env.deviceUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	devices := decodeBody[[]models.Device](t, rec)
	if len(devices) != 1 || devices[0].AgentID != testAgentID {
		t.Errorf("devices = %+v", devices)
	}

	want := store.Scope{UserID: env.deviceUser.ID, Role: models.RoleDeviceUser}
	if env.store.lastScope != want {
		t.Errorf("scope = %+v, want %+v", env.store.lastScope, want)
	}
}

func TestEmptyListsSerialiseAsArrays(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/devices", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want a JSON array, not null", got)
	}
}

func TestLogsFilterPassthrough(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/logs?agent_id="+testAgentID+"&timeframe=1h&limit=50", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := store.LogFilter{AgentID: testAgentID, Timeframe: "1h", Limit: 50}
	if env.store.lastLogF != want {
		t.Errorf("filter = %+v, want %+v", env.store.lastLogF, want)
	}
}

func TestLogsRejectUnknownTimeframe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/logs?timeframe=2w", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLogsRejectNegativeLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/logs?limit=-5", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCommandsQueryFilterPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.store.commandRows = []models.CommandEvent{
		{Timestamp: time.Now().UTC(), User: "root", Command: "id", Shell: "bash"},
	}

	rec := env.do(t, http.MethodGet, "/api/commands?timeframe=24h", "", env.deviceUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	cmds := decodeBody[[]models.CommandEvent](t, rec)
	if len(cmds) != 1 || cmds[0].Command != "id" {
		t.Errorf("commands = %+v", cmds)
	}
	if env.store.lastLogF.Timeframe != "24h" {
		t.Errorf("timeframe = %q, want 24h", env.store.lastLogF.Timeframe)
	}
}

func TestMetricsQueryRequiresAgentScope(t *testing.T) {
	env := newTestEnv(t)
	env.store.readableAgent = false

	rec := env.do(t, http.MethodGet, "/api/metrics/"+testAgentID, "", env.deviceUser, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 outside scope", rec.Code)
	}
}

func TestMetricsQueryReturnsSamples(t *testing.T) {
	env := newTestEnv(t)
	env.store.metricRows = []models.MetricSample{
		{Timestamp: time.Now().UTC(), AgentID: testAgentID, CPU: map[string]float64{"cpu_percent": 12.5}},
	}

	rec := env.do(t, http.MethodGet, "/api/metrics/"+testAgentID+"?timeframe=6h", "", env.deviceUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	samples := decodeBody[[]models.MetricSample](t, rec)
	if len(samples) != 1 || samples[0].CPUPercent() != 12.5 {
		t.Errorf("samples = %+v", samples)
	}
}

func TestMetricsQueryRequiresAgentInPath(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/metrics/", "", env.deviceUser, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProcessesPagination(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/processes/"+testAgentID+"?limit=25&offset=50", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.store.procLimit != 25 || env.store.procOffset != 50 {
		t.Errorf("limit, offset = %d, %d, want 25, 50", env.store.procLimit, env.store.procOffset)
	}
}

func TestDeviceAssignmentIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	body := mustJSON(t, models.AssignDeviceRequest{UserID: env.admin.ID})

	rec := env.do(t, http.MethodPost, "/api/devices/device-1/assignments", body, env.admin, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for non-owner", rec.Code)
	}
	if env.store.assigned != nil {
		t.Error("assignment should not have reached the store")
	}
}

func TestAssignDeviceToAdmin(t *testing.T) {
	env := newTestEnv(t)
	body := mustJSON(t, models.AssignDeviceRequest{UserID: env.admin.ID})

	rec := env.do(t, http.MethodPost, "/api/devices/device-1/assignments", body, env.owner, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	da := env.store.assigned
	if da == nil {
		t.Fatal("no assignment reached the store")
	}
	if da.DeviceID != "device-1" || da.UserID != env.admin.ID || da.AssignedBy != env.owner.ID {
		t.Errorf("assignment = %+v", da)
	}
}

func TestAssignDeviceRejectsNonAdminTarget(t *testing.T) {
	env := newTestEnv(t)
	body := mustJSON(t, models.AssignDeviceRequest{UserID: env.deviceUser.ID})

	rec := env.do(t, http.MethodPost, "/api/devices/device-1/assignments", body, env.owner, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; only admins can hold assignments", rec.Code)
	}
}

func TestUnassignDevice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/api/devices/device-1/assignments/"+env.admin.ID, "", env.owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.store.unassigned != [2]string{"device-1", env.admin.ID} {
		t.Errorf("unassigned = %v", env.store.unassigned)
	}
}

func TestDeviceSubrouteUnknownPath(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/devices/device-1", "", env.owner, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
