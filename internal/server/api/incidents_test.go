package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/models"
)

func cannedIncident() *models.Incident {
	return &models.Incident{
		ID:              42,
		Name:            "Coordinated attack from 203.0.113.7",
		Description:     "5 alerts across 2 devices",
		Severity:        models.SeverityHigh,
		Status:          models.IncidentOpen,
		AlertCount:      5,
		AffectedDevices: []string{"web-01", "web-02"},
		AttackVector:    "brute_force",
		CreatedAt:       time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC),
	}
}

func TestIncidentListIsAnalystOnly(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/incidents", "", env.deviceUser, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("device_user status = %d, want 403", rec.Code)
	}
}

func TestIncidentListFilters(t *testing.T) {
	env := newTestEnv(t)
	env.store.incidentRows = []models.Incident{*cannedIncident()}

	rec := env.do(t, http.MethodGet, "/api/incidents?status=open&severity=high&limit=5", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	f := env.store.lastIncidentF
	if f.Status != models.IncidentOpen || f.Severity != models.SeverityHigh || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
	incidents := decodeBody[[]models.Incident](t, rec)
	if len(incidents) != 1 || incidents[0].ID != 42 {
		t.Errorf("incidents = %+v", incidents)
	}
}

func TestIncidentListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/incidents?status=archived", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIncidentListRejectsUnknownSeverity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/incidents?severity=apocalyptic", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIncidentDetail(t *testing.T) {
	env := newTestEnv(t)
	env.store.incident = cannedIncident()

	rec := env.do(t, http.MethodGet, "/api/incidents/42", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	inc := decodeBody[models.Incident](t, rec)
	if inc.ID != 42 || inc.AttackVector != "brute_force" {
		t.Errorf("incident = %+v", inc)
	}
}

func TestIncidentDetailNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/incidents/42", "", env.admin, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestIncidentIDMustBeInteger(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/incidents/latest", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIncidentAlertsRideOnVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.store.incidentAlerts = []models.Alert{*cannedAlert(models.StatusUnassigned)}

	// Invisible incident: member alerts must not leak.
	rec := env.do(t, http.MethodGet, "/api/incidents/42/alerts", "", env.admin, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when the incident is not visible", rec.Code)
	}

	env.store.incident = cannedIncident()
	rec = env.do(t, http.MethodGet, "/api/incidents/42/alerts", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	alerts := decodeBody[[]models.Alert](t, rec)
	if len(alerts) != 1 {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestIncidentStatusUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.store.incident = cannedIncident()

	body := mustJSON(t, models.IncidentStatusUpdate{Status: models.IncidentResolved})
	rec := env.do(t, http.MethodPut, "/api/incidents/42/status", body, env.owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.store.updatedIncident != models.IncidentResolved {
		t.Errorf("stored status = %q, want resolved", env.store.updatedIncident)
	}
}

func TestIncidentStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.store.incident = cannedIncident()

	rec := env.do(t, http.MethodPut, "/api/incidents/42/status", `{"status":"purged"}`, env.owner, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIncidentReportIsPDF(t *testing.T) {
	env := newTestEnv(t)
	env.store.incident = cannedIncident()
	env.store.incidentAlerts = []models.Alert{*cannedAlert(models.StatusUnassigned)}

	rec := env.do(t, http.MethodGet, "/api/incidents/42/report", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q, want application/pdf", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "incident-42.pdf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF-") {
		t.Errorf("body does not start with a PDF header: %.16q", rec.Body.String())
	}
}
