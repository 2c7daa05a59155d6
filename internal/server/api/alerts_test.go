package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const testAlertID = "01JG8B2V9FJ0M6W4YCJ8Q2T5RK"

func cannedAlert(status models.AssignmentStatus) *models.Alert {
	return &models.Alert{
		ID:               testAlertID,
		RuleName:         "ssh_brute_force",
		Severity:         models.SeverityHigh,
		Details:          map[string]any{"hostname": "web-01", "source_ip": "203.0.113.7"},
		AgentID:          testAgentID,
		CreatedAt:        time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		AssignmentStatus: status,
	}
}

func cannedAssignment(status models.AssignmentStatus) *models.AlertAssignment {
	return &models.AlertAssignment{
		ID:         7,
		AlertID:    testAlertID,
		AssignedTo: "admin-1",
		AssignedAt: time.Date(2025, 6, 3, 9, 5, 0, 0, time.UTC),
		Status:     status,
	}
}

func TestAlertListIsAnalystOnly(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alerts", "", env.deviceUser, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("device_user status = %d, want 403", rec.Code)
	}
}

func TestAlertListFilterPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertRows = []models.Alert{*cannedAlert(models.StatusUnassigned)}

	rec := env.do(t, http.MethodGet, "/api/alerts?agent_id="+testAgentID+"&limit=10", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	alerts := decodeBody[[]models.Alert](t, rec)
	if len(alerts) != 1 || alerts[0].RuleName != "ssh_brute_force" {
		t.Errorf("alerts = %+v", alerts)
	}
	if env.store.lastAlertF.AgentID != testAgentID || env.store.lastAlertF.Limit != 10 {
		t.Errorf("filter = %+v", env.store.lastAlertF)
	}
}

func TestAlertsByStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alerts/by-status/escalated", "", env.owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.store.lastAlertF.Status != models.StatusEscalated {
		t.Errorf("status filter = %q, want escalated", env.store.lastAlertF.Status)
	}
}

func TestAlertsByStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alerts/by-status/snoozed", "", env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMyAssignmentsQueue(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertRows = []models.Alert{*cannedAlert(models.StatusInvestigating)}

	rec := env.do(t, http.MethodGet, "/api/alerts/my-assignments", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.store.lastScope.UserID != env.admin.ID {
		t.Errorf("scope user = %q, want the caller", env.store.lastScope.UserID)
	}
}

func TestUnassignedQueue(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertRows = []models.Alert{*cannedAlert(models.StatusUnassigned)}

	rec := env.do(t, http.MethodGet, "/api/alerts/unassigned", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	alerts := decodeBody[[]models.Alert](t, rec)
	if len(alerts) != 1 {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestGetAlertIncludesActiveAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertByID = cannedAlert(models.StatusInvestigating)
	env.store.assignment = cannedAssignment(models.StatusInvestigating)

	rec := env.do(t, http.MethodGet, "/api/alerts/"+testAlertID, "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	detail := decodeBody[models.AlertDetail](t, rec)
	if detail.Alert == nil || detail.Alert.ID != testAlertID {
		t.Fatalf("detail alert = %+v", detail.Alert)
	}
	if detail.Assignment == nil || detail.Assignment.AssignedTo != "admin-1" {
		t.Errorf("assignment = %+v", detail.Assignment)
	}
}

func TestGetAlertOmitsAssignmentWhenUnassigned(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertByID = cannedAlert(models.StatusUnassigned)

	rec := env.do(t, http.MethodGet, "/api/alerts/"+testAlertID, "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"assignment"`) {
		t.Errorf("body = %s, want no assignment key", rec.Body.String())
	}
}

func TestGetAlertToleratesMissingAssignmentRow(t *testing.T) {
	env := newTestEnv(t)
	env.store.alertByID = cannedAlert(models.StatusResolved)
	env.store.assignment = nil // history trimmed, alert row remains

	rec := env.do(t, http.MethodGet, "/api/alerts/"+testAlertID, "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetAlertNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alerts/01JGDOESNOTEXIST0000000000", "", env.admin, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestClaimAlert(t *testing.T) {
	env := newTestEnv(t)
	env.store.assignment = cannedAssignment(models.StatusInvestigating)

	rec := env.do(t, http.MethodPost, "/api/alerts/"+testAlertID+"/claim", "", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	assignment := decodeBody[models.AlertAssignment](t, rec)
	if assignment.Status != models.StatusInvestigating {
		t.Errorf("status = %q, want investigating", assignment.Status)
	}
}

func TestClaimAlreadyClaimedAlertConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.store.triageErr = errors.Conflict("store.claim_alert", "alert %s is already being worked", testAlertID)

	rec := env.do(t, http.MethodPost, "/api/alerts/"+testAlertID+"/claim", "", env.admin, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decodeBody[models.ErrorResponse](t, rec)
	if !strings.Contains(body.Detail, "already being worked") {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestStatusUpdatePassesResolution(t *testing.T) {
	env := newTestEnv(t)
	env.store.assignment = cannedAssignment(models.StatusResolved)

	resolution := models.ResolutionFalsePositive
	body := mustJSON(t, models.AlertAssignmentUpdate{
		Status:     models.StatusResolved,
		Notes:      "scanner traffic from the office range",
		Resolution: &resolution,
	})
	rec := env.do(t, http.MethodPut, "/api/alerts/"+testAlertID+"/status", body, env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	upd := env.store.lastStatusUpd
	if upd.Status != models.StatusResolved {
		t.Errorf("status = %q, want resolved", upd.Status)
	}
	if upd.Resolution == nil || *upd.Resolution != models.ResolutionFalsePositive {
		t.Errorf("resolution = %v, want false_positive", upd.Resolution)
	}
	if upd.Notes == "" {
		t.Error("notes were dropped")
	}
}

func TestEscalateAlert(t *testing.T) {
	env := newTestEnv(t)
	env.store.assignment = cannedAssignment(models.StatusEscalated)

	body := mustJSON(t, models.EscalateRequest{Notes: "needs owner review"})
	rec := env.do(t, http.MethodPost, "/api/alerts/"+testAlertID+"/escalate", body, env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	assignment := decodeBody[models.AlertAssignment](t, rec)
	if assignment.Status != models.StatusEscalated {
		t.Errorf("status = %q, want escalated", assignment.Status)
	}
}

func TestCommentRequiresNote(t *testing.T) {
	env := newTestEnv(t)
	env.store.assignment = cannedAssignment(models.StatusInvestigating)

	body := mustJSON(t, models.CommentRequest{Note: "   "})
	rec := env.do(t, http.MethodPost, "/api/alerts/"+testAlertID+"/comments", body, env.admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBulkAssign(t *testing.T) {
	env := newTestEnv(t)
	env.store.bulkCount = 2

	body := mustJSON(t, models.BulkAssignRequest{
		AlertIDs:   []string{"01JGALERTA0000000000000000", "01JGALERTB0000000000000000"},
		AssignedTo: env.admin.ID,
	})
	rec := env.do(t, http.MethodPost, "/api/alerts/bulk-assign", body, env.owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[models.BulkAssignResponse](t, rec)
	if resp.Assigned != 2 {
		t.Errorf("assigned = %d, want 2", resp.Assigned)
	}
	if len(env.store.bulkIDs) != 2 {
		t.Errorf("bulk ids = %v", env.store.bulkIDs)
	}
	if env.store.bulkTarget == nil || env.store.bulkTarget.ID != env.admin.ID {
		t.Errorf("target = %+v, want the admin", env.store.bulkTarget)
	}
}

func TestBulkAssignRequiresIDs(t *testing.T) {
	env := newTestEnv(t)

	body := mustJSON(t, models.BulkAssignRequest{AssignedTo: env.admin.ID})
	rec := env.do(t, http.MethodPost, "/api/alerts/bulk-assign", body, env.owner, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBulkAssignUnknownTarget(t *testing.T) {
	env := newTestEnv(t)

	body := mustJSON(t, models.BulkAssignRequest{AlertIDs: []string{testAlertID}, AssignedTo: "ghost-1"})
	rec := env.do(t, http.MethodPost, "/api/alerts/bulk-assign", body, env.owner, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAlertActionRejectsWrongMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alerts/"+testAlertID+"/claim", "", env.admin, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
