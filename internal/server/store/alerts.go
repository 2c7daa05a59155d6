package store

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const alertColumns = `id, rule_name, severity, details, agent_id, created_at, assignment_status, incident_id`

// severityOrderSQL breaks created_at ties so critical alerts list first.
const severityOrderSQL = `CASE severity
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	ELSE 3 END`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a        models.Alert
		severity string
		status   string
	)
	err := row.Scan(&a.ID, &a.RuleName, &severity, &a.Details, &a.AgentID,
		&a.CreatedAt, &status, &a.IncidentID)
	if err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.AssignmentStatus = models.AssignmentStatus(status)
	return &a, nil
}

// InsertAlert stores an alert. With window > 0 the insert is suppressed
// when an equivalent alert (same rule, severity, and agent) was already
// raised inside that window; the check and the insert are one statement,
// so concurrent uploads cannot both land. With window == 0 the alert is
// stored unconditionally, for callers that dedup on their own key.
// Returns false when the alert was suppressed.
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert, window time.Duration) (bool, error) {
	const op = "store.insert_alert"

	var (
		tag pgconn.CommandTag
		err error
	)
	if window > 0 {
		tag, err = s.exec(ctx, `
			INSERT INTO alerts (id, rule_name, severity, details, agent_id, created_at, assignment_status)
			SELECT $1, $2, $3, $4, $5, $6, $7
			WHERE NOT EXISTS (
				SELECT 1 FROM alerts
				WHERE rule_name = $2 AND severity = $3 AND agent_id = $5
				  AND created_at > $6::timestamptz - $8::interval
			)`,
			a.ID, a.RuleName, string(a.Severity), a.Details, a.AgentID, a.CreatedAt,
			string(models.StatusUnassigned), window.String())
	} else {
		tag, err = s.exec(ctx, `
			INSERT INTO alerts (id, rule_name, severity, details, agent_id, created_at, assignment_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.RuleName, string(a.Severity), a.Details, a.AgentID, a.CreatedAt,
			string(models.StatusUnassigned))
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, errors.Conflict(op, "alert %s already exists", a.ID)
		}
		return false, errors.Transient(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentAlertMatching reports whether an alert for the rule already
// carries every given detail value since the cutoff. Correlation rules
// use it as their semantic-key idempotency check; an empty key matches
// any recent alert of the rule.
func (s *Store) RecentAlertMatching(ctx context.Context, ruleName string, key map[string]string, since time.Time) (bool, error) {
	if key == nil {
		key = map[string]string{}
	}
	var found bool
	err := s.queryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE rule_name = $1 AND details @> $2 AND created_at >= $3
		)`, ruleName, key, since).Scan(&found)
	if err != nil {
		return false, errors.Transient("store.recent_alert_matching", err)
	}
	return found, nil
}

// AlertByID fetches one alert, enforcing the read predicate for the scope.
func (s *Store) AlertByID(ctx context.Context, scope Scope, id string) (*models.Alert, error) {
	const op = "store.alert_by_id"

	if scope.Role == models.RoleDeviceUser {
		return nil, errors.NotPermitted(op, "role %s cannot read alerts", scope.Role)
	}
	a, err := scanAlert(s.queryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "alert %s not found", id)
		}
		return nil, errors.Transient(op, err)
	}
	if scope.Role == models.RoleOwner {
		return a, nil
	}
	ok, err := s.adminCanReadAlert(ctx, scope.UserID, a)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	if !ok {
		return nil, errors.NotPermitted(op, "alert %s is assigned to another analyst", id)
	}
	return a, nil
}

func (s *Store) adminCanReadAlert(ctx context.Context, userID string, a *models.Alert) (bool, error) {
	if a.AssignmentStatus == models.StatusUnassigned {
		return true, nil
	}
	var ok bool
	err := s.queryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alert_assignments
			WHERE alert_id = $1 AND status != 'resolved'
			  AND (assigned_to = $2 OR escalated_to = $2)
		)`, a.ID, userID).Scan(&ok)
	return ok, err
}

// alertVisibilitySQL appends the alert read predicate for the scope.
// Owner sees everything; admins see unassigned alerts plus ones routed to
// them. Device users are rejected before SQL is built.
func alertVisibilitySQL(scope Scope, args []any) (string, []any) {
	if scope.Role == models.RoleOwner {
		return "TRUE", args
	}
	args = append(args, scope.UserID)
	n := strconv.Itoa(len(args))
	return `(a.assignment_status = 'unassigned' OR EXISTS (
		SELECT 1 FROM alert_assignments aa
		WHERE aa.alert_id = a.id AND aa.status != 'resolved'
		  AND (aa.assigned_to = $` + n + ` OR aa.escalated_to = $` + n + `)))`, args
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	AgentID string
	Status  models.AssignmentStatus
	Limit   int
}

// ListAlerts returns visible alerts, newest first, critical before high
// within the same instant.
func (s *Store) ListAlerts(ctx context.Context, scope Scope, f AlertFilter) ([]models.Alert, error) {
	const op = "store.list_alerts"

	if scope.Role == models.RoleDeviceUser {
		return nil, errors.NotPermitted(op, "role %s cannot read alerts", scope.Role)
	}
	var args []any
	sql := `SELECT ` + alertColumns + ` FROM alerts a WHERE TRUE`
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		sql += ` AND a.agent_id = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += ` AND a.assignment_status = $` + strconv.Itoa(len(args))
	}
	pred, args := alertVisibilitySQL(scope, args)
	sql += ` AND ` + pred
	args = append(args, clampLimit(f.Limit))
	sql += ` ORDER BY a.created_at DESC, ` + severityOrderSQL + ` LIMIT $` + strconv.Itoa(len(args))

	return s.collectAlerts(ctx, op, sql, args)
}

// MyAssignedAlerts lists alerts actively routed to the caller, either by
// claim or by escalation.
func (s *Store) MyAssignedAlerts(ctx context.Context, scope Scope, limit int) ([]models.Alert, error) {
	const op = "store.my_assigned_alerts"

	if scope.Role == models.RoleDeviceUser {
		return nil, errors.NotPermitted(op, "role %s cannot read alerts", scope.Role)
	}
	sql := `SELECT ` + alertColumns + ` FROM alerts a
		WHERE EXISTS (
			SELECT 1 FROM alert_assignments aa
			WHERE aa.alert_id = a.id AND aa.status != 'resolved'
			  AND (aa.assigned_to = $1 OR aa.escalated_to = $1)
		)
		ORDER BY a.created_at DESC, ` + severityOrderSQL + ` LIMIT $2`
	return s.collectAlerts(ctx, op, sql, []any{scope.UserID, clampLimit(limit)})
}

// UnassignedAlerts lists the triage backlog.
func (s *Store) UnassignedAlerts(ctx context.Context, scope Scope, limit int) ([]models.Alert, error) {
	return s.ListAlerts(ctx, scope, AlertFilter{Status: models.StatusUnassigned, Limit: limit})
}

func (s *Store) collectAlerts(ctx context.Context, op, sql string, args []any) ([]models.Alert, error) {
	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, errors.Transient(op, rows.Err())
}

// UngroupedAlerts returns alerts not yet attached to an incident, oldest
// first so aggregation seeds groups in arrival order.
func (s *Store) UngroupedAlerts(ctx context.Context, since time.Time) ([]models.Alert, error) {
	const op = "store.ungrouped_alerts"

	sql := `SELECT ` + alertColumns + ` FROM alerts a
		WHERE a.incident_id IS NULL AND a.created_at >= $1
		ORDER BY a.created_at ASC`
	return s.collectAlerts(ctx, op, sql, []any{since})
}
