package store

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const incidentColumns = `id, name, description, severity, status, alert_count,
	affected_devices, attack_vector, metadata, created_at, updated_at, resolved_at`

func scanIncident(row pgx.Row) (*models.Incident, error) {
	var (
		inc              models.Incident
		severity, status string
	)
	err := row.Scan(&inc.ID, &inc.Name, &inc.Description, &severity, &status,
		&inc.AlertCount, &inc.AffectedDevices, &inc.AttackVector, &inc.Metadata,
		&inc.CreatedAt, &inc.UpdatedAt, &inc.ResolvedAt)
	if err != nil {
		return nil, err
	}
	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	return &inc, nil
}

// CreateIncident stores a new incident and attaches its member alerts,
// atomically. inc.ID and the denormalized alert count are filled in.
func (s *Store) CreateIncident(ctx context.Context, inc *models.Incident, alertIDs []string) error {
	const op = "store.create_incident"

	if len(alertIDs) == 0 {
		return errors.Validation(op, "an incident needs at least one alert")
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO incidents (name, description, severity, status, alert_count,
				affected_devices, attack_vector, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			RETURNING id, created_at, updated_at`,
			inc.Name, inc.Description, string(inc.Severity), string(inc.Status),
			len(alertIDs), inc.AffectedDevices, inc.AttackVector, orEmptyAny(inc.Metadata)).
			Scan(&inc.ID, &inc.CreatedAt, &inc.UpdatedAt)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE alerts SET incident_id = $1
			WHERE id = ANY($2) AND incident_id IS NULL`, inc.ID, alertIDs)
		if err != nil {
			return err
		}
		inc.AlertCount = int(tag.RowsAffected())
		if inc.AlertCount == 0 {
			return errors.Conflict(op, "all candidate alerts were already grouped")
		}
		if inc.AlertCount != len(alertIDs) {
			_, err = tx.Exec(ctx,
				`UPDATE incidents SET alert_count = $2 WHERE id = $1`, inc.ID, inc.AlertCount)
		}
		return err
	})
	if err != nil {
		return wrapTriageErr(op, err)
	}
	return nil
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Status   models.IncidentStatus
	Severity models.Severity
	Limit    int
}

// incidentVisibilitySQL shows admins only incidents containing at least
// one alert they may read.
func incidentVisibilitySQL(scope Scope, args []any) (string, []any) {
	if scope.Role == models.RoleOwner {
		return "TRUE", args
	}
	args = append(args, scope.UserID)
	n := strconv.Itoa(len(args))
	return `EXISTS (
		SELECT 1 FROM alerts a
		WHERE a.incident_id = i.id AND (a.assignment_status = 'unassigned' OR EXISTS (
			SELECT 1 FROM alert_assignments aa
			WHERE aa.alert_id = a.id AND aa.status != 'resolved'
			  AND (aa.assigned_to = $` + n + ` OR aa.escalated_to = $` + n + `))))`, args
}

// ListIncidents returns visible incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, scope Scope, f IncidentFilter) ([]models.Incident, error) {
	const op = "store.list_incidents"

	if scope.Role == models.RoleDeviceUser {
		return nil, errors.NotPermitted(op, "role %s cannot read incidents", scope.Role)
	}
	var args []any
	sql := `SELECT ` + incidentColumns + ` FROM incidents i WHERE TRUE`
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += ` AND i.status = $` + strconv.Itoa(len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		sql += ` AND i.severity = $` + strconv.Itoa(len(args))
	}
	pred, args := incidentVisibilitySQL(scope, args)
	sql += ` AND ` + pred
	args = append(args, clampLimit(f.Limit))
	sql += ` ORDER BY i.created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		incidents = append(incidents, *inc)
	}
	return incidents, errors.Transient(op, rows.Err())
}

// IncidentByID fetches one incident under the scope's visibility rules.
func (s *Store) IncidentByID(ctx context.Context, scope Scope, id int64) (*models.Incident, error) {
	const op = "store.incident_by_id"

	if scope.Role == models.RoleDeviceUser {
		return nil, errors.NotPermitted(op, "role %s cannot read incidents", scope.Role)
	}
	pred, args := incidentVisibilitySQL(scope, []any{id})
	inc, err := scanIncident(s.queryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents i WHERE i.id = $1 AND `+pred, args...))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "incident %d not found", id)
		}
		return nil, errors.Transient(op, err)
	}
	return inc, nil
}

// IncidentAlerts lists the member alerts of an incident in time order.
func (s *Store) IncidentAlerts(ctx context.Context, incidentID int64) ([]models.Alert, error) {
	const op = "store.incident_alerts"

	sql := `SELECT ` + alertColumns + ` FROM alerts a
		WHERE a.incident_id = $1 ORDER BY a.created_at ASC`
	return s.collectAlerts(ctx, op, sql, []any{incidentID})
}

// UpdateIncidentStatus moves an incident through its lifecycle, stamping
// resolved_at when it closes.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id int64, status models.IncidentStatus) (*models.Incident, error) {
	const op = "store.update_incident_status"

	var resolvedAt *time.Time
	if status == models.IncidentResolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	inc, err := scanIncident(s.queryRow(ctx, `
		UPDATE incidents
		SET status = $2, resolved_at = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+incidentColumns,
		id, string(status), resolvedAt))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "incident %d not found", id)
		}
		return nil, errors.Transient(op, err)
	}
	return inc, nil
}
