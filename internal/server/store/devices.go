package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const deviceColumns = `id, agent_id, hostname, name, user_id, registered_at, status, last_seen`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.AgentID, &d.Hostname, &d.Name, &d.UserID, &d.RegisteredAt, &d.Status, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDevice registers a new device. Re-registering an agent id is a
// conflict so a stolen invitation cannot silently rebind a host.
func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	const op = "store.create_device"

	_, err := s.exec(ctx, `
		INSERT INTO devices (id, agent_id, hostname, name, user_id, registered_at, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.AgentID, d.Hostname, d.Name, d.UserID, d.RegisteredAt, d.Status, d.LastSeen)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict(op, "agent %s is already registered", d.AgentID)
		}
		return errors.Transient(op, err)
	}
	return nil
}

// DeviceByAgentID resolves the device behind an agent header.
func (s *Store) DeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error) {
	const op = "store.device_by_agent_id"

	d, err := scanDevice(s.queryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE agent_id = $1`, agentID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "agent %s is not registered", agentID)
		}
		return nil, errors.Transient(op, err)
	}
	return d, nil
}

// ListDevices returns the devices visible to the scope, newest first.
func (s *Store) ListDevices(ctx context.Context, scope Scope) ([]models.Device, error) {
	const op = "store.list_devices"

	pred, args := deviceScopeSQL(scope, "d", nil)
	rows, err := s.query(ctx, `
		SELECT `+deviceColumns+` FROM devices d
		WHERE `+pred+`
		ORDER BY registered_at DESC`, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		devices = append(devices, *d)
	}
	return devices, errors.Transient(op, rows.Err())
}

// CanReadAgent reports whether the scope may see telemetry for agentID.
func (s *Store) CanReadAgent(ctx context.Context, scope Scope, agentID string) (bool, error) {
	if scope.Role == models.RoleOwner {
		return true, nil
	}
	pred, args := deviceScopeSQL(scope, "d", []any{agentID})
	var ok bool
	err := s.queryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices d WHERE d.agent_id = $1 AND `+pred+`)`,
		args...).Scan(&ok)
	if err != nil {
		return false, errors.Transient("store.can_read_agent", err)
	}
	return ok, nil
}

// TouchLastSeen records telemetry receipt from an agent.
func (s *Store) TouchLastSeen(ctx context.Context, agentID string) error {
	_, err := s.exec(ctx, `
		UPDATE devices SET last_seen = now(), status = $2
		WHERE agent_id = $1`, agentID, models.DeviceOnline)
	return errors.Transient("store.touch_last_seen", err)
}

// MarkStaleDevices flips devices offline when no telemetry arrived within
// the staleness threshold. Returns the number of devices transitioned.
func (s *Store) MarkStaleDevices(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.exec(ctx, `
		UPDATE devices SET status = $1
		WHERE status = $2 AND last_seen < now() - $3::interval`,
		models.DeviceOffline, models.DeviceOnline, threshold.String())
	if err != nil {
		return 0, errors.Transient("store.mark_stale_devices", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveDevices lists online devices seen since the cutoff, the candidate
// set for anomaly scoring.
func (s *Store) ActiveDevices(ctx context.Context, since time.Time) ([]models.Device, error) {
	const op = "store.active_devices"

	rows, err := s.query(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE status = $1 AND last_seen >= $2
		ORDER BY last_seen DESC`, models.DeviceOnline, since)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		devices = append(devices, *d)
	}
	return devices, errors.Transient(op, rows.Err())
}

// AssignDevice grants an admin visibility of a device.
func (s *Store) AssignDevice(ctx context.Context, da *models.DeviceAssignment) error {
	const op = "store.assign_device"

	_, err := s.exec(ctx, `
		INSERT INTO device_assignments (device_id, user_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		da.DeviceID, da.UserID, da.AssignedBy, da.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict(op, "device %s is already assigned to user %s", da.DeviceID, da.UserID)
		}
		return errors.Transient(op, err)
	}
	return nil
}

// UnassignDevice revokes an assignment. Removing one that does not exist
// is a conflict, not a no-op.
func (s *Store) UnassignDevice(ctx context.Context, deviceID, userID string) error {
	const op = "store.unassign_device"

	tag, err := s.exec(ctx, `
		DELETE FROM device_assignments WHERE device_id = $1 AND user_id = $2`,
		deviceID, userID)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict(op, "device %s is not assigned to user %s", deviceID, userID)
	}
	return nil
}
