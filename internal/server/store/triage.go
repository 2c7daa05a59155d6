package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const assignmentColumns = `id, alert_id, assigned_to, assigned_at, status, notes,
	resolution, resolved_at, escalated_at, COALESCE(escalated_to, '')`

func scanAssignment(row pgx.Row) (*models.AlertAssignment, error) {
	var (
		aa         models.AlertAssignment
		status     string
		resolution *string
	)
	err := row.Scan(&aa.ID, &aa.AlertID, &aa.AssignedTo, &aa.AssignedAt, &status,
		&aa.Notes, &resolution, &aa.ResolvedAt, &aa.EscalatedAt, &aa.EscalatedTo)
	if err != nil {
		return nil, err
	}
	aa.Status = models.AssignmentStatus(status)
	if resolution != nil {
		r := models.Resolution(*resolution)
		aa.Resolution = &r
	}
	return &aa, nil
}

// ActiveAssignment returns the live (non-resolved) assignment for an
// alert, or a not-found error when the alert is unassigned.
func (s *Store) ActiveAssignment(ctx context.Context, alertID string) (*models.AlertAssignment, error) {
	const op = "store.active_assignment"

	aa, err := scanAssignment(s.queryRow(ctx, `
		SELECT `+assignmentColumns+` FROM alert_assignments
		WHERE alert_id = $1 AND status != 'resolved'`, alertID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "alert %s has no active assignment", alertID)
		}
		return nil, errors.Transient(op, err)
	}
	return aa, nil
}

func activeAssignmentForUpdate(ctx context.Context, tx pgx.Tx, alertID string) (*models.AlertAssignment, error) {
	return scanAssignment(tx.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM alert_assignments
		WHERE alert_id = $1 AND status != 'resolved'
		FOR UPDATE`, alertID))
}

func lockAlert(ctx context.Context, tx pgx.Tx, alertID string) (models.AssignmentStatus, error) {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT assignment_status FROM alerts WHERE id = $1 FOR UPDATE`, alertID).Scan(&status)
	return models.AssignmentStatus(status), err
}

func setAlertAssignmentStatus(ctx context.Context, tx pgx.Tx, alertID string, status models.AssignmentStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE alerts SET assignment_status = $2 WHERE id = $1`, alertID, string(status))
	return err
}

// appendNote formats one triage note line the way the audit trail expects.
func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

func commentLine(actor *models.User, note string, at time.Time) string {
	return fmt.Sprintf("[%s] %s: %s", at.UTC().Format(time.RFC3339), actor.Email, note)
}

// ClaimAlert moves an unassigned alert into investigation by the actor.
// Claiming an already-claimed alert is a conflict; the partial unique
// index backs this up under concurrency.
func (s *Store) ClaimAlert(ctx context.Context, alertID string, actor *models.User) (*models.AlertAssignment, error) {
	const op = "store.claim_alert"

	if actor.Role != models.RoleAdmin && actor.Role != models.RoleOwner {
		return nil, errors.NotPermitted(op, "role %s cannot claim alerts", actor.Role)
	}
	var claimed *models.AlertAssignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		status, err := lockAlert(ctx, tx, alertID)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.NotFound(op, "alert %s not found", alertID)
			}
			return err
		}
		if status != models.StatusUnassigned {
			return errors.Conflict(op, "alert %s is already %s", alertID, status)
		}
		claimed, err = scanAssignment(tx.QueryRow(ctx, `
			INSERT INTO alert_assignments (alert_id, assigned_to, assigned_at, status)
			VALUES ($1, $2, now(), $3)
			RETURNING `+assignmentColumns,
			alertID, actor.ID, string(models.StatusInvestigating)))
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflict(op, "alert %s is already claimed", alertID)
			}
			return err
		}
		return setAlertAssignmentStatus(ctx, tx, alertID, models.StatusAssigned)
	})
	if err != nil {
		return nil, wrapTriageErr(op, err)
	}
	return claimed, nil
}

// StatusUpdate is the payload for UpdateAssignmentStatus.
type StatusUpdate struct {
	Status     models.AssignmentStatus
	Resolution *models.Resolution
	Notes      string
}

// UpdateAssignmentStatus applies a set_status transition. Only the
// assignee or the owner may move an assignment, resolution metadata is
// required when resolving, and resolving an escalated alert is reserved
// for the owner.
func (s *Store) UpdateAssignmentStatus(ctx context.Context, alertID string, actor *models.User, upd StatusUpdate) (*models.AlertAssignment, error) {
	const op = "store.update_assignment_status"

	switch upd.Status {
	case models.StatusAssigned, models.StatusInvestigating:
	case models.StatusResolved:
		if upd.Resolution == nil || !upd.Resolution.Valid() {
			return nil, errors.Validation(op, "resolving requires a resolution classification")
		}
	default:
		return nil, errors.Validation(op, "cannot set assignment status to %q", upd.Status)
	}

	var updated *models.AlertAssignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		aa, err := activeAssignmentForUpdate(ctx, tx, alertID)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.Conflict(op, "alert %s has no active assignment", alertID)
			}
			return err
		}
		if actor.ID != aa.AssignedTo && actor.Role != models.RoleOwner {
			return errors.NotPermitted(op, "only the assignee or the owner may update alert %s", alertID)
		}
		if aa.Status == models.StatusEscalated {
			if upd.Status != models.StatusResolved {
				return errors.Conflict(op, "alert %s is escalated and can only be resolved", alertID)
			}
			if actor.Role != models.RoleOwner {
				return errors.NotPermitted(op, "resolving an escalated alert requires the owner")
			}
		}

		notes := aa.Notes
		if upd.Notes != "" {
			notes = appendNote(notes, commentLine(actor, upd.Notes, time.Now()))
		}
		if upd.Status == models.StatusResolved {
			updated, err = scanAssignment(tx.QueryRow(ctx, `
				UPDATE alert_assignments
				SET status = $2, resolution = $3, resolved_at = now(), notes = $4
				WHERE id = $1
				RETURNING `+assignmentColumns,
				aa.ID, string(models.StatusResolved), string(*upd.Resolution), notes))
		} else {
			updated, err = scanAssignment(tx.QueryRow(ctx, `
				UPDATE alert_assignments
				SET status = $2, notes = $3
				WHERE id = $1
				RETURNING `+assignmentColumns,
				aa.ID, string(upd.Status), notes))
		}
		if err != nil {
			return err
		}
		return setAlertAssignmentStatus(ctx, tx, alertID, upd.Status)
	})
	if err != nil {
		return nil, wrapTriageErr(op, err)
	}
	return updated, nil
}

// EscalateAlert hands an investigation to the platform owner. Only the
// assigned admin may escalate, and only once.
func (s *Store) EscalateAlert(ctx context.Context, alertID string, actor *models.User, notes string) (*models.AlertAssignment, error) {
	const op = "store.escalate_alert"

	owner, err := s.OwnerUser(ctx)
	if err != nil {
		return nil, err
	}
	var escalated *models.AlertAssignment
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		aa, err := activeAssignmentForUpdate(ctx, tx, alertID)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.Conflict(op, "alert %s has no active assignment", alertID)
			}
			return err
		}
		if actor.ID != aa.AssignedTo || actor.Role != models.RoleAdmin {
			return errors.NotPermitted(op, "only the assigned admin may escalate alert %s", alertID)
		}
		if aa.EscalatedAt != nil || aa.Status == models.StatusEscalated {
			return errors.Conflict(op, "alert %s is already escalated", alertID)
		}
		if aa.Status != models.StatusInvestigating {
			return errors.Conflict(op, "alert %s must be under investigation to escalate", alertID)
		}

		escalated, err = scanAssignment(tx.QueryRow(ctx, `
			UPDATE alert_assignments
			SET status = $2, escalated_at = now(), escalated_to = $3, notes = $4
			WHERE id = $1
			RETURNING `+assignmentColumns,
			aa.ID, string(models.StatusEscalated), owner.ID,
			appendNote(aa.Notes, "[ESCALATED] "+notes)))
		if err != nil {
			return err
		}
		return setAlertAssignmentStatus(ctx, tx, alertID, models.StatusEscalated)
	})
	if err != nil {
		return nil, wrapTriageErr(op, err)
	}
	return escalated, nil
}

// CommentOnAlert appends a timestamped note without changing state. The
// assignee, the escalation target, and the owner may comment while the
// alert is unresolved.
func (s *Store) CommentOnAlert(ctx context.Context, alertID string, actor *models.User, note string) (*models.AlertAssignment, error) {
	const op = "store.comment_on_alert"

	if note == "" {
		return nil, errors.Validation(op, "comment must not be empty")
	}
	var updated *models.AlertAssignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		aa, err := activeAssignmentForUpdate(ctx, tx, alertID)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.Conflict(op, "alert %s has no active assignment", alertID)
			}
			return err
		}
		allowed := actor.ID == aa.AssignedTo || actor.ID == aa.EscalatedTo || actor.Role == models.RoleOwner
		if !allowed {
			return errors.NotPermitted(op, "user %s is not part of alert %s", actor.Email, alertID)
		}
		updated, err = scanAssignment(tx.QueryRow(ctx, `
			UPDATE alert_assignments SET notes = $2 WHERE id = $1
			RETURNING `+assignmentColumns,
			aa.ID, appendNote(aa.Notes, commentLine(actor, note, time.Now()))))
		return err
	})
	if err != nil {
		return nil, wrapTriageErr(op, err)
	}
	return updated, nil
}

// BulkAssignAlerts claims a batch of unassigned alerts for the target
// analyst. Owners may route work to any admin; admins may only pull
// alerts for themselves. Alerts that are no longer unassigned are skipped
// rather than failing the batch.
func (s *Store) BulkAssignAlerts(ctx context.Context, alertIDs []string, target, actor *models.User) (int, error) {
	const op = "store.bulk_assign_alerts"

	switch actor.Role {
	case models.RoleOwner:
		if target.Role != models.RoleAdmin {
			return 0, errors.Validation(op, "bulk assignment target must be an admin")
		}
	case models.RoleAdmin:
		if target.ID != actor.ID {
			return 0, errors.NotPermitted(op, "admins may only bulk-assign alerts to themselves")
		}
	default:
		return 0, errors.NotPermitted(op, "role %s cannot assign alerts", actor.Role)
	}

	assigned := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, alertID := range alertIDs {
			status, err := lockAlert(ctx, tx, alertID)
			if err != nil {
				if stderrors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return err
			}
			if status != models.StatusUnassigned {
				continue
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO alert_assignments (alert_id, assigned_to, assigned_at, status)
				VALUES ($1, $2, now(), $3)`,
				alertID, target.ID, string(models.StatusInvestigating))
			if err != nil {
				return err
			}
			if err := setAlertAssignmentStatus(ctx, tx, alertID, models.StatusAssigned); err != nil {
				return err
			}
			assigned++
		}
		return nil
	})
	if err != nil {
		return 0, wrapTriageErr(op, err)
	}
	return assigned, nil
}

// wrapTriageErr keeps classified errors intact and downgrades everything
// else to transient so API handlers map them to 5xx.
func wrapTriageErr(op string, err error) error {
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	return errors.Transient(op, err)
}
