package store

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a new account. Duplicate emails return a conflict.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	const op = "store.create_user"

	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, pass_hash, role, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		u.ID, u.Email, u.PassHash, string(u.Role), u.IsActive, u.CreatedBy, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict(op, "user %q already exists", u.Email)
		}
		return errors.Transient(op, err)
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		u         models.User
		role      string
		createdBy *string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PassHash, &role, &u.IsActive, &createdBy, &u.CreatedAt, &u.LastLogin); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if createdBy != nil {
		u.CreatedBy = *createdBy
	}
	return &u, nil
}

const userColumns = `id, email, pass_hash, role, is_active, created_by, created_at, last_login`

// UserByEmail fetches an active account for login.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "store.user_by_email"

	u, err := scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND is_active`, email))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "no account for %q", email)
		}
		return nil, errors.Transient(op, err)
	}
	return u, nil
}

// UserByID fetches an account regardless of active flag.
func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "store.user_by_id"

	u, err := scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "user %s not found", id)
		}
		return nil, errors.Transient(op, err)
	}
	return u, nil
}

// OwnerUser returns the platform owner, the escalation target for triage.
func (s *Store) OwnerUser(ctx context.Context) (*models.User, error) {
	const op = "store.owner_user"

	u, err := scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY created_at LIMIT 1`,
		string(models.RoleOwner)))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(op, "no owner account exists")
		}
		return nil, errors.Transient(op, err)
	}
	return u, nil
}

// TouchLastLogin stamps a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, userID)
	return errors.Transient("store.touch_last_login", err)
}

// CreateInvitation stores the hash of a freshly issued registration token.
func (s *Store) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	_, err := s.exec(ctx, `
		INSERT INTO invitations (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		inv.ID, inv.UserID, inv.TokenHash, inv.ExpiresAt, inv.CreatedAt)
	return errors.Transient("store.create_invitation", err)
}

// UnexpiredInvitations lists candidates for token verification during
// device registration. Tokens are matched by hash comparison in the
// caller, so all live rows are returned.
func (s *Store) UnexpiredInvitations(ctx context.Context) ([]models.Invitation, error) {
	const op = "store.unexpired_invitations"

	rows, err := s.query(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM invitations WHERE expires_at > now()
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var invs []models.Invitation
	for rows.Next() {
		var inv models.Invitation
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.TokenHash, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, errors.Transient(op, err)
		}
		invs = append(invs, inv)
	}
	return invs, errors.Transient(op, rows.Err())
}

// DeleteInvitation consumes a single-use token.
func (s *Store) DeleteInvitation(ctx context.Context, id string) error {
	const op = "store.delete_invitation"

	tag, err := s.exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	if err != nil {
		return errors.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(op, "invitation %s not found", id)
	}
	return nil
}

// DeleteExpiredInvitations removes stale tokens, run by the retention job.
func (s *Store) DeleteExpiredInvitations(ctx context.Context) (int64, error) {
	tag, err := s.exec(ctx, `DELETE FROM invitations WHERE expires_at <= now()`)
	if err != nil {
		return 0, errors.Transient("store.delete_expired_invitations", err)
	}
	return tag.RowsAffected(), nil
}
