package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-plm/internal/database"
	"go-plm/internal/model"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/rbac"
)

const userColumns = `id, email, display_name, password_hash, password_policy_version, password_changed_at,
	roles, status, failed_login_attempts, locked_until, email_verified_at, created_at, updated_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u      model.User
		roles  []string
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.PasswordPolicyVersion,
		&u.PasswordChangedAt, &roles, &status, &u.FailedLoginAttempts, &u.LockedUntil,
		&u.EmailVerifiedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}

	u.Status = model.UserStatus(status)
	u.Roles = make([]rbac.Role, len(roles))
	for i, r := range roles {
		u.Roles[i] = rbac.Role(r)
	}
	return u, nil
}

func roleStrings(roles []rbac.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func (r *UserRepository) Create(ctx context.Context, u model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name, password_hash, password_policy_version,
		                    password_changed_at, roles, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, u.PasswordPolicyVersion,
		u.PasswordChangedAt, roleStrings(u.Roles), string(u.Status), u.CreatedAt, u.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return model.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user by email: %w", err)
	}
	return u, nil
}

func (r *UserRepository) List(ctx context.Context, filter model.UserFilter) ([]model.User, model.Meta, error) {
	page, limit := NormalizePage(filter.Page, filter.Limit)

	where := ""
	args := make([]any, 0, 3)
	switch filter.Status {
	case "":
	case model.StatusLocked:
		where = "WHERE status <> 'deactivated' AND locked_until > now()"
	case model.StatusPending, model.StatusActive:
		where = "WHERE status = $1 AND (locked_until IS NULL OR locked_until <= now())"
		args = append(args, string(filter.Status))
	default:
		where = "WHERE status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users `+where, args...).Scan(&total); err != nil {
		return nil, model.Meta{}, fmt.Errorf("count users: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM users %s ORDER BY lower(email) LIMIT $%d OFFSET $%d`,
		userColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.Meta{}, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, model.Meta{}, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Meta{}, fmt.Errorf("list users: %w", err)
	}

	return users, NewMeta(page, limit, total), nil
}

func (r *UserRepository) UpdateRoles(ctx context.Context, id string, roles []rbac.Role) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET roles = $2, updated_at = $3 WHERE id = $1 RETURNING `+userColumns,
		id, roleStrings(roles), time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("update roles: %w", err)
	}
	return u, nil
}

func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status model.UserStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET email_verified_at = COALESCE(email_verified_at, $2),
		     status = CASE WHEN status = 'pending' THEN 'active' ELSE status END,
		     updated_at = $2
		 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id string, currentHash string, newHash string, policyVersion int, changedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET password_hash = $3, password_policy_version = $4, password_changed_at = $5,
		     failed_login_attempts = 0, locked_until = NULL, updated_at = $5
		 WHERE id = $1 AND password_hash = $2`, id, currentHash, newHash, policyVersion, changedAt)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if !exists {
		return model.ErrUserNotFound
	}
	return model.ErrCredentialChanged
}

func (r *UserRepository) RecordLoginFailure(ctx context.Context, id string, policy lockout.Policy, now time.Time) (lockout.Decision, error) {
	var decision lockout.Decision

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			attempts    int
			lockedUntil *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT failed_login_attempts, locked_until FROM users WHERE id = $1 FOR UPDATE`, id).
			Scan(&attempts, &lockedUntil)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		decision = policy.RecordFailure(attempts, lockedUntil, now)
		_, err = tx.Exec(ctx,
			`UPDATE users SET failed_login_attempts = $2, locked_until = $3, updated_at = $4 WHERE id = $1`,
			id, decision.FailedAttempts, decision.LockedUntil, now)
		return err
	})
	if errors.Is(err, model.ErrUserNotFound) {
		return lockout.Decision{}, err
	}
	if err != nil {
		return lockout.Decision{}, fmt.Errorf("record login failure: %w", err)
	}
	return decision, nil
}

func (r *UserRepository) ResetLoginFailures(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		 WHERE id = $1 AND (failed_login_attempts <> 0 OR locked_until IS NOT NULL)`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset failed attempts: %w", err)
	}
	return nil
}
