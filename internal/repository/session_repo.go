package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-plm/internal/database"
	"go-plm/internal/model"
)

const sessionColumns = `id, user_id, refresh_token_hash, device, ip, created_at, last_active_at, expires_at, revoked_at`

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.Device, &s.IP,
		&s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt, &s.RevokedAt)
	return s, err
}

// CreateCapped locks the owning user row so concurrent logins for the same
// user queue behind each other; eviction and insert commit together.
func (r *SessionRepository) CreateCapped(ctx context.Context, ns model.NewSession, max int, now time.Time) (model.Session, []string, error) {
	var (
		created model.Session
		evicted []string
	)

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, ns.UserID).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT id FROM sessions
			 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
			 ORDER BY created_at ASC, id ASC`, ns.UserID, now)
		if err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		active, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}

		if max > 0 && len(active) >= max {
			evicted = active[:len(active)-max+1]
			if _, err := tx.Exec(ctx,
				`UPDATE sessions SET revoked_at = $2 WHERE id = ANY($1::uuid[])`, evicted, now); err != nil {
				return fmt.Errorf("evict sessions: %w", err)
			}
		}

		created, err = scanSession(tx.QueryRow(ctx,
			`INSERT INTO sessions (id, user_id, refresh_token_hash, device, ip, created_at, last_active_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
			 RETURNING `+sessionColumns,
			ns.ID, ns.UserID, ns.RefreshTokenHash, ns.Device, ns.IP, now, ns.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Session{}, nil, err
	}
	return created, evicted, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) Rotate(ctx context.Context, id string, oldHash string, newHash string, now time.Time, expiresAt time.Time) (model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`UPDATE sessions
		 SET refresh_token_hash = $3, last_active_at = $4, expires_at = $5
		 WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL AND expires_at > $4
		 RETURNING `+sessionColumns, id, oldHash, newHash, now, expiresAt))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("rotate session: %w", err)
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !current.Active(now) {
		return model.Session{}, model.ErrSessionInactive
	}
	return model.Session{}, model.ErrSessionMismatch
}

func (r *SessionRepository) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = $2 WHERE id = $1 AND revoked_at IS NULL AND last_active_at < $2`,
		id, now)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Revoke is idempotent: an already revoked session keeps its original
// revocation time.
func (r *SessionRepository) Revoke(ctx context.Context, id string, now time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string, exceptID string, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $3
		 WHERE user_id = $1 AND revoked_at IS NULL AND ($2 = '' OR id::text <> $2)`,
		userID, exceptID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		 ORDER BY last_active_at DESC, created_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteStale removes sessions that expired or were revoked before the cutoff.
func (r *SessionRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1 OR revoked_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
