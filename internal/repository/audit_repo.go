package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-plm/internal/model"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Log(ctx context.Context, entry model.AuditEntry) error {
	var detailsJSON []byte
	if len(entry.Details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_entries
		 (action, occurred_at, actor_user_id, actor_email, actor_ip, status, resource, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Action, entry.OccurredAt,
		entry.Actor.UserID, entry.Actor.Email, entry.Actor.IP,
		entry.Status, entry.Resource, detailsJSON)
	if err != nil {
		return fmt.Errorf("log audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepository) Query(ctx context.Context, query model.AuditQuery) ([]model.AuditEntry, model.Meta, error) {
	page, limit := NormalizePage(query.Page, query.Limit)

	where := make([]string, 0)
	args := make([]any, 0)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if action := strings.TrimSpace(query.Action); action != "" {
		add("lower(action) = lower($%d)", action)
	}
	if actorID := strings.TrimSpace(query.ActorID); actorID != "" {
		add("actor_user_id = $%d", actorID)
	}
	if status := strings.TrimSpace(query.Status); status != "" {
		add("lower(status) = lower($%d)", status)
	}
	if query.From != nil {
		add("occurred_at >= $%d", *query.From)
	}
	if query.To != nil {
		add("occurred_at <= $%d", *query.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries "+whereClause, args...).Scan(&total); err != nil {
		return nil, model.Meta{}, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	dataQuery := fmt.Sprintf(
		`SELECT id, action, occurred_at, actor_user_id, actor_email, actor_ip, status, resource, details
		 FROM audit_entries %s
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`, whereClause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, model.Meta{}, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]model.AuditEntry, 0)
	for rows.Next() {
		var (
			e           model.AuditEntry
			detailsJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.OccurredAt,
			&e.Actor.UserID, &e.Actor.Email, &e.Actor.IP,
			&e.Status, &e.Resource, &detailsJSON); err != nil {
			return nil, model.Meta{}, fmt.Errorf("scan audit entry: %w", err)
		}

		if len(detailsJSON) > 0 {
			if jsonErr := json.Unmarshal(detailsJSON, &e.Details); jsonErr != nil {
				e.Details = map[string]any{"raw": string(detailsJSON)}
			}
		}
		e.OccurredAt = e.OccurredAt.UTC()

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Meta{}, fmt.Errorf("query audit entries: %w", err)
	}

	return entries, NewMeta(page, limit, total), nil
}
