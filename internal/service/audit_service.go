package service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-plm/internal/event"
	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/pkg/apierror"
)

const auditWriteTimeout = 5 * time.Second

// AuditService persists every security event published on the bus and
// answers administrative queries over the trail.
type AuditService struct {
	store repository.AuditStore
}

func NewAuditService(store repository.AuditStore) *AuditService {
	return &AuditService{store: store}
}

// Run consumes events until ctx is cancelled or the channel closes.
func (s *AuditService) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.Record(ctx, e)
		}
	}
}

// Record writes one event. Failures are logged; the audit trail never fails
// the request that produced the event.
func (s *AuditService) Record(ctx context.Context, e event.Event) {
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.store.Log(ctx, entryFromEvent(e)); err != nil {
		slog.Error("write audit entry", "action", e.Type, "event_id", e.ID, "error", err)
	}
}

func entryFromEvent(e event.Event) model.AuditEntry {
	details := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		details[k] = v
	}
	if e.SessionID != "" {
		details["session_id"] = e.SessionID
	}
	details["event_id"] = e.ID

	return model.AuditEntry{
		Action:     string(e.Type),
		OccurredAt: e.OccurredAt.UTC(),
		Actor:      model.AuditActor{UserID: e.UserID, Email: e.Email, IP: e.IP},
		Status:     e.Status,
		Resource:   e.Resource,
		Details:    details,
	}
}

// AuditQueryParams is the raw query string form of an audit search.
type AuditQueryParams struct {
	Action  string
	ActorID string
	Status  string
	From    string
	To      string
	Page    string
	Limit   string
}

func (s *AuditService) Query(ctx context.Context, params AuditQueryParams) ([]model.AuditEntry, model.Meta, error) {
	from, err := parseOptionalAuditTime(params.From)
	if err != nil {
		return nil, model.Meta{}, apierror.New(apierror.CodeValidation, "invalid 'from' datetime format", params.From, http.StatusBadRequest)
	}

	to, err := parseOptionalAuditTime(params.To)
	if err != nil {
		return nil, model.Meta{}, apierror.New(apierror.CodeValidation, "invalid 'to' datetime format", params.To, http.StatusBadRequest)
	}

	if from != nil && to != nil && to.Before(*from) {
		return nil, model.Meta{}, apierror.Validation("'to' must not be before 'from'", "from", "to")
	}

	page, err := parseOptionalInt(params.Page)
	if err != nil {
		return nil, model.Meta{}, apierror.Validation("page must be a positive integer", "page")
	}
	limit, err := parseOptionalInt(params.Limit)
	if err != nil {
		return nil, model.Meta{}, apierror.Validation("limit must be a positive integer", "limit")
	}

	page, limit = repository.NormalizePage(page, limit)
	return s.store.Query(ctx, model.AuditQuery{
		Action:  strings.TrimSpace(params.Action),
		ActorID: strings.TrimSpace(params.ActorID),
		Status:  strings.TrimSpace(params.Status),
		From:    from,
		To:      to,
		Page:    page,
		Limit:   limit,
	})
}

func parseOptionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierror.Validation("not a positive integer")
	}
	return n, nil
}

func parseOptionalAuditTime(raw string) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	value, err := parseAuditTime(trimmed)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func parseAuditTime(raw string) (time.Time, error) {
	if value, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return value.UTC(), nil
	}

	value, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}

	return value.UTC(), nil
}
