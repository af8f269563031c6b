package memstore

import (
	"context"
	"strings"
	"sync"

	"go-plm/internal/model"
	"go-plm/internal/repository"
)

var _ repository.AuditStore = (*AuditStore)(nil)

type AuditStore struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	nextID  int64
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns newest entries first.
func (s *AuditStore) Query(_ context.Context, query model.AuditQuery) ([]model.AuditEntry, model.Meta, error) {
	page, limit := repository.NormalizePage(query.Page, query.Limit)

	s.mu.RLock()
	matched := make([]model.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if query.Action != "" && !strings.EqualFold(e.Action, query.Action) {
			continue
		}
		if query.ActorID != "" && e.Actor.UserID != query.ActorID {
			continue
		}
		if query.Status != "" && !strings.EqualFold(e.Status, query.Status) {
			continue
		}
		if query.From != nil && e.OccurredAt.Before(*query.From) {
			continue
		}
		if query.To != nil && e.OccurredAt.After(*query.To) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return matched[start:end], repository.NewMeta(page, limit, total), nil
}
