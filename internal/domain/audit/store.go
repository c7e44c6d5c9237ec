package audit

import (
	"context"

	"github.com/medclinic/clinic/internal/platform/middleware"
)

// Store persists entries handed over by middleware.Audit.
type Store struct {
	repo Repository
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// RecordAccess implements middleware.AuditRecorder.
func (s *Store) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	return s.Record(ctx, &Entry{
		UserID:     e.UserID,
		Role:       e.Role,
		Action:     e.Action,
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Method:     e.Method,
		Path:       e.Path,
		Status:     e.Status,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		RequestID:  e.RequestID,
		CreatedAt:  e.Timestamp,
	})
}

func (s *Store) Record(ctx context.Context, e *Entry) error {
	return s.repo.Insert(ctx, e)
}

func (s *Store) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
