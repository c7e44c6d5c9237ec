package notification

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	// Update stores the delivery outcome: status, error, attempts, sent_at.
	Update(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Notification, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
