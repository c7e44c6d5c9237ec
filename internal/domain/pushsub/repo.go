package pushsub

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Upsert inserts s or, when the token already exists, reassigns it and
	// fills s with the stored row.
	Upsert(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteTokens(ctx context.Context, tokens []string) (int, error)
}
