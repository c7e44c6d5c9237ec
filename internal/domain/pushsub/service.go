package pushsub

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medclinic/clinic/internal/platform/db"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Register(ctx context.Context, sub *Subscription) error {
	if sub.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	switch sub.Platform {
	case PlatformWeb, PlatformAndroid, PlatformIOS:
	default:
		return fmt.Errorf("unsupported platform %q", sub.Platform)
	}
	return s.repo.Upsert(ctx, sub)
}

func (s *Service) List(ctx context.Context, userID string) ([]*Subscription, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Remove deletes a subscription owned by userID. Someone else's
// subscription is reported as not found.
func (s *Service) Remove(ctx context.Context, userID string, id uuid.UUID) error {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return db.ErrNotFound
	}
	return s.repo.Delete(ctx, id)
}

// TokensForUser returns every device token registered by userID.
func (s *Service) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	subs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	tokens := make([]string, 0, len(subs))
	for _, sub := range subs {
		tokens = append(tokens, sub.Token)
	}
	return tokens, nil
}

// RemoveTokens drops tokens the push provider reported as dead.
func (s *Service) RemoveTokens(ctx context.Context, tokens []string) error {
	_, err := s.repo.DeleteTokens(ctx, tokens)
	return err
}
