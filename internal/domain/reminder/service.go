package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medclinic/clinic/internal/domain/notification"
)

// ErrInvalid wraps every request the service refuses to schedule.
var ErrInvalid = errors.New("invalid reminder")

type Service struct {
	repo      Repository
	templates *notification.TemplateEngine
}

func NewService(repo Repository, templates *notification.TemplateEngine) *Service {
	return &Service{repo: repo, templates: templates}
}

// Schedule stores a pending reminder after checking that its template exists
// and the channel can reach the recipient.
func (s *Service) Schedule(ctx context.Context, req CreateRequest) (*Reminder, error) {
	tpl, ok := s.templates.Get(req.TemplateID)
	if !ok {
		return nil, fmt.Errorf("%w: template %q not found", ErrInvalid, req.TemplateID)
	}
	channel := req.Channel
	if channel == "" {
		channel = tpl.Channel
	}
	if channel == notification.ChannelEmail && req.Email == "" {
		return nil, fmt.Errorf("%w: email channel needs a recipient address", ErrInvalid)
	}
	if req.SendAt.IsZero() {
		return nil, fmt.Errorf("%w: send_at is required", ErrInvalid)
	}

	rem := &Reminder{
		UserID:     req.UserID,
		Role:       req.Role,
		Channel:    req.Channel,
		Email:      req.Email,
		TemplateID: req.TemplateID,
		Data:       req.Data,
		SendAt:     req.SendAt.UTC().Truncate(time.Second),
	}
	if err := s.repo.Create(ctx, rem); err != nil {
		return nil, fmt.Errorf("store reminder: %w", err)
	}
	return rem, nil
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Reminder, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}
