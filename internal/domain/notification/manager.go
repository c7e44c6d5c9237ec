package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/platform/notify"
)

// EventFailed is broadcast to connected administrators whenever a delivery
// attempt fails.
const EventFailed = "notification.failed"

var (
	// ErrDeliveryFailed wraps the channel error of a stored, failed attempt.
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrNotRetryable   = errors.New("only failed notifications can be retried")
	ErrInvalid        = errors.New("invalid notification")
)

// Manager validates, delivers and records notifications.
type Manager struct {
	repo      Repository
	templates *TemplateEngine
	bus       notify.Publisher
	email     EmailSender
	push      PushSender
	tokens    TokenSource
	logger    zerolog.Logger
}

func NewManager(repo Repository, templates *TemplateEngine, bus notify.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		templates: templates,
		bus:       bus,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// SetEmailSender enables the email channel.
func (m *Manager) SetEmailSender(s EmailSender) {
	m.email = s
}

// SetPushSender enables the push channel. tokens resolves recipients'
// devices and receives the tokens the provider rejects for good.
func (m *Manager) SetPushSender(s PushSender, tokens TokenSource) {
	m.push = s
	m.tokens = tokens
}

func (m *Manager) Templates() *TemplateEngine {
	return m.templates
}

// Send delivers n and stores the outcome. A failed delivery is still stored
// and is returned wrapped in ErrDeliveryFailed.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if err := validate(n); err != nil {
		return err
	}

	n.ID = uuid.New()
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending
	n.Error = ""
	n.SentAt = nil
	n.Attempts = 1

	sendErr := m.deliver(ctx, n)
	m.recordOutcome(n, sendErr)

	if err := m.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	if sendErr != nil {
		m.reportFailure(n)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	return nil
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, req TemplateSend) (*Notification, error) {
	tpl, ok := m.templates.Get(req.TemplateID)
	if !ok {
		return nil, fmt.Errorf("%w: template %q not found", ErrInvalid, req.TemplateID)
	}
	subject, body, err := m.templates.Render(req.TemplateID, req.Data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	channel := req.Channel
	if channel == "" {
		channel = tpl.Channel
	}

	n := &Notification{
		UserID:     req.UserID,
		Role:       req.Role,
		Channel:    channel,
		Email:      req.Email,
		TemplateID: req.TemplateID,
		Subject:    subject,
		Body:       body,
		Data:       req.Data,
	}
	if err := m.Send(ctx, n); err != nil {
		if errors.Is(err, ErrDeliveryFailed) {
			return n, err
		}
		return nil, err
	}
	return n, nil
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusFailed {
		return nil, fmt.Errorf("%w (current: %s)", ErrNotRetryable, n.Status)
	}

	n.Attempts++
	sendErr := m.deliver(ctx, n)
	m.recordOutcome(n, sendErr)

	if err := m.repo.Update(ctx, n); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	if sendErr != nil {
		m.reportFailure(n)
		return n, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	return n, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return m.repo.GetByID(ctx, id)
}

func (m *Manager) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*Notification, int, error) {
	return m.repo.ListByUser(ctx, userID, limit, offset)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending: counts[StatusPending],
		Sent:    counts[StatusSent],
		Failed:  counts[StatusFailed],
	}
	for _, c := range counts {
		s.Total += c
	}
	return s, nil
}

func validate(n *Notification) error {
	if !n.Channel.Valid() {
		return fmt.Errorf("%w: unsupported channel %q", ErrInvalid, n.Channel)
	}
	if n.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: body is required", ErrInvalid)
	}
	if n.Channel == ChannelEmail && n.Email == "" {
		return fmt.Errorf("%w: email channel needs a recipient address", ErrInvalid)
	}
	if n.Channel == ChannelInApp && n.Role == "" {
		return fmt.Errorf("%w: in_app channel needs a role", ErrInvalid)
	}
	return nil
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelInApp:
		return m.deliverInApp(n)
	case ChannelEmail:
		if m.email == nil {
			return errors.New("email channel is not configured")
		}
		return m.email.SendEmail(ctx, n.Email, n.Subject, n.Body)
	case ChannelPush:
		return m.deliverPush(ctx, n)
	default:
		return fmt.Errorf("unsupported channel: %s", n.Channel)
	}
}

type inAppPayload struct {
	NotificationID string            `json:"notificationId"`
	TemplateID     string            `json:"templateId,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// deliverInApp hands the notification to whoever is streaming right now.
// Nobody listening is not a failure.
func (m *Manager) deliverInApp(n *Notification) error {
	data, err := json.Marshal(inAppPayload{NotificationID: n.ID.String(), TemplateID: n.TemplateID, Data: n.Data})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	eventType := "notification"
	if n.TemplateID != "" {
		eventType = n.TemplateID
	}
	delivered := m.bus.Publish(notify.Key{UserID: n.UserID, Role: notify.Role(n.Role)}, notify.Event{
		Type:  eventType,
		Title: n.Subject,
		Body:  n.Body,
		Data:  data,
	})
	m.logger.Debug().Str("notification_id", n.ID.String()).Int("streams", delivered).Msg("in-app notification published")
	return nil
}

func (m *Manager) deliverPush(ctx context.Context, n *Notification) error {
	if m.push == nil || m.tokens == nil {
		return errors.New("push channel is not configured")
	}
	tokens, err := m.tokens.TokensForUser(ctx, n.UserID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return errors.New("recipient has no push subscriptions")
	}

	res, err := m.push.SendPush(ctx, PushMessage{Tokens: tokens, Title: n.Subject, Body: n.Body, Data: n.Data})
	if len(res.InvalidTokens) > 0 {
		if rmErr := m.tokens.RemoveTokens(ctx, res.InvalidTokens); rmErr != nil {
			m.logger.Warn().Err(rmErr).Int("tokens", len(res.InvalidTokens)).Msg("remove invalid push tokens")
		} else {
			m.logger.Info().Str("user_id", n.UserID).Int("tokens", len(res.InvalidTokens)).Msg("removed invalid push tokens")
		}
	}
	if err != nil {
		return err
	}
	if res.Sent == 0 {
		return fmt.Errorf("push rejected by all %d devices", len(tokens))
	}
	return nil
}

func (m *Manager) recordOutcome(n *Notification, sendErr error) {
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
		m.logger.Warn().Err(sendErr).
			Str("notification_id", n.ID.String()).
			Str("channel", string(n.Channel)).
			Int("attempts", n.Attempts).
			Msg("notification delivery failed")
		return
	}
	now := time.Now().UTC()
	n.Status = StatusSent
	n.Error = ""
	n.SentAt = &now
}

type failurePayload struct {
	NotificationID string  `json:"notificationId"`
	UserID         string  `json:"userId"`
	Channel        Channel `json:"channel"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error"`
}

func (m *Manager) reportFailure(n *Notification) {
	data, err := json.Marshal(failurePayload{
		NotificationID: n.ID.String(),
		UserID:         n.UserID,
		Channel:        n.Channel,
		Attempts:       n.Attempts,
		Error:          n.Error,
	})
	if err != nil {
		return
	}
	m.bus.PublishAdmins(notify.Event{
		Type:  EventFailed,
		Title: "Notification delivery failed",
		Body:  n.Error,
		Data:  data,
	})
}
