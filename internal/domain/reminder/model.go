// Package reminder schedules templated notifications for later delivery and
// sends the due ones in batches.
package reminder

import (
	"time"

	"github.com/google/uuid"

	"github.com/medclinic/clinic/internal/domain/notification"
)

type Status string

const (
	StatusPending    Status = "pending"
	// StatusProcessing marks a reminder claimed by a running batch.
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

type Reminder struct {
	ID         uuid.UUID            `json:"id"`
	UserID     string               `json:"user_id"`
	Role       string               `json:"role"`
	Channel    notification.Channel `json:"channel,omitempty"`
	Email      string               `json:"email,omitempty"`
	TemplateID string               `json:"template_id"`
	Data       map[string]string    `json:"data,omitempty"`
	SendAt     time.Time            `json:"send_at"`
	Status     Status               `json:"status"`
	Attempts   int                  `json:"attempts"`
	LastError  string               `json:"last_error,omitempty"`
	ClaimedAt  *time.Time           `json:"claimed_at,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	SentAt     *time.Time           `json:"sent_at,omitempty"`
}

type CreateRequest struct {
	UserID     string               `json:"user_id" validate:"required"`
	Role       string               `json:"role" validate:"required,oneof=patient doctor admin"`
	Channel    notification.Channel `json:"channel" validate:"omitempty,oneof=in_app email push"`
	Email      string               `json:"email" validate:"omitempty,email"`
	TemplateID string               `json:"template_id" validate:"required"`
	Data       map[string]string    `json:"data"`
	SendAt     time.Time            `json:"send_at" validate:"required"`
}

// Summary reports one dispatcher run.
type Summary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}
