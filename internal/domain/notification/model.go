// Package notification delivers clinic notifications over the in-app stream,
// email and push, and keeps a history of every attempt.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the medium a notification is delivered through.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Notification is one outbound message and the outcome of its last
// delivery attempt.
type Notification struct {
	ID         uuid.UUID         `json:"id"`
	UserID     string            `json:"user_id"`
	Role       string            `json:"role"`
	Channel    Channel           `json:"channel"`
	Email      string            `json:"email,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
}

// TemplateSend asks for a template to be rendered and delivered. An empty
// Channel uses the template's default.
type TemplateSend struct {
	TemplateID string            `json:"template_id" validate:"required"`
	UserID     string            `json:"user_id" validate:"required"`
	Role       string            `json:"role" validate:"required,oneof=patient doctor admin"`
	Channel    Channel           `json:"channel" validate:"omitempty,oneof=in_app email push"`
	Email      string            `json:"email" validate:"omitempty,email"`
	Data       map[string]string `json:"data"`
}

type sendRequest struct {
	UserID  string            `json:"user_id" validate:"required"`
	Role    string            `json:"role" validate:"required,oneof=patient doctor admin"`
	Channel Channel           `json:"channel" validate:"required,oneof=in_app email push"`
	Email   string            `json:"email" validate:"omitempty,email"`
	Subject string            `json:"subject" validate:"max=200"`
	Body    string            `json:"body" validate:"required,max=4000"`
	Data    map[string]string `json:"data"`
}

// Stats counts stored notifications by status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
