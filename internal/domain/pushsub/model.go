// Package pushsub stores the device tokens that push notifications are
// delivered to.
package pushsub

import (
	"time"

	"github.com/google/uuid"
)

type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Subscription is one device token owned by a user. A token belongs to at
// most one user; registering it again moves it to the caller.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	Platform  Platform  `json:"platform"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateRequest struct {
	Token    string `json:"token" validate:"required,min=8,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=web android ios"`
}
