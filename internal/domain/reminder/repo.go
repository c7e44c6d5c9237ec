package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Reminder) error
	// ClaimDue moves up to limit due reminders to processing, oldest first,
	// and counts the attempt on each. Due means pending with send_at <= now,
	// or processing with a claim older than lease (a run that died).
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Reminder, error)
	// MarkSent and MarkFailed only touch reminders still in processing.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Reminder, int, error)
}
