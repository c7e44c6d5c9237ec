package notification

import "context"

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type PushMessage struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// PushResult reports per-device outcomes. InvalidTokens lists devices the
// provider says will never accept a message again.
type PushResult struct {
	Sent          int
	Failed        int
	InvalidTokens []string
}

// PushSender is the interface for sending push notifications.
type PushSender interface {
	SendPush(ctx context.Context, msg PushMessage) (PushResult, error)
}

// TokenSource resolves and prunes a user's device tokens.
type TokenSource interface {
	TokensForUser(ctx context.Context, userID string) ([]string, error)
	RemoveTokens(ctx context.Context, tokens []string) error
}
