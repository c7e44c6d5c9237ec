package notification

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the most tokens one multicast request may carry.
const fcmBatchLimit = 500

type multicastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender delivers push notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client    multicastClient
	deadToken func(error) bool
}

// NewFCMSender initialises a Firebase app from a service account file, or
// from application default credentials when credentialsFile is empty.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return newFCMSender(client), nil
}

func newFCMSender(client multicastClient) *FCMSender {
	return &FCMSender{
		client: client,
		deadToken: func(err error) bool {
			return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
		},
	}
}

func (s *FCMSender) SendPush(ctx context.Context, msg PushMessage) (PushResult, error) {
	var res PushResult
	for start := 0; start < len(msg.Tokens); start += fcmBatchLimit {
		end := start + fcmBatchLimit
		if end > len(msg.Tokens) {
			end = len(msg.Tokens)
		}
		batch := msg.Tokens[start:end]

		br, err := s.client.SendEachForMulticast(ctx, multicast(msg, batch))
		if err != nil {
			return res, fmt.Errorf("fcm multicast: %w", err)
		}
		res.Sent += br.SuccessCount
		res.Failed += br.FailureCount
		for i, r := range br.Responses {
			if r.Success || i >= len(batch) {
				continue
			}
			if s.deadToken(r.Error) {
				res.InvalidTokens = append(res.InvalidTokens, batch[i])
			}
		}
	}
	return res, nil
}

func multicast(msg PushMessage, tokens []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:    "default",
				Priority: messaging.PriorityHigh,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: msg.Title, Body: msg.Body},
					Sound: "default",
				},
			},
		},
	}
}
