package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
)

var errUnregistered = errors.New("unregistered")

type fakeMulticast struct {
	calls []*messaging.MulticastMessage
	err   error
}

// SendEachForMulticast fails every token that starts with "dead".
func (f *fakeMulticast) SendEachForMulticast(_ context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return nil, f.err
	}
	br := &messaging.BatchResponse{}
	for i, tok := range msg.Tokens {
		if len(tok) >= 4 && tok[:4] == "dead" {
			br.FailureCount++
			br.Responses = append(br.Responses, &messaging.SendResponse{Error: errUnregistered})
			continue
		}
		br.SuccessCount++
		br.Responses = append(br.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("m%d", i)})
	}
	return br, nil
}

func TestFCMSender_ReportsDeadTokens(t *testing.T) {
	client := &fakeMulticast{}
	s := newFCMSender(client)
	s.deadToken = func(err error) bool { return errors.Is(err, errUnregistered) }

	res, err := s.SendPush(context.Background(), PushMessage{
		Tokens: []string{"live-1", "dead-1", "live-2"},
		Title:  "Reminder",
		Body:   "Tomorrow 09:30",
		Data:   map[string]string{"appointmentId": "a1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.InvalidTokens) != 1 || res.InvalidTokens[0] != "dead-1" {
		t.Errorf("unexpected invalid tokens %v", res.InvalidTokens)
	}

	msg := client.calls[0]
	if msg.Notification.Title != "Reminder" || msg.Data["appointmentId"] != "a1" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Android.Priority != "high" || msg.APNS.Payload.Aps.Alert.Body != "Tomorrow 09:30" {
		t.Error("expected platform overrides to be set")
	}
}

func TestFCMSender_Batches(t *testing.T) {
	client := &fakeMulticast{}
	s := newFCMSender(client)

	tokens := make([]string, fcmBatchLimit+1)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}
	res, err := s.SendPush(context.Background(), PushMessage{Tokens: tokens, Title: "t", Body: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != 2 || len(client.calls[1].Tokens) != 1 {
		t.Errorf("expected 2 batches, got %d", len(client.calls))
	}
	if res.Sent != len(tokens) {
		t.Errorf("expected %d sent, got %d", len(tokens), res.Sent)
	}
}

func TestFCMSender_DefaultClassifierIgnoresPlainErrors(t *testing.T) {
	s := newFCMSender(&fakeMulticast{})
	res, err := s.SendPush(context.Background(), PushMessage{Tokens: []string{"dead-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.InvalidTokens) != 0 {
		t.Errorf("plain errors should not mark tokens dead: %v", res.InvalidTokens)
	}
}

func TestFCMSender_TransportError(t *testing.T) {
	s := newFCMSender(&fakeMulticast{err: errors.New("unavailable")})
	if _, err := s.SendPush(context.Background(), PushMessage{Tokens: []string{"a"}}); err == nil {
		t.Error("expected error")
	}
}
