package notify

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func mustSubscribe(t *testing.T, b *Bus, key Key) *Subscription {
	t.Helper()
	sub, err := b.Subscribe(key, SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe(%v): %v", key, err)
	}
	return sub
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBus_PublishToExactKey(t *testing.T) {
	b := NewBus(4)
	patient := mustSubscribe(t, b, Key{UserID: "u1", Role: RolePatient})
	sameUserDoctor := mustSubscribe(t, b, Key{UserID: "u1", Role: RoleDoctor})
	other := mustSubscribe(t, b, Key{UserID: "u2", Role: RolePatient})

	n := b.Publish(Key{UserID: "u1", Role: RolePatient}, Event{Type: "appointment.confirmed", Title: "Confirmed"})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	e := receive(t, patient)
	if e.Type != "appointment.confirmed" || e.Title != "Confirmed" {
		t.Errorf("unexpected event %+v", e)
	}
	expectNone(t, sameUserDoctor)
	expectNone(t, other)
}

func TestBus_MultipleStreamsPerKey(t *testing.T) {
	b := NewBus(4)
	key := Key{UserID: "u1", Role: RolePatient}
	tab1 := mustSubscribe(t, b, key)
	tab2 := mustSubscribe(t, b, key)

	if n := b.Publish(key, Event{Type: "x"}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	receive(t, tab1)
	receive(t, tab2)
}

func TestBus_StampsIDAndTime(t *testing.T) {
	b := NewBus(1)
	key := Key{UserID: "u1", Role: RolePatient}
	sub := mustSubscribe(t, b, key)

	b.Publish(key, Event{Type: "x"})
	e := receive(t, sub)
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.Publish(key, Event{ID: "fixed", Type: "x", CreatedAt: at})
	e = receive(t, sub)
	if e.ID != "fixed" || !e.CreatedAt.Equal(at) {
		t.Errorf("publisher values must be kept, got %+v", e)
	}
}

func TestBus_NoSubscribersIsNotAnError(t *testing.T) {
	b := NewBus(1)
	if n := b.Publish(Key{UserID: "nobody", Role: RolePatient}, Event{Type: "x"}); n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
	if n := b.PublishAdmins(Event{Type: "x"}); n != 0 {
		t.Errorf("expected 0 admin deliveries, got %d", n)
	}
}

func TestBus_NoReplay(t *testing.T) {
	b := NewBus(4)
	key := Key{UserID: "u1", Role: RolePatient}
	b.Publish(key, Event{Type: "before"})

	sub := mustSubscribe(t, b, key)
	expectNone(t, sub)
}

func TestBus_AdminBroadcast(t *testing.T) {
	b := NewBus(4)
	admin1 := mustSubscribe(t, b, Key{UserID: "a1", Role: RoleAdmin})
	admin2 := mustSubscribe(t, b, Key{UserID: "a2", Role: RoleAdmin})
	doctor := mustSubscribe(t, b, Key{UserID: "d1", Role: RoleDoctor})

	if n := b.PublishAdmins(Event{Type: "notification.failed"}); n != 2 {
		t.Fatalf("expected 2 admin deliveries, got %d", n)
	}
	receive(t, admin1)
	receive(t, admin2)
	expectNone(t, doctor)

	// Admins are still addressable directly.
	if n := b.Publish(Key{UserID: "a1", Role: RoleAdmin}, Event{Type: "direct"}); n != 1 {
		t.Fatalf("expected 1 direct delivery, got %d", n)
	}
	if e := receive(t, admin1); e.Type != "direct" {
		t.Errorf("expected direct event, got %q", e.Type)
	}
}

func TestBus_FullBufferDrops(t *testing.T) {
	b := NewBus(1)
	key := Key{UserID: "u1", Role: RolePatient}
	slow := mustSubscribe(t, b, key)

	if n := b.Publish(key, Event{Type: "first"}); n != 1 {
		t.Fatalf("expected first event accepted, got %d", n)
	}
	if n := b.Publish(key, Event{Type: "second"}); n != 0 {
		t.Fatalf("expected second event dropped, got %d", n)
	}
	if got := b.Stats().Dropped; got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}
	if e := receive(t, slow); e.Type != "first" {
		t.Errorf("expected first event, got %q", e.Type)
	}
}

func TestBus_PerSubscriptionBuffer(t *testing.T) {
	b := NewBus(1)
	key := Key{UserID: "u1", Role: RolePatient}
	sub, err := b.Subscribe(key, SubscribeOptions{BufferSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if n := b.Publish(key, Event{Type: "x"}); n != 1 {
			t.Fatalf("event %d: expected delivery, got %d", i, n)
		}
	}
	if cap(sub.ch) != 3 {
		t.Errorf("expected buffer 3, got %d", cap(sub.ch))
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	b := NewBus(1)
	key := Key{UserID: "a1", Role: RoleAdmin}
	sub := mustSubscribe(t, b, key)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel")
	}
	s := b.Stats()
	if s.Subscriptions != 0 || s.Keys != 0 || s.Admins != 0 {
		t.Errorf("expected empty bus, got %+v", s)
	}
	if n := b.PublishAdmins(Event{Type: "x"}); n != 0 {
		t.Errorf("expected no admin delivery after unsubscribe, got %d", n)
	}
}

func TestBus_EmptyKeySetDiscarded(t *testing.T) {
	b := NewBus(1)
	key := Key{UserID: "u1", Role: RolePatient}
	s1 := mustSubscribe(t, b, key)
	s2 := mustSubscribe(t, b, key)

	b.Unsubscribe(s1)
	if got := b.Stats().Keys; got != 1 {
		t.Errorf("expected key kept while one subscription remains, got %d", got)
	}
	b.Unsubscribe(s2)
	if got := b.Stats().Keys; got != 0 {
		t.Errorf("expected key discarded, got %d", got)
	}
}

func TestBus_InvalidKey(t *testing.T) {
	b := NewBus(1)
	if _, err := b.Subscribe(Key{Role: RolePatient}, SubscribeOptions{}); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := b.Subscribe(Key{UserID: "u"}, SubscribeOptions{}); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestBus_Close(t *testing.T) {
	b := NewBus(1)
	sub := mustSubscribe(t, b, Key{UserID: "a1", Role: RoleAdmin})

	b.Close()
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("expected channel closed by Close")
	}
	b.Unsubscribe(sub) // must not panic on the already closed channel

	if _, err := b.Subscribe(Key{UserID: "u", Role: RolePatient}, SubscribeOptions{}); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if n := b.PublishAdmins(Event{Type: "x"}); n != 0 {
		t.Errorf("expected 0 after close, got %d", n)
	}
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBus(8)
	key := Key{UserID: "u1", Role: RolePatient}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub, err := b.Subscribe(key, SubscribeOptions{})
				if err != nil {
					return
				}
				b.Unsubscribe(sub)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(key, Event{Type: "x"})
				b.PublishAdmins(Event{Type: "y"})
			}
		}()
	}
	wg.Wait()

	if s := b.Stats(); s.Subscriptions != 0 {
		t.Errorf("expected no subscriptions left, got %d", s.Subscriptions)
	}
}

func TestEvent_JSONShape(t *testing.T) {
	e := Event{ID: "e1", Type: "lab.ready", Data: json.RawMessage(`{"orderId":"o1"}`)}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "lab.ready" || m["data"].(map[string]interface{})["orderId"] != "o1" {
		t.Errorf("unexpected JSON %s", raw)
	}
	if _, ok := m["title"]; ok {
		t.Error("empty title should be omitted")
	}
}
