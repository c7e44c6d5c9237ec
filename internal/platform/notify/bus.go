// Package notify is an in-process publish/subscribe bus for user-facing
// notifications. Subscribers are keyed by (user, role); administrators also
// receive the admin broadcast. Delivery is best effort: events only reach
// subscriptions present at publish time and a full subscriber buffer drops
// the event instead of blocking the publisher.
package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Key identifies a subscriber identity.
type Key struct {
	UserID string
	Role   Role
}

// Event is one notification delivered to browsers.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

var (
	ErrBusClosed  = errors.New("notify: bus closed")
	ErrInvalidKey = errors.New("notify: subscription key needs a user id and role")
)

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(key Key, e Event) int
	PublishAdmins(e Event) int
}

// Subscription is one live listener, typically one open SSE stream.
type Subscription struct {
	id    string
	key   Key
	admin bool
	ch    chan Event
}

func (s *Subscription) ID() string { return s.id }
func (s *Subscription) Key() Key   { return s.key }

// Events yields delivered events. The channel is closed when the
// subscription is removed or the bus is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

type SubscribeOptions struct {
	// BufferSize overrides the bus default buffer for this subscription.
	BufferSize int
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Keys          int   `json:"keys"`
	Admins        int   `json:"admins"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
}

// Bus fans events out to subscriptions. All methods are safe for concurrent
// use. Channels are only closed while holding the write lock and only sent
// to while holding the read lock, so a send never races a close.
type Bus struct {
	mu         sync.RWMutex
	byKey      map[Key]map[string]*Subscription
	admins     map[string]*Subscription
	closed     bool
	bufferSize int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

const DefaultBufferSize = 32

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		byKey:      make(map[Key]map[string]*Subscription),
		admins:     make(map[string]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscription for key. Admin-role subscriptions
// also join the admin broadcast.
func (b *Bus) Subscribe(key Key, opts SubscribeOptions) (*Subscription, error) {
	if key.UserID == "" || key.Role == "" {
		return nil, ErrInvalidKey
	}
	size := opts.BufferSize
	if size <= 0 {
		size = b.bufferSize
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		key:   key,
		admin: key.Role == RoleAdmin,
		ch:    make(chan Event, size),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	set, ok := b.byKey[key]
	if !ok {
		set = make(map[string]*Subscription)
		b.byKey[key] = set
	}
	set[sub.id] = sub
	if sub.admin {
		b.admins[sub.id] = sub
	}
	return sub, nil
}

// Unsubscribe removes sub from every set and closes its channel. Calling it
// more than once, or after Close, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.byKey[sub.key]
	if !ok {
		return
	}
	if _, ok := set[sub.id]; !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.byKey, sub.key)
	}
	delete(b.admins, sub.id)
	close(sub.ch)
}

// Publish hands e to every subscription of exactly (key.UserID, key.Role)
// and returns how many accepted it.
func (b *Bus) Publish(key Key, e Event) int {
	e = stamp(e)
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	return b.fanOut(b.byKey[key], e)
}

// PublishAdmins hands e to every admin subscription.
func (b *Bus) PublishAdmins(e Event) int {
	e = stamp(e)
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	return b.fanOut(b.admins, e)
}

// fanOut must be called with at least the read lock held.
func (b *Bus) fanOut(subs map[string]*Subscription, e Event) int {
	n := 0
	for _, sub := range subs {
		select {
		case sub.ch <- e:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	b.delivered.Add(int64(n))
	return n
}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Keys:      len(b.byKey),
		Admins:    len(b.admins),
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
	for _, set := range b.byKey {
		s.Subscriptions += len(set)
	}
	return s
}

// Close removes every subscription, closing their channels, and rejects
// further subscriptions. Open streams observe the closed channel and end.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, set := range b.byKey {
		for _, sub := range set {
			close(sub.ch)
		}
		delete(b.byKey, key)
	}
	b.admins = make(map[string]*Subscription)
}
