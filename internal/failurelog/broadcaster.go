package failurelog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationNewFailure     NotificationType = "new-failure"
	NotificationFailureRemoved NotificationType = "failure-removed"
	NotificationCleared        NotificationType = "failures-cleared"
	NotificationBadgeUpdated   NotificationType = "badge-updated"
	NotificationLogChanged     NotificationType = "log-changed"
)

const defaultSubscriberBuffer = 64

// Notification is pushed, unsolicited, to every listening surface.
type Notification struct {
	Type   NotificationType `json:"type"`
	Record *FailureRecord   `json:"record,omitempty"`
	ID     string           `json:"id,omitempty"`
	Badge  *BadgeState      `json:"badge,omitempty"`
	At     time.Time        `json:"at"`
}

type Subscription struct {
	ID string
	C  <-chan Notification

	b *Broadcaster
}

func (s *Subscription) Close() {
	if s == nil || s.b == nil {
		return
	}
	s.b.unsubscribe(s.ID)
}

// Broadcaster fans notifications out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the notification.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
	buffer      int
	dropped     atomic.Uint64
	published   atomic.Uint64
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subscribers: map[string]chan Notification{}, buffer: buffer}
}

func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Notification, b.buffer)
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return &Subscription{ID: id, C: ch, b: b}
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *Broadcaster) Publish(n Notification) {
	if b == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}
