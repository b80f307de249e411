package events

import (
	"sync"
	"time"
)

const subscriberBufferSize = 64

type Type string

const (
	// profile or mirror state changed
	TypeState Type = "state"
	// a path was applied to a mirror
	TypeApplied Type = "applied"
	// applying a path failed
	TypeFailed Type = "failed"
	// a reconciliation started or finished
	TypeReconcile Type = "reconcile"
	// a new snapshot was written
	TypeSnapshot Type = "snapshot"
	// a batch ended
	TypeBatch Type = "batch"
)

// Event is a display-oriented notification. Fields that do not apply to a
// type are left empty.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Profile string    `json:"profile"`
	Mirror  string    `json:"mirror,omitempty"`
	Path    string    `json:"path,omitempty"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Applied int       `json:"applied,omitempty"`
	Pending int       `json:"pending,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A slow subscriber loses events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan *Event
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe() <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe closes ch.
func (b *Bus) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ev *Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
