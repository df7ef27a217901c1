package webhook

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is the internal tenant event bus contract: at-most-once,
// fire-and-forget. Both the in-memory Bus and the Pub/Sub bus satisfy it.
type Emitter interface {
	Emit(ctx context.Context, tenantID, event string, payload interface{})
}

// TenantEvent is one bus message.
type TenantEvent struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Name     string      `json:"name"`
	Payload  interface{} `json:"payload"`
	At       time.Time   `json:"at"`
}

// JSON serializes the event.
func (te *TenantEvent) JSON() ([]byte, error) {
	return json.Marshal(te)
}

// Bus is an in-process pub/sub bus for tenant events. Delivery is
// non-blocking: a subscriber with a full channel misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *TenantEvent // event name -> channels
	allSubs     []chan *TenantEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *TenantEvent),
		allSubs:     make([]chan *TenantEvent, 0),
		logger:      log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events with the given names.
// Pass no names to receive all events.
func (b *Bus) Subscribe(names ...string) chan *TenantEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *TenantEvent, b.bufferSize)

	if len(names) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, name := range names {
			b.subscribers[name] = append(b.subscribers[name], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *TenantEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, subs := range b.subscribers {
		filtered := make([]chan *TenantEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[name] = filtered
	}

	filtered := make([]chan *TenantEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *TenantEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Name] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes a tenant event.
func (b *Bus) Emit(ctx context.Context, tenantID, event string, payload interface{}) {
	b.Publish(&TenantEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Name:     event,
		Payload:  payload,
		At:       time.Now().UTC(),
	})
}

// SubscriberCount returns the total number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
