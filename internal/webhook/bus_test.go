package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToNamedSubscribers(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(EventSuggestionCreated)
	defer b.Unsubscribe(ch)

	b.Emit(context.Background(), "tenant-1", EventSuggestionCreated, map[string]interface{}{"k": "v"})

	select {
	case ev := <-ch:
		assert.Equal(t, "tenant-1", ev.TenantID)
		assert.Equal(t, EventSuggestionCreated, ev.Name)
		assert.NotEmpty(t, ev.ID)
	default:
		t.Fatal("expected an event")
	}
}

func TestBusIgnoresOtherEventNames(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(EventStateTransition)
	defer b.Unsubscribe(ch)

	b.Emit(context.Background(), "tenant-1", EventSuggestionCreated, nil)
	assert.Empty(t, ch)
}

func TestBusAllSubscriberReceivesEverything(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Emit(context.Background(), "tenant-1", EventSuggestionCreated, nil)
	b.Emit(context.Background(), "tenant-1", EventStateTransition, nil)
	assert.Len(t, ch, 2)
}

func TestBusFullChannelDropsEvent(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe(EventSuggestionCreated)
	defer b.Unsubscribe(ch)

	b.Emit(context.Background(), "tenant-1", EventSuggestionCreated, nil)
	b.Emit(context.Background(), "tenant-1", EventSuggestionCreated, nil)

	// At-most-once: the second event is dropped, the emitter never blocks.
	require.Len(t, ch, 1)
}

func TestSubscriberCount(t *testing.T) {
	b := NewBus()
	assert.Equal(t, 0, b.SubscriberCount())
	ch1 := b.Subscribe(EventSuggestionCreated)
	ch2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())
	b.Unsubscribe(ch1)
	b.Unsubscribe(ch2)
	assert.Equal(t, 0, b.SubscriberCount())
}
