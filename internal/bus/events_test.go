package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"aiwriter/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got domain.Event
	eb.On(domain.EventMessageNew, func(e domain.Event) { got = e })

	eb.Emit(domain.Event{Type: domain.EventMessageNew, Message: &domain.Message{ID: "m1"}})

	require.NotNil(t, got.Message)
	assert.Equal(t, "m1", got.Message.ID)
	assert.False(t, got.Timestamp.IsZero(), "timestamp should be auto-set")
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On(Wildcard, func(domain.Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(domain.Event{Type: domain.EventMessageNew})
	eb.Emit(domain.Event{Type: domain.EventIndicatorClear})

	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	sub := eb.On(domain.EventIndicatorStop, func(domain.Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(domain.Event{Type: domain.EventIndicatorStop})
	sub.Unsubscribe()
	sub.Unsubscribe()
	eb.Emit(domain.Event{Type: domain.EventIndicatorStop})

	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
	assert.Equal(t, 0, eb.HandlerCount(domain.EventIndicatorStop))
}

func TestEventBus_UnsubscribeKeepsOthers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	subA := eb.On(domain.EventMessageNew, func(domain.Event) { atomic.AddInt32(&a, 1) })
	eb.On(domain.EventMessageNew, func(domain.Event) { atomic.AddInt32(&b, 1) })

	subA.Unsubscribe()
	// A new registration after removal must not reuse the removed handler's id.
	eb.On(domain.EventMessageNew, func(domain.Event) { atomic.AddInt32(&b, 1) })
	eb.Emit(domain.Event{Type: domain.EventMessageNew})

	assert.EqualValues(t, 0, a)
	assert.EqualValues(t, 2, b)
}

func TestEventBus_SubscribeDuringEmit(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var late int32
	eb.On(domain.EventMessageNew, func(domain.Event) {
		eb.On(domain.EventMessageNew, func(domain.Event) { atomic.AddInt32(&late, 1) })
	})

	eb.Emit(domain.Event{Type: domain.EventMessageNew})
	assert.EqualValues(t, 0, atomic.LoadInt32(&late), "handlers added during emit see only later events")

	eb.Emit(domain.Event{Type: domain.EventMessageNew})
	assert.EqualValues(t, 1, atomic.LoadInt32(&late))
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(domain.Event) { panic("test panic") })
	eb.On("panic", func(domain.Event) { atomic.AddInt32(&after, 1) })

	require.NotPanics(t, func() { eb.Emit(domain.Event{Type: "panic"}) })
	assert.EqualValues(t, 1, after)
}

func TestEventBus_Close(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On(domain.EventMessageNew, func(domain.Event) { atomic.AddInt32(&count, 1) })
	eb.Close()
	eb.Emit(domain.Event{Type: domain.EventMessageNew})

	assert.EqualValues(t, 0, count)
}
