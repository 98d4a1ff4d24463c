package gateway

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"aiwriter/internal/bus"
	"aiwriter/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocal_PostEmitsMessageNew(t *testing.T) {
	l := NewLocal(testLogger())

	var got []domain.Event
	l.Subscribe(domain.EventMessageNew, func(e domain.Event) { got = append(got, e) })

	msg, err := l.Post(context.Background(), "c1", "hello", true)
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Message)
	assert.Equal(t, msg.ID, got[0].Message.ID)
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.True(t, got[0].Message.SenderIsHuman)
}

func TestLocal_SendMessageIsNotHuman(t *testing.T) {
	l := NewLocal(testLogger())

	msg, err := l.SendMessage(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.False(t, msg.SenderIsHuman)
	assert.NotEmpty(t, msg.ID)
}

func TestLocal_UpdateMessageText(t *testing.T) {
	l := NewLocal(testLogger())
	ctx := context.Background()

	var updates []string
	l.Subscribe(domain.EventMessageUpdated, func(e domain.Event) { updates = append(updates, e.Message.Text) })

	msg, err := l.SendMessage(ctx, "c1", "")
	require.NoError(t, err)
	require.NoError(t, l.UpdateMessageText(ctx, msg.ID, "partial"))
	require.NoError(t, l.UpdateMessageText(ctx, msg.ID, "final"))

	stored, ok := l.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "final", stored.Text)
	assert.Equal(t, []string{"partial", "final"}, updates)
}

func TestLocal_UpdateUnknownMessage(t *testing.T) {
	l := NewLocal(testLogger())
	err := l.UpdateMessageText(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}

func TestLocal_SendEventValidates(t *testing.T) {
	l := NewLocal(testLogger())
	ctx := context.Background()

	assert.Error(t, l.SendEvent(ctx, domain.Event{Type: domain.EventMessageNew, MessageID: "m"}))
	assert.Error(t, l.SendEvent(ctx, domain.Event{Type: domain.EventIndicatorClear}))
	assert.NoError(t, l.SendEvent(ctx, domain.IndicatorClear("c1", "m1")))
}

func TestLocal_RequestStopCarriesConversation(t *testing.T) {
	l := NewLocal(testLogger())

	msg, err := l.SendMessage(context.Background(), "c9", "")
	require.NoError(t, err)

	var stop domain.Event
	l.Subscribe(domain.EventIndicatorStop, func(e domain.Event) { stop = e })
	l.RequestStop(msg.ID)

	assert.Equal(t, msg.ID, stop.MessageID)
	assert.Equal(t, "c9", stop.ConversationID)
}

func TestLocal_CancelledContext(t *testing.T) {
	l := NewLocal(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.SendMessage(ctx, "c1", "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_CloseRejectsPosts(t *testing.T) {
	l := NewLocal(testLogger())
	var n int
	l.Subscribe(bus.Wildcard, func(domain.Event) { n++ })
	l.Close()

	_, err := l.Post(context.Background(), "c1", "x", true)
	assert.Error(t, err)
	assert.Zero(t, n)
}
