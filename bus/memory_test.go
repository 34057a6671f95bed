package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/casereview/message"
)

func testWrapper(to string) *message.Wrapper {
	env := message.NewEnvelope("msg-1", message.RoleAgent, "review CASE-001", "conv-1", "task-1")
	return message.NewWrapper(env, "orchestrator-agent", to, map[string]any{"case_id": "CASE-001"})
}

func TestMemoryBusRouting(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()

	require.NoError(t, b.EnsureSubscription(ctx))
	require.NoError(t, b.Send(ctx, testWrapper("extractor-agent")))

	// A mismatched reader abandons the message without invoking its handler.
	otherInvoked := false
	err := b.Receive(ctx, "screener-agent", func(context.Context, *message.Wrapper) error {
		otherInvoked = true
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, otherInvoked)
	assert.Equal(t, 1, b.Pending(), "abandoned message should remain visible")

	// The addressed reader accepts it.
	var got *message.Wrapper
	err = b.Receive(ctx, "extractor-agent", func(_ context.Context, w *message.Wrapper) error {
		got = w
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "extractor-agent", got.ToAgent)
	assert.Equal(t, "CASE-001", got.Payload["case_id"])
	assert.Equal(t, 0, b.Pending())
}

func TestMemoryBusDeadLetterOnce(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, testWrapper("extractor-agent")))

	calls := 0
	err := b.Receive(ctx, "extractor-agent", func(context.Context, *message.Wrapper) error {
		calls++
		return errors.New("boom")
	}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "extractor-agent", dead[0].Agent)
	assert.Equal(t, "boom", dead[0].Reason)
	assert.Equal(t, "extractor-agent", dead[0].Headers[message.HeaderToAgent])

	// No redelivery after dead-lettering.
	err = b.Receive(ctx, "extractor-agent", func(context.Context, *message.Wrapper) error {
		calls++
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Pending())
}

func TestMemoryBusReceiveTimeout(t *testing.T) {
	b := NewMemoryBus(nil)

	start := time.Now()
	err := b.Receive(context.Background(), "extractor-agent", func(context.Context, *message.Wrapper) error {
		t.Fatal("handler should not run on an empty queue")
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryBusOrderPreserved(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := message.NewEnvelope(fmt.Sprintf("msg-%d", i), message.RoleAgent, "x", "conv-1", "task-1")
		require.NoError(t, b.Send(ctx, message.NewWrapper(env, "a", "extractor-agent", nil)))
	}

	var order []string
	for i := 0; i < 3; i++ {
		err := b.Receive(ctx, "extractor-agent", func(_ context.Context, w *message.Wrapper) error {
			order = append(order, w.Envelope.MessageID)
			return nil
		}, 100*time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2"}, order)
}

func TestMemoryBusOneMessagePerWindow(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env := message.NewEnvelope(fmt.Sprintf("msg-%d", i), message.RoleAgent, "x", "conv-1", "task-1")
		require.NoError(t, b.Send(ctx, message.NewWrapper(env, "a", "extractor-agent", nil)))
	}

	calls := 0
	err := b.Receive(ctx, "extractor-agent", func(context.Context, *message.Wrapper) error {
		calls++
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a receive window handles one message")
	assert.Equal(t, 1, b.Pending(), "the second message stays queued")
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := context.Background()
	b.Close()

	err := b.Send(ctx, testWrapper("extractor-agent"))
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	err = b.Receive(ctx, "extractor-agent", func(context.Context, *message.Wrapper) error {
		return nil
	}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	assert.True(t, IsTransport(b.EnsureSubscription(ctx)))
}

func TestMemoryBusContextCancel(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Receive(ctx, "extractor-agent", func(context.Context, *message.Wrapper) error {
			return nil
		}, 10*time.Second)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Receive did not honor context cancellation")
	}
}
