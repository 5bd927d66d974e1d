package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback.evalgo.org/bridge"
	"feedback.evalgo.org/statemanager"
)

func newTestHost(t *testing.T) (*Host, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	h, err := NewHost(context.Background(), Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, mr
}

func TestNewHost_InvalidURL(t *testing.T) {
	_, err := NewHost(context.Background(), Config{RedisURL: "not-a-url://"})
	assert.Error(t, err)
}

func TestNewHost_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewHost(context.Background(), Config{RedisURL: "redis://" + addr})
	assert.Error(t, err)
}

func TestHost_PublishSubscribe(t *testing.T) {
	h, mr := newTestHost(t)
	assert.True(t, h.IsAvailable())

	received := make(chan string, 4)
	unsubscribe, err := h.Subscribe("progress", func(payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)

	require.NoError(t, h.Emit("progress", []byte("one")))
	require.NoError(t, h.Emit("progress", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}

	assert.Equal(t, []string{"feedback:progress"}, mr.PubSubChannels(""))

	unsubscribe()
	unsubscribe()
	require.NoError(t, h.Emit("progress", []byte("three")))
	select {
	case got := <-received:
		t.Fatalf("received %q after unsubscribe", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHost_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	h, err := NewHost(context.Background(), Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer h.Close()

	mr.Close()
	assert.False(t, h.IsAvailable())
}

func TestHost_DrivesBridge(t *testing.T) {
	h, _ := newTestHost(t)
	m := statemanager.New(statemanager.Config{})

	b := bridge.New(bridge.Config{Host: h, Manager: m})
	require.NoError(t, b.Start())
	defer b.Dispose()

	cancels := make(chan string, 1)
	unsubscribe, err := h.Subscribe(bridge.DefaultCancelEvent, func(payload []byte) {
		var ev bridge.CancelEvent
		if json.Unmarshal(payload, &ev) == nil {
			cancels <- ev.OperationID
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	payload, err := json.Marshal(bridge.InboundEvent{
		OperationID: "index",
		Type:        bridge.EventProgress,
		Progress:    &bridge.ProgressPayload{Current: 25, Total: 100},
	})
	require.NoError(t, err)
	require.NoError(t, h.Emit(bridge.DefaultInboundEvent, payload))

	require.Eventually(t, func() bool {
		op := m.GetOperation("index")
		return op != nil && op.Progress.Value == 25
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.CancelOperation("index"))
	select {
	case id := <-cancels:
		assert.Equal(t, "index", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not published")
	}
}
