package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback.evalgo.org/bridge"
	"feedback.evalgo.org/scheduler"
	"feedback.evalgo.org/statemanager"
)

func newTestAMQPHost(t *testing.T) (*AMQPHost, *MockAMQPChannel, *MockAMQPConnection) {
	t.Helper()
	dialer, ch, conn := SetupMockDialerForTest()
	h, err := NewAMQPHostWithDialer(AMQPConfig{URL: "amqp://test"}, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	assert.Equal(t, "amqp://test", dialer.LastURL)
	return h, ch, conn
}

func TestNewAMQPHost_Errors(t *testing.T) {
	_, err := NewAMQPHostWithDialer(AMQPConfig{}, NewMockAMQPDialerWithError(errors.New("connection refused")))
	assert.ErrorContains(t, err, "failed to connect to RabbitMQ")

	dialer := SetupMockDialerWithChannelError()
	_, err = NewAMQPHostWithDialer(AMQPConfig{}, dialer)
	assert.ErrorContains(t, err, "failed to open channel")
	assert.True(t, dialer.MockConnection.(*MockAMQPConnection).CloseCalled)
}

func TestNewAMQPHost_DefaultURLFromEnv(t *testing.T) {
	t.Setenv("FEEDBACK_AMQP_URL", "amqp://env-host:5672/")
	dialer, _, _ := SetupMockDialerForTest()
	h, err := NewAMQPHostWithDialer(AMQPConfig{}, dialer)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, "amqp://env-host:5672/", dialer.LastURL)
	assert.Equal(t, "feedback.progress", h.Queue("progress"))
}

func TestAMQPHost_PublishConsume(t *testing.T) {
	h, ch, _ := newTestAMQPHost(t)
	assert.True(t, h.IsAvailable())

	received := make(chan string, 4)
	unsubscribe, err := h.Subscribe("progress", func(payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Consumers("feedback.progress"))

	require.NoError(t, h.Emit("progress", []byte(`"one"`)))
	require.NoError(t, h.Emit("progress", []byte(`"two"`)))

	for _, want := range []string{`"one"`, `"two"`} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("did not receive %s", want)
		}
	}

	published := ch.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "application/json", published[0].ContentType)
	assert.NotEmpty(t, published[0].MessageId)
	assert.Equal(t, []string{"feedback.progress", "feedback.progress"}, ch.PublishedKeys())

	unsubscribe()
	unsubscribe()
	assert.Zero(t, ch.Consumers("feedback.progress"))
}

func TestAMQPHost_MessagesWaitForConsumer(t *testing.T) {
	h, ch, _ := newTestAMQPHost(t)

	require.NoError(t, h.Emit("cancel", []byte("early")))
	q, err := ch.QueueInspect("feedback.cancel")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Messages)

	received := make(chan string, 1)
	_, err = h.Subscribe("cancel", func(payload []byte) { received <- string(payload) })
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "early", got)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not delivered")
	}
}

func TestAMQPHost_Errors(t *testing.T) {
	dialer, ch := SetupMockDialerWithQueueError()
	h, err := NewAMQPHostWithDialer(AMQPConfig{}, dialer)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Subscribe("progress", func([]byte) {})
	assert.ErrorContains(t, err, "failed to declare queue")
	assert.Error(t, h.Emit("progress", nil))

	ch.QueueDeclareErr = nil
	ch.PublishErr = errors.New("channel blocked")
	assert.ErrorContains(t, h.Emit("progress", nil), "failed to publish progress")
}

func TestAMQPHost_Close(t *testing.T) {
	h, ch, conn := newTestAMQPHost(t)

	_, err := h.Subscribe("progress", func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.True(t, ch.IsClosed())
	assert.True(t, conn.CloseCalled)
	assert.False(t, h.IsAvailable())
	assert.Error(t, h.Emit("progress", nil))
	_, err = h.Subscribe("progress", func([]byte) {})
	assert.Error(t, err)
}

func TestAMQPHost_BridgeRoundTrip(t *testing.T) {
	h, _, _ := newTestAMQPHost(t)
	m := statemanager.New(statemanager.Config{Scheduler: scheduler.NewManual(time.Time{})})

	b := bridge.New(bridge.Config{Host: h, Manager: m})
	require.NoError(t, b.Start())
	defer b.Dispose()

	cancels := make(chan bridge.CancelEvent, 2)
	_, err := h.Subscribe(bridge.DefaultCancelEvent, func(payload []byte) {
		var ev bridge.CancelEvent
		if json.Unmarshal(payload, &ev) == nil {
			cancels <- ev
		}
	})
	require.NoError(t, err)

	payload, err := json.Marshal(bridge.InboundEvent{
		OperationID: "copy-1",
		Type:        bridge.EventProgress,
		Progress:    &bridge.ProgressPayload{Current: 3, Total: 4},
	})
	require.NoError(t, err)
	require.NoError(t, h.Emit(bridge.DefaultInboundEvent, payload))

	require.Eventually(t, func() bool {
		op := m.GetOperation("copy-1")
		return op != nil && op.Progress.Value == 75
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.CancelOperation("copy-1"))

	select {
	case ev := <-cancels:
		assert.Equal(t, "copy-1", ev.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation was not forwarded to the host")
	}
}
