package queue

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Error to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

type mockConsumer struct {
	tag        string
	deliveries chan amqp.Delivery
}

// MockAMQPChannel is an in-memory broker behind the AMQPChannel interface.
// Messages published on the default exchange are routed to the queue named by
// the routing key, round-robin across its consumers. Messages published while
// a queue has no consumer wait until one attaches.
type MockAMQPChannel struct {
	mu sync.Mutex

	// Errors to return from operations
	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error

	published []amqp.Publishing
	keys      []string
	declared  map[string]bool
	consumers map[string][]*mockConsumer
	next      map[string]int
	pending   map[string][]amqp.Publishing
	closed    bool
	deliveryN uint64
}

// NewMockAMQPChannel creates an empty in-memory broker channel.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		declared:  make(map[string]bool),
		consumers: make(map[string][]*mockConsumer),
		next:      make(map[string]int),
		pending:   make(map[string][]amqp.Publishing),
	}
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	if m.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	m.declared[name] = true
	return m.queueLocked(name), nil
}

// QueueInspect reports the pending message and consumer counts of a declared queue
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if !m.declared[name] {
		return amqp.Queue{}, fmt.Errorf("queue %q not found", name)
	}
	return m.queueLocked(name), nil
}

func (m *MockAMQPChannel) queueLocked(name string) amqp.Queue {
	return amqp.Queue{
		Name:      name,
		Messages:  len(m.pending[name]),
		Consumers: len(m.consumers[name]),
	}
}

// Publish records the message and routes it to the queue named by key
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.closed {
		return amqp.ErrClosed
	}
	m.published = append(m.published, msg)
	m.keys = append(m.keys, key)

	if exchange != "" || !m.declared[key] {
		return nil
	}
	if len(m.consumers[key]) == 0 {
		m.pending[key] = append(m.pending[key], msg)
		return nil
	}
	m.deliverLocked(key, msg)
	return nil
}

func (m *MockAMQPChannel) deliverLocked(queue string, msg amqp.Publishing) {
	consumers := m.consumers[queue]
	i := m.next[queue] % len(consumers)
	m.next[queue] = i + 1
	m.deliveryN++
	consumers[i].deliveries <- amqp.Delivery{
		ConsumerTag: consumers[i].tag,
		DeliveryTag: m.deliveryN,
		RoutingKey:  queue,
		ContentType: msg.ContentType,
		MessageId:   msg.MessageId,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
	}
}

// Consume attaches a consumer and flushes messages waiting on the queue
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.closed {
		return nil, amqp.ErrClosed
	}
	if !m.declared[queue] {
		return nil, fmt.Errorf("queue %q not found", queue)
	}
	c := &mockConsumer{tag: consumer, deliveries: make(chan amqp.Delivery, 256)}
	m.consumers[queue] = append(m.consumers[queue], c)

	waiting := m.pending[queue]
	delete(m.pending, queue)
	for _, msg := range waiting {
		m.deliverLocked(queue, msg)
	}
	return c.deliveries, nil
}

// Cancel detaches the consumer and closes its delivery channel
func (m *MockAMQPChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for queue, consumers := range m.consumers {
		for i, c := range consumers {
			if c.tag != consumer {
				continue
			}
			close(c.deliveries)
			m.consumers[queue] = append(consumers[:i], consumers[i+1:]...)
			return nil
		}
	}
	return nil
}

// Close closes the channel and every consumer's delivery channel
func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		for _, consumers := range m.consumers {
			for _, c := range consumers {
				close(c.deliveries)
			}
		}
		m.consumers = make(map[string][]*mockConsumer)
	}
	return m.CloseErr
}

// Published returns a copy of every message published so far
func (m *MockAMQPChannel) Published() []amqp.Publishing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]amqp.Publishing(nil), m.published...)
}

// PublishedKeys returns the routing keys of published messages, in order
func (m *MockAMQPChannel) PublishedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// Consumers returns the number of consumers attached to queue
func (m *MockAMQPChannel) Consumers(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers[queue])
}

// IsClosed reports whether Close was called
func (m *MockAMQPChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	// Store last call parameters
	LastURL string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialerWithError creates a mock dialer that returns an error
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{
		DialErr: err,
	}
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := NewMockAMQPChannel()

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel, mockConn
}

// SetupMockDialerWithChannelError creates a mock dialer that fails on channel creation
func SetupMockDialerWithChannelError() *MockAMQPDialer {
	mockConn := &MockAMQPConnection{
		ChannelErr: fmt.Errorf("failed to open channel"),
	}

	return &MockAMQPDialer{
		MockConnection: mockConn,
	}
}

// SetupMockDialerWithQueueError creates a mock dialer that fails on queue declaration
func SetupMockDialerWithQueueError() (*MockAMQPDialer, *MockAMQPChannel) {
	mockChannel := NewMockAMQPChannel()
	mockChannel.QueueDeclareErr = fmt.Errorf("failed to declare queue")

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel
}
