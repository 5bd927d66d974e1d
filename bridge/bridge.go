package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"feedback.evalgo.org/statemanager"
)

const (
	DefaultInboundEvent = "operation-progress"
	DefaultCancelEvent  = "cancel-operation"
)

// EventType is the kind of an inbound notification.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// InboundEvent is published by the host for operations it runs.
type InboundEvent struct {
	OperationID string           `json:"operationId"`
	Type        EventType        `json:"type"`
	Progress    *ProgressPayload `json:"progress,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
}

// ProgressPayload reports work done out of a total; a zero total means the
// host cannot tell how far along it is.
type ProgressPayload struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
	Message string  `json:"message,omitempty"`
}

// ToProgress maps the payload to registry progress.
func (p ProgressPayload) ToProgress() statemanager.Progress {
	if p.Total <= 0 {
		return statemanager.Indeterminate(p.Message)
	}
	return statemanager.Determinate(p.Current/p.Total*100, p.Message)
}

// CancelEvent is emitted to the host when the registry cancels an operation
// the host started.
type CancelEvent struct {
	OperationID string `json:"operationId"`
}

// Config for creating a Bridge
type Config struct {
	Host          Host
	Manager       *statemanager.Manager
	InboundEvent  string // default "operation-progress"
	CancelEvent   string // default "cancel-operation"
	OperationType string // type given to auto-created operations, default "host"
	Logger        *logrus.Entry
}

// Bridge connects one Host to one registry. If the host is unavailable when
// the bridge is created, every method is a silent no-op.
type Bridge struct {
	mu          sync.Mutex
	host        Host
	manager     *statemanager.Manager
	available   bool
	unsubscribe func()
	disposed    bool
	unhook      func()
	links       map[string]func() // operation id -> token subscription
	sent        map[string]bool   // cancellations already emitted
	suppressed  map[string]bool   // cancelled by the host itself

	// links, sent and suppressed only hold ids the registry still tracks.

	inboundEvent  string
	cancelEvent   string
	operationType string
	logger        *logrus.Entry
}

// New creates a bridge and probes the host once.
func New(cfg Config) *Bridge {
	if cfg.InboundEvent == "" {
		cfg.InboundEvent = DefaultInboundEvent
	}
	if cfg.CancelEvent == "" {
		cfg.CancelEvent = DefaultCancelEvent
	}
	if cfg.OperationType == "" {
		cfg.OperationType = "host"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "bridge")
	}

	available := cfg.Host != nil && cfg.Manager != nil && cfg.Host.IsAvailable()
	if !available {
		cfg.Logger.Info("Host runtime not available, progress bridge stays inactive")
	}

	b := &Bridge{
		host:          cfg.Host,
		manager:       cfg.Manager,
		available:     available,
		links:         make(map[string]func()),
		sent:          make(map[string]bool),
		suppressed:    make(map[string]bool),
		inboundEvent:  cfg.InboundEvent,
		cancelEvent:   cfg.CancelEvent,
		operationType: cfg.OperationType,
		logger:        cfg.Logger,
	}
	if available {
		b.unhook = cfg.Manager.OnRemove(b.forget)
	}
	return b
}

// IsAvailable reports the result of the construction-time probe.
func (b *Bridge) IsAvailable() bool {
	return b.available
}

// IsActive reports whether the inbound listener is attached.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribe != nil
}

// Start attaches the inbound listener. It is a no-op when the host is
// unavailable, the bridge was disposed, or it is already started.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available || b.disposed || b.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := b.host.Subscribe(b.inboundEvent, b.handlePayload)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.inboundEvent, err)
	}
	b.unsubscribe = unsubscribe
	b.logger.WithField("event", b.inboundEvent).Info("Progress bridge started")
	return nil
}

// Stop detaches the inbound listener. Cancellation links of operations
// already created stay in place.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		b.logger.Info("Progress bridge stopped")
	}
}

// Dispose stops the bridge for good and drops every cancellation link.
func (b *Bridge) Dispose() {
	b.Stop()

	b.mu.Lock()
	b.disposed = true
	links := b.links
	b.links = make(map[string]func())
	b.sent = make(map[string]bool)
	b.suppressed = make(map[string]bool)
	unhook := b.unhook
	b.unhook = nil
	b.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	for _, unlink := range links {
		unlink()
	}
}

// SendCancellation tells the host to cancel operationID. Each operation is
// announced at most once while the registry tracks it.
func (b *Bridge) SendCancellation(operationID string) error {
	if !b.available {
		return nil
	}

	b.mu.Lock()
	if b.disposed || b.sent[operationID] {
		b.mu.Unlock()
		return nil
	}
	b.sent[operationID] = true
	b.mu.Unlock()

	payload, err := json.Marshal(CancelEvent{OperationID: operationID})
	if err != nil {
		return err
	}
	if err := b.host.Emit(b.cancelEvent, payload); err != nil {
		return fmt.Errorf("failed to emit cancellation for %s: %w", operationID, err)
	}
	return nil
}

func (b *Bridge) handlePayload(payload []byte) {
	var ev InboundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.WithError(err).WithField("event", b.inboundEvent).Warn("Dropping undecodable host event")
		return
	}
	if err := b.HandleEvent(ev); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"operation_id": ev.OperationID,
			"event":        ev.Type,
		}).Warn("Host event not applied")
	}
}

// HandleEvent applies one inbound event to the registry.
func (b *Bridge) HandleEvent(ev InboundEvent) error {
	if ev.OperationID == "" {
		return errors.New("event without operationId")
	}

	switch ev.Type {
	case EventProgress:
		if err := b.ensureOperation(ev.OperationID); err != nil {
			return err
		}
		progress := statemanager.Indeterminate("")
		if ev.Progress != nil {
			progress = ev.Progress.ToProgress()
		}
		return b.manager.UpdateProgress(ev.OperationID, progress)

	case EventComplete:
		defer b.unlink(ev.OperationID)
		var result interface{}
		if len(ev.Result) > 0 {
			if err := json.Unmarshal(ev.Result, &result); err != nil {
				result = string(ev.Result)
			}
		}
		return b.manager.CompleteOperation(ev.OperationID, result)

	case EventError:
		defer b.unlink(ev.OperationID)
		msg := ev.Error
		if msg == "" {
			msg = "host operation failed"
		}
		return b.manager.FailOperation(ev.OperationID, errors.New(msg))

	case EventCancelled:
		b.mu.Lock()
		b.suppressed[ev.OperationID] = true
		b.mu.Unlock()
		defer b.unlink(ev.OperationID)
		return b.manager.CancelOperationWithReason(ev.OperationID, statemanager.ReasonExternal)

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// ensureOperation creates the operation on first sight and links its token
// to the outbound cancellation.
func (b *Bridge) ensureOperation(id string) error {
	// Late progress for a finished operation must not resurrect it.
	if b.manager.GetOperation(id) != nil {
		return nil
	}

	h, err := b.manager.Start(statemanager.StartOptions{
		ID:            id,
		OperationType: b.operationType,
		Metadata:      map[string]interface{}{"source": "host"},
	})
	if errors.Is(err, statemanager.ErrDuplicateOperation) {
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.suppressed, id)
	delete(b.sent, id)
	b.mu.Unlock()

	unlink := h.Token().OnCancel(func() { b.forwardCancel(id) })

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		unlink()
		return nil
	}
	b.links[id] = unlink
	b.mu.Unlock()
	return nil
}

func (b *Bridge) forwardCancel(id string) {
	b.mu.Lock()
	delete(b.links, id)
	suppressed := b.suppressed[id]
	delete(b.suppressed, id)
	if suppressed {
		b.sent[id] = true
	}
	b.mu.Unlock()

	if suppressed {
		return
	}
	if err := b.SendCancellation(id); err != nil {
		b.logger.WithError(err).WithField("operation_id", id).Warn("Failed to forward cancellation to host")
	}
}

// forget drops everything kept for an id the registry no longer tracks.
func (b *Bridge) forget(id string) {
	b.mu.Lock()
	unlink := b.links[id]
	delete(b.links, id)
	delete(b.sent, id)
	delete(b.suppressed, id)
	b.mu.Unlock()

	if unlink != nil {
		unlink()
	}
}

func (b *Bridge) unlink(id string) {
	b.mu.Lock()
	unlink := b.links[id]
	delete(b.links, id)
	delete(b.suppressed, id)
	b.mu.Unlock()

	if unlink != nil {
		unlink()
	}
}
