// Package statemanager is the operation registry: it tracks asynchronous
// operations, escalates their feedback level as time passes, throttles
// progress delivery, cascades cancellation and notifies subscribers.
package statemanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"feedback.evalgo.org/cancellation"
	"feedback.evalgo.org/escalation"
	"feedback.evalgo.org/scheduler"
)

// DefaultThrottleWindow is the progress coalescing window.
const DefaultThrottleWindow = 16 * time.Millisecond

// Resolver supplies the escalation config of a new operation.
type Resolver interface {
	ResolveConfig(scope escalation.Scope) escalation.Config
}

// Config for creating a new Manager
type Config struct {
	ServiceName    string
	MaxOperations  int                 // Keep last N operations, default 1000; active ones are never evicted
	ThrottleWindow time.Duration       // default 16ms, negative delivers every update
	Scheduler      scheduler.Scheduler // default real clock
	Resolver       Resolver            // default escalation.DefaultConfig for everything
	Arena          *cancellation.Arena
	IDGenerator    func() string // default uuid
	Logger         *logrus.Entry
}

// Manager handles state tracking for operations
type Manager struct {
	mu         sync.Mutex
	operations map[string]*operation
	seq        uint64

	subMu   sync.Mutex
	nextSub int
	subs    map[string]map[int]*subscriber
	allSubs map[int]*subscriber

	hookMu      sync.Mutex
	nextHook    int
	removeHooks map[int]func(id string)

	dispatcher dispatcher

	maxOperations int
	throttle      time.Duration
	serviceName   string
	sched         scheduler.Scheduler
	resolver      Resolver
	arena         *cancellation.Arena
	newID         func() string
	logger        *logrus.Entry
}

type operation struct {
	seq   uint64
	state OperationState
	token *cancellation.Token
	done  chan struct{}

	escalationTimers []scheduler.Timer
	timeoutTimer     scheduler.Timer
	throttleTimer    scheduler.Timer
	progressDirty    bool
	removed          bool
}

// terminal reports whether the operation accepts no further changes, which
// includes operations already dropped from the registry.
func (op *operation) terminal() bool {
	return op.removed || op.state.Status.IsTerminal()
}

func (op *operation) snapshot() OperationState {
	s := op.state
	if op.state.CompletedAt != nil {
		t := *op.state.CompletedAt
		s.CompletedAt = &t
	}
	if op.state.Metadata != nil {
		s.Metadata = make(map[string]interface{}, len(op.state.Metadata))
		for k, v := range op.state.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

type staticResolver struct{}

func (staticResolver) ResolveConfig(escalation.Scope) escalation.Config {
	return escalation.DefaultConfig()
}

// New creates a new state manager
func New(cfg Config) *Manager {
	if cfg.MaxOperations == 0 {
		cfg.MaxOperations = 1000
	}
	if cfg.ThrottleWindow == 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.NewReal()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = staticResolver{}
	}
	if cfg.Arena == nil {
		cfg.Arena = cancellation.NewArena()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = func() string { return uuid.New().String() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "statemanager")
	}
	m := &Manager{
		operations:    make(map[string]*operation),
		subs:          make(map[string]map[int]*subscriber),
		allSubs:       make(map[int]*subscriber),
		removeHooks:   make(map[int]func(string)),
		maxOperations: cfg.MaxOperations,
		throttle:      cfg.ThrottleWindow,
		serviceName:   cfg.ServiceName,
		sched:         cfg.Scheduler,
		resolver:      cfg.Resolver,
		arena:         cfg.Arena,
		newID:         cfg.IDGenerator,
		logger:        cfg.Logger,
	}
	m.dispatcher.logger = cfg.Logger
	return m
}

// StartOptions describes a new operation.
type StartOptions struct {
	ID            string // generated when empty
	ParentID      string
	OperationType string
	ComponentID   string
	Config        *escalation.Config // wins over the resolver when set
	Metadata      map[string]interface{}
	Pending       bool // register as pending until MarkRunning
}

// Start registers a new operation in running (or pending) status, resolves
// its escalation config and arms its timers.
func (m *Manager) Start(opts StartOptions) (*Handle, error) {
	cfg, err := m.configFor(opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := opts.ID
	if id == "" {
		id = m.newID()
	}

	var dropped []*operation
	if existing, ok := m.operations[id]; ok {
		if !existing.terminal() {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, id)
		}
		dropped = append(dropped, m.removeLocked(id))
	}
	if len(m.operations) >= m.maxOperations {
		if op := m.evictOldestLocked(); op != nil {
			dropped = append(dropped, op)
		}
	}

	token := m.arena.NewToken
	if opts.ParentID != "" {
		if parent, ok := m.operations[opts.ParentID]; ok {
			token = parent.token.CreateChild
		}
	}

	now := m.sched.Now()
	status := StatusRunning
	if opts.Pending {
		status = StatusPending
	}
	m.seq++
	op := &operation{
		seq:   m.seq,
		token: token(),
		done:  make(chan struct{}),
		state: OperationState{
			ID:            id,
			ParentID:      opts.ParentID,
			ServiceName:   m.serviceName,
			OperationType: opts.OperationType,
			ComponentID:   opts.ComponentID,
			Status:        status,
			Level:         escalation.Calculate(0, cfg),
			Progress:      Indeterminate(""),
			StartedAt:     now,
			Config:        cfg,
			Metadata:      copyMetadata(opts.Metadata),
		},
	}
	m.operations[id] = op
	m.armTimersLocked(op)
	m.emitLocked(op, ChangeCreated)
	m.mu.Unlock()

	m.dispatcher.drain()
	m.release(dropped)

	// Registered last: a child of an already cancelled parent fires here.
	op.token.OnCancel(func() { m.cancelFromToken(op) })

	return &Handle{m: m, op: op}, nil
}

func (m *Manager) configFor(opts StartOptions) (escalation.Config, error) {
	if opts.Config != nil {
		if err := opts.Config.Validate(); err != nil {
			return escalation.Config{}, err
		}
		return *opts.Config, nil
	}
	cfg := m.resolver.ResolveConfig(escalation.Scope{
		OperationType: opts.OperationType,
		ComponentID:   opts.ComponentID,
	})
	if err := cfg.Validate(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"operation_type": opts.OperationType,
			"component_id":   opts.ComponentID,
		}).WithError(err).Warn("Resolved escalation config is inconsistent, levels follow enabled thresholds as given")
	}
	return cfg, nil
}

// armTimersLocked schedules one timer per enabled, still-future tier plus the
// optional timeout.
func (m *Manager) armTimersLocked(op *operation) {
	cfg := op.state.Config
	for _, at := range escalation.Boundaries(cfg) {
		if at <= 0 {
			continue
		}
		op.escalationTimers = append(op.escalationTimers, m.sched.AfterFunc(at, func() {
			m.escalate(op)
		}))
	}
	if cfg.Timeout > 0 {
		op.timeoutTimer = m.sched.AfterFunc(cfg.Timeout, func() {
			m.cancel(op, ReasonTimeout)
		})
	}
}

func (m *Manager) escalate(op *operation) {
	m.mu.Lock()
	if op.terminal() {
		m.mu.Unlock()
		return
	}
	elapsed := m.sched.Now().Sub(op.state.StartedAt)
	if level := escalation.Calculate(elapsed, op.state.Config); level > op.state.Level {
		op.state.Level = level
		m.emitLocked(op, ChangeLevel)
	}
	m.mu.Unlock()
	m.dispatcher.drain()
}

// MarkRunning moves a pending operation to running.
func (m *Manager) MarkRunning(id string) error {
	m.mu.Lock()
	op, ok := m.operations[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	m.markRunningLocked(op)
	m.mu.Unlock()
	m.dispatcher.drain()
	return nil
}

func (m *Manager) markRunningLocked(op *operation) {
	if op.state.Status != StatusPending {
		return
	}
	op.state.Status = StatusRunning
	m.emitLocked(op, ChangeStatus)
}

// UpdateProgress records progress. Subscribers see at most one progress
// notification per throttle window carrying the latest value.
func (m *Manager) UpdateProgress(id string, p Progress) error {
	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.updateProgress(op, p)
	return nil
}

func (m *Manager) updateProgress(op *operation, p Progress) {
	m.mu.Lock()
	if op.terminal() {
		m.mu.Unlock()
		return
	}
	op.state.Progress = p.normalize()

	if m.throttle < 0 {
		m.emitLocked(op, ChangeProgress)
		m.mu.Unlock()
		m.dispatcher.drain()
		return
	}

	op.progressDirty = true
	if op.throttleTimer == nil {
		op.throttleTimer = m.sched.AfterFunc(m.throttle, func() { m.flushProgress(op) })
	}
	m.mu.Unlock()
}

func (m *Manager) flushProgress(op *operation) {
	m.mu.Lock()
	op.throttleTimer = nil
	if op.terminal() || !op.progressDirty {
		m.mu.Unlock()
		return
	}
	op.progressDirty = false
	m.emitLocked(op, ChangeProgress)
	m.mu.Unlock()
	m.dispatcher.drain()
}

// CompleteOperation marks an operation completed. Terminal operations are
// left untouched.
func (m *Manager) CompleteOperation(id string, result interface{}) error {
	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.finish(op, StatusCompleted, result, "", "")
	return nil
}

// FailOperation marks an operation failed. Terminal operations are left
// untouched.
func (m *Manager) FailOperation(id string, cause error) error {
	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.finish(op, StatusFailed, nil, errorText(cause), "")
	return nil
}

// CancelOperation cancels an operation, its token and every tracked
// operation whose parent it is.
func (m *Manager) CancelOperation(id string) error {
	return m.CancelOperationWithReason(id, ReasonRequested)
}

// CancelOperationWithReason is CancelOperation with an explicit reason.
func (m *Manager) CancelOperationWithReason(id string, reason CancelReason) error {
	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.cancel(op, reason)
	return nil
}

func (m *Manager) cancel(op *operation, reason CancelReason) {
	if !m.finish(op, StatusCancelled, nil, "", reason) {
		return
	}

	op.token.Cancel()

	for _, child := range m.childrenOf(op.state.ID) {
		m.cancel(child, ReasonParent)
	}
}

// cancelFromToken reacts to the operation token being cancelled by
// something other than the registry.
func (m *Manager) cancelFromToken(op *operation) {
	reason := ReasonRequested
	m.mu.Lock()
	if parent, ok := m.operations[op.state.ParentID]; ok && op.state.ParentID != "" && parent.state.Status == StatusCancelled {
		reason = ReasonParent
	}
	m.mu.Unlock()
	m.cancel(op, reason)
}

// finish performs the terminal transition and reports whether it happened.
// A pending throttled progress value is delivered before the terminal event.
func (m *Manager) finish(op *operation, status Status, result interface{}, errMsg string, reason CancelReason) bool {
	m.mu.Lock()
	if op.terminal() {
		m.mu.Unlock()
		return false
	}

	if op.throttleTimer != nil {
		op.throttleTimer.Stop()
		op.throttleTimer = nil
	}
	if op.progressDirty {
		op.progressDirty = false
		m.emitLocked(op, ChangeProgress)
	}
	for _, t := range op.escalationTimers {
		t.Stop()
	}
	op.escalationTimers = nil
	if op.timeoutTimer != nil {
		op.timeoutTimer.Stop()
		op.timeoutTimer = nil
	}

	now := m.sched.Now()
	op.state.Status = status
	op.state.CompletedAt = &now
	op.state.Duration = now.Sub(op.state.StartedAt).String()
	op.state.Result = result
	op.state.Error = errMsg
	op.state.CancelReason = reason
	m.emitLocked(op, ChangeStatus)
	close(op.done)
	m.mu.Unlock()

	m.dispatcher.drain()
	return true
}

func (m *Manager) lookup(id string) (*operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// childrenOf returns the active operations whose parent is id, oldest first.
func (m *Manager) childrenOf(id string) []*operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*operation
	for _, op := range m.operations {
		if op.state.ParentID == id && !op.terminal() {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// UpdateMetadata adds/updates metadata for an operation
func (m *Manager) UpdateMetadata(id string, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, exists := m.operations[id]; exists {
		if op.state.Metadata == nil {
			op.state.Metadata = make(map[string]interface{})
		}
		op.state.Metadata[key] = value
	}
}

// GetOperation retrieves an operation by ID
func (m *Manager) GetOperation(id string) *OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, exists := m.operations[id]; exists {
		s := op.snapshot()
		return &s
	}
	return nil
}

// Handle returns the handle of a tracked operation.
func (m *Manager) Handle(id string) (*Handle, error) {
	op, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return &Handle{m: m, op: op}, nil
}

// ListOperations returns all tracked operations, oldest first
func (m *Manager) ListOperations() []OperationState {
	return m.collect(func(*operation) bool { return true })
}

// GetActiveOperations returns the pending and running operations, oldest first.
func (m *Manager) GetActiveOperations() []OperationState {
	return m.collect(func(op *operation) bool { return !op.terminal() })
}

// GetChildOperations returns the active operations whose parent is parentID.
func (m *Manager) GetChildOperations(parentID string) []OperationState {
	return m.collect(func(op *operation) bool {
		return op.state.ParentID == parentID && !op.terminal()
	})
}

func (m *Manager) collect(keep func(*operation) bool) []OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*operation, 0, len(m.operations))
	for _, op := range m.operations {
		if keep(op) {
			matched = append(matched, op)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]OperationState, len(matched))
	for i, op := range matched {
		out[i] = op.snapshot()
	}
	return out
}

// GetStats returns aggregated statistics
func (m *Manager) GetStats() *OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &OperationStats{
		TotalOperations: len(m.operations),
		ByStatus:        make(map[Status]int),
		ByOperation:     make(map[string]int),
		ByLevel:         make(map[escalation.Level]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, op := range m.operations {
		stats.ByStatus[op.state.Status]++
		stats.ByOperation[op.state.OperationType]++
		stats.ByLevel[op.state.Level]++
		if !op.terminal() {
			stats.ActiveOperations++
		}

		if op.state.CompletedAt != nil {
			totalDuration += op.state.CompletedAt.Sub(op.state.StartedAt)
			completedCount++
		}
	}

	if completedCount > 0 {
		avgDuration := totalDuration / time.Duration(completedCount)
		stats.AverageDuration = avgDuration.String()
	}

	return stats
}

// Cleanup removes terminal operations that finished at least maxAge ago and
// returns how many were removed. Active operations are never removed.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	now := m.sched.Now()
	var dropped []*operation
	for id, op := range m.operations {
		if op.terminal() && now.Sub(*op.state.CompletedAt) >= maxAge {
			dropped = append(dropped, m.removeLocked(id))
		}
	}
	m.mu.Unlock()

	m.release(dropped)
	if len(dropped) > 0 {
		m.logger.WithField("removed", len(dropped)).Debug("Cleaned up finished operations")
	}
	return len(dropped)
}

// Len returns the number of tracked operations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operations)
}

// evictOldestLocked removes the terminal operation that finished first. Active
// operations are kept even when the window is full.
func (m *Manager) evictOldestLocked() *operation {
	var oldest *operation
	for _, op := range m.operations {
		if !op.terminal() {
			continue
		}
		if oldest == nil || op.state.CompletedAt.Before(*oldest.state.CompletedAt) ||
			(op.state.CompletedAt.Equal(*oldest.state.CompletedAt) && op.seq < oldest.seq) {
			oldest = op
		}
	}
	if oldest == nil {
		return nil
	}
	return m.removeLocked(oldest.state.ID)
}

// removeLocked drops id; the caller passes the returned operation to release
// once the lock is released. Subscriptions stay until their owner
// unsubscribes.
func (m *Manager) removeLocked(id string) *operation {
	op := m.operations[id]
	op.removed = true
	delete(m.operations, id)
	return op
}

// release disposes the tokens of dropped operations and runs the removal
// hooks. Must be called without m.mu held.
func (m *Manager) release(dropped []*operation) {
	if len(dropped) == 0 {
		return
	}
	for _, op := range dropped {
		op.token.Dispose()
	}

	m.hookMu.Lock()
	hooks := make([]func(string), 0, len(m.removeHooks))
	for i := 0; i < m.nextHook; i++ {
		if fn, ok := m.removeHooks[i]; ok {
			hooks = append(hooks, fn)
		}
	}
	m.hookMu.Unlock()

	for _, op := range dropped {
		for _, fn := range hooks {
			fn(op.state.ID)
		}
	}
}

// OnRemove registers fn to run with the id of every operation the registry
// drops, whether by Cleanup, eviction, reuse of a finished id or Reset.
// Hooks survive Reset.
func (m *Manager) OnRemove(fn func(id string)) (unregister func()) {
	m.hookMu.Lock()
	key := m.nextHook
	m.nextHook++
	m.removeHooks[key] = fn
	m.hookMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hookMu.Lock()
			delete(m.removeHooks, key)
			m.hookMu.Unlock()
		})
	}
}

// Reset forgets every operation and subscription without cancelling
// anything. Done channels of operations that were still active are closed
// so waiters do not hang; their status stays as it was.
func (m *Manager) Reset() {
	m.mu.Lock()
	ops := m.operations
	m.operations = make(map[string]*operation)
	dropped := make([]*operation, 0, len(ops))
	for _, op := range ops {
		if !op.state.Status.IsTerminal() {
			close(op.done)
		}
		op.removed = true
		dropped = append(dropped, op)
		for _, t := range op.escalationTimers {
			t.Stop()
		}
		if op.timeoutTimer != nil {
			op.timeoutTimer.Stop()
		}
		if op.throttleTimer != nil {
			op.throttleTimer.Stop()
		}
	}
	m.mu.Unlock()

	m.subMu.Lock()
	m.subs = make(map[string]map[int]*subscriber)
	m.allSubs = make(map[int]*subscriber)
	m.subMu.Unlock()

	m.release(dropped)
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return "operation failed"
	}
	return err.Error()
}
