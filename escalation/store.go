package escalation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Scope selects which override layers apply to an operation.
type Scope struct {
	OperationType string `json:"operation_type,omitempty" query:"operation_type"`
	ComponentID   string `json:"component_id,omitempty" query:"component_id"`
}

// Snapshot is the serializable form of every layer of a Store.
type Snapshot struct {
	Global         Override            `json:"global" yaml:"global"`
	OperationTypes map[string]Override `json:"operation_types,omitempty" yaml:"operation_types,omitempty"`
	Components     map[string]Override `json:"components,omitempty" yaml:"components,omitempty"`
}

// Validate checks every layer of the snapshot.
func (s Snapshot) Validate(defaults Config) error {
	if err := validateGlobal(s.Global, defaults); err != nil {
		return err
	}
	for _, name := range sortedKeys(s.OperationTypes) {
		if err := s.OperationTypes[name].Validate(); err != nil {
			return fmt.Errorf("operation type %q: %w", name, err)
		}
	}
	for _, name := range sortedKeys(s.Components) {
		if err := s.Components[name].Validate(); err != nil {
			return fmt.Errorf("component %q: %w", name, err)
		}
	}
	return nil
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Defaults *Config // built-in layer, DefaultConfig() when nil
	Logger   *logrus.Entry
}

// Store holds the global, per-operation-type and per-component override
// layers and resolves them field by field.
type Store struct {
	mu             sync.RWMutex
	defaults       Config
	global         Override
	operationTypes map[string]Override
	components     map[string]Override

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]func()

	logger *logrus.Entry
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	defaults := DefaultConfig()
	if cfg.Defaults != nil {
		defaults = *cfg.Defaults
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.WithField("component", "escalation")
	}
	return &Store{
		defaults:       defaults,
		operationTypes: make(map[string]Override),
		components:     make(map[string]Override),
		listeners:      make(map[int]func()),
		logger:         logger,
	}
}

// Defaults returns the built-in layer.
func (s *Store) Defaults() Config {
	return s.defaults
}

// SetGlobalConfig merges o into the global layer. The resulting global
// configuration, completed with defaults, must be valid.
func (s *Store) SetGlobalConfig(o Override) error {
	s.mu.Lock()
	merged := s.global.Merge(o)
	if err := validateGlobal(merged, s.defaults); err != nil {
		s.mu.Unlock()
		return err
	}
	s.global = merged
	s.mu.Unlock()

	s.notify()
	return nil
}

// ResetGlobalConfig clears the global layer.
func (s *Store) ResetGlobalConfig() {
	s.mu.Lock()
	s.global = Override{}
	s.mu.Unlock()
	s.notify()
}

// GlobalConfig returns the global layer applied over the defaults.
func (s *Store) GlobalConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.Apply(s.defaults)
}

// SetOperationTypeConfig merges o into the override for operationType.
func (s *Store) SetOperationTypeConfig(operationType string, o Override) error {
	if operationType == "" {
		return fmt.Errorf("%w: operation type must not be empty", ErrInvalidConfig)
	}
	return s.setLayer(layerOperationType, operationType, o)
}

// RemoveOperationTypeConfig drops the override for operationType.
func (s *Store) RemoveOperationTypeConfig(operationType string) bool {
	return s.removeLayer(layerOperationType, operationType)
}

// OperationTypeConfig returns the override for operationType.
func (s *Store) OperationTypeConfig(operationType string) (Override, bool) {
	return s.getLayer(layerOperationType, operationType)
}

// SetComponentConfig merges o into the override for componentID.
func (s *Store) SetComponentConfig(componentID string, o Override) error {
	if componentID == "" {
		return fmt.Errorf("%w: component id must not be empty", ErrInvalidConfig)
	}
	return s.setLayer(layerComponent, componentID, o)
}

// RemoveComponentConfig drops the override for componentID.
func (s *Store) RemoveComponentConfig(componentID string) bool {
	return s.removeLayer(layerComponent, componentID)
}

// ComponentConfig returns the override for componentID.
func (s *Store) ComponentConfig(componentID string) (Override, bool) {
	return s.getLayer(layerComponent, componentID)
}

type layerKind int

const (
	layerOperationType layerKind = iota
	layerComponent
)

// layerLocked returns the map for kind (must hold mu).
func (s *Store) layerLocked(kind layerKind) map[string]Override {
	if kind == layerComponent {
		return s.components
	}
	return s.operationTypes
}

func (s *Store) setLayer(kind layerKind, key string, o Override) error {
	s.mu.Lock()
	layer := s.layerLocked(kind)
	merged := layer[key].Merge(o)
	if err := merged.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", key, err)
	}
	layer[key] = merged
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Store) removeLayer(kind layerKind, key string) bool {
	s.mu.Lock()
	layer := s.layerLocked(kind)
	_, ok := layer[key]
	delete(layer, key)
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) getLayer(kind layerKind, key string) (Override, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.layerLocked(kind)[key]
	return o.Clone(), ok
}

// ResolveConfig merges the layers for scope field by field: component,
// then operation type, then global, then the built-in default.
//
// The merged thresholds are not re-validated; use CheckResolved to detect
// orderings made inconsistent by independent per-layer overrides.
func (s *Store) ResolveConfig(scope Scope) Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.global.Apply(s.defaults)
	if scope.OperationType != "" {
		if o, ok := s.operationTypes[scope.OperationType]; ok {
			cfg = o.Apply(cfg)
		}
	}
	if scope.ComponentID != "" {
		if o, ok := s.components[scope.ComponentID]; ok {
			cfg = o.Apply(cfg)
		}
	}
	return cfg
}

// CheckResolved resolves scope and reports whether the merged thresholds are
// still ordered.
func (s *Store) CheckResolved(scope Scope) (Config, error) {
	cfg := s.ResolveConfig(scope)
	if err := cfg.Validate(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"operation_type": scope.OperationType,
			"component_id":   scope.ComponentID,
		}).WithError(err).Warn("Resolved escalation config has inconsistent thresholds")
		return cfg, err
	}
	return cfg, nil
}

// Export copies every layer.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Global:         s.global.Clone(),
		OperationTypes: cloneLayer(s.operationTypes),
		Components:     cloneLayer(s.components),
	}
}

// cloneLayer deep-copies m; empty layers export as nil.
func cloneLayer(m map[string]Override) map[string]Override {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]Override, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// Import replaces every layer with snap. Nothing changes if any layer is
// invalid.
func (s *Store) Import(snap Snapshot) error {
	if err := snap.Validate(s.defaults); err != nil {
		return err
	}

	s.mu.Lock()
	s.global = snap.Global.Clone()
	s.operationTypes = make(map[string]Override, len(snap.OperationTypes))
	for k, v := range snap.OperationTypes {
		s.operationTypes[k] = v.Clone()
	}
	s.components = make(map[string]Override, len(snap.Components))
	for k, v := range snap.Components {
		s.components[k] = v.Clone()
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Reset clears every layer.
func (s *Store) Reset() {
	s.mu.Lock()
	s.global = Override{}
	s.operationTypes = make(map[string]Override)
	s.components = make(map[string]Override)
	s.mu.Unlock()
	s.notify()
}

// OnChange registers fn to run after every successful mutation.
func (s *Store) OnChange(fn func()) (unsubscribe func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify() {
	s.listenerMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func validateGlobal(o Override, defaults Config) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := o.Apply(defaults).Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]Override) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	defaultMu    sync.Mutex
	defaultStore *Store
)

// DefaultStore returns a process-wide store, creating it on first use.
// Prefer passing an explicit *Store; the default exists for convenience.
func DefaultStore() *Store {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore == nil {
		defaultStore = NewStore(StoreConfig{})
	}
	return defaultStore
}

// ResetDefaultStore discards the process-wide store.
func ResetDefaultStore() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStore = nil
}
