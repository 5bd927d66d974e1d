package statemanager

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Listener receives operation events.
type Listener func(Event)

type subscriber struct {
	fn     Listener
	active atomic.Bool
}

type delivery struct {
	sub   *subscriber
	event Event
}

// dispatcher delivers events in the order they were queued. Events are queued
// while the registry lock is held and delivered after it is released; a
// listener that triggers further changes only queues more events, which the
// goroutine already draining delivers after the current one.
type dispatcher struct {
	mu       sync.Mutex
	queue    []delivery
	draining bool
	logger   *logrus.Entry
}

func (d *dispatcher) enqueue(subs []*subscriber, ev Event) {
	if len(subs) == 0 {
		return
	}
	d.mu.Lock()
	for _, s := range subs {
		d.queue = append(d.queue, delivery{sub: s, event: ev})
	}
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue[0] = delivery{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(next)

		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}

func (d *dispatcher) deliver(dl delivery) {
	if !dl.sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"operation_id": dl.event.Operation.ID,
				"event":        dl.event.Kind,
				"error":        fmt.Sprint(r),
			}).Error("Operation listener panicked")
		}
	}()
	dl.sub.fn(dl.event)
}

// emitLocked queues ev for the operation's listeners followed by the global
// ones (must hold mu).
func (m *Manager) emitLocked(op *operation, kind ChangeKind) {
	ev := Event{Kind: kind, Operation: op.snapshot()}

	m.subMu.Lock()
	subs := make([]*subscriber, 0, len(m.subs[op.state.ID])+len(m.allSubs))
	subs = appendOrdered(subs, m.subs[op.state.ID])
	subs = appendOrdered(subs, m.allSubs)
	m.subMu.Unlock()

	m.dispatcher.enqueue(subs, ev)
}

func appendOrdered(dst []*subscriber, set map[int]*subscriber) []*subscriber {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		dst = append(dst, set[id])
	}
	return dst
}

// Subscribe registers fn for every change of operation id. The id does not
// have to exist yet. Listeners run on the goroutine that caused the change
// unless another goroutine is already delivering events.
func (m *Manager) Subscribe(id string, fn Listener) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextSub++
	subID := m.nextSub
	s := &subscriber{fn: fn}
	s.active.Store(true)
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]*subscriber)
	}
	m.subs[id][subID] = s

	return func() {
		s.active.Store(false)
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if set, ok := m.subs[id]; ok {
			delete(set, subID)
			if len(set) == 0 {
				delete(m.subs, id)
			}
		}
	}
}

// SubscribeAll registers fn for every change of every operation.
func (m *Manager) SubscribeAll(fn Listener) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextSub++
	subID := m.nextSub
	s := &subscriber{fn: fn}
	s.active.Store(true)
	m.allSubs[subID] = s

	return func() {
		s.active.Store(false)
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.allSubs, subID)
	}
}
