// Package cancellation provides cooperative cancellation tokens with
// parent/child cascading.
//
// Tokens live in an Arena and are addressed by id. A parent owns the set of its
// child ids; a child only remembers its parent's id, so detaching is a set
// removal and no reference cycles exist between tokens. Cancellation is
// advisory: Cancel marks the token and runs callbacks, it never interrupts the
// work observing the token.
package cancellation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by Token.Err and used as the cause of contexts
// derived from a cancelled token.
var ErrCancelled = errors.New("operation cancelled")

// Arena owns a family of tokens. All tokens created from the same arena share
// one lock.
type Arena struct {
	mu     sync.Mutex
	nextID uint64
	nodes  map[uint64]*node
}

type node struct {
	id        uint64
	parent    uint64
	children  map[uint64]struct{}
	callbacks []*callback
	onDispose []func()
	done      chan struct{}
	cancelled bool
	detached  bool
	disposed  bool
}

type callback struct {
	fn     func()
	active atomic.Bool
}

// Token is a handle on an arena node.
type Token struct {
	arena *Arena
	n     *node
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{nodes: make(map[uint64]*node)}
}

// New returns a root token in a private arena.
func New() *Token {
	return NewArena().NewToken()
}

// NewToken creates a root token.
func (a *Arena) NewToken() *Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Token{arena: a, n: a.newNodeLocked(0)}
}

// Len returns the number of live (not disposed) tokens in the arena.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

func (a *Arena) newNodeLocked(parent uint64) *node {
	a.nextID++
	n := &node{
		id:       a.nextID,
		parent:   parent,
		children: make(map[uint64]struct{}),
	}
	a.nodes[n.id] = n
	return n
}

// ID returns the token id within its arena.
func (t *Token) ID() uint64 {
	return t.n.id
}

// IsCancelled reports whether Cancel has been called on this token or an
// ancestor it was still attached to.
func (t *Token) IsCancelled() bool {
	t.arena.mu.Lock()
	defer t.arena.mu.Unlock()
	return t.n.cancelled
}

// IsDetached reports whether the token was detached from its parent.
func (t *Token) IsDetached() bool {
	t.arena.mu.Lock()
	defer t.arena.mu.Unlock()
	return t.n.detached
}

// Err returns ErrCancelled once the token is cancelled, nil before.
func (t *Token) Err() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	t.arena.mu.Lock()
	defer t.arena.mu.Unlock()

	if t.n.done == nil {
		t.n.done = make(chan struct{})
		if t.n.cancelled {
			close(t.n.done)
		}
	}
	return t.n.done
}

// OnCancel registers fn to run once when the token is cancelled. If the token
// is already cancelled, fn runs immediately on the calling goroutine and the
// returned unsubscribe does nothing.
func (t *Token) OnCancel(fn func()) (unsubscribe func()) {
	t.arena.mu.Lock()
	if t.n.cancelled {
		t.arena.mu.Unlock()
		fn()
		return func() {}
	}
	cb := &callback{fn: fn}
	cb.active.Store(true)
	t.n.callbacks = append(t.n.callbacks, cb)
	t.arena.mu.Unlock()

	return func() {
		if !cb.active.CompareAndSwap(true, false) {
			return
		}
		t.arena.mu.Lock()
		defer t.arena.mu.Unlock()
		for i, c := range t.n.callbacks {
			if c == cb {
				t.n.callbacks = append(t.n.callbacks[:i], t.n.callbacks[i+1:]...)
				break
			}
		}
	}
}

// Cancel marks the token cancelled, runs its callbacks in registration order,
// then cancels every attached child depth-first. Only the first call has any
// effect.
func (t *Token) Cancel() {
	t.cancel(0, false)
}

// cancel performs the transition. When fromParent is set, the token is only
// cancelled if it is still attached to parentID.
func (t *Token) cancel(parentID uint64, fromParent bool) {
	a := t.arena
	a.mu.Lock()
	n := t.n
	if n.cancelled || (fromParent && (n.detached || n.parent != parentID)) {
		a.mu.Unlock()
		return
	}
	n.cancelled = true
	callbacks := n.callbacks
	n.callbacks = nil
	if n.done != nil {
		close(n.done)
	}
	children := a.childrenLocked(n)
	a.mu.Unlock()

	for _, cb := range callbacks {
		if cb.active.CompareAndSwap(true, false) {
			cb.fn()
		}
	}
	for _, child := range children {
		child.cancel(n.id, true)
	}
}

// childrenLocked returns handles to the live children of n in creation order.
func (a *Arena) childrenLocked(n *node) []*Token {
	ids := make([]uint64, 0, len(n.children))
	for id := range n.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		if c, ok := a.nodes[id]; ok {
			out = append(out, &Token{arena: a, n: c})
		}
	}
	return out
}

// CreateChild returns a token cancelled whenever this token is cancelled. A
// child of an already cancelled token starts out cancelled.
func (t *Token) CreateChild() *Token {
	a := t.arena
	a.mu.Lock()
	defer a.mu.Unlock()

	child := a.newNodeLocked(t.n.id)
	if t.n.cancelled {
		child.cancelled = true
		return &Token{arena: a, n: child}
	}
	t.n.children[child.id] = struct{}{}
	return &Token{arena: a, n: child}
}

// DetachFromParent removes the cascade link from the parent. The current
// cancellation state is unchanged.
func (t *Token) DetachFromParent() {
	a := t.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detachLocked(t.n)
}

func (a *Arena) detachLocked(n *node) {
	if n.parent == 0 {
		return
	}
	if p, ok := a.nodes[n.parent]; ok {
		delete(p.children, n.id)
	}
	n.parent = 0
	n.detached = true
}

// Dispose detaches the token, drops callback references and removes it from
// the arena. It does not cancel.
func (t *Token) Dispose() {
	a := t.arena
	a.mu.Lock()
	n := t.n
	if n.disposed {
		a.mu.Unlock()
		return
	}
	n.disposed = true
	a.detachLocked(n)
	for _, cb := range n.callbacks {
		cb.active.Store(false)
	}
	n.callbacks = nil
	hooks := n.onDispose
	n.onDispose = nil
	delete(a.nodes, n.id)
	a.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// Context derives a context that is cancelled, with ErrCancelled as its
// cause, when the token is cancelled. The returned CancelFunc releases the
// token subscription.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	unsubscribe := t.OnCancel(func() { cancel(ErrCancelled) })
	return ctx, func() {
		unsubscribe()
		cancel(context.Canceled)
	}
}

// CreateLinkedToken returns a token that is cancelled as soon as any of the
// sources is cancelled. If a source is already cancelled, the result is
// cancelled before it is returned.
func CreateLinkedToken(sources ...*Token) *Token {
	var arena *Arena
	for _, src := range sources {
		if src != nil {
			arena = src.arena
			break
		}
	}
	if arena == nil {
		arena = NewArena()
	}

	linked := arena.NewToken()
	unsubscribers := make([]func(), 0, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		unsubscribers = append(unsubscribers, src.OnCancel(linked.Cancel))
	}

	release := func() {
		for _, u := range unsubscribers {
			u()
		}
	}

	arena.mu.Lock()
	if linked.n.cancelled {
		arena.mu.Unlock()
		release()
		return linked
	}
	linked.n.onDispose = append(linked.n.onDispose, release)
	arena.mu.Unlock()

	linked.OnCancel(release)
	return linked
}
