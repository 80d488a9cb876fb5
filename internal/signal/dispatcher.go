// Package signal is the listener/dispatch primitive every reactive layer
// in this module is built on (design note: "Dynamic callback
// registration"). It re-architects the original's scoped/blockable/
// one-shot signal-slot connections as explicit, cancellable listener
// handles: a Token is returned from every registration, one-shot
// semantics are encoded by the callback unregistering itself on first
// call, and "blocking" a connection is a boolean suppression flag the
// dispatcher checks at fire time rather than live connection state.
package signal

import "sync"

// Token identifies a single listener registration. The zero Token never
// refers to a live listener.
type Token uint64

// Dispatcher fans a value of type T out to every registered listener, in
// registration order, synchronously on the calling goroutine. Listeners
// run without the dispatcher's lock held, so a callback may call On,
// Once, Off or Suppress on this or any other dispatcher; such changes
// take effect from the next Fire, since each Fire works on a snapshot.
type Dispatcher[T any] struct {
	mu         sync.Mutex
	next       Token
	order      []Token
	listeners  map[Token]func(T)
	suppressed map[Token]bool
}

// New creates an empty Dispatcher.
func New[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		listeners:  make(map[Token]func(T)),
		suppressed: make(map[Token]bool),
	}
}

// On registers fn to run on every future Fire until Off is called.
func (d *Dispatcher[T]) On(fn func(T)) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	tok := d.next
	d.listeners[tok] = fn
	d.order = append(d.order, tok)
	return tok
}

// Once registers fn to run exactly once: the registration is removed
// before fn observes its own invocation.
func (d *Dispatcher[T]) Once(fn func(T)) Token {
	var tok Token
	wrapper := func(v T) {
		d.Off(tok)
		fn(v)
	}
	d.mu.Lock()
	d.next++
	tok = d.next
	d.listeners[tok] = wrapper
	d.order = append(d.order, tok)
	d.mu.Unlock()
	return tok
}

// Off unregisters a listener. Off on an already-removed or zero Token is
// a no-op.
func (d *Dispatcher[T]) Off(tok Token) {
	if tok == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[tok]; !ok {
		return
	}
	delete(d.listeners, tok)
	delete(d.suppressed, tok)
	for i, t := range d.order {
		if t == tok {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Suppress blocks tok from firing until the returned restore func runs.
// It models the original's "block a connection" without tearing down
// the registration: the listener stays registered, Fire simply skips it
// while suppressed. Suppress is how the bridging layer (ddpcollection)
// applies a server-originated mutation to the local store without
// re-forwarding it as if it were locally originated.
func (d *Dispatcher[T]) Suppress(tok Token) (restore func()) {
	d.mu.Lock()
	d.suppressed[tok] = true
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.suppressed, tok)
			d.mu.Unlock()
		})
	}
}

// Suppressed reports whether tok is currently blocked.
func (d *Dispatcher[T]) Suppressed(tok Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed[tok]
}

// Fire invokes every non-suppressed listener, in registration order,
// with v. Listeners are copied out under lock first so that a listener
// which unregisters itself (Once) or another listener does not race the
// iteration.
func (d *Dispatcher[T]) Fire(v T) {
	d.mu.Lock()
	order := make([]Token, len(d.order))
	copy(order, d.order)
	fns := make(map[Token]func(T), len(d.listeners))
	for k, f := range d.listeners {
		fns[k] = f
	}
	suppressed := make(map[Token]bool, len(d.suppressed))
	for k, v := range d.suppressed {
		suppressed[k] = v
	}
	d.mu.Unlock()

	for _, tok := range order {
		if suppressed[tok] {
			continue
		}
		if fn, ok := fns[tok]; ok {
			fn(v)
		}
	}
}

// Len reports the number of currently registered listeners.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}
