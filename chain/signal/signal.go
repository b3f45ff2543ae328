// Package signal is a synchronous publish/subscribe bus for controller
// lifecycle events (block start, block applied, irreversibility advanced).
// Emission is synchronous and swallows subscriber panics, since a bad
// observer (e.g. a plugin) must never be allowed to affect consensus by
// crashing block application, mirroring controller_impl::emit().
package signal

import (
	"github.com/evt-chain/evtd/chain/log"
)

// Bus[T] holds the subscribers for one event type.
type Bus[T any] struct {
	subscribers []func(T)
}

// Connect registers fn to be called on every Emit.
func (b *Bus[T]) Connect(fn func(T)) {
	b.subscribers = append(b.subscribers, fn)
}

// Emit calls every subscriber in registration order. A subscriber that
// panics is recovered, logged, and does not prevent remaining subscribers
// from running.
func (b *Bus[T]) Emit(v T) {
	for _, fn := range b.subscribers {
		callSafely(fn, v)
	}
}

func callSafely[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("signal handler panicked", "recover", r)
		}
	}()
	fn(v)
}
