// Package slot implements a single-producer single-consumer mailbox with a
// capacity of exactly one. Offering to a full slot replaces the pending
// value instead of blocking, which is the right shape for perishable data:
// a stale reading is worth less than a fresh one.
package slot

import "context"

type Slot[T any] struct {
	ch chan T
}

func New[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Offer places v in the slot, displacing any value already pending. It
// never blocks.
func (s *Slot[T]) Offer(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Take blocks until a value is available or ctx is done.
func (s *Slot[T]) Take(ctx context.Context) (T, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Chan exposes the receive side for use in select statements.
func (s *Slot[T]) Chan() <-chan T {
	return s.ch
}

// Drain discards a pending value, if any.
func (s *Slot[T]) Drain() {
	select {
	case <-s.ch:
	default:
	}
}
