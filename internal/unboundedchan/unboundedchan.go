// Package unboundedchan provides a queue whose ends are channels, so that a
// sender never waits on a slow receiver.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents a queue whose data are entered and removed via channels.
// A positive limit caps the queue length by discarding the oldest entries.
// Beware! You almost certainly want T to be a small type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	limit   int
	dropped atomic.Uint64
}

// NewUnboundedChannel creates and initializes an UnboundedChannel. A limit of 0 means no limit.
func NewUnboundedChannel[T any](limit int) *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		queue: make([]T, 0),
		limit: limit,
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	if uc.limit > 0 && len(uc.queue) > uc.limit {
		uc.queue = uc.queue[1:]
		uc.dropped.Add(1)
	}
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if len(uc.queue) == 0 {
			// If queue is empty, only listen for new incoming data
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(val)
			continue
		}
		// If queue has data, try to send it and also listen for new incoming data
		select {
		case uc.out <- uc.queue[0]:
			uc.queue = uc.queue[1:]
		case val, ok := <-uc.in:
			if !ok {
				// Input closed: deliver everything still queued, then close the output.
				for _, item := range uc.queue {
					uc.out <- item
				}
				uc.queue = nil
				close(uc.out)
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel for sending data
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Dropped returns how many entries were discarded to respect the limit.
func (uc *UnboundedChannel[T]) Dropped() uint64 {
	return uc.dropped.Load()
}
