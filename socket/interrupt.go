package socket

import "sync"

// Interruptor is a reusable building block for the "process- or instance-
// wide interrupt flag" every transport needs (spec §4.4, §5): blocking
// Send/Recv/Poll calls select on Chan() alongside their sub-wait timer so
// Interrupt() wakes every waiter within one sub-wait slice.
//
// Open Question #2 (DESIGN.md) resolves scope as per-factory-instance, so
// each transport Factory owns one Interruptor rather than sharing a single
// package-level static across every device in a process.
type Interruptor struct {
	mu          sync.Mutex
	interrupted bool
	ch          chan struct{}
}

// NewInterruptor returns a ready, non-interrupted Interruptor.
func NewInterruptor() *Interruptor {
	return &Interruptor{ch: make(chan struct{})}
}

// Interrupt marks the transport interrupted and wakes every current and
// future waiter until Resume is called.
func (in *Interruptor) Interrupt() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.interrupted {
		return
	}
	in.interrupted = true
	close(in.ch)
}

// Resume clears the interrupted state for subsequent waits. Waiters
// already unblocked by a prior Interrupt are not retroactively affected.
func (in *Interruptor) Resume() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.interrupted {
		return
	}
	in.interrupted = false
	in.ch = make(chan struct{})
}

// Chan returns the channel that closes when Interrupt is called. Callers
// must re-fetch Chan() after each wait iteration since Resume swaps it for
// a fresh one.
func (in *Interruptor) Chan() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ch
}

// Interrupted reports the current state without blocking.
func (in *Interruptor) Interrupted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.interrupted
}
