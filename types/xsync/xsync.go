// Package xsync implements extra synchronization tools used by the engine.
//
// Its main type is Latch, used as the cooperative cancellation flag of a run:
// the caller triggers it, and the executor polls it at step boundaries.
package xsync

import "sync"

// Latch is a one-way signal: it can be waited on or polled until triggered,
// and once triggered it never changes state.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger the latch. It is safe to call concurrently and more than once.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test polls whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers, for use in
// select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}
