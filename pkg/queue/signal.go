package queue

import "sync"

// signal is a broadcast edge. Waiters capture the current channel while
// still holding the lock that orders them against Broadcast, then block on
// it after unlocking; Broadcast closes the captured channel and installs a
// fresh one. This gives condition-variable semantics with a channel, which
// unlike sync.Cond composes with timeouts in a select.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// C returns the channel that the next Broadcast will close.
func (s *signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Broadcast wakes every waiter currently parked on C.
func (s *signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
