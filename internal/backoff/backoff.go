// Package backoff computes reconnect delays and owns the single pending
// reconnect timer of a connection.
package backoff

import (
	"sync"
	"time"
)

// Policy is an immediate-first exponential backoff with a cap.
type Policy struct {
	Base time.Duration // delay of attempt 1
	Max  time.Duration // upper bound for every attempt
}

// DefaultPolicy returns the 1s base / 30s cap policy.
func DefaultPolicy() Policy {
	return Policy{
		Base: 1 * time.Second,
		Max:  30 * time.Second,
	}
}

// Delay returns the wait before the given attempt. Attempt 0 is immediate.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}
	wait := p.Base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.Max > 0 && wait >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && wait > p.Max {
		return p.Max
	}
	return wait
}

// Scheduler owns at most one pending reconnect timer.
//
// Schedule is idempotent while a timer is pending. A halted scheduler
// (intentional disconnect) or an offline network refuses to arm.
type Scheduler struct {
	policy Policy
	online func() bool

	mu      sync.Mutex
	attempt int
	timer   *time.Timer
	gen     uint64
	halted  bool
	fire    chan struct{}
}

// NewScheduler creates a scheduler. online may be nil, meaning always online.
func NewScheduler(policy Policy, online func() bool) *Scheduler {
	return &Scheduler{
		policy: policy,
		online: online,
		fire:   make(chan struct{}, 1),
	}
}

// C delivers one value each time an armed timer fires.
func (s *Scheduler) C() <-chan struct{} {
	return s.fire
}

// Schedule arms the reconnect timer for the current attempt. It returns the
// chosen delay and whether a timer was armed by this call.
func (s *Scheduler) Schedule() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil || s.halted {
		return 0, false
	}
	if s.online != nil && !s.online() {
		return 0, false
	}

	delay := s.policy.Delay(s.attempt)
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.expire(gen) })
	return delay, true
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.timer == nil {
		return
	}
	s.timer = nil
	s.attempt++
	select {
	case s.fire <- struct{}{}:
	default:
	}
}

// Cancel drops a pending timer, including a fire not yet consumed.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	select {
	case <-s.fire:
	default:
	}
}

// Halt cancels any pending timer and refuses further scheduling until Resume.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	s.cancelLocked()
}

// Resume re-allows scheduling after Halt.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()
}

// Reset sets the attempt counter back to zero.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Halted reports whether the scheduler was halted.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Attempt returns the number of timers that have fired since the last Reset.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}
