package core

// limiter.go bounds how many ANALYZE and LOAD invocations run at once.
//
// Every invocation holds one slot for its whole lifetime. When all slots are
// taken a new invocation waits up to maxWait, then fails with
// ErrTooManyInvocations. WaitForDrain lets shutdown wait for running loads.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrTooManyInvocations is returned when no slot frees up within maxWait.
var ErrTooManyInvocations = errors.New("too many concurrent loads, please try again later")

const (
	// DefaultMaxConcurrentInvocations is the slot count when none is configured.
	DefaultMaxConcurrentInvocations = 5

	// DefaultMaxWaitTime is how long an invocation waits for a slot.
	DefaultMaxWaitTime = 30 * time.Second

	drainPollInterval = 50 * time.Millisecond
)

// InvocationLimiter is a counting semaphore over invocations.
type InvocationLimiter struct {
	slots   chan struct{}
	maxWait time.Duration
	active  atomic.Int64
}

// NewInvocationLimiter creates a limiter with maxConcurrent slots.
func NewInvocationLimiter(maxConcurrent int, maxWait time.Duration) *InvocationLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentInvocations
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &InvocationLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting up to maxWait. The caller must Release it.
func (l *InvocationLimiter) Acquire(ctx context.Context) error {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return nil
	case <-timer.C:
		return ErrTooManyInvocations
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot if one is free.
func (l *InvocationLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *InvocationLimiter) Release() {
	l.active.Add(-1)
	<-l.slots
}

// ActiveCount returns the number of running invocations.
func (l *InvocationLimiter) ActiveCount() int {
	return int(l.active.Load())
}

// MaxConcurrent returns the slot count.
func (l *InvocationLimiter) MaxConcurrent() int {
	return cap(l.slots)
}

// Available returns the number of free slots.
func (l *InvocationLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until no invocation holds a slot or ctx is done.
func (l *InvocationLimiter) WaitForDrain(ctx context.Context) error {
	if l.ActiveCount() == 0 {
		return nil
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// LimiterStatus is a snapshot of the limiter.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

func (l *InvocationLimiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        l.ActiveCount(),
		Available:     l.Available(),
		MaxConcurrent: l.MaxConcurrent(),
	}
}
