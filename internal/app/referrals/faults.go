package referrals

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInjectedFault = errors.New("injected delivery failure")

// FaultInjector fails handler attempts on a fixed schedule: listed attempt
// numbers always fail, and every Nth call fails when every is positive.
// The zero value never fails.
type FaultInjector struct {
	failAttempts map[int]bool
	every        int

	mu    sync.Mutex
	calls int
}

func NewFaultInjector(failAttempts []int, every int) *FaultInjector {
	f := &FaultInjector{failAttempts: make(map[int]bool, len(failAttempts)), every: every}
	for _, a := range failAttempts {
		f.failAttempts[a] = true
	}
	return f
}

// Check returns ErrInjectedFault when attempt should fail.
func (f *FaultInjector) Check(attempt int) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAttempts[attempt] {
		return fmt.Errorf("%w: attempt %d", ErrInjectedFault, attempt)
	}
	if f.every > 0 && f.calls%f.every == 0 {
		return fmt.Errorf("%w: call %d", ErrInjectedFault, f.calls)
	}
	return nil
}
