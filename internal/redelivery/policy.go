// Package redelivery decides what happens after a failed handler attempt.
//
// The first delivery of a message gets ImmediateRetries attempts with no
// delay. Once those are spent, each further attempt is a redelivery
// scheduled RedeliveryIntervals[n] after the failure. When the intervals run
// out the message is exhausted, so a message is attempted at most
// ImmediateRetries + len(RedeliveryIntervals) times.
package redelivery

import (
	"errors"
	"fmt"
	"time"
)

type Action int

const (
	RetryImmediately Action = iota + 1
	ScheduleRedelivery
	Exhausted
)

func (a Action) String() string {
	switch a {
	case RetryImmediately:
		return "retry_immediately"
	case ScheduleRedelivery:
		return "schedule_redelivery"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	// Delay is set only for ScheduleRedelivery.
	Delay time.Duration
}

var (
	ErrInvalidImmediateRetries = errors.New("immediate retries must be at least 1")
	ErrInvalidInterval         = errors.New("redelivery intervals must be non-negative and ascending")
)

type Policy struct {
	ImmediateRetries    int
	RedeliveryIntervals []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ImmediateRetries:    3,
		RedeliveryIntervals: DefaultIntervals(),
	}
}

// DefaultIntervals is the production redelivery schedule.
func DefaultIntervals() []time.Duration {
	return []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
		10 * time.Minute,
		30 * time.Minute,
		1 * time.Hour,
		2 * time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		16 * time.Hour,
		24 * time.Hour,
		24 * time.Hour,
		24 * time.Hour,
	}
}

// Exponential builds count intervals starting at initial and growing by
// factor, clamped to maxInterval. Once the cap is reached it repeats.
func Exponential(initial time.Duration, factor float64, maxInterval time.Duration, count int) []time.Duration {
	if count <= 0 || initial <= 0 {
		return nil
	}
	if factor < 1 {
		factor = 1
	}
	out := make([]time.Duration, 0, count)
	next := float64(initial)
	for i := 0; i < count; i++ {
		d := time.Duration(next)
		if maxInterval > 0 && d > maxInterval {
			d = maxInterval
		}
		out = append(out, d)
		next *= factor
	}
	return out
}

func (p Policy) Validate() error {
	if p.ImmediateRetries < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidImmediateRetries, p.ImmediateRetries)
	}
	for i, d := range p.RedeliveryIntervals {
		if d < 0 {
			return fmt.Errorf("%w: interval %d is %s", ErrInvalidInterval, i, d)
		}
		if i > 0 && d < p.RedeliveryIntervals[i-1] {
			return fmt.Errorf("%w: interval %d (%s) is shorter than %s", ErrInvalidInterval, i, d, p.RedeliveryIntervals[i-1])
		}
	}
	return nil
}

// MaxAttempts is the number of handler attempts before a message is exhausted.
func (p Policy) MaxAttempts() int {
	return p.ImmediateRetries + len(p.RedeliveryIntervals)
}

// Decide is called after a failed attempt. immediateAttempts counts the
// attempts made in the current delivery including the failed one;
// redeliveries counts redeliveries already scheduled for the message.
func (p Policy) Decide(immediateAttempts, redeliveries int) Decision {
	if redeliveries <= 0 && immediateAttempts < p.ImmediateRetries {
		return Decision{Action: RetryImmediately}
	}
	if redeliveries < 0 {
		redeliveries = 0
	}
	if redeliveries < len(p.RedeliveryIntervals) {
		return Decision{Action: ScheduleRedelivery, Delay: p.RedeliveryIntervals[redeliveries]}
	}
	return Decision{Action: Exhausted}
}
