package realtime

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// RetryPolicy bounds the attempts made to open a subscription.
type RetryPolicy struct {
	// Attempts is the total number of subscribe attempts, including the
	// first one.
	Attempts int
	// Delay is the wait before the second attempt; later waits grow by
	// Factor up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	Factor   float64
	// Timeout bounds how long a single attempt waits for the provider to
	// confirm the subscription.
	Timeout time.Duration
}

// DefaultRetryPolicy is used when a config leaves the policy empty.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Delay:    500 * time.Millisecond,
	MaxDelay: 8 * time.Second,
	Factor:   2,
	Timeout:  10 * time.Second,
}

func (p RetryPolicy) isZero() bool {
	return p == RetryPolicy{}
}

func (p RetryPolicy) Validate() error {
	if p.Attempts < 1 {
		return errors.NotValidf("retry attempts %d", p.Attempts)
	}
	if p.Delay <= 0 {
		return errors.NotValidf("retry delay %v", p.Delay)
	}
	if p.MaxDelay < p.Delay {
		return errors.NotValidf("retry max delay %v below delay %v", p.MaxDelay, p.Delay)
	}
	if p.Factor < 1 {
		return errors.NotValidf("retry factor %v", p.Factor)
	}
	if p.Timeout <= 0 {
		return errors.NotValidf("subscribe timeout %v", p.Timeout)
	}
	return nil
}

// singleAttempt returns the policy with retries disabled.
func (p RetryPolicy) singleAttempt() RetryPolicy {
	p.Attempts = 1
	return p
}

// call runs attempt until it succeeds, the attempts are exhausted or ctx
// is done. The returned error wraps the last attempt's error.
func (p RetryPolicy) call(ctx context.Context, clk clock.Clock, what string, attempt func(context.Context) error) error {
	if clk == nil {
		clk = clock.WallClock
	}
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = attempt(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || errors.Is(err, ErrRegistryClosed) || errors.Is(err, ErrSubscriptionClosed)
		},
		NotifyFunc: func(err error, i int) {
			logger.Warningf("(attempt %d/%d) %s failed, retrying: %v", i, p.Attempts, what, err)
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.ExpBackoff(p.Delay, p.MaxDelay, p.Factor, false),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return errors.Annotatef(lastErr, "%s: giving up after %d attempt(s)", what, p.Attempts)
	case retry.IsRetryStopped(err) || ctx.Err() != nil:
		return errors.Annotatef(ctx.Err(), "%s", what)
	}
	return errors.Trace(err)
}
