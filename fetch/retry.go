// Package fetch runs remote calls with a bounded number of retries and
// composes them with a durable cache.
//
// An attempt either succeeds, fails permanently (no retry), fails
// transiently (retry after a delay, counted against MaxRetries) or is rate
// limited (retry after RateLimitDelay; counted or not, depending on the
// RateLimitPolicy). The delay between attempts is the only place where Do
// blocks on its own.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethgrid/pester"
	"github.com/sirupsen/logrus"
)

// RateLimitPolicy decides whether rate limit answers use up retries.
type RateLimitPolicy int

const (
	// RateLimitBudgeted counts a rate limit answer like any transient
	// failure, but waits RateLimitDelay.
	RateLimitBudgeted RateLimitPolicy = iota
	// RateLimitUnbudgeted waits RateLimitDelay and retries without touching
	// the retry budget. MaxRateLimitWaits bounds this, if set.
	RateLimitUnbudgeted
)

func (p RateLimitPolicy) String() string {
	switch p {
	case RateLimitBudgeted:
		return "budgeted"
	case RateLimitUnbudgeted:
		return "unbudgeted"
	default:
		return fmt.Sprintf("RateLimitPolicy(%d)", int(p))
	}
}

const (
	DefaultMaxRetries     = 3
	DefaultDelay          = 1500 * time.Millisecond
	DefaultRateLimitDelay = 10 * time.Second
)

// Retrier holds the retry configuration of a call site.
type Retrier struct {
	// Name shows up in log messages.
	Name string
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Delay is the pause before each retry, unless Backoff is set.
	Delay time.Duration
	// Backoff computes the pause before retry n, starting at 1.
	Backoff pester.BackoffStrategy
	// RateLimitDelay is the pause after a rate limit answer.
	RateLimitDelay    time.Duration
	RateLimitPolicy   RateLimitPolicy
	MaxRateLimitWaits int // 0 means unlimited
	Logger            logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns a retrier with three retries, 1.5s between attempts and a
// 10s pause on rate limits, which counts against the budget.
func Default() *Retrier {
	return &Retrier{
		MaxRetries:     DefaultMaxRetries,
		Delay:          DefaultDelay,
		RateLimitDelay: DefaultRateLimitDelay,
	}
}

func (r *Retrier) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

// delay returns the pause before retry n.
func (r *Retrier) delay(n int) time.Duration {
	if r.Backoff != nil {
		return r.Backoff(n)
	}
	return r.Delay
}

func (r *Retrier) rateLimitDelay(err error, n int) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > r.RateLimitDelay {
		return rl.RetryAfter
	}
	if r.RateLimitDelay > 0 {
		return r.RateLimitDelay
	}
	return r.delay(n)
}

func (r *Retrier) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails permanently or the retry budget is
// spent. A nil retrier uses Default. With MaxRetries=3 a failing op is
// called four times.
func Do[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, error) {
	if r == nil {
		r = Default()
	}
	var (
		zero     T
		attempt  int
		retries  int
		waits    int
		maxRetry = max(r.MaxRetries, 0)
		log      = r.logger().WithField("op", r.Name)
	)
	for {
		attempt++
		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Infof("succeeded after %d attempts", attempt)
			}
			return v, nil
		}
		if IsPermanent(err) {
			log.Debugf("permanent failure, not retrying: %v", err)
			return zero, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}
		var d time.Duration
		switch {
		case IsRateLimited(err) && r.RateLimitPolicy == RateLimitUnbudgeted:
			if r.MaxRateLimitWaits > 0 && waits >= r.MaxRateLimitWaits {
				log.Warnf("rate limited %d times, giving up", waits)
				return zero, fmt.Errorf("%w: rate limited %d times: %w", ErrExhausted, waits, err)
			}
			waits++
			d = r.rateLimitDelay(err, retries+1)
			log.Infof("rate limited, waiting %s [%d]", d, waits)
		default:
			if retries >= maxRetry {
				log.Warnf("giving up after %d attempts: %v", attempt, err)
				return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
			}
			retries++
			if IsRateLimited(err) {
				d = r.rateLimitDelay(err, retries)
			} else {
				d = r.delay(retries)
			}
			log.Infof("attempt failed with %v, retrying in %s [%d/%d]", err, d, retries, maxRetry)
		}
		if err := r.wait(ctx, d); err != nil {
			return zero, err
		}
	}
}
