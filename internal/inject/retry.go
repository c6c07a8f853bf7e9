package inject

import (
	"context"
	"fmt"
	"time"

	"promptrelay/internal/domain"
)

// RetryPolicy bounds how often an operation is re-run.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// RetryResult reports how a retried operation ended.
type RetryResult struct {
	Attempts int
	Success  bool
	Err      error // last error when Success is false
}

// Do runs fn until it succeeds, MaxAttempts is reached, or ctx is done.
// A non-positive MaxAttempts runs fn once.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) RetryResult {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var res RetryResult
	for res.Attempts < max {
		if res.Attempts > 0 {
			if err := sleep(ctx, p.Delay); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts++
		err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err
		if domain.KindOf(err) == domain.KindNotApplicable {
			return res
		}
	}
	return res
}

type retrying struct {
	domain.Strategy
	policy RetryPolicy
}

// Retrying wraps s so each Attempt is re-run under policy.
func Retrying(s domain.Strategy, policy RetryPolicy) domain.Strategy {
	return &retrying{Strategy: s, policy: policy}
}

func (r *retrying) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	res := r.policy.Do(ctx, func(ctx context.Context) error {
		return r.Strategy.Attempt(ctx, doc, prompt)
	})
	if res.Success {
		return nil
	}
	if res.Attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", res.Attempts, res.Err)
	}
	return res.Err
}
