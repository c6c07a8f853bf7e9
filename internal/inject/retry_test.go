package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"promptrelay/internal/domain"
	"promptrelay/internal/domtest"
)

func TestRetryPolicy_SucceedsEventually(t *testing.T) {
	n := 0
	res := RetryPolicy{MaxAttempts: 5}.Do(context.Background(), func(context.Context) error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestRetryPolicy_Bounded(t *testing.T) {
	res := RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		return domain.ErrNoEffect
	})
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, domain.ErrNoEffect)
}

func TestRetryPolicy_ZeroMeansOnce(t *testing.T) {
	res := RetryPolicy{}.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, 1, res.Attempts)
}

func TestRetryPolicy_StopsOnNotApplicable(t *testing.T) {
	res := RetryPolicy{MaxAttempts: 4}.Do(context.Background(), func(context.Context) error {
		return domain.Fail(domain.KindNotApplicable, domain.ErrNotApplicable)
	})
	assert.Equal(t, 1, res.Attempts)
}

func TestRetryPolicy_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := RetryPolicy{MaxAttempts: 10, Delay: time.Hour}.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("fail")
	})
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRetrying_WrapsStrategy(t *testing.T) {
	el := domtest.NewTextarea("textarea")
	el.RejectWrites = true
	el.CloneRejects = true
	doc := domtest.NewDoc("https://chatgpt.com/", el)

	s := Retrying(NewExecCommandStrategy(NewLocator(nil)), RetryPolicy{MaxAttempts: 2})
	assert.Equal(t, "execCommand", s.ID())
	assert.Equal(t, 5, s.Priority())

	err := s.Attempt(context.Background(), doc, "x")
	assert.Equal(t, domain.KindNoEffect, domain.KindOf(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
}
