package inject

import (
	"log/slog"
	"slices"
	"time"

	"promptrelay/internal/domain"
)

// Options configures the default strategy set.
type Options struct {
	Selectors     SelectorSource
	VerifyDelay   time.Duration
	Typing        TypingDelay
	AppearTimeout time.Duration
	// Disabled lists strategy ids to leave out, e.g. "nativeSetter".
	Disabled []string
	// Retry wraps every strategy when MaxAttempts > 1.
	Retry  RetryPolicy
	Logger *slog.Logger
}

// DefaultStrategies builds the reference strategy set in priority order.
func DefaultStrategies(opts Options) []domain.Strategy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := NewLocator(opts.Selectors)
	all := []domain.Strategy{
		NewDOMStrategy(loc, opts.VerifyDelay, logger),
		NewClipboardStrategy(),
		NewReactStrategy(loc),
		NewEventsStrategy(loc, opts.Typing),
		NewExecCommandStrategy(loc),
		NewFrameworksStrategy(loc),
		NewNativeSetterStrategy(loc),
		NewObserverStrategy(loc, opts.AppearTimeout),
	}

	out := make([]domain.Strategy, 0, len(all))
	for _, s := range all {
		if slices.Contains(opts.Disabled, s.ID()) {
			continue
		}
		if opts.Retry.MaxAttempts > 1 {
			s = Retrying(s, opts.Retry)
		}
		out = append(out, s)
	}
	return out
}
