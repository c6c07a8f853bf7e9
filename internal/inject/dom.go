package inject

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"promptrelay/internal/domain"
)

// DefaultVerifyDelay is how long the dom strategy waits before reading
// the value back.
const DefaultVerifyDelay = 100 * time.Millisecond

// DOMStrategy assigns the value directly, fires the native event sequence
// and verifies the write stuck. A write that does not stick is retried
// once on a fresh clone of the element.
type DOMStrategy struct {
	locator     *Locator
	verifyDelay time.Duration
	logger      *slog.Logger
}

// NewDOMStrategy creates the dom strategy.
func NewDOMStrategy(locator *Locator, verifyDelay time.Duration, logger *slog.Logger) *DOMStrategy {
	return &DOMStrategy{locator: locator, verifyDelay: verifyDelay, logger: logger}
}

func (s *DOMStrategy) ID() string    { return "dom" }
func (s *DOMStrategy) Priority() int { return 1 }

func (s *DOMStrategy) Applicable(ctx context.Context, doc domain.Document) bool { return true }

func (s *DOMStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	el, err := s.locator.Find(ctx, doc)
	if err != nil {
		return err
	}
	info, err := el.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe input: %w", err)
	}

	if err := el.Focus(ctx); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	if err := assign(ctx, el, info, prompt); err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if err := fireNative(ctx, el, prompt); err != nil {
		return err
	}
	if err := sleep(ctx, s.verifyDelay); err != nil {
		return err
	}
	ok, err := verify(ctx, el, info, prompt)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	s.logger.Debug("value did not stick, replacing element with clone")
	clone, err := el.ReplaceWithClone(ctx, prompt)
	if err != nil {
		return fmt.Errorf("replace with clone: %w", err)
	}
	if err := fireNative(ctx, clone, prompt); err != nil {
		return err
	}
	if err := sleep(ctx, s.verifyDelay); err != nil {
		return err
	}
	ok, err = verify(ctx, clone, info, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Fail(domain.KindNoEffect, domain.ErrNoEffect)
	}
	return nil
}
