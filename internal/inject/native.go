package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promptrelay/internal/domain"
)

// NativeSetterStrategy redefines the element's value property to route
// through the prototype setter before assigning. It only applies to form
// controls.
type NativeSetterStrategy struct {
	locator *Locator
}

func NewNativeSetterStrategy(locator *Locator) *NativeSetterStrategy {
	return &NativeSetterStrategy{locator: locator}
}

func (s *NativeSetterStrategy) ID() string    { return "nativeSetter" }
func (s *NativeSetterStrategy) Priority() int { return 7 }

func (s *NativeSetterStrategy) Applicable(ctx context.Context, doc domain.Document) bool { return true }

func (s *NativeSetterStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	el, err := s.locator.Find(ctx, doc)
	if err != nil {
		return err
	}
	info, err := el.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe input: %w", err)
	}
	if !info.FormControl {
		return domain.Fail(domain.KindNotApplicable, errors.New("input has no value property"))
	}
	if err := el.PatchValueSetter(ctx); err != nil {
		return fmt.Errorf("patch value setter: %w", err)
	}
	if err := el.SetValue(ctx, prompt); err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if err := fire(ctx, el, "input", "change"); err != nil {
		return err
	}
	ok, err := verify(ctx, el, info, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Fail(domain.KindNoEffect, domain.ErrNoEffect)
	}
	return nil
}

// DefaultAppearTimeout bounds how long the mutationObserver strategy
// waits for an input to render.
const DefaultAppearTimeout = 5 * time.Second

const appearPollInterval = 50 * time.Millisecond

// ObserverStrategy waits for an input element to appear on pages that
// render it late, then assigns the value.
type ObserverStrategy struct {
	locator *Locator
	timeout time.Duration
}

func NewObserverStrategy(locator *Locator, timeout time.Duration) *ObserverStrategy {
	if timeout <= 0 {
		timeout = DefaultAppearTimeout
	}
	return &ObserverStrategy{locator: locator, timeout: timeout}
}

func (s *ObserverStrategy) ID() string    { return "mutationObserver" }
func (s *ObserverStrategy) Priority() int { return 8 }

func (s *ObserverStrategy) Applicable(ctx context.Context, doc domain.Document) bool { return true }

func (s *ObserverStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(appearPollInterval)
	defer ticker.Stop()

	var el domain.Element
	for {
		found, err := s.locator.Find(waitCtx, doc)
		if err == nil {
			el = found
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCtx.Done():
			return domain.Fail(domain.KindNoElement, fmt.Errorf("no input appeared within %s", s.timeout))
		case <-ticker.C:
		}
	}

	info, err := el.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe input: %w", err)
	}
	if err := assign(ctx, el, info, prompt); err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if err := fire(ctx, el, "input", "change"); err != nil {
		return err
	}
	ok, err := verify(ctx, el, info, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Fail(domain.KindNoEffect, domain.ErrNoEffect)
	}
	return nil
}
