package inject

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"promptrelay/internal/domain"
)

// TypingDelay is the pause after each simulated keystroke: Min plus a
// uniform random jitter in [0, Jitter).
type TypingDelay struct {
	Min    time.Duration
	Jitter time.Duration
}

// DefaultTypingDelay yields delays in [25ms, 75ms).
var DefaultTypingDelay = TypingDelay{Min: 25 * time.Millisecond, Jitter: 50 * time.Millisecond}

func (d TypingDelay) next() time.Duration {
	if d.Jitter <= 0 {
		return d.Min
	}
	return d.Min + time.Duration(rand.Int64N(int64(d.Jitter)))
}

// EventsStrategy types the prompt one character at a time.
type EventsStrategy struct {
	locator *Locator
	delay   TypingDelay
}

func NewEventsStrategy(locator *Locator, delay TypingDelay) *EventsStrategy {
	return &EventsStrategy{locator: locator, delay: delay}
}

func (s *EventsStrategy) ID() string    { return "events" }
func (s *EventsStrategy) Priority() int { return 4 }

func (s *EventsStrategy) Applicable(ctx context.Context, doc domain.Document) bool { return true }

func (s *EventsStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
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
	if err := assign(ctx, el, info, ""); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	typed := make([]rune, 0, len(prompt))
	for _, r := range prompt {
		key := string(r)
		if err := el.Dispatch(ctx, domain.Event{Type: "keydown", Kind: domain.EventKeyboard, Key: key, KeyCode: int(r)}); err != nil {
			return fmt.Errorf("keydown: %w", err)
		}
		if err := el.Dispatch(ctx, domain.Event{Type: "keypress", Kind: domain.EventKeyboard, Key: key, KeyCode: int(r)}); err != nil {
			return fmt.Errorf("keypress: %w", err)
		}
		typed = append(typed, r)
		if err := assign(ctx, el, info, string(typed)); err != nil {
			return fmt.Errorf("append: %w", err)
		}
		if err := el.Dispatch(ctx, domain.Event{Type: "input", Kind: domain.EventInput, InputType: "insertText", Data: key}); err != nil {
			return fmt.Errorf("input: %w", err)
		}
		if err := sleep(ctx, s.delay.next()); err != nil {
			return err
		}
	}

	if err := fire(ctx, el, "change"); err != nil {
		return err
	}
	if err := el.Dispatch(ctx, domain.Event{Type: "keyup", Kind: domain.EventKeyboard}); err != nil {
		return fmt.Errorf("keyup: %w", err)
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

// ExecCommandStrategy selects the input's content and replaces it with the
// insertText editing command.
type ExecCommandStrategy struct {
	locator *Locator
}

func NewExecCommandStrategy(locator *Locator) *ExecCommandStrategy {
	return &ExecCommandStrategy{locator: locator}
}

func (s *ExecCommandStrategy) ID() string    { return "execCommand" }
func (s *ExecCommandStrategy) Priority() int { return 5 }

func (s *ExecCommandStrategy) Applicable(ctx context.Context, doc domain.Document) bool {
	ok, err := doc.HasGlobal(ctx, "document.execCommand")
	return err == nil && ok
}

func (s *ExecCommandStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
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
	if err := el.SelectContents(ctx); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	ok, err := el.ExecCommand(ctx, "insertText", prompt)
	if err != nil {
		return fmt.Errorf("insertText: %w", err)
	}
	if !ok {
		return domain.Fail(domain.KindNoEffect, errors.New("insertText command refused"))
	}
	ok, err = verify(ctx, el, info, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Fail(domain.KindNoEffect, domain.ErrNoEffect)
	}
	return nil
}
