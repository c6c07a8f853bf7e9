package inject

import (
	"context"
	"fmt"

	"promptrelay/internal/domain"
)

// ClipboardStrategy writes the prompt to the clipboard and pastes it into
// the focused element when that element looks like an input. It succeeds
// whenever the clipboard write succeeds; the paste itself is not verified.
type ClipboardStrategy struct{}

func NewClipboardStrategy() *ClipboardStrategy { return &ClipboardStrategy{} }

func (s *ClipboardStrategy) ID() string    { return "clipboard" }
func (s *ClipboardStrategy) Priority() int { return 2 }

func (s *ClipboardStrategy) Applicable(ctx context.Context, doc domain.Document) bool {
	ok, err := doc.HasGlobal(ctx, "navigator.clipboard.writeText")
	return err == nil && ok
}

func (s *ClipboardStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	if err := doc.WriteClipboard(ctx, prompt); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	active, err := doc.ActiveElement(ctx)
	if err != nil || active == nil {
		return nil
	}
	info, err := active.Describe(ctx)
	if err != nil || !IsPlausibleInput(info) {
		return nil
	}
	if err := active.Paste(ctx); err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	return nil
}
