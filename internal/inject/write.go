package inject

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"promptrelay/internal/domain"
)

// nativeSequence is fired, in this order, after a direct assignment.
var nativeSequence = []domain.Event{
	{Type: "input", Kind: domain.EventInput, InputType: "insertText"},
	{Type: "change"},
	{Type: "keyup", Kind: domain.EventKeyboard},
	{Type: "keydown", Kind: domain.EventKeyboard},
	{Type: "keypress", Kind: domain.EventKeyboard},
	{Type: "blur"},
	{Type: "focus"},
	{Type: "paste", Kind: domain.EventClipboard},
	{Type: "textInput"},
	{Type: "compositionend"},
}

// fireNative dispatches nativeSequence followed by an insertText
// InputEvent carrying text.
func fireNative(ctx context.Context, el domain.Element, text string) error {
	for _, ev := range nativeSequence {
		if err := el.Dispatch(ctx, ev); err != nil {
			return fmt.Errorf("dispatch %s: %w", ev.Type, err)
		}
	}
	final := domain.Event{Type: "input", Kind: domain.EventInput, InputType: "insertText", Data: text}
	if err := el.Dispatch(ctx, final); err != nil {
		return fmt.Errorf("dispatch insertText: %w", err)
	}
	return nil
}

// fire dispatches plain events by type.
func fire(ctx context.Context, el domain.Element, types ...string) error {
	for _, t := range types {
		ev := domain.Event{Type: t}
		if t == "input" {
			ev.Kind = domain.EventInput
		}
		if err := el.Dispatch(ctx, ev); err != nil {
			return fmt.Errorf("dispatch %s: %w", t, err)
		}
	}
	return nil
}

// editableMarkup renders text as contenteditable HTML with <br> newlines.
func editableMarkup(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

// assign writes text into el the way the element expects it: through the
// value setter for form controls and as markup for contenteditable nodes.
func assign(ctx context.Context, el domain.Element, info domain.ElementInfo, text string) error {
	if info.ContentEditable && !info.FormControl {
		return el.SetEditableHTML(ctx, editableMarkup(text))
	}
	return el.SetValue(ctx, text)
}

// sameText compares a read-back value against the intended text.
// Contenteditable textContent drops <br> newlines, so those compare
// without line breaks.
func sameText(got, want string, editable bool) bool {
	if got == want {
		return true
	}
	if editable {
		strip := strings.NewReplacer("\r", "", "\n", "")
		return strip.Replace(got) == strip.Replace(want)
	}
	return false
}

// verify reads el back and reports whether it holds text.
func verify(ctx context.Context, el domain.Element, info domain.ElementInfo, text string) (bool, error) {
	got, err := el.Value(ctx)
	if err != nil {
		return false, fmt.Errorf("read back: %w", err)
	}
	return sameText(got, text, info.ContentEditable && !info.FormControl), nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
