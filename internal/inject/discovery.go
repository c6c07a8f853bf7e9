package inject

import (
	"context"
	"fmt"
	"strings"

	"promptrelay/internal/domain"
)

// GenericSelectors are tried after any site-specific selectors.
var GenericSelectors = []string{
	`textarea[data-id]`,
	`textarea#prompt-textarea`,
	`textarea[placeholder*="Message"]`,
	`[placeholder*="Ask"]`,
	`[placeholder*="Type"]`,
	`[placeholder*="Enter"]`,
	`textarea:not([readonly]):not([disabled])`,
	`input[type="text"]:not([readonly]):not([disabled])`,
	`[contenteditable="true"]`,
	`.ProseMirror`,
	`.ql-editor`,
	`.DraftEditor-root`,
	`div[role="textbox"]`,
	`[role="textbox"]`,
	`.input-area`,
	`.message-input`,
	`textarea`,
}

// IsVisible reports whether the element renders with a non-empty box.
func IsVisible(info domain.ElementInfo) bool {
	if info.Width <= 0 || info.Height <= 0 {
		return false
	}
	if info.Display == "none" || info.Visibility == "hidden" {
		return false
	}
	return strings.TrimSpace(info.Opacity) != "0"
}

// IsInteractable reports whether the element accepts user input.
func IsInteractable(info domain.ElementInfo) bool {
	return !info.Disabled && !info.ReadOnly && info.AriaDisabled != "true"
}

// IsPlausibleInput reports whether the element is something a user types into.
func IsPlausibleInput(info domain.ElementInfo) bool {
	switch info.Tag {
	case "textarea":
		return true
	case "input":
		return info.Type == "" || info.Type == "text" || info.Type == "search"
	}
	return info.ContentEditable
}

// FindInput returns the first visible, interactable element matched by
// selectors, in order. Nothing is cached; every call re-queries the page.
func FindInput(ctx context.Context, doc domain.Document, selectors []string) (domain.Element, error) {
	for _, sel := range selectors {
		els, err := doc.QueryAll(ctx, sel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, el := range els {
			info, err := el.Describe(ctx)
			if err != nil {
				continue
			}
			if IsVisible(info) && IsInteractable(info) {
				return el, nil
			}
		}
	}
	return nil, domain.ErrNoElement
}

// SelectorSource returns the site-specific selectors for a hostname.
type SelectorSource func(hostname string) []string

// Locator resolves the input element of the current page, trying the
// page's site selectors before GenericSelectors.
type Locator struct {
	source SelectorSource
}

// NewLocator creates a Locator. A nil source uses GenericSelectors only.
func NewLocator(source SelectorSource) *Locator {
	return &Locator{source: source}
}

// Selectors returns the ordered selector list for hostname.
func (l *Locator) Selectors(hostname string) []string {
	var site []string
	if l != nil && l.source != nil {
		site = l.source(hostname)
	}
	out := make([]string, 0, len(site)+len(GenericSelectors))
	seen := make(map[string]bool, cap(out))
	for _, list := range [][]string{site, GenericSelectors} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Find locates the input element of doc.
func (l *Locator) Find(ctx context.Context, doc domain.Document) (domain.Element, error) {
	href, err := doc.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page url: %w", err)
	}
	el, err := FindInput(ctx, doc, l.Selectors(domain.SiteFromURL(href).Hostname))
	if err != nil {
		return nil, domain.Fail(domain.KindNoElement, err)
	}
	return el, nil
}
