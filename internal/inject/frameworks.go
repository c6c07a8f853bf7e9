package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"promptrelay/internal/domain"
)

// FrameworkAdapter pushes a value into a front-end framework's own state
// for an element it manages.
type FrameworkAdapter interface {
	Name() string
	Detect(ctx context.Context, el domain.Element) bool
	// ApplyValue reports whether the framework accepted the value.
	ApplyValue(ctx context.Context, el domain.Element, text string) (bool, error)
}

var reactKeyPrefixes = []string{
	"__reactFiber",
	"__reactProps",
	"__reactInternalInstance",
	"__reactEventHandlers",
}

// ReactAdapter calls the change handler React attached to the element.
type ReactAdapter struct{}

func (ReactAdapter) Name() string { return "react" }

func reactKeys(ctx context.Context, el domain.Element) []string {
	keys, err := el.OwnKeys(ctx, "")
	if err != nil {
		return nil
	}
	var out []string
	for _, k := range keys {
		for _, p := range reactKeyPrefixes {
			if strings.HasPrefix(k, p) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (ReactAdapter) Detect(ctx context.Context, el domain.Element) bool {
	return len(reactKeys(ctx, el)) > 0
}

// handlerPaths lists where React keeps change handlers under key.
func handlerPaths(key string) []string {
	if strings.HasPrefix(key, "__reactProps") || strings.HasPrefix(key, "__reactEventHandlers") {
		return []string{key + ".onChange", key + ".onInput"}
	}
	return []string{
		key + ".memoizedProps.onChange",
		key + ".memoizedProps.onInput",
		key + ".stateNode.props.onChange",
	}
}

func (ReactAdapter) ApplyValue(ctx context.Context, el domain.Element, text string) (bool, error) {
	if err := el.SetValue(ctx, text); err != nil {
		return false, fmt.Errorf("assign: %w", err)
	}
	if err := el.ResetValueTracker(ctx); err != nil {
		return false, fmt.Errorf("reset value tracker: %w", err)
	}

	called := false
	for _, key := range reactKeys(ctx, el) {
		for _, path := range handlerPaths(key) {
			kind, err := el.KindOf(ctx, path)
			if err != nil || kind != "function" {
				continue
			}
			if err := el.Invoke(ctx, path, domain.ChangeEvent{Value: text}); err != nil {
				return false, fmt.Errorf("call %s: %w", path, err)
			}
			called = true
			break
		}
		if called {
			break
		}
	}
	if err := fire(ctx, el, "input", "change"); err != nil {
		return false, err
	}
	return called, nil
}

// VueAdapter emits an input event on the owning component and mirrors the
// value into its string data fields.
type VueAdapter struct{}

func (VueAdapter) Name() string { return "vue" }

func vueInstance(ctx context.Context, el domain.Element) string {
	for _, path := range []string{"__vue__", "_vnode.componentInstance", "__vueParentComponent.proxy"} {
		if kind, err := el.KindOf(ctx, path); err == nil && kind == "object" {
			return path
		}
	}
	return ""
}

func (VueAdapter) Detect(ctx context.Context, el domain.Element) bool {
	return vueInstance(ctx, el) != ""
}

func (VueAdapter) ApplyValue(ctx context.Context, el domain.Element, text string) (bool, error) {
	base := vueInstance(ctx, el)
	if base == "" {
		return false, nil
	}
	if err := el.SetValue(ctx, text); err != nil {
		return false, fmt.Errorf("assign: %w", err)
	}
	if err := el.Invoke(ctx, base+".$emit", "input", text); err != nil {
		return false, fmt.Errorf("emit input: %w", err)
	}
	fields, _ := el.OwnKeys(ctx, base+".$data")
	for _, f := range fields {
		path := base + ".$data." + f
		if kind, err := el.KindOf(ctx, path); err == nil && kind == "string" {
			if err := el.Assign(ctx, path, text); err != nil {
				return false, fmt.Errorf("assign %s: %w", path, err)
			}
		}
	}
	if err := fire(ctx, el, "input"); err != nil {
		return false, err
	}
	return true, nil
}

// AngularAdapter relies on the input event Angular's value accessor listens
// to, then asks the dev-mode global to run change detection.
type AngularAdapter struct{}

func (AngularAdapter) Name() string { return "angular" }

func (AngularAdapter) Detect(ctx context.Context, el domain.Element) bool {
	for _, path := range []string{"__ngContext__", "__ng_debug__"} {
		if kind, err := el.KindOf(ctx, path); err == nil && kind != "undefined" {
			return true
		}
	}
	return false
}

func (AngularAdapter) ApplyValue(ctx context.Context, el domain.Element, text string) (bool, error) {
	if err := el.SetValue(ctx, text); err != nil {
		return false, fmt.Errorf("assign: %w", err)
	}
	if err := fire(ctx, el, "input", "change"); err != nil {
		return false, err
	}
	// ng is only exposed in dev mode.
	_ = el.InvokeGlobal(ctx, "ng.applyChanges", domain.ElementArg{})
	return true, nil
}

// ReactStrategy drives React's internal change handler.
type ReactStrategy struct {
	locator *Locator
	adapter ReactAdapter
}

func NewReactStrategy(locator *Locator) *ReactStrategy {
	return &ReactStrategy{locator: locator}
}

func (s *ReactStrategy) ID() string    { return "react" }
func (s *ReactStrategy) Priority() int { return 3 }

// Applicable checks for a React root anywhere in the page.
func (s *ReactStrategy) Applicable(ctx context.Context, doc domain.Document) bool {
	for _, g := range []string{"__REACT_DEVTOOLS_GLOBAL_HOOK__", "document.body._reactRootContainer"} {
		if ok, err := doc.HasGlobal(ctx, g); err == nil && ok {
			return true
		}
	}
	if els, err := doc.QueryAll(ctx, "[data-reactroot]"); err == nil && len(els) > 0 {
		return true
	}
	bodies, err := doc.QueryAll(ctx, "body")
	if err != nil || len(bodies) == 0 {
		return false
	}
	keys, err := bodies[0].OwnKeys(ctx, "")
	if err != nil {
		return false
	}
	for _, k := range keys {
		if strings.HasPrefix(k, "__reactContainer") {
			return true
		}
	}
	return false
}

func (s *ReactStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	el, err := s.locator.Find(ctx, doc)
	if err != nil {
		return err
	}
	if !s.adapter.Detect(ctx, el) {
		return domain.Fail(domain.KindNoEffect, errors.New("input has no react internals"))
	}
	called, err := s.adapter.ApplyValue(ctx, el, prompt)
	if err != nil {
		return err
	}
	if !called {
		return domain.Fail(domain.KindNoEffect, errors.New("no react change handler"))
	}
	return nil
}

// FrameworksStrategy applies the first adapter that recognizes the input.
type FrameworksStrategy struct {
	locator  *Locator
	adapters []FrameworkAdapter
}

// NewFrameworksStrategy creates the strategy. Adapters are tried in order;
// with none given, vue then angular.
func NewFrameworksStrategy(locator *Locator, adapters ...FrameworkAdapter) *FrameworksStrategy {
	if len(adapters) == 0 {
		adapters = []FrameworkAdapter{VueAdapter{}, AngularAdapter{}}
	}
	return &FrameworksStrategy{locator: locator, adapters: adapters}
}

func (s *FrameworksStrategy) ID() string    { return "frameworks" }
func (s *FrameworksStrategy) Priority() int { return 6 }

func (s *FrameworksStrategy) Applicable(ctx context.Context, doc domain.Document) bool { return true }

func (s *FrameworksStrategy) Attempt(ctx context.Context, doc domain.Document, prompt string) error {
	el, err := s.locator.Find(ctx, doc)
	if err != nil {
		return err
	}
	for _, a := range s.adapters {
		if !a.Detect(ctx, el) {
			continue
		}
		ok, err := a.ApplyValue(ctx, el, prompt)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
		if !ok {
			return domain.Fail(domain.KindNoEffect, fmt.Errorf("%s rejected value", a.Name()))
		}
		return nil
	}
	return domain.Fail(domain.KindNotApplicable, domain.ErrNotApplicable)
}
