package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"promptrelay/internal/domain"
)

// objectGroup scopes every remote object the driver holds so a page can
// release them in one call.
const objectGroup = "promptrelay"

// Page is a domain.Document backed by one Chrome tab.
type Page struct {
	ctx context.Context
}

var (
	_ domain.Document = (*Page)(nil)
	_ domain.Element  = (*Element)(nil)
)

// NewPage wraps a chromedp tab context.
func NewPage(tab context.Context) *Page {
	return &Page{ctx: tab}
}

// run executes actions on the tab, bounded by ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true).WithObjectGroup(objectGroup)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]domain.Element, error) {
	var list *runtime.RemoteObject
	expr := "Array.from(document.querySelectorAll(" + jsString(selector) + "))"
	if err := p.run(ctx, chromedp.Evaluate(expr, &list, evalOpts)); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if list == nil || list.ObjectID == "" {
		return nil, nil
	}

	var props []*runtime.PropertyDescriptor
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var exc *runtime.ExceptionDetails
		var err error
		props, _, _, exc, err = runtime.GetProperties(list.ObjectID).WithOwnProperties(true).Do(ctx)
		if err == nil && exc != nil {
			err = exc
		}
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("list matches for %s: %w", selector, err)
	}

	indexed := make(map[int]runtime.RemoteObjectID)
	for _, prop := range props {
		i, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		indexed[i] = prop.Value.ObjectID
	}
	out := make([]domain.Element, 0, len(indexed))
	for i := 0; i < len(indexed); i++ {
		id, ok := indexed[i]
		if !ok {
			break
		}
		out = append(out, &Element{page: p, id: id})
	}
	return out, nil
}

func (p *Page) ActiveElement(ctx context.Context) (domain.Element, error) {
	var obj *runtime.RemoteObject
	if err := p.run(ctx, chromedp.Evaluate("document.activeElement", &obj, evalOpts)); err != nil {
		return nil, fmt.Errorf("read active element: %w", err)
	}
	if obj == nil || obj.ObjectID == "" || obj.Subtype == runtime.SubtypeNull {
		return nil, nil
	}
	return &Element{page: p, id: obj.ObjectID}, nil
}

func (p *Page) HasGlobal(ctx context.Context, path string) (bool, error) {
	var ok bool
	expr := fmt.Sprintf("(() => { try { return !!(%s)(window, %s); } catch (_) { return false; } })()", jsResolve, jsString(path))
	if err := p.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return false, fmt.Errorf("probe %s: %w", path, err)
	}
	return ok, nil
}

// WriteClipboard grants the page clipboard access and writes text through
// the async clipboard API.
func (p *Page) WriteClipboard(ctx context.Context, text string) error {
	err := p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var loc string
			if err := chromedp.Location(&loc).Do(ctx); err != nil {
				return err
			}
			origin := domain.SiteFromURL(loc).Origin()
			grant := cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{
				cdpbrowser.PermissionTypeClipboardReadWrite,
				cdpbrowser.PermissionTypeClipboardSanitizedWrite,
			}).WithOrigin(origin)
			// Remote browsers may refuse; the write below decides.
			_ = grant.Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
			return nil
		}),
		chromedp.Evaluate("navigator.clipboard.writeText("+jsString(text)+")", nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true).WithUserGesture(true)
		}),
	)
	if err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

func (p *Page) Texts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	expr := "Array.from(document.querySelectorAll(" + jsString(selector) + ")).map(e => (e.textContent || '').trim())"
	if err := p.run(ctx, chromedp.Evaluate(expr, &texts)); err != nil {
		return nil, fmt.Errorf("texts %s: %w", selector, err)
	}
	return texts, nil
}

// Release drops every remote object the page handed out.
func (p *Page) Release(ctx context.Context) error {
	return p.run(ctx, runtime.ReleaseObjectGroup(objectGroup))
}

// Element is a handle to a remote DOM node.
type Element struct {
	page *Page
	id   runtime.RemoteObjectID
}

var errNotFunction = errors.New("not a function")

// call invokes fn with this bound to the element. res follows
// chromedp.Evaluate: nil discards, **runtime.RemoteObject keeps a handle,
// anything else is decoded from the returned value.
func (e *Element) call(ctx context.Context, fn string, res any, args ...any) error {
	return e.page.run(ctx, chromedp.CallFunctionOn(fn, res,
		func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(e.id).WithAwaitPromise(true).WithObjectGroup(objectGroup)
		},
		args...,
	))
}

func (e *Element) Describe(ctx context.Context) (domain.ElementInfo, error) {
	var info domain.ElementInfo
	if err := e.call(ctx, jsDescribe, &info); err != nil {
		return domain.ElementInfo{}, fmt.Errorf("describe element: %w", err)
	}
	return info, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	var v string
	if err := e.call(ctx, jsValue, &v); err != nil {
		return "", fmt.Errorf("read value: %w", err)
	}
	return v, nil
}

func (e *Element) SetValue(ctx context.Context, text string) error {
	if err := e.call(ctx, jsSetValue, nil, text); err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return nil
}

func (e *Element) SetEditableHTML(ctx context.Context, markup string) error {
	if err := e.call(ctx, jsSetHTML, nil, markup); err != nil {
		return fmt.Errorf("set html: %w", err)
	}
	return nil
}

type eventArg struct {
	Type      string `json:"type"`
	Kind      string `json:"kind,omitempty"`
	Key       string `json:"key,omitempty"`
	Code      string `json:"code,omitempty"`
	KeyCode   int    `json:"keyCode,omitempty"`
	Data      string `json:"data,omitempty"`
	InputType string `json:"inputType,omitempty"`
}

func (e *Element) Dispatch(ctx context.Context, ev domain.Event) error {
	arg := eventArg(ev)
	if err := e.call(ctx, jsDispatch, nil, arg); err != nil {
		return fmt.Errorf("dispatch %s: %w", ev.Type, err)
	}
	return nil
}

func (e *Element) Focus(ctx context.Context) error {
	return e.call(ctx, "function() { this.focus(); }", nil)
}

func (e *Element) SelectContents(ctx context.Context) error {
	return e.call(ctx, jsSelectContents, nil)
}

func (e *Element) ExecCommand(ctx context.Context, command, value string) (bool, error) {
	var ok bool
	if err := e.call(ctx, jsExecCommand, &ok, command, value); err != nil {
		return false, fmt.Errorf("execCommand %s: %w", command, err)
	}
	return ok, nil
}

// Paste focuses the element and sends a Ctrl+V carrying the browser's
// paste editing command, then a synthetic paste event for listeners.
func (e *Element) Paste(ctx context.Context) error {
	if err := e.Focus(ctx); err != nil {
		return fmt.Errorf("paste focus: %w", err)
	}
	err := e.page.run(ctx,
		input.DispatchKeyEvent(input.KeyDown).
			WithKey("v").WithCode("KeyV").
			WithWindowsVirtualKeyCode(86).
			WithModifiers(input.ModifierCtrl).
			WithCommands([]string{"paste"}),
		input.DispatchKeyEvent(input.KeyUp).
			WithKey("v").WithCode("KeyV").
			WithWindowsVirtualKeyCode(86).
			WithModifiers(input.ModifierCtrl),
	)
	if err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	return e.Dispatch(ctx, domain.Event{Type: "paste", Kind: domain.EventClipboard})
}

func (e *Element) ResetValueTracker(ctx context.Context) error {
	return e.call(ctx, "function() { const t = this._valueTracker; if (t) t.setValue(''); }", nil)
}

func (e *Element) PatchValueSetter(ctx context.Context) error {
	return e.call(ctx, jsPatchSetter, nil)
}

func (e *Element) ReplaceWithClone(ctx context.Context, text string) (domain.Element, error) {
	var obj *runtime.RemoteObject
	if err := e.call(ctx, jsReplaceWithClone, &obj, text); err != nil {
		return nil, fmt.Errorf("replace with clone: %w", err)
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, errors.New("replace with clone: no node returned")
	}
	return &Element{page: e.page, id: obj.ObjectID}, nil
}

func (e *Element) OwnKeys(ctx context.Context, path string) ([]string, error) {
	var keys []string
	if err := e.call(ctx, jsOwnKeys, &keys, path); err != nil {
		return nil, fmt.Errorf("own keys %q: %w", path, err)
	}
	return keys, nil
}

func (e *Element) KindOf(ctx context.Context, path string) (string, error) {
	var kind string
	if err := e.call(ctx, jsKindOf, &kind, path); err != nil {
		return "", fmt.Errorf("kind of %q: %w", path, err)
	}
	return kind, nil
}

func (e *Element) Invoke(ctx context.Context, path string, args ...any) error {
	return e.invoke(ctx, false, path, args)
}

func (e *Element) InvokeGlobal(ctx context.Context, path string, args ...any) error {
	return e.invoke(ctx, true, path, args)
}

func (e *Element) invoke(ctx context.Context, global bool, path string, args []any) error {
	var called bool
	if err := e.call(ctx, jsInvoke, &called, global, path, encodeArgs(args)); err != nil {
		return fmt.Errorf("invoke %s: %w", path, err)
	}
	if !called {
		return fmt.Errorf("invoke %s: %w", path, errNotFunction)
	}
	return nil
}

func (e *Element) Assign(ctx context.Context, path string, value any) error {
	if err := e.call(ctx, jsAssign, nil, path, value); err != nil {
		return fmt.Errorf("assign %s: %w", path, err)
	}
	return nil
}

// encodeArgs replaces the placeholder argument types with markers the
// page-side invoke helper materializes.
func encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case domain.ChangeEvent:
			out[i] = map[string]any{"__promptrelayChange": v.Value}
		case domain.ElementArg:
			out[i] = map[string]any{"__promptrelayElement": true}
		default:
			out[i] = a
		}
	}
	return out
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
