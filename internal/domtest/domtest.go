// Package domtest provides an in-memory domain.Document for exercising
// injection strategies without a browser.
package domtest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	"promptrelay/internal/domain"
)

// ErrDetached is returned by operations on an element that was replaced.
var ErrDetached = errors.New("element detached from document")

// Call is one recorded Invoke/InvokeGlobal/Assign.
type Call struct {
	Op   string // "invoke", "global", "assign"
	Path string
	Args []any
}

// Element is a fake DOM node. Exported fields configure behaviour and may
// be set before the element is added to a Doc.
type Element struct {
	Info domain.ElementInfo

	// Selectors this element matches, compared verbatim.
	Selectors []string

	// RejectWrites makes SetValue/SetEditableHTML silently ignored, like a
	// controlled input that re-renders its own state.
	RejectWrites bool
	// CloneRejects is RejectWrites for clones made by ReplaceWithClone.
	CloneRejects bool
	// PatchUnlocks makes PatchValueSetter clear RejectWrites.
	PatchUnlocks bool

	// Keys maps a property path to its own keys; Kinds maps a path to a
	// typeof result. Missing entries mean undefined.
	Keys  map[string][]string
	Kinds map[string]string

	// OnInvoke runs for every Invoke and InvokeGlobal. A nil func records only.
	OnInvoke func(el *Element, path string, args []any) error

	ExecCommandResult bool
	ExecCommandErr    error
	PasteErr          error

	mu       sync.Mutex
	doc      *Doc
	value    string
	html     string
	detached bool
	events   []domain.Event
	calls    []Call
	ops      []string
}

// NewTextarea returns a visible, enabled textarea matching selectors.
func NewTextarea(selectors ...string) *Element {
	return &Element{
		Info: domain.ElementInfo{
			Tag: "textarea", Width: 600, Height: 40,
			Display: "block", Visibility: "visible", Opacity: "1",
			FormControl: true,
		},
		Selectors: selectors,
	}
}

// NewEditable returns a visible contenteditable div matching selectors.
func NewEditable(selectors ...string) *Element {
	return &Element{
		Info: domain.ElementInfo{
			Tag: "div", Width: 600, Height: 40,
			Display: "block", Visibility: "visible", Opacity: "1",
			ContentEditable: true,
		},
		Selectors: selectors,
	}
}

// Doc is a fake page.
type Doc struct {
	Href string

	// Globals lists window-rooted paths that resolve truthy.
	Globals map[string]bool
	// TextsBySelector backs Texts.
	TextsBySelector map[string][]string
	ClipboardErr    error

	mu        sync.Mutex
	elements  []*Element
	active    *Element
	clipboard string
	pending   []pendingElement
	queries   int
}

type pendingElement struct {
	afterQueries int
	el           *Element
}

// NewDoc creates a page at href holding els.
func NewDoc(href string, els ...*Element) *Doc {
	d := &Doc{Href: href, Globals: map[string]bool{}, TextsBySelector: map[string][]string{}}
	for _, el := range els {
		d.Add(el)
	}
	return d
}

// Add appends an element to the document.
func (d *Doc) Add(el *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el.doc = d
	d.elements = append(d.elements, el)
}

// AddAfter makes el appear once QueryAll has been called n more times,
// simulating a late-rendered page.
func (d *Doc) AddAfter(n int, el *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el.doc = d
	d.pending = append(d.pending, pendingElement{afterQueries: d.queries + n, el: el})
}

// SetActive focuses el.
func (d *Doc) SetActive(el *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = el
}

// Clipboard returns the last text written to the clipboard.
func (d *Doc) Clipboard() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clipboard
}

// Elements returns the attached elements.
func (d *Doc) Elements() []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Element(nil), d.elements...)
}

func (d *Doc) URL(ctx context.Context) (string, error) { return d.Href, nil }

func (d *Doc) QueryAll(ctx context.Context, selector string) ([]domain.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queries++
	kept := d.pending[:0]
	for _, p := range d.pending {
		if d.queries >= p.afterQueries {
			d.elements = append(d.elements, p.el)
		} else {
			kept = append(kept, p)
		}
	}
	d.pending = kept

	var out []domain.Element
	for _, el := range d.elements {
		for _, s := range el.Selectors {
			if s == selector {
				out = append(out, el)
				break
			}
		}
	}
	return out, nil
}

func (d *Doc) ActiveElement(ctx context.Context) (domain.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil, nil
	}
	return d.active, nil
}

func (d *Doc) HasGlobal(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Globals[path], nil
}

func (d *Doc) WriteClipboard(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ClipboardErr != nil {
		return d.ClipboardErr
	}
	d.clipboard = text
	return nil
}

func (d *Doc) Texts(ctx context.Context, selector string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.TextsBySelector[selector], nil
}

func (d *Doc) replace(old, clone *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, el := range d.elements {
		if el == old {
			d.elements[i] = clone
		}
	}
	if d.active == old {
		d.active = clone
	}
}

// CurrentValue returns the stored value without recording an op.
func (e *Element) CurrentValue() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// SetInitial stores a value without recording an op.
func (e *Element) SetInitial(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
}

// HTML returns the last innerHTML written.
func (e *Element) HTML() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.html
}

// Events returns the dispatched events in order.
func (e *Element) Events() []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Event(nil), e.events...)
}

// EventTypes returns only the type of each dispatched event.
func (e *Element) EventTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

// Calls returns the recorded property-path calls.
func (e *Element) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Ops returns the names of every Element method invoked, in order.
func (e *Element) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

// Detached reports whether the element was replaced by a clone.
func (e *Element) Detached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detached
}

// Write stores v unconditionally, for use from OnInvoke hooks.
func (e *Element) Write(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
}

func (e *Element) begin(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
	if e.detached {
		return fmt.Errorf("%s: %w", op, ErrDetached)
	}
	return nil
}

func (e *Element) Describe(ctx context.Context) (domain.ElementInfo, error) {
	if err := e.begin("describe"); err != nil {
		return domain.ElementInfo{}, err
	}
	return e.Info, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	if err := e.begin("value"); err != nil {
		return "", err
	}
	return e.CurrentValue(), nil
}

func (e *Element) SetValue(ctx context.Context, text string) error {
	if err := e.begin("setValue"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.RejectWrites {
		e.value = text
	}
	return nil
}

func (e *Element) SetEditableHTML(ctx context.Context, markup string) error {
	if err := e.begin("setEditableHTML"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.RejectWrites {
		e.html = markup
		e.value = htmlToText(markup)
	}
	return nil
}

func htmlToText(markup string) string {
	return html.UnescapeString(strings.ReplaceAll(markup, "<br>", "\n"))
}

func (e *Element) Dispatch(ctx context.Context, ev domain.Event) error {
	if err := e.begin("dispatch"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *Element) Focus(ctx context.Context) error {
	if err := e.begin("focus"); err != nil {
		return err
	}
	if e.doc != nil {
		e.doc.SetActive(e)
	}
	return nil
}

func (e *Element) SelectContents(ctx context.Context) error { return e.begin("selectContents") }

// ExecCommand with insertText writes value unless ExecCommandResult is
// false; other commands only report ExecCommandResult.
func (e *Element) ExecCommand(ctx context.Context, command, value string) (bool, error) {
	if err := e.begin("execCommand:" + command); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ExecCommandErr != nil {
		return false, e.ExecCommandErr
	}
	if command == "insertText" && e.ExecCommandResult && !e.RejectWrites {
		e.value = value
	}
	return e.ExecCommandResult, nil
}

// Paste copies the document clipboard into the element.
func (e *Element) Paste(ctx context.Context) error {
	if err := e.begin("paste"); err != nil {
		return err
	}
	if e.PasteErr != nil {
		return e.PasteErr
	}
	if e.doc != nil {
		clip := e.doc.Clipboard()
		e.mu.Lock()
		if !e.RejectWrites {
			e.value = clip
		}
		e.mu.Unlock()
	}
	return nil
}

func (e *Element) ResetValueTracker(ctx context.Context) error {
	return e.begin("resetValueTracker")
}

func (e *Element) PatchValueSetter(ctx context.Context) error {
	if err := e.begin("patchValueSetter"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PatchUnlocks {
		e.RejectWrites = false
	}
	return nil
}

func (e *Element) ReplaceWithClone(ctx context.Context, text string) (domain.Element, error) {
	if err := e.begin("replaceWithClone"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	clone := &Element{
		Info:              e.Info,
		Selectors:         append([]string(nil), e.Selectors...),
		RejectWrites:      e.CloneRejects,
		CloneRejects:      e.CloneRejects,
		Keys:              e.Keys,
		Kinds:             e.Kinds,
		ExecCommandResult: e.ExecCommandResult,
		doc:               e.doc,
	}
	if !clone.RejectWrites {
		clone.value = text
	}
	e.detached = true
	e.mu.Unlock()

	if e.doc != nil {
		e.doc.replace(e, clone)
	}
	return clone, nil
}

func (e *Element) OwnKeys(ctx context.Context, path string) ([]string, error) {
	if err := e.begin("ownKeys"); err != nil {
		return nil, err
	}
	return e.Keys[path], nil
}

func (e *Element) KindOf(ctx context.Context, path string) (string, error) {
	if err := e.begin("kindOf"); err != nil {
		return "", err
	}
	if k, ok := e.Kinds[path]; ok {
		return k, nil
	}
	return "undefined", nil
}

func (e *Element) Invoke(ctx context.Context, path string, args ...any) error {
	return e.record("invoke", path, args)
}

func (e *Element) InvokeGlobal(ctx context.Context, path string, args ...any) error {
	return e.record("global", path, args)
}

func (e *Element) Assign(ctx context.Context, path string, value any) error {
	if err := e.begin("assign"); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: "assign", Path: path, Args: []any{value}})
	e.mu.Unlock()
	return nil
}

func (e *Element) record(op, path string, args []any) error {
	if err := e.begin(op); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: op, Path: path, Args: args})
	hook := e.OnInvoke
	e.mu.Unlock()
	if hook != nil {
		return hook(e, path, args)
	}
	return nil
}

var (
	_ domain.Document = (*Doc)(nil)
	_ domain.Element  = (*Element)(nil)
)
