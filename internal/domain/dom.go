package domain

import "context"

// Event kinds map onto the DOM event constructors a page listens for.
const (
	EventPlain     = "Event"
	EventKeyboard  = "KeyboardEvent"
	EventInput     = "InputEvent"
	EventClipboard = "ClipboardEvent"
)

// Event describes one synthetic DOM event. Zero fields are omitted from
// the constructed event.
type Event struct {
	Type      string // "input", "keydown", ...
	Kind      string // one of the Event* constants; EventPlain when empty
	Key       string
	Code      string
	KeyCode   int
	Data      string
	InputType string
}

// ElementInfo is the rendered and interactive state of one element.
type ElementInfo struct {
	Tag             string  `json:"tag"` // lower-case tag name
	Type            string  `json:"type"`
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	Display         string  `json:"display"`
	Visibility      string  `json:"visibility"`
	Opacity         string  `json:"opacity"`
	Disabled        bool    `json:"disabled"`
	ReadOnly        bool    `json:"readOnly"`
	AriaDisabled    string  `json:"ariaDisabled"`
	ContentEditable bool    `json:"contentEditable"`
	FormControl     bool    `json:"formControl"` // has a value property (input, textarea)
}

// ChangeEvent is passed to framework change handlers through Invoke. The
// driver materializes it as {target:{value}, currentTarget:{value},
// preventDefault, stopPropagation, nativeEvent}.
type ChangeEvent struct {
	Value string
}

// ElementArg stands for the receiving element in InvokeGlobal arguments.
type ElementArg struct{}

// Element is a live handle to one node in a page. Handles may go stale
// when the page replaces the node; operations then return an error.
type Element interface {
	Describe(ctx context.Context) (ElementInfo, error)
	// Value reads value for form controls and textContent otherwise.
	Value(ctx context.Context) (string, error)
	// SetValue writes through the native prototype setter for form
	// controls and through textContent otherwise.
	SetValue(ctx context.Context, text string) error
	// SetEditableHTML replaces innerHTML and moves the caret to the end.
	SetEditableHTML(ctx context.Context, html string) error
	Dispatch(ctx context.Context, ev Event) error
	Focus(ctx context.Context) error
	// SelectContents selects the whole content via the selection APIs.
	SelectContents(ctx context.Context) error
	ExecCommand(ctx context.Context, command, value string) (bool, error)
	// Paste issues a paste command and a synthetic paste event.
	Paste(ctx context.Context) error
	// ResetValueTracker clears React's _valueTracker so the next input
	// event is seen as a change.
	ResetValueTracker(ctx context.Context) error
	// PatchValueSetter redefines the instance value property so it always
	// routes through the native prototype setter.
	PatchValueSetter(ctx context.Context) error
	// ReplaceWithClone deep-clones the node, writes text into the clone,
	// swaps it in for the original and returns the clone.
	ReplaceWithClone(ctx context.Context, text string) (Element, error)

	// Property-path primitives, relative to the element. Paths are
	// dot-separated; an empty path is the element itself.
	OwnKeys(ctx context.Context, path string) ([]string, error)
	KindOf(ctx context.Context, path string) (string, error)
	Invoke(ctx context.Context, path string, args ...any) error
	Assign(ctx context.Context, path string, value any) error
	// InvokeGlobal calls a window-rooted function path; ElementArg in args
	// is replaced with the element.
	InvokeGlobal(ctx context.Context, path string, args ...any) error
}

// Document is a live page the injection strategies operate on.
type Document interface {
	URL(ctx context.Context) (string, error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// ActiveElement returns the focused element or nil.
	ActiveElement(ctx context.Context) (Element, error)
	// HasGlobal reports whether a window-rooted path resolves to a truthy value.
	HasGlobal(ctx context.Context, path string) (bool, error)
	WriteClipboard(ctx context.Context, text string) error
	// Texts returns trimmed textContent of every match.
	Texts(ctx context.Context, selector string) ([]string, error)
}
