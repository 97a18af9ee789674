// Package host abstracts the chat page being observed and controlled. The
// core never hard-codes how page elements are found; it goes through an
// Adapter configured with per-site selectors. Adapter misses are reported as
// errors and handled by callers as graceful no-ops.
package host

import (
	"errors"

	"golang.org/x/net/html"
)

// ErrNotFound reports that a selector matched nothing on the page.
var ErrNotFound = errors.New("host: element not found")

// Selectors identifies the page elements an adapter operates on. Turn indices
// everywhere in the core are positions within the Turn selector's match list,
// in document order.
type Selectors struct {
	// Turn matches every conversation turn element.
	Turn string `toml:"turn"`
	// AnswerTurn distinguishes answer-shaped turns from user turns; matched
	// against a turn element.
	AnswerTurn string `toml:"answer_turn"`
	// Input matches the chat's text-entry element.
	Input string `toml:"input"`
	// Send matches the submit control.
	Send string `toml:"send"`
	// Generating matches an element present only while the host is
	// generating a response.
	Generating string `toml:"generating"`
	// HiddenClass is the class added to a turn to hide it.
	HiddenClass string `toml:"hidden_class"`
	// Citation matches inline citation pills inside answer content.
	Citation string `toml:"citation"`
}

// Rect is a page-coordinate rectangle.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Union returns the smallest rect covering both.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x1 := min(r.X, o.X)
	y1 := min(r.Y, o.Y)
	x2 := max(r.X+r.W, o.X+o.W)
	y2 := max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Viewport is the visible area and scroll offset of the page.
type Viewport struct {
	Width   float64
	Height  float64
	ScrollX float64
	ScrollY float64
}

// Adapter is the boundary to a specific chat page.
type Adapter interface {
	// Location returns the page's current location (URL or equivalent).
	Location() (string, error)
	// TurnCount returns the number of conversation turns on the page.
	TurnCount() (int, error)
	// IsAnswerTurn reports whether turn i is answer-shaped.
	IsAnswerTurn(i int) (bool, error)
	// IsGenerating reports whether the host is currently generating.
	IsGenerating() (bool, error)
	// InjectQuestion places text into the chat input so the host's own
	// framework sees it as real input, then triggers submission.
	InjectQuestion(text string) error
	// HideTurn and UnhideTurn toggle a turn's visibility.
	HideTurn(i int) error
	UnhideTurn(i int) error
	// AnswerHTML returns turn i's rendered answer content as markup.
	AnswerHTML(i int) (string, error)
	// TurnNode returns turn i's content as a parsed tree, for text matching.
	TurnNode(i int) (*html.Node, error)
	// Viewport returns the page's visible area and scroll offsets.
	Viewport() (Viewport, error)
	// MarkerRects returns the bounding rects of the marker spans carrying
	// the given highlight id, in document order.
	MarkerRects(id string) ([]Rect, error)
	// MirrorMarkers replicates a highlight's marker spans onto the page:
	// the first occurrence of quoted within turn i's flattened text is
	// wrapped in marker spans carrying the highlight id. Adapters whose
	// TurnNode hands out the page's own nodes already carry the spans and
	// treat this as a no-op.
	MirrorMarkers(i int, quoted, id string) error
	// SetMarkerState updates the state attribute on the page's marker
	// spans for the id.
	SetMarkerState(id, state string) error
	// RemoveMarkers unwraps the page's marker spans for the id.
	RemoveMarkers(id string) error
}
