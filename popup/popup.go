// Package popup drives the popup UI state: the Closed/Input/Loading/Answered
// transitions, the chained-popup stack, placement relative to a moving anchor,
// and remembered widths.
package popup

import (
	"sidenote/host"
)

// Mode is the display state of one popup.
type Mode int

const (
	Closed Mode = iota
	// Input: the question entry form is showing.
	Input
	// Loading: a question was sent and the watch is running.
	Loading
	// Answered: the answer (or a timeout message) is showing.
	Answered
)

const (
	// DefaultWidth is the initial popup width before the user resizes.
	DefaultWidth = 360.0
	// MinWidth bounds resizing from below.
	MinWidth = 240.0
	// gap separates the popup from its anchor.
	gap = 8.0
	// margin keeps the popup off the viewport edges.
	margin = 8.0
)

// Placement is a resolved popup position in viewport coordinates.
type Placement struct {
	X, Y  float64
	Above bool // true when flipped above the anchor
}

// Popup is one stack entry, bound to at most one highlight.
type Popup struct {
	HighlightID string
	Mode        Mode
	ReadOnly    bool
	TimedOut    bool
	Depth       int
	Width       float64
}

// Chained reports whether the popup was opened from inside another popup.
func (p *Popup) Chained() bool { return p.Depth > 0 }

// Controller owns the popup stack and the session-scoped width memory. It is
// the explicit home for state that would otherwise be ambient globals.
type Controller struct {
	stack []*Popup
	// Remembered widths, one per depth class: top-level popups share one,
	// chained popups share the other.
	topWidth     float64
	chainedWidth float64
}

// NewController creates a controller whose popups open at the given width.
// A non-positive width falls back to DefaultWidth.
func NewController(defaultWidth float64) *Controller {
	if defaultWidth <= 0 {
		defaultWidth = DefaultWidth
	}
	return &Controller{topWidth: defaultWidth, chainedWidth: defaultWidth}
}

// Depth returns the number of open popups.
func (c *Controller) Depth() int { return len(c.stack) }

// Top returns the topmost popup, or nil when none is open.
func (c *Controller) Top() *Popup {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// At returns the popup at stack index i (0 is the bottom).
func (c *Controller) At(i int) *Popup {
	if i < 0 || i >= len(c.stack) {
		return nil
	}
	return c.stack[i]
}

func (c *Controller) rememberedWidth(depth int) float64 {
	if depth > 0 {
		return c.chainedWidth
	}
	return c.topWidth
}

// Open pushes a new popup. With an empty stack this is a top-level popup;
// otherwise it chains off the current top, which stays mounted underneath.
// readOnly popups open directly in Answered mode (reopening a completed
// highlight); others start in Input mode.
func (c *Controller) Open(highlightID string, readOnly bool) *Popup {
	depth := len(c.stack)
	p := &Popup{
		HighlightID: highlightID,
		Mode:        Input,
		ReadOnly:    readOnly,
		Depth:       depth,
		Width:       c.rememberedWidth(depth),
	}
	if readOnly {
		p.Mode = Answered
	}
	c.stack = append(c.stack, p)
	return p
}

// BeginLoading moves the top popup from Input to Loading. Returns false when
// the transition does not apply.
func (c *Controller) BeginLoading() bool {
	top := c.Top()
	if top == nil || top.Mode != Input {
		return false
	}
	top.Mode = Loading
	return true
}

// ShowAnswer resolves the popup bound to the highlight id, wherever it sits
// in the stack; a detached watch may complete while its popup is buried or
// gone. Returns false when no open popup is bound to the id.
func (c *Controller) ShowAnswer(highlightID string) bool {
	for _, p := range c.stack {
		if p.HighlightID == highlightID {
			p.Mode = Answered
			p.TimedOut = false
			return true
		}
	}
	return false
}

// ShowTimeout replaces the loading indicator of the popup bound to the id
// with a timeout message.
func (c *Controller) ShowTimeout(highlightID string) bool {
	for _, p := range c.stack {
		if p.HighlightID == highlightID && p.Mode == Loading {
			p.Mode = Answered
			p.TimedOut = true
			return true
		}
	}
	return false
}

// Rebind attaches the top popup to a highlight id once one exists (the input
// popup opens before the highlight is registered).
func (c *Controller) Rebind(highlightID string) {
	if top := c.Top(); top != nil {
		top.HighlightID = highlightID
	}
}

// Pop closes the top popup and returns it, or nil when the stack is empty.
// Used for Escape/back.
func (c *Controller) Pop() *Popup {
	top := c.Top()
	if top == nil {
		return nil
	}
	top.Mode = Closed
	c.stack = c.stack[:len(c.stack)-1]
	return top
}

// DismissAll empties the whole stack, returning the closed popups from top to
// bottom. Used for click-outside and navigation.
func (c *Controller) DismissAll() []*Popup {
	var closed []*Popup
	for c.Top() != nil {
		closed = append(closed, c.Pop())
	}
	return closed
}

// ClickAction is the outcome of a click on an ancestor popup.
type ClickAction int

const (
	// NoAction: the click hit the top popup or nothing relevant.
	NoAction ClickAction = iota
	// ClosedDescendants: popups above the clicked level were closed.
	ClosedDescendants
	// SelectMarker: the click targeted a live marker belonging to a deeper
	// popup; its text should be selected for copying instead of closing.
	SelectMarker
)

// HandleAncestorClick processes a click on the popup at stack index level
// while descendants are open above it. markerOwner is the highlight id of the
// marker under the click, if any.
func (c *Controller) HandleAncestorClick(level int, markerOwner string) ClickAction {
	if level < 0 || level >= len(c.stack)-1 {
		return NoAction
	}
	if markerOwner != "" {
		for _, p := range c.stack[level+1:] {
			if p.HighlightID == markerOwner {
				return SelectMarker
			}
		}
	}
	for len(c.stack) > level+1 {
		c.Pop()
	}
	return ClosedDescendants
}

// Resize adjusts the top popup's width by delta (positive widens), bounded to
// the minimum and the viewport, and remembers it for the popup's depth class.
func (c *Controller) Resize(delta float64, vp host.Viewport) float64 {
	top := c.Top()
	if top == nil {
		return 0
	}
	w := top.Width + delta
	if w < MinWidth {
		w = MinWidth
	}
	if maxW := vp.Width - 2*margin; w > maxW {
		w = maxW
	}
	top.Width = w
	if top.Chained() {
		c.chainedWidth = w
	} else {
		c.topWidth = w
	}
	return w
}

// Place positions a popup of the given height against its anchor: below and
// horizontally centered when it fits, flipped above when the space below is
// short, and clamped within the viewport horizontally. anchor is the union of
// the highlight's marker rects in viewport coordinates.
func Place(anchor host.Rect, width, height float64, vp host.Viewport) Placement {
	x := anchor.X + anchor.W/2 - width/2
	if x < margin {
		x = margin
	}
	if maxX := vp.Width - width - margin; x > maxX {
		x = maxX
	}

	y := anchor.Y + anchor.H + gap
	above := false
	if y+height > vp.Height && anchor.Y-gap-height >= 0 {
		y = anchor.Y - gap - height
		above = true
	}
	return Placement{X: x, Y: y, Above: above}
}

// Anchor unions a highlight's marker rects into one anchor rect.
func Anchor(rects []host.Rect) host.Rect {
	var u host.Rect
	for _, r := range rects {
		u = u.Union(r)
	}
	return u
}
