package host

import (
	"fmt"
	"io"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"sidenote/dom"
)

// Static is an adapter over a parsed snapshot of a chat page. It backs the
// offline dump command and the test suite: the page does not change on its
// own, but the snapshot can be mutated through the helper methods to simulate
// host activity.
type Static struct {
	mu         sync.Mutex
	doc        *goquery.Document
	sel        Selectors
	loc        string
	generating bool
	injected   []string
	mirrored   []string
	removed    []string
	viewport   Viewport
	rects      map[string][]Rect
}

// NewStatic parses a page snapshot and returns an adapter over it.
func NewStatic(r io.Reader, sel Selectors, location string) (*Static, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &Static{
		doc:      doc,
		sel:      sel,
		loc:      location,
		viewport: Viewport{Width: 1440, Height: 900},
		rects:    map[string][]Rect{},
	}, nil
}

// Body returns the snapshot's body element, for selection and extraction.
func (s *Static) Body() *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := s.doc.Find("body")
	if len(body.Nodes) == 0 {
		return nil
	}
	return body.Nodes[0]
}

func (s *Static) turns() *goquery.Selection {
	return s.doc.Find(s.sel.Turn)
}

func (s *Static) Location() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc, nil
}

func (s *Static) TurnCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns().Length(), nil
}

func (s *Static) IsAnswerTurn(i int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := s.turns().Eq(i)
	if turn.Length() == 0 {
		return false, ErrNotFound
	}
	return turn.Is(s.sel.AnswerTurn), nil
}

func (s *Static) IsGenerating() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sel.Generating != "" && s.doc.Find(s.sel.Generating).Length() > 0 {
		return true, nil
	}
	return s.generating, nil
}

// InjectQuestion records the question and places it into the input element.
// The snapshot has no framework behind it, so no turn appears by itself; use
// AppendTurn to simulate the host's response.
func (s *Static) InjectQuestion(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	input := s.doc.Find(s.sel.Input)
	if input.Length() == 0 {
		return fmt.Errorf("%w: input %q", ErrNotFound, s.sel.Input)
	}
	if s.doc.Find(s.sel.Send).Length() == 0 {
		return fmt.Errorf("%w: send %q", ErrNotFound, s.sel.Send)
	}
	input.SetText(text)
	s.injected = append(s.injected, text)
	return nil
}

// Injected returns every question injected so far, in order.
func (s *Static) Injected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.injected...)
}

func (s *Static) setHidden(i int, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := s.turns().Eq(i)
	if turn.Length() == 0 {
		return ErrNotFound
	}
	if hidden {
		turn.AddClass(s.sel.HiddenClass)
	} else {
		turn.RemoveClass(s.sel.HiddenClass)
	}
	return nil
}

func (s *Static) HideTurn(i int) error   { return s.setHidden(i, true) }
func (s *Static) UnhideTurn(i int) error { return s.setHidden(i, false) }

// HiddenTurns returns the indices of currently hidden turns.
func (s *Static) HiddenTurns() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	s.turns().Each(func(i int, turn *goquery.Selection) {
		if turn.HasClass(s.sel.HiddenClass) {
			out = append(out, i)
		}
	})
	return out
}

func (s *Static) AnswerHTML(i int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := s.turns().Eq(i)
	if turn.Length() == 0 {
		return "", ErrNotFound
	}
	return turn.Html()
}

func (s *Static) TurnNode(i int) (*html.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := s.turns().Eq(i)
	if turn.Length() == 0 {
		return nil, ErrNotFound
	}
	return turn.Nodes[0], nil
}

func (s *Static) Viewport() (Viewport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport, nil
}

// MarkerRects returns configured rects for the id when set, otherwise nominal
// geometry derived from marker order. A snapshot has no layout engine.
func (s *Static) MarkerRects(id string) ([]Rect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rects, ok := s.rects[id]; ok {
		return rects, nil
	}
	sel := fmt.Sprintf(`[%s=%q]`, dom.MarkerAttr, id)
	var rects []Rect
	s.doc.Find(sel).Each(func(i int, _ *goquery.Selection) {
		rects = append(rects, Rect{X: 100, Y: float64(i) * 20, W: 80, H: 16})
	})
	return rects, nil
}

// MirrorMarkers records the request. TurnNode hands out the snapshot's own
// nodes, so the highlight manager's wrap already placed the spans in this
// document.
func (s *Static) MirrorMarkers(i int, quoted, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrored = append(s.mirrored, id)
	return nil
}

// SetMarkerState is a no-op for the same reason as MirrorMarkers.
func (s *Static) SetMarkerState(id, state string) error { return nil }

// RemoveMarkers records the request; the manager's unwrap already removed the
// spans from the shared tree.
func (s *Static) RemoveMarkers(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return nil
}

// MirroredMarkers returns the highlight ids mirrored so far, in order.
func (s *Static) MirroredMarkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mirrored...)
}

// RemovedMarkers returns the highlight ids whose spans were removed, in order.
func (s *Static) RemovedMarkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// SetLocation simulates a navigation.
func (s *Static) SetLocation(loc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loc = loc
}

// SetGenerating toggles the simulated generation flag.
func (s *Static) SetGenerating(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating = v
}

// SetViewport overrides the reported viewport.
func (s *Static) SetViewport(v Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = v
}

// SetMarkerRects overrides the rects reported for a highlight id.
func (s *Static) SetMarkerRects(id string, rects []Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rects[id] = rects
}

// AppendTurn adds a turn to the conversation, simulating host activity. The
// markup must match the configured turn selector.
func (s *Static) AppendTurn(markup string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	container := s.doc.Find("body")
	if turns := s.turns(); turns.Length() > 0 {
		container = turns.Last().Parent()
	}
	if container.Length() == 0 {
		return ErrNotFound
	}
	container.AppendHtml(markup)
	return nil
}
