package dom

import (
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerAttr is the attribute carried by every marker element. Its value is
// the owning highlight id.
const MarkerAttr = "data-sidenote-marker"

// MarkerStateAttr records the lifecycle affordance of a marker:
// "pending" while an answer is awaited, "ready" once it is clickable.
const MarkerStateAttr = "data-sidenote-state"

// IsMarker reports whether n is a marker element.
func IsMarker(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && n.Data == "span" && Attr(n, MarkerAttr) != ""
}

// MarkerID returns the highlight id a marker belongs to, or "".
func MarkerID(n *html.Node) string {
	return Attr(n, MarkerAttr)
}

// SetMarkerState updates the lifecycle state attribute on a set of markers.
func SetMarkerState(markers []*html.Node, state string) {
	for _, m := range markers {
		set := false
		for i, a := range m.Attr {
			if a.Key == MarkerStateAttr {
				m.Attr[i].Val = state
				set = true
				break
			}
		}
		if !set {
			m.Attr = append(m.Attr, html.Attribute{Key: MarkerStateAttr, Val: state})
		}
	}
}

// textSlice is a snapshot of one text node touched by a range, with the
// local rune interval to be wrapped.
type textSlice struct {
	node     *html.Node
	from, to int
}

// WrapRange splits the text nodes at the range boundaries and wraps each
// contained text node in an inline marker element carrying id, returning the
// markers in document order. Rendered text outside the wrapped segment is
// untouched. On any internal failure all partially created markers are
// unwound and nil is returned: the operation never leaves the document
// partially wrapped. A collapsed range is a no-op.
func WrapRange(r Range, id string) []*html.Node {
	if r.Collapsed() {
		return nil
	}
	container := CommonAncestor(r.Start.Node, r.End.Node)
	if container == nil {
		return nil
	}
	s := AbsoluteOffset(container, r.Start)
	e := AbsoluteOffset(container, r.End)
	if s >= e {
		return nil
	}

	// Snapshot the touched text nodes and split points first, then mutate in
	// a single reverse pass so traversal order is never invalidated by the
	// splits it causes.
	var slices []textSlice
	acc := 0
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			l := utf8.RuneCountInString(n.Data)
			gs, ge := acc, acc+l
			acc = ge
			if ge <= s || gs >= e || l == 0 {
				return
			}
			from, to := 0, l
			if s > gs {
				from = s - gs
			}
			if e < ge {
				to = e - gs
			}
			if from < to {
				slices = append(slices, textSlice{node: n, from: from, to: to})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(container)
	if len(slices) == 0 {
		return nil
	}

	var markers []*html.Node
	ok := false
	defer func() {
		if v := recover(); v != nil || !ok {
			UnwrapMarkers(markers)
			markers = nil
		}
	}()

	for i := len(slices) - 1; i >= 0; i-- {
		sl := slices[i]
		if sl.node.Parent == nil {
			return nil // concurrent mutation detached the node; unwind
		}
		target := sl.node
		if sl.to < utf8.RuneCountInString(target.Data) {
			splitText(target, sl.to)
		}
		if sl.from > 0 {
			target = splitText(target, sl.from)
		}
		marker := &html.Node{
			Type:     html.ElementNode,
			Data:     "span",
			DataAtom: atom.Span,
			Attr: []html.Attribute{
				{Key: MarkerAttr, Val: id},
				{Key: MarkerStateAttr, Val: "pending"},
			},
		}
		parent := target.Parent
		parent.InsertBefore(marker, target)
		parent.RemoveChild(target)
		marker.AppendChild(target)
		markers = append(markers, marker)
	}
	ok = true

	// Built in reverse document order; flip before returning.
	for i, j := 0, len(markers)-1; i < j; i, j = i+1, j-1 {
		markers[i], markers[j] = markers[j], markers[i]
	}
	return markers
}

// splitText splits a text node at a rune offset, leaving the head in place
// and returning the newly inserted tail node.
func splitText(n *html.Node, offset int) *html.Node {
	runes := []rune(n.Data)
	if offset <= 0 || offset >= len(runes) {
		return n
	}
	tail := &html.Node{Type: html.TextNode, Data: string(runes[offset:])}
	n.Data = string(runes[:offset])
	n.Parent.InsertBefore(tail, n.NextSibling)
	return tail
}

// UnwrapMarkers removes each marker element, reattaching its children to the
// parent and merging adjacent text nodes so subsequent text searches see a
// clean stream. Markers already detached from the document are skipped.
func UnwrapMarkers(markers []*html.Node) {
	for _, m := range markers {
		parent := m.Parent
		if parent == nil {
			continue
		}
		for c := m.FirstChild; c != nil; {
			next := c.NextSibling
			m.RemoveChild(c)
			parent.InsertBefore(c, m)
			c = next
		}
		parent.RemoveChild(m)
		Normalize(parent)
	}
}

// Normalize merges adjacent sibling text nodes under n and removes empty
// ones, recursively.
func Normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			if c.Data == "" {
				n.RemoveChild(c)
				c = next
				continue
			}
			for next != nil && next.Type == html.TextNode {
				c.Data += next.Data
				after := next.NextSibling
				n.RemoveChild(next)
				next = after
			}
			c = next
			continue
		}
		Normalize(c)
		c = next
	}
}

// MarkersFor returns all live markers under root belonging to the given
// highlight id, in document order.
func MarkersFor(root *html.Node, id string) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if IsMarker(n) && MarkerID(n) == id {
			found = append(found, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return found
}
