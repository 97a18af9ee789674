// Package dom provides text-offset algebra over parsed HTML trees: mapping
// (node, offset) positions to character offsets within a block's flattened
// text and back, enumerating leaf blocks, and wrapping text ranges in inline
// marker elements.
package dom

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Position is a location in a DOM tree. For text nodes Offset is a rune
// offset into the node's text; for element nodes it is a child index.
type Position struct {
	Node   *html.Node
	Offset int
}

// Range is a start/end position pair over a tree.
type Range struct {
	Start Position
	End   Position
}

// Collapsed reports whether the range spans no characters.
func (r Range) Collapsed() bool {
	return r.Start.Node == nil || r.End.Node == nil ||
		(r.Start.Node == r.End.Node && r.Start.Offset == r.End.Offset)
}

// Text returns the flattened text content of a node and its descendants.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// TextLen returns the flattened text length of a node in runes.
func TextLen(n *html.Node) int {
	l := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			l += utf8.RuneCountInString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return l
}

var blockTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "li": true, "ul": true, "ol": true, "pre": true,
	"blockquote": true, "table": true, "thead": true, "tbody": true,
	"tr": true, "td": true, "th": true, "div": true, "section": true,
	"article": true, "main": true, "figure": true, "figcaption": true,
}

// IsBlock reports whether an element renders as a block-level container.
func IsBlock(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && blockTags[n.Data]
}

// hasBlockDescendant reports whether any descendant of n is block-level.
func hasBlockDescendant(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if IsBlock(c) || hasBlockDescendant(c) {
			return true
		}
	}
	return false
}

// LeafBlocks returns the block-level elements under container that have no
// block-level descendant of their own, in document order. A list item whose
// content is wrapped in a paragraph yields the paragraph, not the item, so
// nested containers are never double-counted.
func LeafBlocks(container *html.Node) []*html.Node {
	var blocks []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if IsBlock(n) && !hasBlockDescendant(n) {
			blocks = append(blocks, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if container != nil {
		walk(container)
	}
	return blocks
}

// AbsoluteOffset returns the rune offset of pos relative to the start of
// container's flattened text. Positions outside container map to the length
// of the text seen so far, so the result is always within bounds.
func AbsoluteOffset(container *html.Node, pos Position) int {
	acc := 0
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n == pos.Node {
			if n.Type == html.TextNode {
				off := pos.Offset
				if l := utf8.RuneCountInString(n.Data); off > l {
					off = l
				}
				if off < 0 {
					off = 0
				}
				acc += off
			} else {
				i := 0
				for c := n.FirstChild; c != nil && i < pos.Offset; c = c.NextSibling {
					acc += TextLen(c)
					i++
				}
			}
			return true
		}
		if n.Type == html.TextNode {
			acc += utf8.RuneCountInString(n.Data)
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if container != nil {
		walk(container)
	}
	return acc
}

// OffsetWithin returns the character offset of a (node, offset) position
// relative to the start of block's flattened text, clamped to [0, length].
// It cannot fail: positions outside the block clamp to the nearest bound.
func OffsetWithin(block, node *html.Node, offset int) int {
	if block == nil || node == nil {
		return 0
	}
	off := AbsoluteOffset(block, Position{Node: node, Offset: offset})
	if off < 0 {
		return 0
	}
	if l := TextLen(block); off > l {
		return l
	}
	return off
}

// NodeSpan returns the half-open rune interval that n's flattened text
// occupies within container's flattened text.
func NodeSpan(container, n *html.Node) (start, end int) {
	start = AbsoluteOffset(container, Position{Node: n, Offset: 0})
	return start, start + TextLen(n)
}

// PositionAt maps a rune offset within container's flattened text back to a
// (text node, offset) position. Offsets past the end land at the end of the
// last text node.
func PositionAt(container *html.Node, offset int) Position {
	var last *html.Node
	lastLen := 0
	acc := 0
	var walk func(*html.Node) *Position
	walk = func(n *html.Node) *Position {
		if n.Type == html.TextNode {
			l := utf8.RuneCountInString(n.Data)
			if offset < acc+l || (offset == acc+l && n.NextSibling == nil) {
				return &Position{Node: n, Offset: offset - acc}
			}
			acc += l
			last, lastLen = n, l
			return nil
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if p := walk(c); p != nil {
				return p
			}
		}
		return nil
	}
	if container != nil {
		if p := walk(container); p != nil {
			return *p
		}
	}
	if last != nil {
		return Position{Node: last, Offset: lastLen}
	}
	return Position{Node: container, Offset: 0}
}

// RangeOfMatch finds the first literal occurrence of needle within block's
// flattened text and maps it back to a DOM range. This is the inverse used
// when restoring highlights after a reload.
func RangeOfMatch(block *html.Node, needle string) (Range, bool) {
	if block == nil || needle == "" {
		return Range{}, false
	}
	text := Text(block)
	byteIdx := strings.Index(text, needle)
	if byteIdx < 0 {
		return Range{}, false
	}
	start := utf8.RuneCountInString(text[:byteIdx])
	end := start + utf8.RuneCountInString(needle)
	return Range{
		Start: PositionAt(block, start),
		End:   PositionAt(block, end),
	}, true
}

// CommonAncestor returns the deepest node containing both a and b, or nil.
func CommonAncestor(a, b *html.Node) *html.Node {
	if a == nil || b == nil {
		return nil
	}
	seen := map[*html.Node]bool{}
	for n := a; n != nil; n = n.Parent {
		seen[n] = true
	}
	for n := b; n != nil; n = n.Parent {
		if seen[n] {
			return n
		}
	}
	return nil
}

// Attached reports whether n is still reachable from root by parent links.
// Every DOM write re-checks liveness first, because the host page may have
// replaced the subtree between polls.
func Attached(n, root *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

// Ancestor returns the nearest ancestor of n (excluding n itself) with the
// given tag, stopping at limit. Returns nil if none.
func Ancestor(n, limit *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil && p != limit; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

// Attr returns the value of the named attribute, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
