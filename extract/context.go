// Package extract turns a user selection over rich chat output into a
// structured sentence context: the sentence(s) containing the selection,
// plus per-block metadata (list structure, ordinals, citation and bold
// intervals) sufficient to re-render the quote with its original markup.
package extract

import (
	"sort"
	"strings"
)

// BlockTag classifies a contributed leaf block.
type BlockTag int

const (
	TagParagraph BlockTag = iota
	TagHeading
	TagListItem
	// TagListContinuation marks a later fragment of the same list item (a
	// second sentence, or a second paragraph inside one bullet): rendered
	// inside the list at the right depth, but without a duplicate marker.
	TagListContinuation
	TagCode
	TagQuote
	TagCell
)

// ListKind is the list flavour a block belongs to.
type ListKind int

const (
	ListNone ListKind = iota
	ListUnordered
	ListOrdered
)

// Span is a half-open rune interval within a block's local text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Block describes one contributed leaf block.
type Block struct {
	Tag          BlockTag `json:"tag"`
	HeadingLevel int      `json:"headingLevel,omitempty"`
	Depth        int      `json:"depth"`
	List         ListKind `json:"list"`
	Ordinal      int      `json:"ordinal,omitempty"` // original item number for ordered lists
	Lines        int      `json:"lines"`             // lines of RawText owned by this block
	Citations    []Span   `json:"citations,omitempty"`
	Bold         []Span   `json:"bold,omitempty"`
}

// Context is the structured result of sentence extraction. RawText is the
// full quoted text; Blocks slice it up by line count, in order.
type Context struct {
	RawText string  `json:"rawText"`
	Blocks  []Block `json:"blocks"`
}

// BlockTexts slices RawText back into per-block texts using the blocks'
// line counts. Joining the results with single newlines reproduces RawText.
func (c *Context) BlockTexts() []string {
	lines := strings.Split(c.RawText, "\n")
	texts := make([]string, 0, len(c.Blocks))
	at := 0
	for _, b := range c.Blocks {
		n := b.Lines
		if n < 1 {
			n = 1
		}
		if at+n > len(lines) {
			n = len(lines) - at
		}
		if n <= 0 {
			texts = append(texts, "")
			continue
		}
		texts = append(texts, strings.Join(lines[at:at+n], "\n"))
		at += n
	}
	return texts
}

// mergeSpans sorts spans and merges any that overlap or touch, so every
// reported interval of a kind is maximal.
func mergeSpans(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// clipSpans rebases spans from block coordinates into a contributed window
// [from, to) and clamps them, dropping anything empty.
func clipSpans(spans []Span, from, to int) []Span {
	var out []Span
	for _, s := range spans {
		start, end := s.Start, s.End
		if start < from {
			start = from
		}
		if end > to {
			end = to
		}
		if start >= end {
			continue
		}
		out = append(out, Span{Start: start - from, End: end - from})
	}
	return out
}

// shiftSpans moves spans left by delta, clamping at zero and dropping
// anything that ends up empty.
func shiftSpans(spans []Span, delta int) []Span {
	var out []Span
	for _, s := range spans {
		start, end := s.Start-delta, s.End-delta
		if start < 0 {
			start = 0
		}
		if end <= start {
			continue
		}
		out = append(out, Span{Start: start, End: end})
	}
	return out
}
