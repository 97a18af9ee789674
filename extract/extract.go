package extract

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"sidenote/dom"
)

// terminators end a sentence. CJK full stops count, so offsets must be
// rune-based throughout.
var terminators = map[rune]bool{
	'.': true, '?': true, '!': true,
	'。': true, '？': true, '！': true,
}

// Extractor finds the sentence context around a selection. IsCitation
// decides whether an element is a citation-reference marker; the zero
// matcher recognises a data-citation attribute or a class containing
// "citation".
type Extractor struct {
	IsCitation func(n *html.Node) bool
}

// New returns an Extractor with the default citation matcher.
func New() *Extractor {
	return &Extractor{IsCitation: defaultIsCitation}
}

func defaultIsCitation(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if dom.Attr(n, "data-citation") != "" {
		return true
	}
	return strings.Contains(dom.Attr(n, "class"), "citation")
}

// Extract produces the structured context around a selection range inside
// container, or nil when the selection touches no leaf block, the result is
// empty, or the content cannot be interpreted. Callers fall back to the raw
// selected text when nil is returned.
func (x *Extractor) Extract(r dom.Range, container *html.Node) (ctx *Context) {
	defer func() {
		if recover() != nil {
			ctx = nil
		}
	}()

	if container == nil || r.Collapsed() {
		return nil
	}
	s := dom.AbsoluteOffset(container, r.Start)
	e := dom.AbsoluteOffset(container, r.End)
	if s > e {
		s, e = e, s
	}
	if s >= e {
		return nil
	}

	// Intersect by character interval rather than by ancestor walks: the
	// range's reported anchors may land in a wrapping container rather than
	// the visually selected leaf.
	type touchedBlock struct {
		node  *html.Node
		start int
	}
	var touched []touchedBlock
	for _, b := range dom.LeafBlocks(container) {
		bs, be := dom.NodeSpan(container, b)
		if bs < be && bs < e && s < be {
			touched = append(touched, touchedBlock{node: b, start: bs})
		}
	}
	if len(touched) == 0 {
		return nil
	}

	var texts []string
	var blocks []Block
	last := len(touched) - 1
	for i, tb := range touched {
		desc := x.describe(tb.node, container)
		rs := []rune(dom.Text(tb.node))
		if len(rs) == 0 {
			continue
		}

		// Window of the block's text this selection contributes.
		var from, to int
		switch {
		case desc.Tag == TagCode:
			// Period-based segmentation is meaningless for code: the whole
			// block is the sentence.
			from, to = 0, len(rs)
		case last == 0:
			ls := clamp(s-tb.start, 0, len(rs))
			le := clamp(e-tb.start, 1, len(rs))
			from = sentenceStart(rs, ls)
			to = sentenceEnd(rs, le)
		case i == 0:
			ls := clamp(s-tb.start, 0, len(rs))
			from, to = sentenceStart(rs, ls), len(rs)
		case i == last:
			le := clamp(e-tb.start, 1, len(rs))
			from, to = 0, sentenceEnd(rs, le)
		default:
			from, to = 0, len(rs)
		}

		// Trim whitespace off the window, shifting metadata with it.
		for from < to && unicode.IsSpace(rs[from]) {
			from++
		}
		for to > from && unicode.IsSpace(rs[to-1]) {
			to--
		}
		if from >= to {
			continue
		}
		text := string(rs[from:to])

		cites, bolds := x.blockSpans(tb.node)
		blk := desc
		blk.Lines = strings.Count(text, "\n") + 1
		blk.Citations = clipSpans(mergeSpans(cites), from, to)
		blk.Bold = clipSpans(mergeSpans(bolds), from, to)
		texts = append(texts, text)
		blocks = append(blocks, blk)
	}
	if len(texts) == 0 {
		return nil
	}

	c := &Context{RawText: strings.Join(texts, "\n"), Blocks: blocks}
	if !stripLeadingCitation(c) {
		return nil
	}
	if strings.TrimSpace(c.RawText) == "" {
		return nil
	}
	return c
}

// sentenceStart scans left from offset for the nearest preceding terminator
// and returns the index just after it, or 0.
func sentenceStart(rs []rune, from int) int {
	for i := from - 1; i >= 0 && i < len(rs); i-- {
		if terminators[rs[i]] {
			return i + 1
		}
	}
	return 0
}

// sentenceEnd scans right from just before the end offset for the nearest
// terminator (inclusive) and returns the index just after it, or len. The
// scan starts at end-1 so a selection ending on the terminator itself does
// not swallow the next sentence.
func sentenceEnd(rs []rune, end int) int {
	start := end - 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(rs); i++ {
		if terminators[rs[i]] {
			return i + 1
		}
	}
	return len(rs)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// blockSpans walks block structurally, recording citation and bold rune
// intervals as text is concatenated. Offsets line up with dom.Text(block).
func (x *Extractor) blockSpans(block *html.Node) (cites, bolds []Span) {
	isCitation := x.IsCitation
	if isCitation == nil {
		isCitation = defaultIsCitation
	}
	pos := 0
	var walk func(n *html.Node, inCite, inBold bool)
	walk = func(n *html.Node, inCite, inBold bool) {
		if n.Type == html.TextNode {
			l := utf8.RuneCountInString(n.Data)
			if l > 0 {
				if inCite {
					cites = append(cites, Span{Start: pos, End: pos + l})
				}
				if inBold {
					bolds = append(bolds, Span{Start: pos, End: pos + l})
				}
			}
			pos += l
			return
		}
		if n.Type == html.ElementNode {
			if n.Data == "b" || n.Data == "strong" {
				inBold = true
			}
			if isCitation(n) {
				inCite = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inCite, inBold)
		}
	}
	walk(block, false, false)
	return cites, bolds
}

// describe records a block's structural descriptor by walking its ancestor
// chain up to container.
func (x *Extractor) describe(block, container *html.Node) Block {
	d := Block{Tag: TagParagraph}
	switch block.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		d.Tag = TagHeading
		d.HeadingLevel = int(block.Data[1] - '0')
	case "pre", "code":
		d.Tag = TagCode
	case "blockquote":
		d.Tag = TagQuote
	case "td", "th":
		d.Tag = TagCell
	case "li":
		d.Tag = TagListItem
	}

	var li, firstList *html.Node
	if block.Data == "li" {
		li = block
	}
	for p := block.Parent; p != nil && p != container; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch p.Data {
		case "li":
			if li == nil {
				li = p
			}
		case "ul", "ol":
			d.Depth++
			if firstList == nil {
				firstList = p
			}
		}
	}
	if firstList != nil {
		if firstList.Data == "ol" {
			d.List = ListOrdered
		} else {
			d.List = ListUnordered
		}
	}

	if li != nil && (d.Tag == TagParagraph || d.Tag == TagListItem) {
		// Only the first sentence-bearing fragment of the item's genuinely
		// first child keeps the bullet; later fragments of the same item are
		// continuations so the renderer does not duplicate the marker.
		if block == li || firstTextBearingChild(li) == block {
			d.Tag = TagListItem
		} else {
			d.Tag = TagListContinuation
		}
		if d.List == ListOrdered && firstList != nil {
			d.Ordinal = listStart(firstList) + precedingItems(li)
		}
	}
	return d
}

func firstTextBearingChild(li *html.Node) *html.Node {
	for c := li.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && strings.TrimSpace(dom.Text(c)) != "" {
			return c
		}
	}
	return nil
}

// listStart returns an ordered list's declared start ordinal (default 1).
func listStart(list *html.Node) int {
	if v := dom.Attr(list, "start"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// precedingItems counts earlier li siblings, recovering the true ordinal of
// an item: quoting item 4 of a numbered list reports ordinal 4, not 1.
func precedingItems(li *html.Node) int {
	n := 0
	for s := li.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == "li" {
			n++
		}
	}
	return n
}

// stripLeadingCitation removes any citation interval occupying offset 0 of
// the very first block, re-basing remaining intervals: an extracted context
// never opens with a bare citation marker. Returns false if nothing is left.
func stripLeadingCitation(c *Context) bool {
	for len(c.Blocks) > 0 {
		b := &c.Blocks[0]
		var lead *Span
		for i := range b.Citations {
			if b.Citations[i].Start == 0 {
				lead = &b.Citations[i]
				break
			}
		}
		if lead == nil {
			return true
		}
		texts := c.BlockTexts()
		t0 := []rune(texts[0])
		k := clamp(lead.End, 0, len(t0))
		for k < len(t0) && unicode.IsSpace(t0[k]) {
			k++
		}
		rest := string(t0[k:])
		if strings.TrimSpace(rest) == "" {
			// The whole first block was the citation; drop the block.
			c.Blocks = c.Blocks[1:]
			if len(texts) == 1 {
				c.RawText = ""
				return false
			}
			c.RawText = strings.Join(texts[1:], "\n")
			continue
		}
		b.Citations = shiftSpans(b.Citations, k)
		b.Bold = shiftSpans(b.Bold, k)
		b.Lines = strings.Count(rest, "\n") + 1
		texts[0] = rest
		c.RawText = strings.Join(texts, "\n")
	}
	return false
}
