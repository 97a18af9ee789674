// Package quote renders an extracted sentence context back into a DOM
// fragment for the popup: list structure with original ordinals, citation
// pills, bold runs, and the exact selected substring marked inline.
package quote

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"sidenote/extract"
)

// rawDisplayBudget bounds the fallback rendering when no structured context
// is available.
const rawDisplayBudget = 120

// maxIndent caps the visual nesting of rendered list blocks.
const maxIndent = 2

// Render appends the rendered context to parent. With a nil context the
// exact selected text is shown, truncated to the display budget. The
// selected substring, when locatable by literal or whitespace-normalized
// match, is always marked; when unlocatable the context still renders.
func Render(parent *html.Node, ctx *extract.Context, selected string) {
	if ctx == nil || len(ctx.Blocks) == 0 || ctx.RawText == "" {
		span := element("span", attr("class", "sidenote-quote-raw"))
		span.AppendChild(text(truncate(selected, rawDisplayBudget)))
		parent.AppendChild(span)
		return
	}

	texts := ctx.BlockTexts()
	sel, haveSel := findSpan(ctx.RawText, selected)

	if len(ctx.Blocks) == 1 {
		renderSingle(parent, ctx.Blocks[0], texts[0], sel, haveSel)
		return
	}
	renderMulti(parent, ctx.Blocks, texts, sel, haveSel)
}

// renderSingle renders a one-block context inline, wrapping it in a
// one-item list when the block is a first-sentence list item.
func renderSingle(parent *html.Node, b extract.Block, blockText string, sel extract.Span, haveSel bool) {
	target := parent
	if b.Tag == extract.TagListItem && b.List != extract.ListNone {
		list := listElement(b)
		li := element("li")
		list.AppendChild(li)
		parent.AppendChild(list)
		target = li
	}
	renderSegments(target, blockText, b, localSelection(sel, haveSel, 0, blockText))
}

// renderMulti renders blocks in order, grouping consecutive list blocks into
// one list element per contiguous run and restarting the group when the list
// kind changes.
func renderMulti(parent *html.Node, blocks []extract.Block, texts []string, sel extract.Span, haveSel bool) {
	minDepth := 0
	first := true
	for _, b := range blocks {
		if !isListBlock(b) {
			continue
		}
		if first || b.Depth < minDepth {
			minDepth = b.Depth
			first = false
		}
	}

	var list *html.Node
	var listKind extract.ListKind
	offset := 0
	for i, b := range blocks {
		blockText := texts[i]
		lsel := localSelection(sel, haveSel, offset, blockText)
		offset += len([]rune(blockText)) + 1 // +1 for the joining newline

		if isListBlock(b) {
			if list == nil || b.List != listKind {
				list = listElement(b)
				listKind = b.List
				parent.AppendChild(list)
			}
			li := element("li")
			indent := b.Depth - minDepth
			if indent > maxIndent {
				indent = maxIndent
			}
			if indent > 0 {
				li.Attr = append(li.Attr, attr("data-indent", strings.Repeat("+", indent)))
			}
			if b.Tag == extract.TagListContinuation {
				// Stay inside the list markup at the right depth, but carry
				// no bullet of its own.
				li.Attr = append(li.Attr, attr("class", "sidenote-cont"))
			}
			list.AppendChild(li)
			renderSegments(li, blockText, b, lsel)
			continue
		}

		list = nil
		var blockEl *html.Node
		switch b.Tag {
		case extract.TagCode:
			blockEl = element("pre", attr("class", "sidenote-block sidenote-code"))
		case extract.TagHeading:
			blockEl = element("div", attr("class", "sidenote-block sidenote-heading"))
		default:
			blockEl = element("div", attr("class", "sidenote-block"))
		}
		parent.AppendChild(blockEl)
		renderSegments(blockEl, blockText, b, lsel)
	}
}

func isListBlock(b extract.Block) bool {
	return (b.Tag == extract.TagListItem || b.Tag == extract.TagListContinuation) &&
		b.List != extract.ListNone
}

func listElement(b extract.Block) *html.Node {
	if b.List == extract.ListOrdered {
		list := element("ol")
		if b.Ordinal > 1 {
			list.Attr = append(list.Attr, attr("start", strconv.Itoa(b.Ordinal)))
		}
		return list
	}
	return element("ul")
}

// localSelection rebases the global selection span into a block's local
// coordinates, clamped to the block; returns an empty span when the
// selection misses this block.
func localSelection(sel extract.Span, haveSel bool, offset int, blockText string) extract.Span {
	if !haveSel {
		return extract.Span{}
	}
	l := len([]rune(blockText))
	start, end := sel.Start-offset, sel.End-offset
	if start < 0 {
		start = 0
	}
	if end > l {
		end = l
	}
	if start >= end {
		return extract.Span{}
	}
	return extract.Span{Start: start, End: end}
}

// renderSegments splits a block's text into ordered, non-overlapping
// segments at every selection/citation/bold boundary and wraps each in the
// styling combination its flags require. A segment may be the selection mark
// and a citation pill at once.
func renderSegments(parent *html.Node, blockText string, b extract.Block, sel extract.Span) {
	runes := []rune(blockText)
	cuts := map[int]bool{0: true, len(runes): true}
	addCuts := func(spans []extract.Span) {
		for _, s := range spans {
			if s.Start >= 0 && s.Start <= len(runes) {
				cuts[s.Start] = true
			}
			if s.End >= 0 && s.End <= len(runes) {
				cuts[s.End] = true
			}
		}
	}
	addCuts(b.Citations)
	addCuts(b.Bold)
	if sel.End > sel.Start {
		addCuts([]extract.Span{sel})
	}

	points := make([]int, 0, len(cuts))
	for p := range cuts {
		points = append(points, p)
	}
	sort.Ints(points)

	for i := 0; i+1 < len(points); i++ {
		from, to := points[i], points[i+1]
		if from >= to {
			continue
		}
		seg := string(runes[from:to])
		var node *html.Node = text(seg)
		if covered(b.Bold, from) {
			bold := element("b")
			bold.AppendChild(node)
			node = bold
		}
		var classes []string
		if sel.End > sel.Start && from >= sel.Start && from < sel.End {
			classes = append(classes, "sidenote-mark")
		}
		if covered(b.Citations, from) {
			classes = append(classes, "sidenote-pill")
		}
		if len(classes) > 0 {
			span := element("span", attr("class", strings.Join(classes, " ")))
			span.AppendChild(node)
			node = span
		}
		parent.AppendChild(node)
	}
}

func covered(spans []extract.Span, at int) bool {
	for _, s := range spans {
		if at >= s.Start && at < s.End {
			return true
		}
	}
	return false
}

// findSpan locates needle within text as a rune interval, first by literal
// search, then by whitespace-normalized search. The first match wins even
// when repeated substrings make that ambiguous.
func findSpan(text, needle string) (extract.Span, bool) {
	if needle == "" {
		return extract.Span{}, false
	}
	if i := strings.Index(text, needle); i >= 0 {
		start := len([]rune(text[:i]))
		return extract.Span{Start: start, End: start + len([]rune(needle))}, true
	}
	return findNormalized(text, needle)
}

// findNormalized collapses whitespace runs in both haystack and needle to
// single spaces, finds the needle, and maps the match back to original rune
// offsets.
func findNormalized(text, needle string) (extract.Span, bool) {
	normText, indexMap := normalize(text)
	normNeedle, _ := normalize(needle)
	if normNeedle == "" {
		return extract.Span{}, false
	}
	i := strings.Index(normText, normNeedle)
	if i < 0 {
		return extract.Span{}, false
	}
	start := len([]rune(normText[:i]))
	end := start + len([]rune(normNeedle))
	if start >= len(indexMap) || end-1 >= len(indexMap) {
		return extract.Span{}, false
	}
	return extract.Span{Start: indexMap[start], End: indexMap[end-1] + 1}, true
}

// normalize collapses whitespace runs to single spaces and trims the ends,
// returning the normalized string and a map from each normalized rune index
// to its original rune index.
func normalize(s string) (string, []int) {
	var sb strings.Builder
	var indexMap []int
	inSpace := false
	pendingSpace := -1
	started := false
	for i, r := range []rune(s) {
		if unicode.IsSpace(r) {
			if started {
				inSpace = true
				pendingSpace = i
			}
			continue
		}
		if inSpace {
			sb.WriteRune(' ')
			indexMap = append(indexMap, pendingSpace)
			inSpace = false
		}
		sb.WriteRune(r)
		indexMap = append(indexMap, i)
		started = true
	}
	return sb.String(), indexMap
}

func truncate(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget]) + "…"
}

func element(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

