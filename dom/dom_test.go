package dom

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

// parseBody parses an HTML fragment and returns the body element.
func parseBody(t *testing.T, fragment string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader("<html><body>" + fragment + "</body></html>"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	var body *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if body == nil {
		t.Fatal("no body element")
	}
	return body
}

// findTag returns the first element with the given tag under root.
func findTag(root *html.Node, tag string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func TestTextFlattening(t *testing.T) {
	body := parseBody(t, `<p>Hello <strong>bold</strong> world</p>`)
	p := findTag(body, "p")
	if got := Text(p); got != "Hello bold world" {
		t.Errorf("Text() = %q, expected 'Hello bold world'", got)
	}
	if got := TextLen(p); got != 16 {
		t.Errorf("TextLen() = %d, expected 16", got)
	}
}

func TestLeafBlocks(t *testing.T) {
	body := parseBody(t, `
<div>
  <p>first</p>
  <ul><li>item one</li><li><p>wrapped</p></li></ul>
  <pre>code</pre>
</div>`)

	blocks := LeafBlocks(body)
	var tags []string
	for _, b := range blocks {
		tags = append(tags, b.Data)
	}
	// The li wrapping a p must yield the p, not the li.
	expected := []string{"p", "li", "p", "pre"}
	if len(tags) != len(expected) {
		t.Fatalf("expected %d leaf blocks, got %d (%v)", len(expected), len(tags), tags)
	}
	for i := range expected {
		if tags[i] != expected[i] {
			t.Errorf("block %d: expected %s, got %s", i, expected[i], tags[i])
		}
	}
}

func TestOffsetWithinAcrossInlineBoundaries(t *testing.T) {
	body := parseBody(t, `<p>ab<strong>cd</strong>ef</p>`)
	p := findTag(body, "p")
	strong := findTag(p, "strong")

	// Offset 1 inside the strong's text node is global offset 3.
	if got := OffsetWithin(p, strong.FirstChild, 1); got != 3 {
		t.Errorf("OffsetWithin = %d, expected 3", got)
	}
	// Element boundary: position before the strong's second child index.
	if got := OffsetWithin(p, strong, 1); got != 4 {
		t.Errorf("OffsetWithin at element boundary = %d, expected 4", got)
	}
}

func TestOffsetWithinClamps(t *testing.T) {
	body := parseBody(t, `<p>abc</p>`)
	p := findTag(body, "p")
	if got := OffsetWithin(p, p.FirstChild, 99); got != 3 {
		t.Errorf("over-length offset = %d, expected clamp to 3", got)
	}
	if got := OffsetWithin(p, p.FirstChild, -5); got != 0 {
		t.Errorf("negative offset = %d, expected clamp to 0", got)
	}
}

func TestOffsetWithinMultibyte(t *testing.T) {
	body := parseBody(t, `<p>日本語です。そして</p>`)
	p := findTag(body, "p")
	// Offsets are rune-based, not byte-based.
	if got := OffsetWithin(p, p.FirstChild, 5); got != 5 {
		t.Errorf("rune offset = %d, expected 5", got)
	}
	if got := TextLen(p); got != 9 {
		t.Errorf("TextLen = %d, expected 9", got)
	}
}

func TestRangeOfMatchRoundTrip(t *testing.T) {
	body := parseBody(t, `<p>The cat sat. The <strong>dog</strong> ran.</p>`)
	p := findTag(body, "p")

	r, ok := RangeOfMatch(p, "The dog ran.")
	if !ok {
		t.Fatal("expected match")
	}
	s := AbsoluteOffset(p, r.Start)
	e := AbsoluteOffset(p, r.End)
	text := []rune(Text(p))
	if got := string(text[s:e]); got != "The dog ran." {
		t.Errorf("round-trip = %q, expected 'The dog ran.'", got)
	}
}

func TestRangeOfMatchMissing(t *testing.T) {
	body := parseBody(t, `<p>nothing here</p>`)
	p := findTag(body, "p")
	if _, ok := RangeOfMatch(p, "absent text"); ok {
		t.Error("expected no match")
	}
}

func TestPositionAtEnd(t *testing.T) {
	body := parseBody(t, `<p>ab<em>cd</em></p>`)
	p := findTag(body, "p")
	pos := PositionAt(p, 4)
	if pos.Node == nil || pos.Node.Type != html.TextNode {
		t.Fatal("expected a text node position")
	}
	if got := AbsoluteOffset(p, pos); got != 4 {
		t.Errorf("end position maps to %d, expected 4", got)
	}
}

func TestAttached(t *testing.T) {
	body := parseBody(t, `<p>text</p>`)
	p := findTag(body, "p")
	if !Attached(p, body) {
		t.Error("expected attached")
	}
	body.RemoveChild(p)
	if Attached(p, body) {
		t.Error("expected detached after removal")
	}
}
