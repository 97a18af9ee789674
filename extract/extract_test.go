package extract

import (
	"strings"
	"testing"

	"golang.org/x/net/html"

	"sidenote/dom"
)

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

// selectText builds a range over the first occurrence of needle anywhere
// under container.
func selectText(t *testing.T, container *html.Node, needle string) dom.Range {
	t.Helper()
	r, ok := dom.RangeOfMatch(container, needle)
	if !ok {
		t.Fatalf("fixture text %q not found", needle)
	}
	return r
}

func checkInvariants(t *testing.T, c *Context) {
	t.Helper()
	// Round-trip: per-block line slices joined by newlines reproduce RawText.
	if got := strings.Join(c.BlockTexts(), "\n"); got != c.RawText {
		t.Errorf("block round-trip = %q, expected %q", got, c.RawText)
	}
	texts := c.BlockTexts()
	for i, b := range c.Blocks {
		l := len([]rune(texts[i]))
		for _, kind := range [][]Span{b.Citations, b.Bold} {
			for j, s := range kind {
				if s.Start < 0 || s.Start >= s.End || s.End > l {
					t.Errorf("block %d span %v out of bounds (len %d)", i, s, l)
				}
				if j > 0 && kind[j-1].End >= s.Start {
					t.Errorf("block %d spans %v and %v touch or overlap", i, kind[j-1], s)
				}
			}
		}
	}
	// A context never opens with a bare citation marker.
	if len(c.Blocks) > 0 {
		for _, s := range c.Blocks[0].Citations {
			if s.Start == 0 {
				t.Errorf("first block has citation at offset 0: %v", s)
			}
		}
	}
}

func TestSingleSentence(t *testing.T) {
	body := parseBody(t, `<p>The cat sat. The dog ran. The bird flew.</p>`)
	c := New().Extract(selectText(t, body, "dog ran"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.RawText != "The dog ran." {
		t.Errorf("RawText = %q, expected 'The dog ran.'", c.RawText)
	}
	if len(c.Blocks) != 1 || c.Blocks[0].Tag != TagParagraph {
		t.Errorf("expected one paragraph block, got %+v", c.Blocks)
	}
	checkInvariants(t, c)
}

func TestSelectionIncludingTerminator(t *testing.T) {
	body := parseBody(t, `<p>The cat sat. The dog ran. The bird flew.</p>`)
	c := New().Extract(selectText(t, body, "The dog ran."), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.RawText != "The dog ran." {
		t.Errorf("RawText = %q, expected 'The dog ran.'", c.RawText)
	}
}

func TestCJKTerminators(t *testing.T) {
	body := parseBody(t, `<p>猫が座った。犬が走った。鳥が飛んだ。</p>`)
	c := New().Extract(selectText(t, body, "犬が"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.RawText != "犬が走った。" {
		t.Errorf("RawText = %q, expected '犬が走った。'", c.RawText)
	}
}

func TestCodeBlockIsAtomic(t *testing.T) {
	body := parseBody(t, "<pre>x = 1.\ny = 2.</pre>")
	c := New().Extract(selectText(t, body, "= 1"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.RawText != "x = 1.\ny = 2." {
		t.Errorf("RawText = %q, expected entire code block", c.RawText)
	}
	if len(c.Blocks) != 1 || c.Blocks[0].Tag != TagCode {
		t.Fatalf("expected one code block, got %+v", c.Blocks)
	}
	if c.Blocks[0].Lines != 2 {
		t.Errorf("Lines = %d, expected 2", c.Blocks[0].Lines)
	}
	checkInvariants(t, c)
}

func TestOrderedListOrdinals(t *testing.T) {
	var items []string
	for i := 1; i <= 8; i++ {
		items = append(items, "<li>Item number "+string(rune('0'+i))+" text.</li>")
	}
	body := parseBody(t, "<ol>"+strings.Join(items, "")+"</ol>")

	start := selectText(t, body, "Item number 4")
	end := selectText(t, body, "Item number 6 text.")
	r := dom.Range{Start: start.Start, End: end.End}

	c := New().Extract(r, body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if len(c.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(c.Blocks))
	}
	for i, b := range c.Blocks {
		if b.Tag != TagListItem {
			t.Errorf("block %d tag = %v, expected list item", i, b.Tag)
		}
		if b.List != ListOrdered {
			t.Errorf("block %d list = %v, expected ordered", i, b.List)
		}
		if b.Ordinal != 4+i {
			t.Errorf("block %d ordinal = %d, expected %d", i, b.Ordinal, 4+i)
		}
		if b.Depth != 1 {
			t.Errorf("block %d depth = %d, expected 1", i, b.Depth)
		}
	}
	checkInvariants(t, c)
}

func TestMultiBlockSentenceTrimming(t *testing.T) {
	body := parseBody(t, `
<p>Lead in. This sentence starts the quote and continues here.</p>
<p>A middle paragraph entirely included.</p>
<p>The final sentence ends here. Trailing text stays out.</p>`)

	start := selectText(t, body, "starts the quote")
	end := selectText(t, body, "final sentence")
	r := dom.Range{Start: start.Start, End: end.End}

	c := New().Extract(r, body)
	if c == nil {
		t.Fatal("expected a context")
	}
	expected := "This sentence starts the quote and continues here.\n" +
		"A middle paragraph entirely included.\n" +
		"The final sentence ends here."
	if c.RawText != expected {
		t.Errorf("RawText = %q, expected %q", c.RawText, expected)
	}
	if len(c.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(c.Blocks))
	}
	checkInvariants(t, c)
}

func TestBoldIntervalsMergedAndShifted(t *testing.T) {
	body := parseBody(t, `<p>Before. A <strong>bold</strong><b> run</b> here. After.</p>`)
	c := New().Extract(selectText(t, body, "bold"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.RawText != "A bold run here." {
		t.Fatalf("RawText = %q", c.RawText)
	}
	b := c.Blocks[0]
	if len(b.Bold) != 1 {
		t.Fatalf("expected adjacent bold intervals merged into 1, got %v", b.Bold)
	}
	runes := []rune(c.RawText)
	if got := string(runes[b.Bold[0].Start:b.Bold[0].End]); got != "bold run" {
		t.Errorf("bold span text = %q, expected 'bold run'", got)
	}
	checkInvariants(t, c)
}

func TestLeadingCitationStripped(t *testing.T) {
	body := parseBody(t, `<p>Intro. <span class="citation-pill">[3]</span>Claims continue <span class="citation-pill">[4]</span> onward.</p>`)
	c := New().Extract(selectText(t, body, "Claims continue"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if !strings.HasPrefix(c.RawText, "Claims continue") {
		t.Errorf("RawText = %q, expected to start at 'Claims continue'", c.RawText)
	}
	b := c.Blocks[0]
	if len(b.Citations) != 1 {
		t.Fatalf("expected 1 surviving citation, got %v", b.Citations)
	}
	runes := []rune(c.RawText)
	if got := string(runes[b.Citations[0].Start:b.Citations[0].End]); got != "[4]" {
		t.Errorf("citation span text = %q, expected '[4]'", got)
	}
	checkInvariants(t, c)
}

func TestListContinuationTagging(t *testing.T) {
	body := parseBody(t, `
<ul>
  <li><p>First paragraph of the bullet.</p><p>Second paragraph of the bullet.</p></li>
</ul>`)

	start := selectText(t, body, "First paragraph")
	end := selectText(t, body, "Second paragraph of the bullet.")
	r := dom.Range{Start: start.Start, End: end.End}

	c := New().Extract(r, body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if len(c.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(c.Blocks))
	}
	if c.Blocks[0].Tag != TagListItem {
		t.Errorf("first fragment tag = %v, expected list item", c.Blocks[0].Tag)
	}
	if c.Blocks[1].Tag != TagListContinuation {
		t.Errorf("second fragment tag = %v, expected continuation", c.Blocks[1].Tag)
	}
	checkInvariants(t, c)
}

func TestExtractReturnsNilOutsideBlocks(t *testing.T) {
	body := parseBody(t, `<p>some text</p>`)
	if c := New().Extract(dom.Range{}, body); c != nil {
		t.Errorf("expected nil for empty range, got %+v", c)
	}
}

func TestHeadingBlock(t *testing.T) {
	body := parseBody(t, `<h2>Topic heading text</h2>`)
	c := New().Extract(selectText(t, body, "heading"), body)
	if c == nil {
		t.Fatal("expected a context")
	}
	if c.Blocks[0].Tag != TagHeading || c.Blocks[0].HeadingLevel != 2 {
		t.Errorf("expected level-2 heading block, got %+v", c.Blocks[0])
	}
}
