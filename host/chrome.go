package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"sidenote/dom"
)

// ChromeOptions configures the live-browser adapter.
type ChromeOptions struct {
	ChromePath string // path to the Chrome binary (empty = auto-detect)
	Headless   bool
	UserAgent  string
	// OpTimeout bounds each individual page operation.
	OpTimeout time.Duration
}

// DefaultChromeOptions returns sensible defaults.
func DefaultChromeOptions() ChromeOptions {
	return ChromeOptions{
		Headless:  false,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		OpTimeout: 10 * time.Second,
	}
}

// userDataDir returns a persistent directory for Chrome user data so the
// chat session's cookies survive between runs.
func userDataDir() string {
	dir, _ := os.UserCacheDir()
	return filepath.Join(dir, "sidenote-chrome-profile")
}

// Chrome drives a live chat page through a browser. All page inspection and
// mutation goes through evaluated scripts parameterized by the selectors.
type Chrome struct {
	sel       Selectors
	opTimeout time.Duration

	ctx     context.Context
	cancels []context.CancelFunc
}

// AttachChrome starts a browser, navigates to the chat page, and returns an
// adapter bound to it. Close releases the browser.
func AttachChrome(url string, sel Selectors, opts ChromeOptions) (*Chrome, error) {
	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.UserAgent(opts.UserAgent),
		chromedp.WindowSize(1440, 900),
		chromedp.UserDataDir(userDataDir()),
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	}
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	ctx, ctxCancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		sel:       sel,
		opTimeout: opts.OpTimeout,
		ctx:       ctx,
		cancels:   []context.CancelFunc{ctxCancel, allocCancel},
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 10 * time.Second
	}

	navCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	err := chromedp.Run(navCtx,
		network.SetExtraHTTPHeaders(network.Headers(map[string]interface{}{
			"Accept-Language": "en-US,en;q=0.9",
		})),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("attaching to %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("host: attached")
	return c, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
}

// eval runs a script on the page with the per-op timeout.
func (c *Chrome) eval(expr string, out interface{}) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opTimeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(expr, out))
}

// jsStr embeds a Go string into a script as a literal.
func jsStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *Chrome) Location() (string, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opTimeout)
	defer cancel()
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (c *Chrome) TurnCount() (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsStr(c.sel.Turn))
	if err := c.eval(expr, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Chrome) IsAnswerTurn(i int) (bool, error) {
	var res struct {
		OK     bool `json:"ok"`
		Answer bool `json:"answer"`
	}
	expr := fmt.Sprintf(`(function() {
		var turns = document.querySelectorAll(%s);
		if (%d >= turns.length) return {ok: false, answer: false};
		return {ok: true, answer: turns[%d].matches(%s)};
	})()`, jsStr(c.sel.Turn), i, i, jsStr(c.sel.AnswerTurn))
	if err := c.eval(expr, &res); err != nil {
		return false, err
	}
	if !res.OK {
		return false, ErrNotFound
	}
	return res.Answer, nil
}

func (c *Chrome) IsGenerating() (bool, error) {
	var generating bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, jsStr(c.sel.Generating))
	if err := c.eval(expr, &generating); err != nil {
		return false, err
	}
	return generating, nil
}

// InjectQuestion writes through the element's native value setter and fires
// an input event, so framework-managed inputs register the change, then
// clicks the send control.
func (c *Chrome) InjectQuestion(text string) error {
	var status string
	expr := fmt.Sprintf(`(function() {
		var input = document.querySelector(%s);
		if (!input) return "no-input";
		var tag = input.tagName;
		if (tag === "TEXTAREA" || tag === "INPUT") {
			var proto = tag === "TEXTAREA" ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
			var setter = Object.getOwnPropertyDescriptor(proto, "value").set;
			setter.call(input, %s);
			input.dispatchEvent(new Event("input", {bubbles: true}));
		} else {
			input.focus();
			document.execCommand("selectAll", false, null);
			document.execCommand("insertText", false, %s);
			input.dispatchEvent(new InputEvent("input", {bubbles: true}));
		}
		var send = document.querySelector(%s);
		if (!send) return "no-send";
		send.click();
		return "ok";
	})()`, jsStr(c.sel.Input), jsStr(text), jsStr(text), jsStr(c.sel.Send))
	if err := c.eval(expr, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("%w: %s", ErrNotFound, status)
	}
	return nil
}

func (c *Chrome) setHidden(i int, hidden bool) error {
	method := "add"
	if !hidden {
		method = "remove"
	}
	var ok bool
	expr := fmt.Sprintf(`(function() {
		var turns = document.querySelectorAll(%s);
		if (%d >= turns.length) return false;
		turns[%d].classList.%s(%s);
		return true;
	})()`, jsStr(c.sel.Turn), i, i, method, jsStr(c.sel.HiddenClass))
	if err := c.eval(expr, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (c *Chrome) HideTurn(i int) error   { return c.setHidden(i, true) }
func (c *Chrome) UnhideTurn(i int) error { return c.setHidden(i, false) }

func (c *Chrome) AnswerHTML(i int) (string, error) {
	var res struct {
		OK   bool   `json:"ok"`
		HTML string `json:"html"`
	}
	expr := fmt.Sprintf(`(function() {
		var turns = document.querySelectorAll(%s);
		if (%d >= turns.length) return {ok: false, html: ""};
		return {ok: true, html: turns[%d].innerHTML};
	})()`, jsStr(c.sel.Turn), i, i)
	if err := c.eval(expr, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", ErrNotFound
	}
	return res.HTML, nil
}

func (c *Chrome) TurnNode(i int) (*html.Node, error) {
	markup, err := c.AnswerHTML(i)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Chrome) Viewport() (Viewport, error) {
	var res struct {
		Width   float64 `json:"width"`
		Height  float64 `json:"height"`
		ScrollX float64 `json:"scrollX"`
		ScrollY float64 `json:"scrollY"`
	}
	expr := `({width: window.innerWidth, height: window.innerHeight, scrollX: window.scrollX, scrollY: window.scrollY})`
	if err := c.eval(expr, &res); err != nil {
		return Viewport{}, err
	}
	return Viewport(res), nil
}

// MirrorMarkers wraps the quoted text's first occurrence in turn i with
// marker spans in the live document. TurnNode hands out a detached parse of
// the turn, so the wrap done there never reaches the page; the page needs its
// own spans for visibility, clicks and rect queries.
func (c *Chrome) MirrorMarkers(i int, quoted, id string) error {
	var status string
	expr := fmt.Sprintf(`(function() {
		var turns = document.querySelectorAll(%s);
		if (%d >= turns.length) return "no-turn";
		var walker = document.createTreeWalker(turns[%d], NodeFilter.SHOW_TEXT);
		var nodes = [], text = "", node;
		while ((node = walker.nextNode())) {
			nodes.push({node: node, start: text.length});
			text += node.nodeValue;
		}
		var from = text.indexOf(%s);
		if (from < 0) return "no-match";
		var to = from + %s.length;
		for (var k = nodes.length - 1; k >= 0; k--) {
			var start = nodes[k].start;
			var end = start + nodes[k].node.nodeValue.length;
			var a = Math.max(from, start), b = Math.min(to, end);
			if (a >= b) continue;
			var range = document.createRange();
			range.setStart(nodes[k].node, a - start);
			range.setEnd(nodes[k].node, b - start);
			var span = document.createElement("span");
			span.setAttribute(%s, %s);
			span.setAttribute(%s, "pending");
			range.surroundContents(span);
		}
		return "ok";
	})()`, jsStr(c.sel.Turn), i, i, jsStr(quoted), jsStr(quoted),
		jsStr(dom.MarkerAttr), jsStr(id), jsStr(dom.MarkerStateAttr))
	if err := c.eval(expr, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("%w: %s", ErrNotFound, status)
	}
	return nil
}

func (c *Chrome) SetMarkerState(id, state string) error {
	var n int
	sel := fmt.Sprintf(`[%s=%q]`, dom.MarkerAttr, id)
	expr := fmt.Sprintf(`(function() {
		var spans = document.querySelectorAll(%s);
		spans.forEach(function(el) { el.setAttribute(%s, %s); });
		return spans.length;
	})()`, jsStr(sel), jsStr(dom.MarkerStateAttr), jsStr(state))
	if err := c.eval(expr, &n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMarkers lifts marker span children back into the parent and drops the
// spans. Removing an id that was never mirrored is not an error.
func (c *Chrome) RemoveMarkers(id string) error {
	var n int
	sel := fmt.Sprintf(`[%s=%q]`, dom.MarkerAttr, id)
	expr := fmt.Sprintf(`(function() {
		var spans = document.querySelectorAll(%s);
		spans.forEach(function(el) {
			var parent = el.parentNode;
			while (el.firstChild) parent.insertBefore(el.firstChild, el);
			parent.removeChild(el);
			parent.normalize();
		});
		return spans.length;
	})()`, jsStr(sel))
	return c.eval(expr, &n)
}

func (c *Chrome) MarkerRects(id string) ([]Rect, error) {
	var rects []Rect
	sel := fmt.Sprintf(`[%s=%q]`, dom.MarkerAttr, id)
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(function(el) {
		var r = el.getBoundingClientRect();
		return {x: r.x, y: r.y, w: r.width, h: r.height};
	})`, jsStr(sel))
	if err := c.eval(expr, &rects); err != nil {
		return nil, err
	}
	return rects, nil
}
