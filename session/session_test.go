package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"sidenote/config"
	"sidenote/dom"
	"sidenote/highlight"
	"sidenote/host"
	"sidenote/popup"
)

const chatPage = `<html><body>
<main>
  <div class="turn user">Tell me about cats and dogs.</div>
  <div class="turn answer"><p>The cat sat. The dog ran. The bird flew.</p></div>
</main>
<textarea id="chat-input"></textarea>
<button id="send">Send</button>
</body></html>`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Watch.IntervalMs = 1
	cfg.Watch.MaxPolls = 1000
	site := cfg.Sites["default"]
	site.Selectors = host.Selectors{
		Turn:        ".turn",
		AnswerTurn:  ".answer",
		Input:       "#chat-input",
		Send:        "#send",
		Generating:  ".generating",
		HiddenClass: "sidenote-hidden",
		Citation:    "[data-citation]",
	}
	cfg.Sites["default"] = site
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *host.Static, *highlight.MemStore) {
	t.Helper()
	adapter, err := host.NewStatic(strings.NewReader(chatPage), cfg.Sites["default"].Selectors, "https://chat.example/c/1")
	require.NoError(t, err)
	store := highlight.NewMemStore()
	s, err := New(adapter, store, cfg)
	require.NoError(t, err)
	return s, adapter, store
}

func TestSelectionOpensInputPopupWithContext(t *testing.T) {
	s, adapter, _ := newTestSession(t, testConfig())
	node, err := adapter.TurnNode(1)
	require.NoError(t, err)
	r, ok := dom.RangeOfMatch(node, "dog ran")
	require.True(t, ok)

	p := s.HandleSelection(r, "dog ran", node, 1)
	require.NotNil(t, p)
	assert.Equal(t, popup.Input, p.Mode)

	top, ok := s.TopPopup()
	require.True(t, ok)
	assert.Equal(t, popup.Input, top.Mode)
	assert.Empty(t, top.HighlightID, "no highlight before send")
}

func TestSubmitCaptureFlow(t *testing.T) {
	s, adapter, store := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, ok := dom.RangeOfMatch(node, "dog ran")
	require.True(t, ok)
	s.HandleSelection(r, "dog ran", node, 1)

	h, err := s.Submit("Why did the dog run?")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, []string{"Why did the dog run?"}, adapter.Injected())

	top, _ := s.TopPopup()
	assert.Equal(t, popup.Loading, top.Mode)
	assert.Equal(t, h.ID, top.HighlightID)

	// The host renders the question, generates, then finishes.
	require.NoError(t, adapter.AppendTurn(`<div class="turn user">Why did the dog run?</div>`))
	require.NoError(t, adapter.AppendTurn(`<div class="turn answer"><p>It chased the cat.</p></div>`))

	require.Eventually(t, func() bool {
		st, ok := s.HighlightState(h.ID)
		return ok && st == highlight.Completed
	}, 2*time.Second, time.Millisecond)

	top, _ = s.TopPopup()
	assert.Equal(t, popup.Answered, top.Mode)
	assert.False(t, top.TimedOut)
	assert.True(t, store.Has(h.ID), "completed highlight persisted")
	assert.ElementsMatch(t, []int{2, 3}, adapter.HiddenTurns(), "question and answer hidden")
}

func TestCloseWhileLoadingDetachesAndStillCompletes(t *testing.T) {
	s, adapter, store := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)

	s.ClosePopup()
	_, open := s.TopPopup()
	assert.False(t, open)

	st, ok := s.HighlightState(h.ID)
	require.True(t, ok, "detached highlight stays registered")
	assert.Equal(t, highlight.Pending, st)

	require.NoError(t, adapter.AppendTurn(`<div class="turn user">why?</div>`))
	require.NoError(t, adapter.AppendTurn(`<div class="turn answer"><p>because</p></div>`))

	require.Eventually(t, func() bool {
		st, ok := s.HighlightState(h.ID)
		return ok && st == highlight.Completed
	}, 2*time.Second, time.Millisecond)
	assert.True(t, store.Has(h.ID))
}

func TestTimeoutWithPopupShowsMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Watch.MaxPolls = 5
	s, adapter, _ := newTestSession(t, cfg)
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		top, ok := s.TopPopup()
		return ok && top.TimedOut
	}, 2*time.Second, time.Millisecond)

	top, _ := s.TopPopup()
	assert.Equal(t, popup.Answered, top.Mode)

	// Closing the timed-out popup abandons the pending highlight.
	s.ClosePopup()
	_, ok := s.HighlightState(h.ID)
	assert.False(t, ok)
}

func TestTimeoutWhileDetachedRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Watch.MaxPolls = 5
	s, adapter, store := newTestSession(t, cfg)
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)
	s.ClosePopup() // detach

	require.Eventually(t, func() bool {
		_, ok := s.HighlightState(h.ID)
		return !ok
	}, 2*time.Second, time.Millisecond)

	assert.False(t, store.Has(h.ID), "nothing persisted for an unanswered highlight")
	assert.Empty(t, adapter.HiddenTurns(), "hidden turns restored")
}

func TestCancelTopRollsBackImmediately(t *testing.T) {
	s, adapter, _ := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)

	s.CancelTop()
	_, ok := s.HighlightState(h.ID)
	assert.False(t, ok)
	assert.Empty(t, adapter.HiddenTurns())
}

func TestChainedSelectionTracksParent(t *testing.T) {
	s, adapter, _ := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	parent, err := s.Submit("why?")
	require.NoError(t, err)

	require.NoError(t, adapter.AppendTurn(`<div class="turn user">why?</div>`))
	require.NoError(t, adapter.AppendTurn(`<div class="turn answer"><p>It chased the cat away.</p></div>`))
	require.Eventually(t, func() bool {
		st, ok := s.HighlightState(parent.ID)
		return ok && st == highlight.Completed
	}, 2*time.Second, time.Millisecond)

	// Selecting inside the open answer popup chains a child highlight.
	answerNode, err := adapter.TurnNode(3)
	require.NoError(t, err)
	r2, ok := dom.RangeOfMatch(answerNode, "chased")
	require.True(t, ok)
	p := s.HandleSelection(r2, "chased", answerNode, 3)
	assert.True(t, p.Chained())

	child, err := s.Submit("chased how?")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)
}

func TestSubmitMirrorsMarkersToHostPage(t *testing.T) {
	s, adapter, _ := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, adapter.MirroredMarkers(),
		"the page must get its own marker spans on send")

	s.CancelTop()
	assert.Equal(t, []string{h.ID}, adapter.RemovedMarkers(),
		"cancel must drop the page-side spans")
}

func TestRestoreMirrorsMarkersToHostPage(t *testing.T) {
	s, adapter, store := newTestSession(t, testConfig())
	require.NoError(t, store.Save(highlight.Record{
		ID:                "h-old",
		QuotedText:        "dog ran",
		AnswerMarkup:      "<p>old answer</p>",
		PageLocation:      "https://chat.example/c/1",
		Site:              "default",
		SourceTurnIndex:   1,
		QuestionTurnIndex: -1,
		AnswerTurnIndex:   -1,
	}))

	require.Equal(t, 1, s.Restore())
	assert.Equal(t, []string{"h-old"}, adapter.MirroredMarkers(),
		"restored highlights must become visible on the page")
}

func TestPopupWidthComesFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Popup.DefaultWidth = 720
	s, adapter, _ := newTestSession(t, cfg)
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	p := s.HandleSelection(r, "dog ran", node, 1)
	assert.Equal(t, 720.0, p.Width)
}

func TestNavigationRebindsCitationMatcher(t *testing.T) {
	cfg := testConfig()
	other := cfg.Sites["default"]
	other.URLPattern = "chat.other"
	other.Selectors.Citation = ".src"
	cfg.Sites["other"] = other
	s, adapter, _ := newTestSession(t, cfg)

	pill := &html.Node{Type: html.ElementNode, Data: "span",
		Attr: []html.Attribute{{Key: "class", Val: "src"}}}
	assert.False(t, s.extractor.IsCitation(pill), "default site uses [data-citation]")

	adapter.SetLocation("https://chat.other/c/9")
	require.NoError(t, s.HandleNavigation())
	assert.True(t, s.extractor.IsCitation(pill), "new site's citation selector applies")
}

func TestRestoreRehydratesStoredHighlights(t *testing.T) {
	s, _, store := newTestSession(t, testConfig())
	require.NoError(t, store.Save(highlight.Record{
		ID:                "h-old",
		QuotedText:        "dog ran",
		AnswerMarkup:      "<p>old answer</p>",
		PageLocation:      "https://chat.example/c/1",
		Site:              "default",
		SourceTurnIndex:   1,
		QuestionTurnIndex: -1,
		AnswerTurnIndex:   -1,
	}))

	require.Equal(t, 1, s.Restore())

	st, ok := s.HighlightState("h-old")
	require.True(t, ok)
	assert.Equal(t, highlight.Completed, st)

	p := s.OpenHighlight("h-old")
	require.NotNil(t, p)
	assert.Equal(t, popup.Answered, p.Mode)
	assert.True(t, p.ReadOnly)
}

func TestRestoreSkipsUnmatchedText(t *testing.T) {
	s, _, store := newTestSession(t, testConfig())
	require.NoError(t, store.Save(highlight.Record{
		ID:              "h-gone",
		QuotedText:      "text that was edited away",
		PageLocation:    "https://chat.example/c/1",
		SourceTurnIndex: 1,
	}))

	assert.Equal(t, 0, s.Restore())
	_, ok := s.HighlightState("h-gone")
	assert.False(t, ok)
}

func TestNavigationClearsSessionAndKeepsStore(t *testing.T) {
	s, adapter, store := newTestSession(t, testConfig())
	node, _ := adapter.TurnNode(1)
	r, _ := dom.RangeOfMatch(node, "dog ran")
	s.HandleSelection(r, "dog ran", node, 1)
	h, err := s.Submit("why?")
	require.NoError(t, err)

	require.NoError(t, adapter.AppendTurn(`<div class="turn user">why?</div>`))
	require.NoError(t, adapter.AppendTurn(`<div class="turn answer"><p>because</p></div>`))
	require.Eventually(t, func() bool {
		st, ok := s.HighlightState(h.ID)
		return ok && st == highlight.Completed
	}, 2*time.Second, time.Millisecond)

	adapter.SetLocation("https://chat.example/c/2")
	require.NoError(t, s.HandleNavigation())

	assert.Equal(t, "https://chat.example/c/2", s.Location())
	_, ok := s.HighlightState(h.ID)
	assert.False(t, ok, "in-memory highlights cleared")
	_, open := s.TopPopup()
	assert.False(t, open, "popups dismissed")
	assert.True(t, store.Has(h.ID), "durable record for the old location kept")
}
