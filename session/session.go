// Package session ties the pieces together for one attached chat page: it
// turns selections into contexts, sends follow-up questions, runs answer
// watches, keeps the popup stack and the highlight manager in sync, and
// restores persisted highlights after navigation or reload.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"sidenote/config"
	"sidenote/dom"
	"sidenote/extract"
	"sidenote/highlight"
	"sidenote/host"
	"sidenote/popup"
	"sidenote/quote"
	"sidenote/watch"
)

// pending is a selection that produced an input popup but has not been sent.
type pending struct {
	Range      dom.Range
	Text       string
	Context    *extract.Context
	SourceTurn int
	ParentID   string
}

// Session owns the per-page state. All methods are safe for use from the
// watch goroutines and the caller's event loop.
type Session struct {
	mu sync.Mutex

	adapter   host.Adapter
	cfg       *config.Config
	siteName  string
	extractor *extract.Extractor
	store     highlight.Store

	manager *highlight.Manager
	popups  *popup.Controller

	pending *pending
	watches map[string]*watch.Watch
}

// New builds a session for the adapter's current page.
func New(adapter host.Adapter, store highlight.Store, cfg *config.Config) (*Session, error) {
	loc, err := adapter.Location()
	if err != nil {
		return nil, err
	}
	s := &Session{
		adapter: adapter,
		cfg:     cfg,
		store:   store,
		popups:  popup.NewController(cfg.Popup.DefaultWidth),
		watches: map[string]*watch.Watch{},
	}
	s.bindSite(loc)
	s.manager = highlight.NewManager(store, loc, s.siteName)
	return s, nil
}

// bindSite resolves the site profile for a location and rebuilds the
// extractor's citation matcher from its selectors.
func (s *Session) bindSite(loc string) {
	name, site := s.cfg.SiteFor(loc)
	s.siteName = name
	s.extractor = extract.New()
	if m := citationMatcher(site.Selectors.Citation); m != nil {
		s.extractor.IsCitation = m
	}
}

// citationMatcher recognizes citation pills by the site's configured class
// or attribute selector. Only the simple forms ".class" and "[attr]" occur
// in site profiles.
func citationMatcher(sel string) func(*html.Node) bool {
	switch {
	case len(sel) > 1 && sel[0] == '.':
		class := sel[1:]
		return func(n *html.Node) bool {
			return n.Type == html.ElementNode && hasClass(dom.Attr(n, "class"), class)
		}
	case len(sel) > 2 && sel[0] == '[' && sel[len(sel)-1] == ']':
		attr := sel[1 : len(sel)-1]
		return func(n *html.Node) bool {
			if n.Type != html.ElementNode {
				return false
			}
			for _, a := range n.Attr {
				if a.Key == attr {
					return true
				}
			}
			return false
		}
	default:
		return nil
	}
}

func hasClass(classAttr, class string) bool {
	for len(classAttr) > 0 {
		i := 0
		for i < len(classAttr) && classAttr[i] != ' ' {
			i++
		}
		if classAttr[:i] == class {
			return true
		}
		for i < len(classAttr) && classAttr[i] == ' ' {
			i++
		}
		classAttr = classAttr[i:]
	}
	return false
}

// Manager exposes the highlight manager, for inspection commands.
func (s *Session) Manager() *highlight.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// HighlightState reports a highlight's current lifecycle state.
func (s *Session) HighlightState(id string) (highlight.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.manager.Get(id)
	if !ok {
		return 0, false
	}
	return h.State, true
}

// TopPopup returns a copy of the top popup's state, or false when the stack
// is empty.
func (s *Session) TopPopup() (popup.Popup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := s.popups.Top()
	if top == nil {
		return popup.Popup{}, false
	}
	return *top, true
}

// Location returns the page location the session is currently bound to.
func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Location()
}

// Popups exposes the popup controller.
func (s *Session) Popups() *popup.Controller { return s.popups }

// HandleSelection reacts to a user selection inside an answer turn: it
// extracts the surrounding sentence context and opens an input popup. When
// a popup is already open, the new popup chains off its highlight. A failed
// extraction falls back to the raw selected text; the popup still opens.
func (s *Session) HandleSelection(r dom.Range, selected string, container *html.Node, sourceTurn int) *popup.Popup {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.extractor.Extract(r, container)
	if ctx == nil {
		log.Debug().Str("selected", selected).Msg("session: extraction fell back to raw text")
	}

	parentID := ""
	if top := s.popups.Top(); top != nil {
		parentID = top.HighlightID
	}
	s.pending = &pending{
		Range:      r,
		Text:       selected,
		Context:    ctx,
		SourceTurn: sourceTurn,
		ParentID:   parentID,
	}
	return s.popups.Open("", false)
}

// RenderQuote renders the current pending selection's context into parent,
// for display in the input popup.
func (s *Session) RenderQuote(parent *html.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	quote.Render(parent, s.pending.Context, s.pending.Text)
}

// Submit sends the composed question through the host and starts the answer
// watch. The pending selection becomes a pending highlight. An adapter miss
// aborts gracefully: the popup stays in Input mode and no highlight is
// registered.
func (s *Session) Submit(question string) (*highlight.Highlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil, nil
	}

	baseline, err := s.adapter.TurnCount()
	if err != nil {
		log.Warn().Err(err).Msg("session: turn census failed, not sending")
		return nil, err
	}
	if err := s.adapter.InjectQuestion(question); err != nil {
		log.Warn().Err(err).Msg("session: question injection failed")
		return nil, err
	}

	p := s.pending
	s.pending = nil
	h := s.manager.BeginPending(p.Text, p.Context, p.Range, p.ParentID, p.SourceTurn)
	if err := s.adapter.MirrorMarkers(p.SourceTurn, p.Text, h.ID); err != nil {
		log.Debug().Err(err).Str("id", h.ID).Msg("session: marker mirror failed")
	}
	s.popups.Rebind(h.ID)
	s.popups.BeginLoading()

	w := watch.New(s.adapter, baseline, s.cfg.Watch.Interval(), s.cfg.Watch.MaxPolls)
	s.watches[h.ID] = w
	w.Start()
	go s.await(h.ID, w)
	return h, nil
}

// await applies a watch's terminal result to the session.
func (s *Session) await(id string, w *watch.Watch) {
	res := <-w.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, id)

	h, ok := s.manager.Get(id)
	if !ok {
		return
	}
	switch res.Status {
	case watch.Captured:
		s.manager.Complete(h, res.AnswerHTML, res.QuestionTurn, res.AnswerTurn)
		s.setMarkerState(id, "ready")
		s.popups.ShowAnswer(id)
		log.Info().Str("id", id).Int("turn", res.AnswerTurn).Msg("session: answer captured")
	case watch.TimedOut:
		if w.Detached() {
			// No popup is waiting; the registration rolls back entirely.
			s.manager.Abandon(h)
			s.removeMarkers(id)
		} else {
			s.popups.ShowTimeout(id)
		}
		log.Warn().Str("id", id).Msg("session: answer watch timed out")
	case watch.Cancelled:
		// Cancel paths clean up the highlight themselves.
	}
}

// ClosePopup handles the user closing the top popup. A loading popup's watch
// detaches and keeps running; a timed-out or never-sent popup's highlight is
// abandoned.
func (s *Session) ClosePopup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTop()
}

func (s *Session) closeTop() {
	top := s.popups.Pop()
	if top == nil {
		return
	}
	if top.HighlightID == "" {
		// Input popup closed without sending.
		s.pending = nil
		return
	}
	h, ok := s.manager.Get(top.HighlightID)
	if !ok || h.State != highlight.Pending {
		return
	}
	if w, running := s.watches[h.ID]; running {
		w.Detach()
		s.manager.Detach(h)
		s.setMarkerState(h.ID, "ready")
	} else {
		// Watch already ended without an answer (timeout message shown).
		s.manager.Abandon(h)
		s.removeMarkers(h.ID)
	}
}

// setMarkerState pushes a marker state change through to the page.
func (s *Session) setMarkerState(id, state string) {
	if err := s.adapter.SetMarkerState(id, state); err != nil {
		log.Debug().Err(err).Str("id", id).Msg("session: marker state update failed")
	}
}

// removeMarkers drops the page-side marker spans for a highlight.
func (s *Session) removeMarkers(id string) {
	if err := s.adapter.RemoveMarkers(id); err != nil {
		log.Debug().Err(err).Str("id", id).Msg("session: marker removal failed")
	}
}

// CancelTop force-cancels the top popup's pending highlight: the watch stops,
// hidden turns are unhidden, spans are unwrapped.
func (s *Session) CancelTop() {
	s.mu.Lock()
	top := s.popups.Pop()
	if top == nil {
		s.pending = nil
		s.mu.Unlock()
		return
	}
	id := top.HighlightID
	w := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if w != nil {
		w.Cancel() // waits for the goroutine; must not hold the lock
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.manager.Get(id); ok && h.State == highlight.Pending {
		s.manager.Abandon(h)
		s.removeMarkers(id)
	}
	s.pending = nil
}

// Dismiss empties the popup stack (click-outside), applying the per-popup
// close rules from top to bottom.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.popups.Top() != nil {
		s.closeTop()
	}
	s.pending = nil
}

// OpenHighlight reopens a completed highlight read-only. Unknown or
// not-yet-completed ids are a no-op.
func (s *Session) OpenHighlight(id string) *popup.Popup {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manager.Reopen(id); !ok {
		return nil
	}
	return s.popups.Open(id, true)
}

// HandleNavigation reacts to the page moving to a new conversation: every
// in-memory highlight is unwrapped, running watches are cancelled, popups are
// dismissed, and a fresh manager is bound to the new location. Durable
// records for the old location stay in the store.
func (s *Session) HandleNavigation() error {
	loc, err := s.adapter.Location()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if loc == s.manager.Location() {
		s.mu.Unlock()
		return nil
	}
	watches := s.watches
	s.watches = map[string]*watch.Watch{}
	s.mu.Unlock()

	for _, w := range watches {
		w.Cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.popups.DismissAll()
	s.pending = nil
	for _, h := range s.manager.All() {
		s.removeMarkers(h.ID)
	}
	s.manager.ClearAll()
	s.bindSite(loc)
	s.manager = highlight.NewManager(s.store, loc, s.siteName)
	log.Info().Str("location", loc).Msg("session: navigated")
	return nil
}

// Restore rehydrates the stored highlights for the current location: each
// record's quoted text is re-found in its source turn and re-wrapped, and the
// question/answer turns it owns are re-hidden. Records that no longer match
// are skipped. Returns the number restored.
func (s *Session) Restore() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range s.manager.Restorable() {
		restored += s.restoreTree(rec)
	}
	return restored
}

// restoreTree restores one record and, recursively, its children.
func (s *Session) restoreTree(rec highlight.Record) int {
	node, err := s.adapter.TurnNode(rec.SourceTurnIndex)
	if err != nil {
		log.Debug().Err(err).Str("id", rec.ID).Msg("session: source turn gone, skipping restore")
		return 0
	}
	h, ok := s.manager.Rehydrate(rec, node)
	if !ok {
		return 0
	}
	if err := s.adapter.MirrorMarkers(rec.SourceTurnIndex, rec.QuotedText, rec.ID); err != nil {
		log.Debug().Err(err).Str("id", rec.ID).Msg("session: marker mirror failed")
	}
	s.setMarkerState(rec.ID, "ready")
	for _, turn := range []int{h.QuestionTurn, h.AnswerTurn} {
		if turn < 0 {
			continue
		}
		if err := s.adapter.HideTurn(turn); err != nil {
			log.Debug().Err(err).Int("turn", turn).Msg("session: re-hide failed")
		}
	}

	restored := 1
	children, err := s.store.Children(rec.ID)
	if err != nil {
		return restored
	}
	for _, child := range children {
		restored += s.restoreTree(child)
	}
	return restored
}

// DeleteHighlight cascades a delete through memory and the store, and
// unhides the turns owned by the deleted highlights.
func (s *Session) DeleteHighlight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var turns []int
	var ids []string
	var collect func(string)
	collect = func(hid string) {
		ids = append(ids, hid)
		if h, ok := s.manager.Get(hid); ok {
			if h.QuestionTurn >= 0 {
				turns = append(turns, h.QuestionTurn)
			}
			if h.AnswerTurn >= 0 {
				turns = append(turns, h.AnswerTurn)
			}
		}
		children, err := s.store.Children(hid)
		if err != nil {
			return
		}
		for _, c := range children {
			collect(c.ID)
		}
	}
	collect(id)

	s.manager.CascadeDelete(id)
	for _, hid := range ids {
		s.removeMarkers(hid)
	}
	for _, turn := range turns {
		if err := s.adapter.UnhideTurn(turn); err != nil {
			log.Debug().Err(err).Int("turn", turn).Msg("session: unhide failed")
		}
	}
}

// StartNavigationWatch polls the page location on the interval and, when it
// changes, applies HandleNavigation and restores the new location's stored
// highlights. The returned func stops the watcher and waits for it.
func (s *Session) StartNavigationWatch(interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				before := s.Location()
				if err := s.HandleNavigation(); err != nil {
					log.Debug().Err(err).Msg("session: location check failed")
					continue
				}
				if s.Location() != before {
					s.Restore()
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// PlaceTop computes the top popup's placement against its highlight's marker
// rects. Returns false when nothing is open or the markers are gone.
func (s *Session) PlaceTop(height float64) (popup.Placement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.popups.Top()
	if top == nil || top.HighlightID == "" {
		return popup.Placement{}, false
	}
	rects, err := s.adapter.MarkerRects(top.HighlightID)
	if err != nil || len(rects) == 0 {
		return popup.Placement{}, false
	}
	vp, err := s.adapter.Viewport()
	if err != nil {
		return popup.Placement{}, false
	}
	return popup.Place(popup.Anchor(rects), top.Width, height, vp), true
}
