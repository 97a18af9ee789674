package highlight

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"sidenote/dom"
	"sidenote/extract"
)

// State is the lifecycle state of a highlight.
type State int

const (
	// Pending: created, watch running, no answer yet.
	Pending State = iota
	// Completed: answer captured, spans clickable, persisted.
	Completed
	// Abandoned: the watch timed out or was cancelled before an answer
	// arrived; spans and host-side hide state were reverted.
	Abandoned
)

// Highlight is one selection-to-answer binding held in memory.
type Highlight struct {
	ID    string
	State State
	// Detached means the owning popup was closed while still pending: the
	// watch keeps running and the spans become openable once completed.
	Detached     bool
	QuotedText   string
	Context      *extract.Context
	AnswerMarkup string
	ParentID     string
	SourceTurn   int
	QuestionTurn int
	AnswerTurn   int
	Markers      []*html.Node
	CreatedAt    time.Time
}

// Manager exclusively owns the in-memory id → highlight map and the marker
// spans it wraps. The Store owns the durable copy keyed by page location.
type Manager struct {
	store Store
	loc   string
	site  string
	byID  map[string]*Highlight
}

// NewManager creates a manager for one page location.
func NewManager(store Store, location, site string) *Manager {
	return &Manager{
		store: store,
		loc:   location,
		site:  site,
		byID:  map[string]*Highlight{},
	}
}

// Location returns the page location the manager is bound to.
func (m *Manager) Location() string { return m.loc }

// Get looks up a highlight by id.
func (m *Manager) Get(id string) (*Highlight, bool) {
	h, ok := m.byID[id]
	return h, ok
}

// All returns every in-memory highlight.
func (m *Manager) All() []*Highlight {
	out := make([]*Highlight, 0, len(m.byID))
	for _, h := range m.byID {
		out = append(out, h)
	}
	return out
}

// BeginPending wraps the selection range in marker spans and registers a
// pending highlight. Nothing durable is written yet. If wrapping fails the
// highlight still proceeds without a visual span (degraded, not fatal).
func (m *Manager) BeginPending(quoted string, ctx *extract.Context, r dom.Range, parentID string, sourceTurn int) *Highlight {
	h := &Highlight{
		ID:           uuid.New().String(),
		State:        Pending,
		QuotedText:   quoted,
		Context:      ctx,
		ParentID:     parentID,
		SourceTurn:   sourceTurn,
		QuestionTurn: -1,
		AnswerTurn:   -1,
		CreatedAt:    time.Now(),
	}
	h.Markers = dom.WrapRange(r, h.ID)
	if len(h.Markers) == 0 {
		log.Debug().Str("id", h.ID).Msg("highlight: wrap failed, continuing without spans")
	}
	m.byID[h.ID] = h
	return h
}

// Detach marks a pending highlight as popup-less. Its spans gain the
// clickable affordance immediately so the user can reopen once the answer
// lands, even though it has not arrived yet.
func (m *Manager) Detach(h *Highlight) {
	if h.State != Pending {
		return
	}
	h.Detached = true
	dom.SetMarkerState(h.Markers, "ready")
}

// Complete promotes a pending highlight: spans become clickable, the answer
// markup is recorded, and the record is persisted with everything needed to
// rehydrate after a reload. Store failures are silent (session-only loss).
func (m *Manager) Complete(h *Highlight, answerMarkup string, questionTurn, answerTurn int) {
	h.State = Completed
	h.AnswerMarkup = answerMarkup
	h.QuestionTurn = questionTurn
	h.AnswerTurn = answerTurn
	dom.SetMarkerState(h.Markers, "ready")

	if err := m.store.Save(m.record(h)); err != nil {
		log.Warn().Err(err).Str("id", h.ID).Msg("highlight: persist failed")
	}
}

// Abandon unwraps a pending highlight's spans and discards the in-memory
// entry. Used on timeout-while-detached and on explicit cancel.
func (m *Manager) Abandon(h *Highlight) {
	h.State = Abandoned
	dom.UnwrapMarkers(h.Markers)
	h.Markers = nil
	delete(m.byID, h.ID)
}

// Reopen returns a completed highlight for read-only display, or false when
// the id is unknown or not yet completed.
func (m *Manager) Reopen(id string) (*Highlight, bool) {
	h, ok := m.byID[id]
	if !ok || h.State != Completed {
		return nil, false
	}
	return h, true
}

// CascadeDelete removes a highlight and, recursively, every highlight whose
// parent chain leads back to it, unwrapping any spans still in the document
// and deleting the durable records.
func (m *Manager) CascadeDelete(id string) {
	for _, child := range m.childrenOf(id) {
		m.CascadeDelete(child.ID)
	}
	if h, ok := m.byID[id]; ok {
		dom.UnwrapMarkers(h.Markers)
		delete(m.byID, id)
	}
	if err := m.store.Delete(id); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("highlight: delete failed")
	}
}

func (m *Manager) childrenOf(id string) []*Highlight {
	var out []*Highlight
	for _, h := range m.byID {
		if h.ParentID == id {
			out = append(out, h)
		}
	}
	return out
}

// ClearAll unwraps and drops every in-memory highlight. Durable entries for
// the location are untouched, so a future revisit can restore them. Used on
// navigation to a new conversation.
func (m *Manager) ClearAll() {
	for id, h := range m.byID {
		dom.UnwrapMarkers(h.Markers)
		delete(m.byID, id)
	}
}

// Restorable fetches the top-level durable records for the current location.
// A store failure restores nothing, silently.
func (m *Manager) Restorable() []Record {
	recs, err := m.store.ForLocation(m.loc)
	if err != nil {
		log.Debug().Err(err).Msg("highlight: restore fetch failed")
		return nil
	}
	return recs
}

// Rehydrate re-finds a stored record's quoted text within its source block,
// re-wraps it, and registers the highlight as Completed. Records whose text
// can no longer be found (the conversation was edited) are skipped, not
// errors.
func (m *Manager) Rehydrate(rec Record, sourceBlock *html.Node) (*Highlight, bool) {
	r, ok := dom.RangeOfMatch(sourceBlock, rec.QuotedText)
	if !ok {
		log.Debug().Str("id", rec.ID).Msg("highlight: quoted text not found, skipping restore")
		return nil, false
	}
	markers := dom.WrapRange(r, rec.ID)
	if len(markers) == 0 {
		return nil, false
	}
	dom.SetMarkerState(markers, "ready")
	h := &Highlight{
		ID:           rec.ID,
		State:        Completed,
		QuotedText:   rec.QuotedText,
		Context:      rec.Context,
		AnswerMarkup: rec.AnswerMarkup,
		ParentID:     rec.ParentID,
		SourceTurn:   rec.SourceTurnIndex,
		QuestionTurn: rec.QuestionTurnIndex,
		AnswerTurn:   rec.AnswerTurnIndex,
		CreatedAt:    rec.CreatedAt,
	}
	h.Markers = markers
	m.byID[h.ID] = h
	return h, true
}

func (m *Manager) record(h *Highlight) Record {
	return Record{
		ID:                h.ID,
		QuotedText:        h.QuotedText,
		Context:           h.Context,
		AnswerMarkup:      h.AnswerMarkup,
		PageLocation:      m.loc,
		Site:              m.site,
		ParentID:          h.ParentID,
		SourceTurnIndex:   h.SourceTurn,
		QuestionTurnIndex: h.QuestionTurn,
		AnswerTurnIndex:   h.AnswerTurn,
		CreatedAt:         h.CreatedAt,
	}
}
