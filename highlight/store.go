// Package highlight owns the lifecycle of selection-to-answer bindings: the
// in-memory map of wrapped highlights, the Pending/Completed/Abandoned state
// machine, and the durable store keyed by page location.
package highlight

import (
	"time"

	"sidenote/extract"
)

// Record is the durable shape of a highlight, persisted per page location.
type Record struct {
	ID                string           `json:"id"`
	QuotedText        string           `json:"quotedText"`
	Context           *extract.Context `json:"context,omitempty"`
	AnswerMarkup      string           `json:"answerMarkup,omitempty"`
	PageLocation      string           `json:"pageLocation"`
	Site              string           `json:"site"`
	ParentID          string           `json:"parentId,omitempty"`
	SourceTurnIndex   int              `json:"sourceTurnIndex"`
	QuestionTurnIndex int              `json:"questionTurnIndex"`
	AnswerTurnIndex   int              `json:"answerTurnIndex"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// Store is the async persistence boundary. Implementations must tolerate an
// invalidated runtime (fail silently rather than panic); callers treat every
// error as a degraded no-op, losing only cross-reload durability.
type Store interface {
	// Save writes a full highlight record.
	Save(rec Record) error
	// ForLocation returns the top-level (parentless) records for a location.
	ForLocation(loc string) ([]Record, error)
	// Children returns the records whose ParentID equals parentID.
	Children(parentID string) ([]Record, error)
	// UpdateAnswer sets the answer markup on an existing record.
	UpdateAnswer(id, markup string) error
	// Delete removes a record and, transitively, all its descendants.
	Delete(id string) error
	// Clear removes every record.
	Clear() error
}
