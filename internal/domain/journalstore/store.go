// Package journalstore defines persistence contracts for the audit trail of dispatched account actions.
package journalstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"
)

// Entry records the outcome of one dispatched action. Secrets never reach the payload.
type Entry struct {
	ID        uuid.UUID
	SessionID string
	Action    string
	// AccountKey is the canonical slot key the action targeted.
	AccountKey string
	Outcome    string
	Category   string
	Code       string
	Message    string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Store abstracts persistence operations for the action journal.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
