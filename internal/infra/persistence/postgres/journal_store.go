package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mt5desk/internal/domain/journalstore"
)

// JournalStore persists the audit trail of dispatched account actions.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

const (
	journalInsertSQL = `
INSERT INTO action_journal (
    id,
    session_id,
    action,
    account_key,
    outcome,
    category,
    code,
    message,
    payload,
    created_at
)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), COALESCE($9::jsonb, '{}'::jsonb), $10)
RETURNING
    id,
    session_id,
    action,
    account_key,
    outcome,
    category,
    code,
    message,
    payload,
    created_at;
`

	journalListBySessionSQL = `
SELECT
    id,
    session_id,
    action,
    account_key,
    outcome,
    category,
    code,
    message,
    payload,
    created_at
FROM action_journal
WHERE session_id = $1
ORDER BY created_at DESC, id
LIMIT $2;
`
)

// Append stores a journal entry, assigning an identifier and timestamp when missing.
func (s *JournalStore) Append(ctx context.Context, entry journalstore.Entry) (journalstore.Entry, error) {
	if s.pool == nil {
		return journalstore.Entry{}, fmt.Errorf("journal store: nil pool")
	}
	sessionID := strings.TrimSpace(entry.SessionID)
	if sessionID == "" {
		return journalstore.Entry{}, fmt.Errorf("journal store: session id required")
	}
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return journalstore.Entry{}, fmt.Errorf("journal store: action required")
	}
	outcome := strings.TrimSpace(entry.Outcome)
	if outcome == "" {
		return journalstore.Entry{}, fmt.Errorf("journal store: outcome required")
	}
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var payload []byte
	if len(entry.Payload) > 0 {
		if !json.Valid(entry.Payload) {
			return journalstore.Entry{}, fmt.Errorf("journal store: payload is not valid json")
		}
		payload = entry.Payload
	}
	row := s.pool.QueryRow(ctx, journalInsertSQL,
		id,
		sessionID,
		action,
		strings.TrimSpace(entry.AccountKey),
		outcome,
		strings.TrimSpace(entry.Category),
		strings.TrimSpace(entry.Code),
		strings.TrimSpace(entry.Message),
		payload,
		createdAt,
	)
	return scanJournalEntry(row)
}

// ListBySession returns the newest entries recorded for a session.
func (s *JournalStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]journalstore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	if limit <= 0 {
		limit = defaultJournalLimit
	} else if limit > maxJournalLimit {
		limit = maxJournalLimit
	}
	rows, err := s.pool.Query(ctx, journalListBySessionSQL, strings.TrimSpace(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("journal store: list: %w", err)
	}
	defer rows.Close()

	var entries []journalstore.Entry
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJournalEntry(row rowScanner) (journalstore.Entry, error) {
	var (
		entry    journalstore.Entry
		category pgtype.Text
		code     pgtype.Text
		message  pgtype.Text
		payload  []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.Action,
		&entry.AccountKey,
		&entry.Outcome,
		&category,
		&code,
		&message,
		&payload,
		&entry.CreatedAt,
	); err != nil {
		return journalstore.Entry{}, fmt.Errorf("journal store: scan entry: %w", err)
	}
	if category.Valid {
		entry.Category = category.String
	}
	if code.Valid {
		entry.Code = code.String
	}
	if message.Valid {
		entry.Message = message.String
	}
	if len(payload) > 0 {
		entry.Payload = json.RawMessage(payload)
	}
	return entry, nil
}

var _ journalstore.Store = (*JournalStore)(nil)
