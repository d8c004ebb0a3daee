// Package ledger keeps an append-only journal of operator commands and heat source
// transitions, so "why did the lounge go cold at 3am" has an answer after the fact.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EntryType represents the kind of journal entry
type EntryType string

const (
	EntryOverrideSet       EntryType = "override_set"
	EntryOverrideCancelled EntryType = "override_cancelled"
	EntryOverridePaused    EntryType = "override_paused"
	EntryOverrideResumed   EntryType = "override_resumed"
	EntryOverrideExpired   EntryType = "override_expired"
	EntryModeChanged       EntryType = "mode_changed"
	EntryHolidayChanged    EntryType = "holiday_changed"
	EntryBoilerTransition  EntryType = "boiler_transition"
)

// DefaultLimit bounds queries that pass a non-positive limit.
const DefaultLimit = 50

// MaxLimit caps any single query.
const MaxLimit = 500

// Entry is a single journal row. Room is empty for house-wide entries.
type Entry struct {
	ID        int64          `json:"id"`
	Type      EntryType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Room      string         `json:"room,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Ledger appends to and reads from the journal table.
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records an entry at the given time.
func (l *Ledger) Append(entryType EntryType, at time.Time, room string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := l.db.Exec(
		`INSERT INTO journal (entry_type, room, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(entryType), room, nullString(payloadJSON), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, entry_type, room, payload, created_at FROM journal
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByRoom returns the newest entries for one room first. House-wide entries are not
// included.
func (l *Ledger) ByRoom(room string, limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, entry_type, room, payload, created_at FROM journal
		 WHERE room = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		room, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than now minus retention and reports how many
// were removed.
func (l *Ledger) DeleteOlderThan(now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	result, err := l.db.Exec(`DELETE FROM journal WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			entryType string
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &entryType, &e.Room, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Type = EntryType(entryType)
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode journal payload %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
