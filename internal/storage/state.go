// Package storage persists heatd's runtime state: versioned JSON resources (room modes,
// boiler snapshot) and overrides.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind names a family of resources in resource_state.
type Kind string

const (
	KindRoomMode Kind = "room_mode" // per room, RoomMode
	KindBoiler   Kind = "boiler"    // id "main", supervisor snapshot
	KindEngine   Kind = "engine"    // id "main", Flags
)

// Record is one stored resource. Version starts at 1 and grows with every save.
type Record struct {
	ID        string
	Payload   []byte
	Version   int64
	UpdatedAt time.Time
}

// Store keeps JSON payloads keyed by (kind, id).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Load returns the record for (kind, id). found is false when nothing was saved yet.
func (s *Store) Load(kind Kind, id string) (rec Record, found bool, err error) {
	var updated int64
	err = s.db.QueryRow(
		`SELECT payload, version, updated_at FROM resource_state WHERE kind = ? AND id = ?`,
		string(kind), id,
	).Scan(&rec.Payload, &rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load %s/%s: %w", kind, id, err)
	}
	rec.ID = id
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, true, nil
}

// Save writes payload and returns the new version.
func (s *Store) Save(kind Kind, id string, payload []byte) (int64, error) {
	var version int64
	err := s.db.QueryRow(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
		RETURNING version
	`, string(kind), id, string(payload), s.now().UnixMilli()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save %s/%s: %w", kind, id, err)
	}
	log.Debug().Str("kind", string(kind)).Str("id", id).Int64("version", version).Msg("State saved")
	return version, nil
}

// Remove deletes (kind, id). Removing a missing resource is not an error.
func (s *Store) Remove(kind Kind, id string) error {
	if _, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns every record of a kind ordered by id.
func (s *Store) List(kind Kind) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, payload, version, updated_at FROM resource_state WHERE kind = ? ORDER BY id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			updated int64
		)
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.Version, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
