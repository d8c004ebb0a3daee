package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dokzlo13/heatd/internal/target"
)

// ErrNoOverride is returned when pausing or resuming a room without an override.
var ErrNoOverride = errors.New("no override for room")

// RoomMode is the persisted operating mode of a room.
type RoomMode struct {
	Mode           string   `json:"mode"`
	ManualSetpoint *float64 `json:"manual_setpoint,omitempty"`
}

// Flags holds engine-wide operator switches.
type Flags struct {
	Holiday bool `json:"holiday"`
}

// OverrideStore keeps at most one override per room.
type OverrideStore interface {
	// Create stores o, replacing any existing override of the same room.
	Create(ctx context.Context, o target.Override) error
	// Read returns the room's override or nil.
	Read(ctx context.Context, room string) (*target.Override, error)
	// Clear removes the room's override and reports whether one existed.
	Clear(ctx context.Context, room string) (bool, error)
	Pause(ctx context.Context, room string, now time.Time) (target.Override, error)
	Resume(ctx context.Context, room string, now time.Time) (target.Override, error)
	List(ctx context.Context) ([]target.Override, error)
}

// SQLiteOverrides stores overrides in the overrides table.
type SQLiteOverrides struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteOverrides creates a SQLite-backed override store.
func NewSQLiteOverrides(db *sql.DB) *SQLiteOverrides {
	return &SQLiteOverrides{db: db}
}

// Create implements OverrideStore.
func (s *SQLiteOverrides) Create(ctx context.Context, o target.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, o)
}

func (s *SQLiteOverrides) put(ctx context.Context, o target.Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (room, id, target, ends_at, paused, remaining_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET
			id = excluded.id,
			target = excluded.target,
			ends_at = excluded.ends_at,
			paused = excluded.paused,
			remaining_ms = excluded.remaining_ms,
			created_at = excluded.created_at
	`, o.Room, o.ID, o.Target, o.EndsAt.UnixMilli(), o.Paused, o.Remaining.Milliseconds(), o.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store override for %s: %w", o.Room, err)
	}
	return nil
}

// Read implements OverrideStore.
func (s *SQLiteOverrides) Read(ctx context.Context, room string) (*target.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, room)
}

func (s *SQLiteOverrides) get(ctx context.Context, room string) (*target.Override, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room, id, target, ends_at, paused, remaining_ms, created_at
		FROM overrides WHERE room = ?
	`, room)
	o, err := scanOverride(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read override for %s: %w", room, err)
	}
	return &o, nil
}

// Clear implements OverrideStore.
func (s *SQLiteOverrides) Clear(ctx context.Context, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE room = ?`, room)
	if err != nil {
		return false, fmt.Errorf("failed to clear override for %s: %w", room, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Pause implements OverrideStore.
func (s *SQLiteOverrides) Pause(ctx context.Context, room string, now time.Time) (target.Override, error) {
	return s.modify(ctx, room, func(o target.Override) target.Override { return o.Pause(now) })
}

// Resume implements OverrideStore.
func (s *SQLiteOverrides) Resume(ctx context.Context, room string, now time.Time) (target.Override, error) {
	return s.modify(ctx, room, func(o target.Override) target.Override { return o.Resume(now) })
}

func (s *SQLiteOverrides) modify(ctx context.Context, room string, fn func(target.Override) target.Override) (target.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.get(ctx, room)
	if err != nil {
		return target.Override{}, err
	}
	if cur == nil {
		return target.Override{}, fmt.Errorf("%w: %s", ErrNoOverride, room)
	}
	next := fn(*cur)
	if err := s.put(ctx, next); err != nil {
		return target.Override{}, err
	}
	return next, nil
}

// List implements OverrideStore.
func (s *SQLiteOverrides) List(ctx context.Context) ([]target.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT room, id, target, ends_at, paused, remaining_ms, created_at
		FROM overrides ORDER BY room
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var out []target.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOverride(sc scanner) (target.Override, error) {
	var (
		o                          target.Override
		endsAt, remaining, created int64
	)
	if err := sc.Scan(&o.Room, &o.ID, &o.Target, &endsAt, &o.Paused, &remaining, &created); err != nil {
		return o, err
	}
	o.EndsAt = time.UnixMilli(endsAt).UTC()
	o.Remaining = time.Duration(remaining) * time.Millisecond
	o.CreatedAt = time.UnixMilli(created).UTC()
	return o, nil
}

// MemoryOverrides is a volatile OverrideStore, used when no database is configured and
// in tests.
type MemoryOverrides struct {
	mu    sync.Mutex
	items map[string]target.Override
}

// NewMemoryOverrides creates an empty in-memory store.
func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{items: make(map[string]target.Override)}
}

// Create implements OverrideStore.
func (m *MemoryOverrides) Create(ctx context.Context, o target.Override) error {
	m.mu.Lock()
	m.items[o.Room] = o
	m.mu.Unlock()
	return nil
}

// Read implements OverrideStore.
func (m *MemoryOverrides) Read(ctx context.Context, room string) (*target.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[room]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// Clear implements OverrideStore.
func (m *MemoryOverrides) Clear(ctx context.Context, room string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[room]
	delete(m.items, room)
	return ok, nil
}

// Pause implements OverrideStore.
func (m *MemoryOverrides) Pause(ctx context.Context, room string, now time.Time) (target.Override, error) {
	return m.modify(room, func(o target.Override) target.Override { return o.Pause(now) })
}

// Resume implements OverrideStore.
func (m *MemoryOverrides) Resume(ctx context.Context, room string, now time.Time) (target.Override, error) {
	return m.modify(room, func(o target.Override) target.Override { return o.Resume(now) })
}

func (m *MemoryOverrides) modify(room string, fn func(target.Override) target.Override) (target.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[room]
	if !ok {
		return target.Override{}, fmt.Errorf("%w: %s", ErrNoOverride, room)
	}
	o = fn(o)
	m.items[room] = o
	return o, nil
}

// List implements OverrideStore.
func (m *MemoryOverrides) List(ctx context.Context) ([]target.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]target.Override, 0, len(m.items))
	for _, o := range m.items {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}
