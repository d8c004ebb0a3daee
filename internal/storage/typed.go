package storage

import (
	"encoding/json"
	"fmt"
)

// Typed stores values of one Go type under a kind, encoded as JSON.
type Typed[T any] struct {
	store *Store
	kind  Kind
}

// NewTyped binds T to kind.
func NewTyped[T any](store *Store, kind Kind) *Typed[T] {
	return &Typed[T]{store: store, kind: kind}
}

// Load decodes the value for id. found is false, and value the zero T, when nothing was
// saved.
func (t *Typed[T]) Load(id string) (value T, found bool, err error) {
	rec, found, err := t.store.Load(t.kind, id)
	if err != nil || !found {
		return value, false, err
	}
	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		return value, false, fmt.Errorf("corrupt %s/%s (version %d): %w", t.kind, id, rec.Version, err)
	}
	return value, true, nil
}

// Save encodes and stores v for id.
func (t *Typed[T]) Save(id string, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", t.kind, id, err)
	}
	_, err = t.store.Save(t.kind, id, payload)
	return err
}

// Remove deletes the value for id.
func (t *Typed[T]) Remove(id string) error {
	return t.store.Remove(t.kind, id)
}

// All decodes every value of the kind, keyed by id.
func (t *Typed[T]) All() (map[string]T, error) {
	recs, err := t.store.List(t.kind)
	if err != nil {
		return nil, err
	}
	values := make(map[string]T, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			return nil, fmt.Errorf("corrupt %s/%s (version %d): %w", t.kind, rec.ID, rec.Version, err)
		}
		values[rec.ID] = v
	}
	return values, nil
}
