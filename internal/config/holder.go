package config

import (
	"sync"
	"sync/atomic"
)

// Provider hands out read-only configuration snapshots.
type Provider interface {
	Current() *Config
}

// Holder keeps the active snapshot and a staged replacement. A reload only stages the new
// configuration; the engine swaps it in at the start of its next pass so that no pass ever
// observes two different configurations.
type Holder struct {
	path    string
	current atomic.Pointer[Config]

	mu     sync.Mutex
	staged *Config
}

// NewHolder creates a holder with an initial snapshot. path may be empty when the
// configuration did not come from a file (tests).
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the configuration file and stages it.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.Stage(cfg)
	return nil
}

// Stage queues cfg to become current on the next Swap.
func (h *Holder) Stage(cfg *Config) {
	h.mu.Lock()
	h.staged = cfg
	h.mu.Unlock()
}

// Swap activates a staged snapshot, reporting whether one was pending.
func (h *Holder) Swap() bool {
	h.mu.Lock()
	staged := h.staged
	h.staged = nil
	h.mu.Unlock()

	if staged == nil {
		return false
	}
	h.current.Store(staged)
	return true
}
