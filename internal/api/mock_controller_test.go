package api

import (
	"context"

	"github.com/dokzlo13/heatd/internal/ledger"
	"github.com/dokzlo13/heatd/internal/schedule"
	"github.com/dokzlo13/heatd/internal/status"
	"github.com/dokzlo13/heatd/internal/target"
)

// ---- Controller mock ----

type mockController struct {
	snapshot status.Snapshot

	overrideErr error
	override    target.Override
	lastRequest target.Request

	cancelExisted bool
	pauseErr      error

	modeErr      error
	lastMode     string
	lastSetpoint *float64

	holiday    *bool
	reloadErr  error
	recomputes int

	next    schedule.Change
	nextOK  bool
	nextErr error

	journal      []ledger.Entry
	journalErr   error
	journalRoom  string
	journalLimit int
}

func (m *mockController) Snapshot() status.Snapshot { return m.snapshot }

func (m *mockController) SetOverride(ctx context.Context, req target.Request) (target.Override, error) {
	m.lastRequest = req
	if m.overrideErr != nil {
		return target.Override{}, m.overrideErr
	}
	return m.override, nil
}

func (m *mockController) CancelOverride(ctx context.Context, room string) (bool, error) {
	return m.cancelExisted, nil
}

func (m *mockController) PauseOverride(ctx context.Context, room string) (target.Override, error) {
	if m.pauseErr != nil {
		return target.Override{}, m.pauseErr
	}
	o := m.override
	o.Paused = true
	return o, nil
}

func (m *mockController) ResumeOverride(ctx context.Context, room string) (target.Override, error) {
	return m.override, m.pauseErr
}

func (m *mockController) SetMode(room, mode string, manualSetpoint *float64) error {
	m.lastMode = mode
	m.lastSetpoint = manualSetpoint
	return m.modeErr
}

func (m *mockController) SetHoliday(on bool) error {
	m.holiday = &on
	return nil
}

func (m *mockController) Reload() error { return m.reloadErr }

func (m *mockController) RecomputeNow() { m.recomputes++ }

func (m *mockController) NextChange(room string) (schedule.Change, bool, error) {
	return m.next, m.nextOK, m.nextErr
}

func (m *mockController) Journal(room string, limit int) ([]ledger.Entry, error) {
	m.journalRoom = room
	m.journalLimit = limit
	return m.journal, m.journalErr
}
