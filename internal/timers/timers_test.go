package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/heatd/internal/clock"
)

var t0 = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

func TestStartAndFire(t *testing.T) {
	clk := clock.NewFake(t0)
	var fired []Key
	s := New(clk, func(k Key) { fired = append(fired, k) })

	h := s.Start(MinOn, 3*time.Minute)
	assert.True(t, h.Valid())
	assert.True(t, s.Running(MinOn))
	assert.Equal(t, 3*time.Minute, s.Remaining(h))

	clk.Advance(time.Minute)
	assert.Equal(t, 2*time.Minute, s.RemainingKey(MinOn))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, []Key{MinOn}, fired)
	assert.False(t, s.Running(MinOn))
	assert.Zero(t, s.Remaining(h))
}

func TestRestartReplaces(t *testing.T) {
	clk := clock.NewFake(t0)
	var fired []Key
	s := New(clk, func(k Key) { fired = append(fired, k) })

	old := s.Start(OffDelay, 30*time.Second)
	clk.Advance(20 * time.Second)
	fresh := s.Start(OffDelay, 30*time.Second)

	assert.Zero(t, s.Remaining(old), "replaced handle is stale")
	// cancelling through a stale handle leaves the new timer alone
	s.Cancel(old)
	assert.True(t, s.Running(OffDelay))

	clk.Advance(20 * time.Second)
	assert.Empty(t, fired, "the replaced timer must not fire")

	clk.Advance(10 * time.Second)
	assert.Equal(t, []Key{OffDelay}, fired)
	assert.Zero(t, s.Remaining(fresh))
}

func TestCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	fired := 0
	s := New(clk, func(Key) { fired++ })

	h := s.Start(PumpOverrun, time.Minute)
	s.Cancel(h)
	s.Cancel(h)
	s.CancelKey(MinOff)

	s.Start(MinOff, time.Minute)
	s.CancelKey(MinOff)

	clk.Advance(time.Hour)
	assert.Zero(t, fired)
	assert.False(t, s.Running(PumpOverrun))
	assert.Empty(t, s.Deadlines())
}

func TestRestoreAndDeadlines(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(clk, nil)

	_, ok := s.Restore(MinOff, t0.Add(-time.Second))
	assert.False(t, ok)
	_, ok = s.Restore(MinOff, t0)
	assert.False(t, ok)

	h, ok := s.Restore(MinOn, t0.Add(90*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, s.Remaining(h))
	s.Start(PumpOverrun, 3*time.Minute)

	assert.Equal(t, map[Key]time.Time{
		MinOn:       t0.Add(90 * time.Second),
		PumpOverrun: t0.Add(3 * time.Minute),
	}, s.Deadlines())

	// a nil callback is allowed
	clk.Advance(5 * time.Minute)
	assert.Empty(t, s.Deadlines())
}

func TestSetOnFire(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(clk, nil)

	var got Key
	s.SetOnFire(func(k Key) { got = k })
	s.Start(MinOff, time.Second)
	clk.Advance(time.Second)
	assert.Equal(t, MinOff, got)
}
