// Package script runs the optional Lua holiday hook.
//
// A script defines a global function holiday(t) where t has the fields year, month, day,
// weekday (0 = Sunday), hour and minute. It returns true when the house is on holiday. The
// script may require("log") for structured logging.
package script

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoHook is returned when the script does not define holiday().
var ErrNoHook = errors.New("script does not define holiday(t)")

// HolidayHook evaluates holiday(t) on a private Lua state. The state is not thread safe,
// so every call is serialized.
type HolidayHook struct {
	mu   sync.Mutex
	L    *lua.LState
	fn   *lua.LFunction
	path string
}

// Load compiles the script at path.
func Load(path string) (*HolidayHook, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	h, err := compile(path, string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Loaded holiday script")
	return h, nil
}

// Compile runs src and looks up its holiday function.
func Compile(src string) (*HolidayHook, error) {
	return compile("inline", src)
}

func compile(path, src string) (*HolidayHook, error) {
	L := lua.NewState()
	L.PreloadModule("log", logLoader(path))

	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	fn, ok := L.GetGlobal("holiday").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoHook
	}
	return &HolidayHook{L: L, fn: fn, path: path}, nil
}

// IsHoliday calls holiday(t) for the local time t. Errors leave the answer false.
func (h *HolidayHook) IsHoliday(t time.Time) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	arg := h.L.NewTable()
	h.L.SetField(arg, "year", lua.LNumber(t.Year()))
	h.L.SetField(arg, "month", lua.LNumber(int(t.Month())))
	h.L.SetField(arg, "day", lua.LNumber(t.Day()))
	h.L.SetField(arg, "weekday", lua.LNumber(int(t.Weekday())))
	h.L.SetField(arg, "hour", lua.LNumber(t.Hour()))
	h.L.SetField(arg, "minute", lua.LNumber(t.Minute()))

	if err := h.L.CallByParam(lua.P{Fn: h.fn, NRet: 1, Protect: true}, arg); err != nil {
		return false, fmt.Errorf("holiday hook %s failed: %w", h.path, err)
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Close releases the Lua state.
func (h *HolidayHook) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
}
