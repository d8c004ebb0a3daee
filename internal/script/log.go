package script

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// logLevels are the functions the log module exports.
var logLevels = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// logLoader returns the loader for require("log"). Every line carries the script path.
// Usage from Lua: log.info("closed today", {date = "2026-12-24"})
func logLoader(path string) lua.LGFunction {
	return func(L *lua.LState) int {
		fns := make(map[string]lua.LGFunction, len(logLevels))
		for name, level := range logLevels {
			fns[name] = logAt(path, level)
		}
		L.Push(L.SetFuncs(L.NewTable(), fns))
		return 1
	}
}

func logAt(path string, level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		ev := log.WithLevel(level).Str("script", path)
		if fields, ok := L.Get(2).(*lua.LTable); ok {
			fields.ForEach(func(k, v lua.LValue) {
				ev = ev.Interface(lua.LVAsString(k), luaScalar(v))
			})
		}
		ev.Msg(L.CheckString(1))
		return 0
	}
}

// luaScalar converts scalars; anything else is logged by its string form.
func luaScalar(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LNilType:
		return nil
	}
	return v.String()
}
