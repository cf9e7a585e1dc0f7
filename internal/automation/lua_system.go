//go:build !no_automation

package automation

import (
	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule installs the `system` global table with clock and
// leveled logging helpers.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e) },
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
	})
	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, e *Engine) int {
	component := L.CheckString(1)
	now := e.now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// is in [from, to). Ranges may wrap past midnight.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := e.now().Hour()

	if from <= to {
		L.Push(lua.LBool(hour >= from && hour < to))
	} else {
		L.Push(lua.LBool(hour >= from || hour < to))
	}
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm.logf != nil {
		vm.logf("[" + level + "] " + msg)
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "id", vm.id, "msg", msg)
	case "warn":
		e.logger.Warn("script log", "id", vm.id, "msg", msg)
	case "error":
		e.logger.Error("script log", "id", vm.id, "msg", msg)
	default:
		e.logger.Info("script log", "id", vm.id, "msg", msg)
	}
	return 0
}
