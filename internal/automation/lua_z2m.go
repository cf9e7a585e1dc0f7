//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	"z2m-hub/internal/controller"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerZ2MModule installs the `z2m` global table.
func registerZ2MModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return z2mOn(L, vm) },
		"get":          func(L *lua.LState) int { return z2mGet(L, e) },
		"set":          func(L *lua.LState) int { return z2mSet(L, e) },
		"execute":      func(L *lua.LState) int { return z2mExecute(L, e) },
		"availability": func(L *lua.LState) int { return z2mAvailability(L, e) },
		"after":        func(L *lua.LState) int { return z2mAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return z2mLog(L, vm, e) },
	})
	L.SetGlobal("z2m", mod)
}

// z2m.on(type, filter, fn)
func z2mOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	var fn *lua.LFunction

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("name"); v != lua.LNil {
			h.name = v.String()
		}
		if v := arg.RawGetString("property"); v != lua.LNil {
			h.property = v.String()
		}
		fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}
	h.fn = fn

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// z2m.get(key) returns the device or group as a table, or nil.
func z2mGet(L *lua.LState, e *Engine) int {
	it := e.gw.DeviceOrGroupByKey(L.CheckString(1))
	if it == nil {
		L.Push(lua.LNil)
		return 1
	}

	t := L.NewTable()
	t.RawSetString("name", lua.LString(it.FriendlyName()))
	t.RawSetString("id", lua.LString(it.ID()))
	t.RawSetString("kind", lua.LString(it.Kind))
	t.RawSetString("topic", lua.LString(it.Topic))
	t.RawSetString("availability", lua.LString(e.gw.Availability(it.Topic).String()))
	if it.CurrentValues.Valid() {
		t.RawSetString("values", payloadToLua(L, it.CurrentValues))
	} else {
		t.RawSetString("values", L.NewTable())
	}
	if it.Device != nil {
		t.RawSetString("model", lua.LString(it.Device.ModelID))
		t.RawSetString("readable", goToLua(L, it.Device.ReadableProperties()))
	}
	L.Push(t)
	return 1
}

// z2m.set(key, table) sends a state change.
func z2mSet(L *lua.LState, e *Engine) int {
	key := L.CheckString(1)
	payload, _ := luaToGo(L.CheckTable(2)).(map[string]any)
	res := e.gw.Execute(controller.Command{Kind: controller.CmdSetState, ID: key, Payload: payload})
	L.Push(resultToLua(L, res))
	return 1
}

// z2m.execute(kind, args) runs any command. args uses the JSON field
// names of controller.Command.
func z2mExecute(L *lua.LState, e *Engine) int {
	kind := L.CheckString(1)
	args := map[string]any{}
	if t, ok := L.Get(2).(*lua.LTable); ok {
		if m, ok := luaToGo(t).(map[string]any); ok {
			args = m
		}
	}
	args["kind"] = kind

	var cmd controller.Command
	raw, _ := json.Marshal(args)
	if err := json.Unmarshal(raw, &cmd); err != nil {
		L.ArgError(2, "invalid command arguments: "+err.Error())
		return 0
	}
	L.Push(resultToLua(L, e.gw.Execute(cmd)))
	return 1
}

// z2m.availability(key) returns "online", "offline" or "unknown".
func z2mAvailability(L *lua.LState, e *Engine) int {
	it := e.gw.DeviceOrGroupByKey(L.CheckString(1))
	if it == nil {
		L.Push(lua.LString("unknown"))
		return 1
	}
	L.Push(lua.LString(e.gw.Availability(it.Topic).String()))
	return 1
}

// z2m.after(seconds, fn) runs fn later on the script goroutine.
func z2mAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		queued := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		})
		if !queued {
			e.logger.Warn("after callback dropped", "id", vm.id)
		}
	}()
	return 0
}

// z2m.log(msg)
func z2mLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "id", vm.id, "msg", msg)
	return 0
}

func resultToLua(L *lua.LState, r controller.Result) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("success", lua.LBool(r.Success))
	t.RawSetString("error", lua.LBool(r.Error))
	t.RawSetString("description", lua.LString(r.Description))
	if r.Time > 0 {
		t.RawSetString("time", lua.LNumber(r.Time))
	}
	return t
}
