//go:build !no_automation

// Package automation runs user Lua scripts against a gateway controller.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"z2m-hub/internal/controller"
	"z2m-hub/internal/events"
	"z2m-hub/internal/z2m"

	lua "github.com/yuin/gopher-lua"
)

const (
	commandQueue = 64
	runTimeout   = 5 * time.Second
)

// Gateway is the part of a controller scripts can reach.
// *controller.Controller implements it.
type Gateway interface {
	Events() *events.Hub
	DeviceOrGroupByKey(key string) *z2m.Item
	Availability(t string) z2m.Availability
	Execute(cmd controller.Command) controller.Result
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered by z2m.on.
type luaEventHandler struct {
	eventType string
	name      string // friendly name or id; empty matches any
	property  string // payload key; empty matches any
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one running script. All access to the
// state goes through commands, drained by a single goroutine.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
	logf     func(msg string)
}

// Engine runs enabled scripts and feeds them controller events.
type Engine struct {
	gw      Gateway
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine for gw.
func NewEngine(gw Gateway, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to controller events and starts every enabled script.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.unsub == nil {
		e.unsub = e.gw.Events().OnAll(e.dispatchEvent)
	}
	e.mu.Unlock()

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop stops every script and unsubscribes from controller events.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of running scripts.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript runs a stored script once. See RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode runs code in a throwaway VM and then calls each handler it
// registered once with a synthetic event. Commands issued by the code are
// sent for real. Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel, "run")
	vm.logf = func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: e.now().Sub(start).String()}
		if err != nil {
			r.Error = luaError(err)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.name != "" {
			ev.RawSetString("name", lua.LString(h.name))
		}
		if h.property != "" {
			ev.RawSetString("property", lua.LString(h.property))
		}
		ev.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func luaError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return err.Error()
}

// newVM builds a sandboxed Lua state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerZ2MModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// enqueue hands fn to the script goroutine without blocking.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// dispatchEvent queues ev for every matching handler. It runs on the
// ingestion goroutine and never blocks.
func (e *Engine) dispatchEvent(ev events.Event) {
	if ev.Type == events.Stopping {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, ev) {
				continue
			}
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, h, ev) }) {
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "type", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, ev events.Event) bool {
	if h.eventType != string(ev.Type) {
		return false
	}
	if h.name != "" {
		if ev.Item == nil {
			return false
		}
		if h.name != ev.Item.FriendlyName() && !strings.EqualFold(h.name, ev.Item.ID()) {
			return false
		}
	}
	if h.property != "" {
		if _, ok := ev.Payload.Get(h.property); !ok {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, h luaEventHandler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "panic", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, h, ev)); err != nil {
		e.logger.Error("lua handler error", "type", ev.Type, "err", err)
	}
}

// eventTable converts ev into the table passed to Lua handlers.
func eventTable(L *lua.LState, h luaEventHandler, ev events.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	if ev.Topic != "" {
		t.RawSetString("topic", lua.LString(ev.Topic))
	}
	if ev.Item != nil {
		t.RawSetString("name", lua.LString(ev.Item.FriendlyName()))
		t.RawSetString("id", lua.LString(ev.Item.ID()))
		t.RawSetString("kind", lua.LString(ev.Item.Kind))
	}
	if ev.Payload.Valid() {
		t.RawSetString("payload", payloadToLua(L, ev.Payload))
	}
	if ev.Merged.Valid() {
		t.RawSetString("values", payloadToLua(L, ev.Merged))
	}
	switch ev.Type {
	case events.AvailabilityChanged, events.ConnectivityChanged, events.BridgeStateChanged:
		t.RawSetString("online", lua.LBool(ev.Online))
	}
	if ev.Type == events.BridgeStateChanged {
		t.RawSetString("changed", lua.LBool(ev.Changed))
	}
	if ev.State != "" {
		t.RawSetString("state", lua.LString(ev.State))
	}
	if h.property != "" {
		v, _ := ev.Payload.Get(h.property)
		t.RawSetString("property", lua.LString(h.property))
		t.RawSetString("value", goToLua(L, v))
	}
	return t
}

func payloadToLua(L *lua.LState, p z2m.Payload) lua.LValue {
	if p.IsObject() {
		return goToLua(L, p.Fields)
	}
	return lua.LString(p.Text)
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// luaToGo converts a Lua value to its JSON-compatible Go form. Tables
// with a non-empty array part become slices, other tables become maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				out[string(ks)] = luaToGo(vv)
			}
		})
		return out
	default:
		return nil
	}
}
