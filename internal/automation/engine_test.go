//go:build !no_automation

package automation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"z2m-hub/internal/controller"
	"z2m-hub/internal/events"
	"z2m-hub/internal/z2m"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGateway records commands and serves a fixed set of items.
type stubGateway struct {
	hub   *events.Hub
	mu    sync.Mutex
	items map[string]*z2m.Item
	avail map[string]z2m.Availability
	cmds  []controller.Command
}

func newStubGateway() *stubGateway {
	lamp := z2m.NewDeviceItem(&z2m.Device{
		IEEEAddress:  "0x00124b0001",
		FriendlyName: "lamp",
		ModelID:      "LED1545G12",
		Definition: &z2m.Definition{Exposes: []z2m.Expose{
			{Type: "light", Features: []z2m.Expose{
				{Type: "binary", Name: "state", Property: "state", Access: 7},
			}},
		}},
	}, "zigbee2mqtt/lamp", z2m.ObjectPayload(map[string]any{"state": "ON"}))
	group := z2m.NewGroupItem(&z2m.Group{ID: 1, FriendlyName: "living"}, "zigbee2mqtt/living", z2m.Payload{})

	return &stubGateway{
		hub: events.NewHub(testLogger()),
		items: map[string]*z2m.Item{
			"lamp":         lamp,
			"0x00124b0001": lamp,
			"living":       group,
			"1":            group,
		},
		avail: map[string]z2m.Availability{"zigbee2mqtt/lamp": z2m.AvailabilityOnline},
	}
}

func (g *stubGateway) Events() *events.Hub { return g.hub }

func (g *stubGateway) DeviceOrGroupByKey(key string) *z2m.Item { return g.items[key] }

func (g *stubGateway) Availability(t string) z2m.Availability { return g.avail[t] }

func (g *stubGateway) Execute(cmd controller.Command) controller.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cmds = append(g.cmds, cmd)
	return controller.Result{Success: true, Description: controller.DescSent}
}

func (g *stubGateway) commands() []controller.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]controller.Command(nil), g.cmds...)
}

func (g *stubGateway) waitCommands(t *testing.T, n int) []controller.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cmds := g.commands(); len(cmds) >= n {
			return cmds
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, got %d", n, len(g.commands()))
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *stubGateway, *Manager) {
	t.Helper()
	gw := newStubGateway()
	mgr := newTestManager(t)
	e := NewEngine(gw, mgr, testLogger())
	t.Cleanup(e.Stop)
	return e, gw, mgr
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"float64", 3.14, lua.LTNumber},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"map", map[string]any{"a": 1.0}, lua.LTTable},
		{"slice", []any{1.0, 2.0}, lua.LTTable},
		{"strings", []string{"state"}, lua.LTTable},
		{"other", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestLuaToGo(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`v = {state = "ON", brightness = 128, color = {x = 0.3}, list = {1, 2}, flag = true}`); err != nil {
		t.Fatal(err)
	}
	got, ok := luaToGo(L.GetGlobal("v")).(map[string]any)
	if !ok {
		t.Fatalf("luaToGo = %T, want map", luaToGo(L.GetGlobal("v")))
	}
	if got["state"] != "ON" || got["brightness"] != 128.0 || got["flag"] != true {
		t.Errorf("scalars = %v", got)
	}
	if c, _ := got["color"].(map[string]any); c["x"] != 0.3 {
		t.Errorf("color = %v", got["color"])
	}
	if l, _ := got["list"].([]any); len(l) != 2 || l[0] != 1.0 {
		t.Errorf("list = %v", got["list"])
	}
	if luaToGo(lua.LNil) != nil {
		t.Error("luaToGo(nil) should be nil")
	}
}

func TestMatchesHandler(t *testing.T) {
	gw := newStubGateway()
	lamp := gw.items["lamp"]
	msg := events.Event{
		Type:    events.MessageReceived,
		Item:    lamp,
		Payload: z2m.ObjectPayload(map[string]any{"state": "OFF"}),
	}
	unknown := events.Event{Type: events.MessageReceived, Payload: z2m.ObjectPayload(map[string]any{"state": "OFF"})}

	tests := []struct {
		name  string
		h     luaEventHandler
		event events.Event
		want  bool
	}{
		{"type only", luaEventHandler{eventType: "message"}, msg, true},
		{"type mismatch", luaEventHandler{eventType: "availability"}, msg, false},
		{"name match", luaEventHandler{eventType: "message", name: "lamp"}, msg, true},
		{"ieee match", luaEventHandler{eventType: "message", name: "0x00124B0001"}, msg, true},
		{"name mismatch", luaEventHandler{eventType: "message", name: "plug"}, msg, false},
		{"name without item", luaEventHandler{eventType: "message", name: "lamp"}, unknown, false},
		{"property present", luaEventHandler{eventType: "message", property: "state"}, msg, true},
		{"property absent", luaEventHandler{eventType: "message", property: "brightness"}, msg, false},
		{"bridge state", luaEventHandler{eventType: "bridge_state"}, events.Event{Type: events.BridgeStateChanged}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, tt.event); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	gw := newStubGateway()
	ev := events.Event{
		Type:    events.MessageReceived,
		Topic:   "zigbee2mqtt/lamp",
		Item:    gw.items["lamp"],
		Payload: z2m.ObjectPayload(map[string]any{"brightness": 10.0}),
		Merged:  z2m.ObjectPayload(map[string]any{"state": "ON", "brightness": 10.0}),
	}
	tbl := eventTable(L, luaEventHandler{eventType: "message", property: "brightness"}, ev)

	checks := map[string]string{
		"type":     "message",
		"topic":    "zigbee2mqtt/lamp",
		"name":     "lamp",
		"id":       "0x00124b0001",
		"kind":     "device",
		"property": "brightness",
		"value":    "10",
	}
	for k, want := range checks {
		if got := tbl.RawGetString(k).String(); got != want {
			t.Errorf("event.%s = %q, want %q", k, got, want)
		}
	}
	values, ok := tbl.RawGetString("values").(*lua.LTable)
	if !ok || values.RawGetString("state").String() != "ON" {
		t.Errorf("event.values = %v", tbl.RawGetString("values"))
	}
	if tbl.RawGetString("online") != lua.LNil {
		t.Error("message events carry no online flag")
	}
}

func TestRunLuaCode(t *testing.T) {
	e, gw, _ := newTestEngine(t)

	res := e.RunLuaCode(`
z2m.log("hello")
system.log("warn", "careful")
z2m.on("message", {name = "lamp", property = "state"}, function(ev)
  if ev.value == true then
    z2m.set("lamp", {state = "OFF"})
  end
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, "|") != "hello|[warn] careful" {
		t.Errorf("logs = %v", res.Logs)
	}
	cmds := gw.commands()
	if len(cmds) != 1 || cmds[0].Kind != controller.CmdSetState || cmds[0].ID != "lamp" || cmds[0].Payload["state"] != "OFF" {
		t.Errorf("commands = %+v", cmds)
	}
}

func TestRunLuaCodeError(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `z2m.log(`},
		{"runtime", `error("boom")`},
		{"sandbox os", `os.exit(1)`},
		{"sandbox io", `io.open("/etc/passwd")`},
		{"sandbox load", `load("return 1")()`},
		{"handler error", `z2m.on("message", function() error("bad") end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want error", res)
			}
		})
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if res := e.RunScript("missing"); res.OK || !strings.Contains(res.Error, "not found") {
		t.Errorf("result = %+v", res)
	}
}

func TestEngineDispatchesEvents(t *testing.T) {
	e, gw, mgr := newTestEngine(t)

	_, err := mgr.Save(&Script{
		Meta: ScriptMeta{Name: "Night off", Enabled: true},
		LuaCode: `
z2m.on("message", {name = "lamp", property = "state"}, function(ev)
  if ev.value == "ON" then
    z2m.set(ev.name, {state = "OFF", brightness = ev.values.brightness})
  end
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Disabled"}, LuaCode: `z2m.on("message", function() z2m.set("lamp", {}) end)`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if got := e.Running(); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}

	gw.hub.Emit(events.Event{
		Type:    events.MessageReceived,
		Item:    gw.items["lamp"],
		Payload: z2m.ObjectPayload(map[string]any{"state": "ON"}),
		Merged:  z2m.ObjectPayload(map[string]any{"state": "ON", "brightness": 42.0}),
	})
	// Filtered out by name.
	gw.hub.Emit(events.Event{
		Type:    events.MessageReceived,
		Item:    gw.items["living"],
		Payload: z2m.ObjectPayload(map[string]any{"state": "ON"}),
	})

	cmds := gw.waitCommands(t, 1)
	time.Sleep(20 * time.Millisecond)
	if cmds = gw.commands(); len(cmds) != 1 {
		t.Fatalf("commands = %+v, want 1", cmds)
	}
	if cmds[0].ID != "lamp" || cmds[0].Payload["state"] != "OFF" || cmds[0].Payload["brightness"] != 42.0 {
		t.Errorf("command = %+v", cmds[0])
	}
}

func TestEngineStopUnsubscribes(t *testing.T) {
	e, gw, mgr := newTestEngine(t)
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "a", Enabled: true}, LuaCode: `z2m.log("a")`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if gw.hub.Len() != 1 {
		t.Fatalf("hub handlers = %d, want 1", gw.hub.Len())
	}
	e.Stop()
	if gw.hub.Len() != 0 {
		t.Errorf("hub handlers after stop = %d, want 0", gw.hub.Len())
	}
	if e.Running() != 0 {
		t.Errorf("running after stop = %d", e.Running())
	}
	e.Stop()
}

func TestEngineReloadScript(t *testing.T) {
	e, _, mgr := newTestEngine(t)
	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "toggle", Enabled: true}, LuaCode: `z2m.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()

	s.Meta.Enabled = false
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running() != 0 {
		t.Errorf("running = %d after disabling", e.Running())
	}

	s.Meta.Enabled = true
	s.LuaCode = `this is not lua`
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("reload of broken script should fail")
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("reload of missing script should fail")
	}
}

func TestZ2MModule(t *testing.T) {
	e, gw, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local lamp = z2m.get("lamp")
assert(lamp.name == "lamp", "name")
assert(lamp.kind == "device", "kind")
assert(lamp.values.state == "ON", "values")
assert(lamp.availability == "online", "availability")
assert(lamp.readable[1] == "state", "readable")
assert(z2m.get("nothing") == nil, "unknown item")
assert(z2m.get("living").values ~= nil, "group values")
assert(z2m.availability("lamp") == "online")
assert(z2m.availability("living") == "unknown")
assert(z2m.availability("nothing") == "unknown")
local r = z2m.execute("permit_join", {enable = true, time = 120})
assert(r.success and not r.error, "result")
z2m.execute("rename_device", {id = "lamp", name = "desk"})
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}

	cmds := gw.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %+v", cmds)
	}
	if cmds[0].Kind != controller.CmdPermitJoin || !cmds[0].Enable || cmds[0].Time != 120.0 {
		t.Errorf("permit join = %+v", cmds[0])
	}
	if cmds[1].Kind != controller.CmdRenameDevice || cmds[1].ID != "lamp" || cmds[1].Name != "desk" {
		t.Errorf("rename = %+v", cmds[1])
	}
}

func TestZ2MOnLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`for i = 1, 101 do z2m.on("message", function() end) end`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v", res)
	}
}

func TestZ2MAfter(t *testing.T) {
	e, gw, mgr := newTestEngine(t)
	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "later", Enabled: true},
		LuaCode: `z2m.after(0.01, function() z2m.set("lamp", {state = "ON"}) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	cmds := gw.waitCommands(t, 1)
	if cmds[0].Payload["state"] != "ON" {
		t.Errorf("command = %+v", cmds[0])
	}
}

func TestStartSkipsBrokenScripts(t *testing.T) {
	e, _, mgr := newTestEngine(t)
	if err := os.WriteFile(filepath.Join(mgr.Dir(), "broken.lua"), []byte("-- {\"name\":\"b\",\"enabled\":true}\nnot lua at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "ok", Enabled: true}, LuaCode: `z2m.log("ok")`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running() != 1 {
		t.Errorf("running = %d, want 1", e.Running())
	}
}
