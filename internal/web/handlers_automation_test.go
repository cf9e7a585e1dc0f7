package web

import (
	"net/http"
	"strings"
	"testing"

	"z2m-hub/internal/automation"
)

func setupAutomationServer(t *testing.T) (*Server, *automation.Engine) {
	t.Helper()
	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var engine *automation.Engine
	srv, _, _ := setupTestServer(t, func(s *Server) {
		engine = automation.NewEngine(s.ctrl, mgr, testLogger())
		WithAutomation(engine, mgr)(s)
	})
	engine.Start()
	t.Cleanup(engine.Stop)
	return srv, engine
}

func TestAPIAutomationsDisabled(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/automations", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list: %d %s", w.Code, w.Body)
	}
	for _, req := range []struct{ method, path string }{
		{"GET", "/api/automations/x"},
		{"POST", "/api/automations/x/toggle"},
		{"POST", "/api/automations/x/run"},
	} {
		if w := do(t, srv, req.method, req.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", req.method, req.path, w.Code)
		}
	}
}

func TestAPIAutomationLifecycle(t *testing.T) {
	srv, engine := setupAutomationServer(t)

	w := do(t, srv, "POST", "/api/automations",
		`{"name":"Night light","lua_code":"z2m.on(\"message\", function(e) end)","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	created := decodeBody[savedScript](t, w)
	if created.ID == "" || created.LoadError != "" {
		t.Fatalf("created = %+v", created)
	}
	if engine.Running() != 1 {
		t.Errorf("running = %d, want 1", engine.Running())
	}

	w = do(t, srv, "GET", "/api/automations", "")
	list := decodeBody[[]automation.Script](t, w)
	if len(list) != 1 || list[0].Meta.Name != "Night light" {
		t.Errorf("list = %+v", list)
	}

	w = do(t, srv, "POST", "/api/automations/"+created.ID+"/toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", w.Code, w.Body)
	}
	if toggled := decodeBody[savedScript](t, w); toggled.Meta.Enabled {
		t.Error("toggle left script enabled")
	}
	if engine.Running() != 0 {
		t.Errorf("running after toggle = %d, want 0", engine.Running())
	}

	w = do(t, srv, "PUT", "/api/automations/"+created.ID,
		`{"description":"evening","lua_code":"z2m.log(\"hi\")","enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body)
	}
	updated := decodeBody[savedScript](t, w)
	if updated.Meta.Name != "Night light" || updated.Meta.Description != "evening" {
		t.Errorf("updated = %+v", updated.Meta)
	}

	w = do(t, srv, "POST", "/api/automations/"+created.ID+"/run", "")
	run := decodeBody[automation.RunResult](t, w)
	if !run.OK || len(run.Logs) != 1 || !strings.Contains(run.Logs[0], "hi") {
		t.Errorf("run = %+v", run)
	}

	if w := do(t, srv, "DELETE", "/api/automations/"+created.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body)
	}
	if w := do(t, srv, "GET", "/api/automations/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestAPIAutomationLoadError(t *testing.T) {
	srv, engine := setupAutomationServer(t)

	w := do(t, srv, "POST", "/api/automations", `{"name":"broken","lua_code":"this is not lua","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	if got := decodeBody[savedScript](t, w); got.LoadError == "" {
		t.Error("expected load_error for invalid code")
	}
	if engine.Running() != 0 {
		t.Errorf("running = %d, want 0", engine.Running())
	}
}

func TestAPIAutomationValidation(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"missing name", "POST", "/api/automations", `{"lua_code":""}`, http.StatusBadRequest},
		{"bad json", "POST", "/api/automations", `{`, http.StatusBadRequest},
		{"invalid id", "GET", "/api/automations/BAD", "", http.StatusBadRequest},
		{"unknown id", "GET", "/api/automations/nope", "", http.StatusNotFound},
		{"update unknown", "PUT", "/api/automations/nope", `{}`, http.StatusNotFound},
		{"delete unknown", "DELETE", "/api/automations/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestAPIRunInline(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	w := do(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code":"z2m.log(\"inline\")"}`)
	run := decodeBody[automation.RunResult](t, w)
	if !run.OK || len(run.Logs) != 1 || !strings.Contains(run.Logs[0], "inline") {
		t.Errorf("run = %+v", run)
	}

	w = do(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code":"error(\"boom\")"}`)
	run = decodeBody[automation.RunResult](t, w)
	if run.OK || !strings.Contains(run.Error, "boom") {
		t.Errorf("run = %+v", run)
	}
}
