package web

import (
	"errors"
	"net/http"

	"z2m-hub/internal/automation"
)

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "automations not enabled")
		return false
	}
	return true
}

// writeScriptError maps manager errors to HTTP statuses.
func (s *Server) writeScriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case errors.Is(err, automation.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "invalid script id")
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// reload restarts or stops a script after it changed on disk. Compile
// errors are reported to the caller but the script stays saved.
func (s *Server) reload(script *automation.Script) string {
	if s.autoEngine == nil {
		return ""
	}
	if !script.Meta.Enabled {
		s.autoEngine.StopScript(script.ID)
		return ""
	}
	if err := s.autoEngine.ReloadScript(script.ID); err != nil {
		s.logger.Warn("reload script", "id", script.ID, "err", err)
		return err.Error()
	}
	return ""
}

type savedScript struct {
	*automation.Script
	LoadError string `json:"load_error,omitempty"`
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeScriptError(w, "list scripts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeScriptError(w, "create script", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, savedScript{Script: saved, LoadError: s.reload(saved)})
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}

	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeScriptError(w, "update script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, savedScript{Script: saved, LoadError: s.reload(saved)})
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.writeScriptError(w, "toggle script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, savedScript{Script: saved, LoadError: s.reload(saved)})
}

// handleAPIRunAutomation runs a stored script once, or the lua_code of the
// request body when the id is _inline.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automations not enabled")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}
