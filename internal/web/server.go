// Package web serves the admin HTTP API and the WebSocket event stream of a
// gateway controller.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"z2m-hub/internal/automation"
	"z2m-hub/internal/controller"
	"z2m-hub/internal/events"
)

const maxBodyBytes = 1 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front of one controller.
type Server struct {
	ctrl           *controller.Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// wsEvent is the WebSocket frame for one controller event.
type wsEvent struct {
	Server string `json:"server"`
	events.Event
	Error  string             `json:"error,omitempty"`
	Status *controller.Status `json:"status,omitempty"`
}

// NewServer creates the server and starts relaying controller events to
// WebSocket clients. Call Stop to release it.
func NewServer(ctrl *controller.Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(func(ev events.Event) {
		msg := wsEvent{Server: ctrl.ID(), Event: ev}
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
		s.wsHub.Broadcast(msg)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)

	s.mux.HandleFunc("GET /api/bridge/info", s.handleAPIBridgeInfo)
	s.mux.HandleFunc("POST /api/bridge/restart", s.handleAPIRestart)
	s.mux.HandleFunc("POST /api/bridge/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("POST /api/bridge/log-level", s.handleAPILogLevel)
	s.mux.HandleFunc("POST /api/bridge/networkmap", s.handleAPINetworkMap)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/items/{key}", s.handleAPIGetItem)
	s.mux.HandleFunc("PATCH /api/devices/{key}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{key}", s.handleAPIRemoveDevice)
	s.mux.HandleFunc("PUT /api/devices/{key}/options", s.handleAPIDeviceOptions)
	s.mux.HandleFunc("POST /api/devices/{key}/set", s.handleAPISetState)
	s.mux.HandleFunc("POST /api/devices/{key}/get", s.handleAPIRequestState)

	s.mux.HandleFunc("POST /api/groups", s.handleAPIAddGroup)
	s.mux.HandleFunc("PATCH /api/groups/{key}", s.handleAPIRenameGroup)
	s.mux.HandleFunc("DELETE /api/groups/{key}", s.handleAPIRemoveGroup)
	s.mux.HandleFunc("POST /api/groups/{key}/members/{device}", s.handleAPIAddMember)
	s.mux.HandleFunc("DELETE /api/groups/{key}/members/{device}", s.handleAPIRemoveMember)

	s.mux.HandleFunc("POST /api/commands", s.handleAPICommand)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS and API key checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when optional is set. It writes the error response itself.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
