package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"z2m-hub/internal/controller"
	"z2m-hub/internal/z2m"
)

const networkMapWait = 2 * time.Minute

// resultStatus maps a command result to an HTTP status.
func resultStatus(res controller.Result) int {
	if !res.Error {
		return http.StatusOK
	}
	switch res.Description {
	case controller.DescNotConnected:
		return http.StatusServiceUnavailable
	case controller.DescNoDevice, controller.DescNoGroup, controller.DescNoItem:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeResult(w http.ResponseWriter, res controller.Result) {
	s.writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type devicesResponse struct {
	Devices []*z2m.Item `json:"devices"`
	Groups  []*z2m.Item `json:"groups,omitempty"`
}

// handleAPIListDevices waits for the topology when it is not known yet.
// ?groups=1 adds the groups.
func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	withGroups := r.URL.Query().Get("groups") == "1" || r.URL.Query().Get("groups") == "true"
	devices, groups, err := s.ctrl.GetDevices(r.Context(), withGroups)
	if err != nil {
		if errors.Is(err, controller.ErrTopologyTimeout) {
			s.writeError(w, http.StatusGatewayTimeout, "zigbee2mqtt did not publish its devices")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, devicesResponse{Devices: devices, Groups: groups})
}

type itemResponse struct {
	*z2m.Item
	Availability string `json:"availability"`
	Color        string `json:"color"`
}

func (s *Server) handleAPIGetItem(w http.ResponseWriter, r *http.Request) {
	it := s.ctrl.DeviceOrGroupByKey(r.PathValue("key"))
	if it == nil {
		s.writeError(w, http.StatusNotFound, controller.DescNoItem)
		return
	}
	avail := s.ctrl.Availability(it.Topic)
	s.writeJSON(w, http.StatusOK, itemResponse{Item: it, Availability: avail.String(), Color: avail.Color()})
}

func (s *Server) handleAPIBridgeInfo(w http.ResponseWriter, r *http.Request) {
	info := s.ctrl.BridgeInfo()
	if info == nil {
		s.writeError(w, http.StatusNotFound, "bridge info not received yet")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.ctrl.Restart())
}

type permitJoinRequest struct {
	Enabled bool `json:"enabled"`
	// Time accepts a number or a numeric string.
	Time any `json:"time"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	s.writeResult(w, s.ctrl.Execute(controller.Command{
		Kind:   controller.CmdPermitJoin,
		Enable: req.Enabled,
		Time:   req.Time,
	}))
}

type logLevelRequest struct {
	LogLevel string `json:"log_level"`
}

func (s *Server) handleAPILogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	s.writeResult(w, s.ctrl.SetLogLevel(req.LogLevel))
}

type networkMapRequest struct {
	Type string `json:"type"`
	Wait bool   `json:"wait"`
}

// handleAPINetworkMap requests a scan. With wait set it blocks until the
// gateway answers and returns the map.
func (s *Server) handleAPINetworkMap(w http.ResponseWriter, r *http.Request) {
	var req networkMapRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	if !req.Wait {
		s.writeResult(w, s.ctrl.RequestNetworkMap(req.Type))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), networkMapWait)
	defer cancel()
	p, err := s.ctrl.NetworkMap(ctx, req.Type)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, p)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, controller.ErrTopologyTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "network map not received")
	case err.Error() == controller.DescNotConnected:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Warn("network map", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

type nameRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	s.writeResult(w, s.ctrl.RenameDevice(r.PathValue("key"), req.FriendlyName))
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.ctrl.RemoveDevice(r.PathValue("key")))
}

func (s *Server) handleAPIDeviceOptions(w http.ResponseWriter, r *http.Request) {
	var options map[string]any
	if !s.decodeBody(w, r, &options, false) {
		return
	}
	s.writeResult(w, s.ctrl.SetDeviceOptions(r.PathValue("key"), options))
}

func (s *Server) handleAPISetState(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !s.decodeBody(w, r, &payload, false) {
		return
	}
	s.writeResult(w, s.ctrl.SetState(r.PathValue("key"), payload))
}

type requestStateRequest struct {
	Properties []string `json:"properties"`
}

func (s *Server) handleAPIRequestState(w http.ResponseWriter, r *http.Request) {
	var req requestStateRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	s.writeResult(w, s.ctrl.RequestState(r.PathValue("key"), req.Properties))
}

func (s *Server) handleAPIAddGroup(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	s.writeResult(w, s.ctrl.AddGroup(req.FriendlyName))
}

func (s *Server) handleAPIRenameGroup(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	s.writeResult(w, s.ctrl.RenameGroup(r.PathValue("key"), req.FriendlyName))
}

func (s *Server) handleAPIRemoveGroup(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.ctrl.RemoveGroup(r.PathValue("key")))
}

func (s *Server) handleAPIAddMember(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.ctrl.AddDeviceToGroup(r.PathValue("device"), r.PathValue("key")))
}

func (s *Server) handleAPIRemoveMember(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.ctrl.RemoveDeviceFromGroup(r.PathValue("device"), r.PathValue("key")))
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var cmd controller.Command
	if !s.decodeBody(w, r, &cmd, false) {
		return
	}
	s.writeResult(w, s.ctrl.Execute(cmd))
}
