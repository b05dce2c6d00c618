package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"refoss-lan/internal/coordinator"
)

// Device round-trips can take a full RPC timeout plus the initial update.
const deviceOpTimeout = 30 * time.Second

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	info, err := s.devices.Get(r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type hostRequest struct {
	Host string `json:"host"`
}

func (s *Server) decodeHost(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req hostRequest
	if !s.decodeBody(w, r, &req) {
		return "", false
	}
	host := strings.TrimSpace(req.Host)
	if host == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host is required"})
		return "", false
	}
	return host, true
}

func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	host, ok := s.decodeHost(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceOpTimeout)
	defer cancel()
	rec, err := s.devices.Add(ctx, host)
	if err != nil {
		s.writeError(w, "add device", err)
		return
	}

	info, err := s.devices.Get(rec.UUID)
	if err != nil {
		s.writeJSON(w, http.StatusCreated, rec)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleAPIProbeDevice(w http.ResponseWriter, r *http.Request) {
	host, ok := s.decodeHost(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceOpTimeout)
	defer cancel()
	id, err := s.devices.Probe(ctx, host)
	if err != nil {
		s.writeError(w, "probe device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, id)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	var req renameDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.devices.Rename(uuid, req.Name); err != nil {
		s.writeError(w, "rename device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": strings.TrimSpace(req.Name)})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Remove(r.PathValue("uuid")); err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshDevice(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	ctx, cancel := context.WithTimeout(r.Context(), deviceOpTimeout)
	defer cancel()
	if err := s.devices.Refresh(ctx, uuid); err != nil {
		s.writeError(w, "refresh device", err)
		return
	}

	info, err := s.devices.Get(uuid)
	if err != nil {
		s.writeError(w, "refresh device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := s.devices.Diagnostics(r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, "diagnostics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleAPISwitch(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	channel, err := strconv.Atoi(r.PathValue("channel"))
	if err != nil || channel < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}
	action := r.PathValue("action")
	switch action {
	case coordinator.ActionOn, coordinator.ActionOff, coordinator.ActionToggle:
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be on, off or toggle"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceOpTimeout)
	defer cancel()
	if err := s.devices.SetSwitch(ctx, uuid, channel, action); err != nil {
		s.writeError(w, "switch", err)
		return
	}

	resp := map[string]any{"status": "ok", "channel": channel}
	if info, err := s.devices.Get(uuid); err == nil {
		if on, ok := info.States[channel]; ok {
			resp["on"] = on
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
