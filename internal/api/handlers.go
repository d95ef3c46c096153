package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		States:        make(map[string]int),
	}
	for _, st := range s.deps.Plugins.List() {
		resp.Plugins++
		resp.States[string(st.State)]++
		if expectedRunning(st) && st.State != lifecycle.StateRunning {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// expectedRunning is false for plugins an operator or the config has parked.
func expectedRunning(st lifecycle.Status) bool {
	if st.ManualDisabled || st.ConfigDisabled {
		return false
	}
	return st.State != lifecycle.StateStopped && st.State != lifecycle.StateUnloaded
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: s.deps.Plugins.List()})
}

// handleGetPlugin handles GET /plugins/{name}.
func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.deps.Plugins.Status(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleListHandlers handles GET /handlers, optionally filtered by ?plugin=.
func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Handlers.List()
	filter := r.URL.Query().Get("plugin")
	if filter == "" {
		respondJSON(w, http.StatusOK, HandlerListResponse{Handlers: all})
		return
	}
	out := make([]registry.Info, 0, len(all))
	for _, h := range all {
		if h.Plugin == filter {
			out = append(out, h)
		}
	}
	respondJSON(w, http.StatusOK, HandlerListResponse{Handlers: out})
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m Metrics
	if s.deps.Metrics != nil {
		m = s.deps.Metrics.Metrics()
	}
	m.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	respondJSON(w, http.StatusOK, m)
}

// handleDisable handles POST /plugins/{name}/disable. The plugin stays
// disabled across restarts until enabled again.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "disabled via API"
	}
	s.pluginAction(w, r, "disable", func(ctx context.Context, name string) error {
		return s.deps.Plugins.Disable(ctx, name, req.Reason)
	})
}

// handleEnable handles POST /plugins/{name}/enable.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, "enable", s.deps.Plugins.Enable)
}

// handleStop handles POST /plugins/{name}/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, "stop", s.deps.Plugins.Stop)
}

// handleReload handles POST /plugins/{name}/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.pluginAction(w, r, "reload", s.deps.Plugins.ReloadByName)
}

func (s *Server) pluginAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	name := chi.URLParam(r, "name")
	err := fn(r.Context(), name)

	switch {
	case errors.Is(err, lifecycle.ErrUnknownPlugin):
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	st, statusErr := s.deps.Plugins.Status(name)
	if statusErr != nil {
		if err != nil {
			s.logger.Error("plugin action failed", "action", action, "plugin", name, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	resp := ActionResponse{Action: action, Plugin: st}
	code := http.StatusOK
	if err != nil {
		// The action ran but the plugin did not come up cleanly.
		s.logger.Warn("plugin action failed", "action", action, "plugin", name, "error", err)
		resp.Error = err.Error()
		code = http.StatusUnprocessableEntity
	} else {
		s.logger.Info("plugin action", "action", action, "plugin", name)
	}
	respondJSON(w, code, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
