package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/switchover"
)

// Server exposes the engine's state and controls over HTTP for the
// on-device UI and fleet diagnostics.
type Server struct {
	engine *Engine
	server *http.Server
}

// NewServer creates the status server on the given port.
func NewServer(engine *Engine, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		engine: engine,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/servers", s.handleServers)
	mux.HandleFunc("/switches", s.handleSwitches)
	mux.HandleFunc("/switch", s.handleSwitch)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports the device's view of the fleet: ok when the
// active server has a fresh reachable snapshot, degraded when only
// some other server does, unreachable (503) when none does.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := s.engine.ConnectivitySnapshots(r.Context())
	active := s.engine.ActiveServer()

	status := "unreachable"
	if st, ok := snapshots[active]; ok && st.Connected {
		status = "ok"
	} else {
		for _, st := range snapshots {
			if st.Connected {
				status = "degraded"
				break
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status == "unreachable" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":        status,
		"active_server": active,
	})
}

type serverStatus struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	BaseURL      string                     `json:"base_url"`
	Active       bool                       `json:"active"`
	Connectivity *domain.ConnectivityStatus `json:"connectivity,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	snapshots := s.engine.ConnectivitySnapshots(r.Context())
	active := s.engine.ActiveServer()

	profiles := s.engine.Profiles()
	out := make([]serverStatus, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, serverStatus{
			ID:           p.ID,
			Name:         p.Name,
			BaseURL:      p.BaseURL,
			Active:       p.ID == active,
			Connectivity: snapshots[p.ID],
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleSwitches(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := s.engine.SwitchHistory(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}

// handleSwitch triggers a switch. The body names the target and
// optionally the expected current server; an empty "from" means the
// currently active one.
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.SwitchServer(r.Context(), req.From, req.To, switchover.DefaultOptions())

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := http.StatusBadGateway
		var fe *fault.Error
		if errors.As(err, &fe) && (fe.Kind == fault.KindConfig || fe.Kind == fault.KindValidation) {
			code = http.StatusBadRequest
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	json.NewEncoder(w).Encode(res)
}
