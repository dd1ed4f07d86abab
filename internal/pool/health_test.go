package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
)

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckServerHealthy(t *testing.T) {
	srv := healthyServer(t)
	p := New(DefaultConfig())

	status := p.CheckServer(context.Background(), testProfile("ward-a", srv.URL))
	if !status.Connected {
		t.Fatalf("Connected = false, error %q", status.Error)
	}
	if status.Method != domain.CheckMethodHealthEndpoint {
		t.Errorf("method = %v, want health endpoint", status.Method)
	}
	if status.ServerID != "ward-a" {
		t.Errorf("server id = %q, want ward-a", status.ServerID)
	}
	if status.CheckedAt.IsZero() {
		t.Error("checked-at timestamp missing")
	}
	if status.LatencyMillis < 0 {
		t.Errorf("latency = %d, want >= 0", status.LatencyMillis)
	}
}

func TestCheckServerFailing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(DefaultConfig())
	status := p.CheckServer(context.Background(), testProfile("ward-a", srv.URL))
	if status.Connected {
		t.Error("Connected = true for a 500 health endpoint")
	}
	if status.Error == "" {
		t.Error("failing probe should carry an error")
	}
}

func TestCheckServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := New(DefaultConfig())
	status := p.CheckServer(context.Background(), testProfile("ward-a", srv.URL))
	if status.Connected {
		t.Error("Connected = true for a closed server")
	}
	if status.Error == "" {
		t.Error("unreachable probe should carry an error")
	}
}

func TestCheckServerFallsBackToBaseProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(DefaultConfig())
	status := p.CheckServer(context.Background(), testProfile("ward-a", srv.URL))
	if !status.Connected {
		t.Fatalf("Connected = false, error %q", status.Error)
	}
	if status.Method != domain.CheckMethodBaseProbe {
		t.Errorf("method = %v, want base probe", status.Method)
	}
}

func TestCheckServerWalksHealthEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(DefaultConfig())
	prof := testProfile("ward-a", srv.URL)
	prof.Endpoints.Health = []string{"/health", "/api/health"}

	status := p.CheckServer(context.Background(), prof)
	if !status.Connected {
		t.Fatalf("Connected = false, error %q", status.Error)
	}
	if status.Method != domain.CheckMethodHealthEndpoint {
		t.Errorf("method = %v, want health endpoint", status.Method)
	}
	if len(status.Endpoints) != 2 {
		t.Fatalf("endpoint records = %d, want 2", len(status.Endpoints))
	}
	first, second := status.Endpoints[0], status.Endpoints[1]
	if first.Endpoint != "/health" || first.Reachable || first.StatusCode != http.StatusNotFound {
		t.Errorf("first record = %+v, want an unserved /health", first)
	}
	if second.Endpoint != "/api/health" || !second.Reachable {
		t.Errorf("second record = %+v, want a reachable /api/health", second)
	}
	if status.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want the reachable endpoint's", status.StatusCode)
	}
}

func TestCheckServerStopsAfterReachableEndpoint(t *testing.T) {
	var requests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 1
	p := New(cfg)

	prof := testProfile("ward-a", srv.URL)
	prof.Endpoints.Health = []string{"/health", "/api/health"}

	status := p.CheckServer(context.Background(), prof)
	if !status.Connected {
		t.Fatalf("Connected = false, error %q", status.Error)
	}
	if len(status.Endpoints) != 1 {
		t.Fatalf("endpoint records = %d, want only the first batch", len(status.Endpoints))
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestCheckServersProbesAll(t *testing.T) {
	good := healthyServer(t)
	p := New(DefaultConfig())

	profiles := []*domain.ServerProfile{
		testProfile("ward-a", good.URL),
		testProfile("ward-b", good.URL),
		testProfile("ward-c", good.URL),
	}

	results := p.CheckServers(context.Background(), profiles, false)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for id, st := range results {
		if !st.Connected {
			t.Errorf("server %s not connected: %s", id, st.Error)
		}
	}
}

func TestCheckServersShortCircuits(t *testing.T) {
	var probes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probes, 1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 2
	p := New(cfg)

	profiles := []*domain.ServerProfile{
		testProfile("ward-a", srv.URL),
		testProfile("ward-b", srv.URL),
		testProfile("ward-c", srv.URL),
		testProfile("ward-d", srv.URL),
	}

	results := p.CheckServers(context.Background(), profiles, true)
	if len(results) != 2 {
		t.Fatalf("results = %d, want only the first batch", len(results))
	}
	if _, ok := results["ward-c"]; ok {
		t.Error("ward-c should not have been probed after the first batch succeeded")
	}
	if got := atomic.LoadInt32(&probes); got != 2 {
		t.Errorf("probes = %d, want 2", got)
	}
}

func TestProbeFault(t *testing.T) {
	tests := []struct {
		name   string
		status *domain.ConnectivityStatus
		kind   fault.Kind
	}{
		{
			name:   "http status wins",
			status: &domain.ConnectivityStatus{ServerID: "ward-a", StatusCode: 503, Error: "health endpoint returned 503"},
			kind:   fault.KindServer,
		},
		{
			name:   "auth status",
			status: &domain.ConnectivityStatus{ServerID: "ward-a", StatusCode: 401, Error: "health endpoint returned 401"},
			kind:   fault.KindAuth,
		},
		{
			name:   "socket error classified",
			status: &domain.ConnectivityStatus{ServerID: "ward-a", Error: "dial tcp: connection refused"},
			kind:   fault.KindNetwork,
		},
		{
			name:   "no detail defaults to network",
			status: &domain.ConnectivityStatus{ServerID: "ward-a"},
			kind:   fault.KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := ProbeFault(tt.status, "connectivity")
			if fe.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", fe.Kind, tt.kind)
			}
			if fe.ServerID != "ward-a" {
				t.Errorf("ServerID = %q", fe.ServerID)
			}
			if fe.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}
