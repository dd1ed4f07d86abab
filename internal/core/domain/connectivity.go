package domain

import "time"

type CheckMethod string

const (
	CheckMethodHealthEndpoint CheckMethod = "health_endpoint"
	CheckMethodBaseProbe      CheckMethod = "base_probe"
)

// EndpointProbe records one health endpoint's outcome within a server
// probe.
type EndpointProbe struct {
	Endpoint      string `json:"endpoint"`
	Reachable     bool   `json:"reachable"`
	LatencyMillis int64  `json:"latency_ms"`
	StatusCode    int    `json:"status_code,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ConnectivityStatus is the outcome of probing one server. The
// top-level fields describe the endpoint that decided the verdict;
// Endpoints carries the per-path outcomes behind it. StatusCode is
// zero when the probe never got an HTTP response.
type ConnectivityStatus struct {
	ServerID      string          `json:"server_id"`
	Connected     bool            `json:"connected"`
	LatencyMillis int64           `json:"latency_ms"`
	Method        CheckMethod     `json:"method"`
	StatusCode    int             `json:"status_code,omitempty"`
	CheckedAt     time.Time       `json:"checked_at"`
	Endpoints     []EndpointProbe `json:"endpoints,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ValidationResult captures structural validation of a server profile.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
