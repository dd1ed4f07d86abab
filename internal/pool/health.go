package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/metrics"
)

// CheckServer probes one server through its pooled connection. Declared
// health paths are tried in order; servers publishing none of them fall
// back to a probe of the base URL.
func (p *Pool) CheckServer(ctx context.Context, profile *domain.ServerProfile) *domain.ConnectivityStatus {
	conn, err := p.Acquire(ctx, profile)
	if err != nil {
		return &domain.ConnectivityStatus{
			ServerID:  profile.ID,
			Method:    domain.CheckMethodHealthEndpoint,
			CheckedAt: time.Now(),
			Error:     err.Error(),
		}
	}
	defer p.Release(conn)

	status := p.probe(ctx, conn.Client, profile)
	p.setHealthy(profile.ID, status.Connected)

	outcome := "success"
	if !status.Connected {
		outcome = "failure"
	}
	metrics.HealthChecksTotal.WithLabelValues(profile.ID, outcome).Inc()
	if status.Connected {
		metrics.HealthCheckLatency.WithLabelValues(profile.ID).
			Observe(float64(status.LatencyMillis) / 1000)
	}
	return status
}

// CheckServers probes servers in batches of min(maxConcurrentRequests,
// remaining). With stopOnFirstSuccess, probing halts after the first
// batch containing a reachable server; servers never probed are absent
// from the result.
func (p *Pool) CheckServers(
	ctx context.Context,
	profiles []*domain.ServerProfile,
	stopOnFirstSuccess bool,
) map[string]*domain.ConnectivityStatus {
	results := make(map[string]*domain.ConnectivityStatus, len(profiles))
	if len(profiles) == 0 {
		return results
	}

	batchSize := min(p.cfg.MaxConcurrentRequests, len(profiles))
	var mu sync.Mutex

	for start := 0; start < len(profiles); start += batchSize {
		end := min(start+batchSize, len(profiles))
		batch := profiles[start:end]

		var wg sync.WaitGroup
		for _, prof := range batch {
			wg.Add(1)
			go func(prof *domain.ServerProfile) {
				defer wg.Done()
				st := p.CheckServer(ctx, prof)
				mu.Lock()
				results[prof.ID] = st
				mu.Unlock()
			}(prof)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return results
		}
		if stopOnFirstSuccess {
			for _, prof := range batch {
				if st := results[prof.ID]; st != nil && st.Connected {
					return results
				}
			}
		}
	}
	return results
}

// probe walks the profile's health paths in declaration order, in
// batches of min(maxConcurrentRequests, remaining). The first reachable
// path settles the verdict and later paths are never requested.
func (p *Pool) probe(ctx context.Context, client *http.Client, profile *domain.ServerProfile) *domain.ConnectivityStatus {
	status := &domain.ConnectivityStatus{
		ServerID:  profile.ID,
		Method:    domain.CheckMethodHealthEndpoint,
		CheckedAt: time.Now(),
	}

	paths := profile.Endpoints.Health
	urls := profile.HealthURLs()
	records := make([]domain.EndpointProbe, len(urls))
	probed := 0

	batchSize := min(p.cfg.MaxConcurrentRequests, len(urls))
	for start := 0; start < len(urls); start += batchSize {
		end := min(start+batchSize, len(urls))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				records[i] = probeEndpoint(ctx, client, paths[i], urls[i])
			}(i)
		}
		wg.Wait()
		probed = end

		if ctx.Err() != nil {
			break
		}
		if firstReachable(records[start:end]) >= 0 {
			break
		}
	}
	status.Endpoints = records[:probed]

	if i := firstReachable(status.Endpoints); i >= 0 {
		rec := status.Endpoints[i]
		status.Connected = true
		status.LatencyMillis = rec.LatencyMillis
		status.StatusCode = rec.StatusCode
		return status
	}

	if ctx.Err() == nil && allUnrouted(status.Endpoints) {
		// The server answers but serves none of the declared health
		// paths; any live response from the base URL still proves
		// reachability.
		status.Method = domain.CheckMethodBaseProbe
		start := time.Now()
		code, err := get(ctx, client, profile.BaseURL)
		status.LatencyMillis = time.Since(start).Milliseconds()
		status.StatusCode = code
		switch {
		case err != nil:
			status.Error = err.Error()
		case code < 500:
			status.Connected = true
		default:
			status.Error = fmt.Sprintf("base probe returned %d", code)
		}
		return status
	}

	if len(status.Endpoints) > 0 {
		first := status.Endpoints[0]
		status.LatencyMillis = first.LatencyMillis
		status.StatusCode = first.StatusCode
		status.Error = first.Error
	}
	return status
}

func probeEndpoint(ctx context.Context, client *http.Client, path, url string) domain.EndpointProbe {
	rec := domain.EndpointProbe{Endpoint: path}
	start := time.Now()
	code, err := get(ctx, client, url)
	rec.LatencyMillis = time.Since(start).Milliseconds()
	rec.StatusCode = code
	switch {
	case err != nil:
		rec.Error = err.Error()
	case code >= 200 && code < 300:
		rec.Reachable = true
	default:
		rec.Error = fmt.Sprintf("health endpoint returned %d", code)
	}
	return rec
}

// firstReachable returns the index of the first reachable record, or -1.
func firstReachable(recs []domain.EndpointProbe) int {
	for i, r := range recs {
		if r.Reachable {
			return i
		}
	}
	return -1
}

// allUnrouted reports whether every probed health path came back 404 or
// 405, meaning the server is up but does not serve any of them. It is
// vacuously true for a profile declaring no health paths.
func allUnrouted(recs []domain.EndpointProbe) bool {
	for _, r := range recs {
		if r.StatusCode != http.StatusNotFound && r.StatusCode != http.StatusMethodNotAllowed {
			return false
		}
	}
	return true
}

// ProbeFault maps a failed probe to a classified error, using the HTTP
// status when one was received.
func ProbeFault(status *domain.ConnectivityStatus, op string) *fault.Error {
	kind := fault.KindNetwork
	if status.StatusCode > 0 {
		kind = fault.KindForStatus(status.StatusCode)
	} else if status.Error != "" {
		if k := fault.Classify(errors.New(status.Error)); k != fault.KindUnknown {
			kind = k
		}
	}
	msg := "server is unreachable"
	if status.Error != "" {
		msg = status.Error
	}
	return fault.New(kind, op, status.ServerID, msg)
}

func get(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
