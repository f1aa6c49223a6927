package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeTarget is a small, stable page every working relay should
// be able to fetch.
const DefaultProbeTarget = "https://example.com/"

// Status is the outcome of probing one relay.
type Status struct {
	Endpoint Endpoint      `json:"endpoint"`
	Index    int           `json:"index"`
	Healthy  bool          `json:"healthy"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Wait blocks until the currently selected relay's rate limiter admits a
// request, or the context is cancelled. No-op when limiting is disabled.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.RLock()
	idx := p.current
	limiters := p.limiters
	p.mu.RUnlock()

	if limiters == nil {
		return nil
	}
	return limiters[idx].Wait(ctx)
}

// Probe tests every relay concurrently against the probe target and
// returns per-relay health, ordered by relay index. A relay is healthy
// when it returns a 2xx within the per-probe timeout.
func (p *Pool) Probe(ctx context.Context, client *http.Client, target string, timeout time.Duration) []Status {
	if target == "" {
		target = DefaultProbeTarget
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}

	statuses := make([]Status, len(p.endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range p.endpoints {
		g.Go(func() error {
			statuses[i] = p.probeOne(gctx, client, e, i, target, timeout)
			return nil
		})
	}
	// Probes never return errors; failures land in the status slice.
	_ = g.Wait()
	return statuses
}

func (p *Pool) probeOne(ctx context.Context, client *http.Client, e Endpoint, index int, target string, timeout time.Duration) Status {
	st := Status{Endpoint: e, Index: index}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.Apply(target), nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	start := time.Now()
	resp, err := client.Do(req)
	st.Latency = time.Since(start)
	if err != nil {
		st.Error = err.Error()
		p.logger.Debug("Relay probe failed", zap.String("relay", e.Name), zap.Error(err))
		return st
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		st.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return st
	}
	st.Healthy = true
	return st
}

// SelectHealthy moves the selection pointer to the first healthy relay in
// the status list, preferring the currently selected one when it is
// healthy. Returns false when no relay is healthy; the selection is left
// unchanged so manual rotation still cycles the full set.
func (p *Pool) SelectHealthy(statuses []Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range statuses {
		if st.Index == p.current && st.Healthy {
			return true
		}
	}
	for _, st := range statuses {
		if st.Healthy {
			p.logger.Info("Switching to healthy relay",
				zap.String("relay", st.Endpoint.Name), zap.Int("index", st.Index))
			p.current = st.Index
			return true
		}
	}
	return false
}
