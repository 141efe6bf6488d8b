// Package health runs dependency probes for the /health endpoint.
//
// A failing critical probe makes the service unhealthy. A failing optional
// probe only degrades it: the process can still take sessions, but some
// feature (settlement throughput, history) is impaired.
package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Overall states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrTimeout is reported for a probe that outlived the registry timeout.
var ErrTimeout = errors.New("timed out")

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Check is the outcome of one probe.
type Check struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	Optional bool          `json:"optional,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Latency  time.Duration `json:"latencyNs"`
}

// Report is the result of running every probe.
type Report struct {
	Status string  `json:"status"`
	Checks []Check `json:"checks"`
}

// Healthy reports whether no critical probe failed.
func (r Report) Healthy() bool { return r.Status != StatusUnhealthy }

type entry struct {
	name     string
	probe    Probe
	optional bool
}

// Registry holds probes in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry whose probes each get timeout
// (DefaultTimeout when zero).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical probe.
func (r *Registry) Register(name string, probe Probe) { r.add(entry{name: name, probe: probe}) }

// RegisterOptional adds a probe whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, probe Probe) {
	r.add(entry{name: name, probe: probe, optional: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Run executes all probes concurrently.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	checks := make([]Check, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Go(func() { checks[i] = r.run(ctx, e) })
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: checks}
	for _, c := range checks {
		switch {
		case c.Healthy:
		case c.Optional:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		default:
			report.Status = StatusUnhealthy
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, e entry) Check {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- e.probe(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ErrTimeout
	}

	c := Check{Name: e.name, Optional: e.optional, Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		c.Detail = err.Error()
	}
	return c
}
