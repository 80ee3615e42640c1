// Package health tracks whether the ledger service should be taking traffic.
// Dependency probes degrade it after repeated failures; a detected chain
// break marks it broken until restart.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"go.uber.org/zap"
)

// Status is the overall service state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusBroken   Status = "broken"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// ProbeFunc checks one dependency. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// StatusChangeFunc is called whenever the overall status changes.
type StatusChangeFunc func(Status)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, success bool)

// Report is a point-in-time view of service health.
type Report struct {
	Status       Status            `json:"status"`
	Components   map[string]string `json:"components,omitempty"`
	BrokenChains map[string]string `json:"broken_chains,omitempty"`
}

// Checker runs periodic dependency probes and records integrity breaks.
type Checker struct {
	probes     map[string]ProbeFunc
	failCounts map[string]int
	broken     map[string]string
	status     Status
	mu         sync.Mutex
	cfg        Config
	onChange   StatusChangeFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		probes:     make(map[string]ProbeFunc),
		failCounts: make(map[string]int),
		broken:     make(map[string]string),
		status:     StatusHealthy,
		cfg:        cfg,
		logger:     logger,
	}
}

// AddProbe registers a dependency check under name.
func (h *Checker) AddProbe(name string, fn ProbeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = fn
}

// SetStatusChange configures the status change callback.
func (h *Checker) SetStatusChange(fn StatusChangeFunc) {
	h.onChange = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the probe loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]ProbeFunc, len(h.probes))
	for name, fn := range h.probes {
		probes[name] = fn
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, fn := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := fn(pctx)
			cancel()
			h.record(name, err)
		}()
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prevCount := h.failCounts[name]
	if success {
		h.failCounts[name] = 0
	} else {
		h.failCounts[name]++
	}
	count := h.failCounts[name]
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("component", name))
	case !success && count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("component", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
	h.update()
}

// ReportBreak marks res's chain broken. It stays broken until restart.
func (h *Checker) ReportBreak(res *verifier.Result) {
	if res == nil || res.Valid {
		return
	}
	detail := string(res.Reason)
	if res.FirstBreakAt != nil {
		detail = fmt.Sprintf("%s at %d", res.Reason, *res.FirstBreakAt)
	}
	h.mu.Lock()
	h.broken[res.ChainID] = detail
	h.mu.Unlock()
	h.update()
}

// Report returns the current health.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Status: h.status}
	if len(h.probes) > 0 {
		r.Components = make(map[string]string, len(h.probes))
		for name := range h.probes {
			if h.failCounts[name] >= h.cfg.FailThreshold {
				r.Components[name] = string(StatusDegraded)
			} else {
				r.Components[name] = string(StatusHealthy)
			}
		}
	}
	if len(h.broken) > 0 {
		r.BrokenChains = make(map[string]string, len(h.broken))
		for chain, detail := range h.broken {
			r.BrokenChains[chain] = detail
		}
	}
	return r
}

// BrokenChains lists the chains that failed verification, sorted.
func (h *Checker) BrokenChains() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.broken))
	for chain := range h.broken {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}

// update recomputes the overall status and fires onChange on a transition.
func (h *Checker) update() {
	h.mu.Lock()
	next := StatusHealthy
	for name := range h.probes {
		if h.failCounts[name] >= h.cfg.FailThreshold {
			next = StatusDegraded
			break
		}
	}
	if len(h.broken) > 0 {
		next = StatusBroken
	}
	changed := next != h.status
	h.status = next
	h.mu.Unlock()

	if changed && h.onChange != nil {
		h.onChange(next)
	}
}
