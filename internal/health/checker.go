// Package health audits ledger integrity in the background, re-deriving
// every stored revision hash on a fixed interval.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per ledger.
const (
	StatusUnknown = "unknown"
	StatusHealthy = "healthy"
	StatusCorrupt = "corrupt"
)

// Config holds audit configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailThreshold int
}

// Auditable is the part of a ledger store the checker needs.
// ledger.Store satisfies it.
type Auditable interface {
	Verify(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// OpenFunc resolves a ledger name to something that can be audited.
type OpenFunc func(ctx context.Context, name string) (Auditable, error)

// WebhookDispatchFunc is an optional callback for dispatching integrity events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(ledger string, success bool)

// Checker runs periodic integrity audits over a fixed set of ledgers.
type Checker struct {
	names      []string
	open       OpenFunc
	failCounts map[string]int
	statuses   map[string]string
	mu         sync.Mutex
	cfg        Config
	onWebhook  WebhookDispatchFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker.
func New(names []string, open OpenFunc, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = time.Minute
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}

	statuses := make(map[string]string, len(names))
	for _, n := range names {
		statuses[n] = StatusUnknown
	}
	return &Checker{
		names:      names,
		open:       open,
		failCounts: make(map[string]int),
		statuses:   statuses,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *Checker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the audit loop until ctx is done.
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

// CheckAll audits every ledger with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for _, name := range h.names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			h.check(ctx, name)
		}()
	}

	wg.Wait()
}

func (h *Checker) check(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
	defer cancel()

	err := h.audit(ctx, name)
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prev := h.statuses[name]
	if success {
		h.failCounts[name] = 0
		h.statuses[name] = StatusHealthy
	} else {
		h.failCounts[name]++
		if h.failCounts[name] >= h.cfg.FailThreshold {
			h.statuses[name] = StatusCorrupt
		}
	}
	count := h.failCounts[name]
	h.mu.Unlock()

	switch {
	case success && prev == StatusCorrupt:
		h.logger.Info("integrity: recovered", zap.String("ledger", name))
	case !success && count == h.cfg.FailThreshold:
		// Transition: healthy → corrupt (exactly at threshold)
		h.logger.Error("integrity: ledger failed audit",
			zap.String("ledger", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		if h.onWebhook != nil {
			h.onWebhook(ctx, "ledger.integrity_failed", map[string]string{
				"ledger": name,
				"error":  err.Error(),
			})
		}
	case !success:
		h.logger.Warn("integrity: audit failed", zap.String("ledger", name), zap.Error(err))
	}
}

func (h *Checker) audit(ctx context.Context, name string) error {
	s, err := h.open(ctx, name)
	if err != nil {
		return err
	}
	if err := s.Verify(ctx); err != nil {
		return err
	}
	n, _ := s.Len(ctx)
	h.logger.Debug("integrity: ledger verified", zap.String("ledger", name), zap.Int("revisions", n))
	return nil
}

// Status returns the last audit status of ledger name.
func (h *Checker) Status(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.statuses[name]; ok {
		return st
	}
	return StatusUnknown
}

// Corrupt returns the ledgers currently marked corrupt.
func (h *Checker) Corrupt() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, n := range h.names {
		if h.statuses[n] == StatusCorrupt {
			out = append(out, n)
		}
	}
	return out
}
