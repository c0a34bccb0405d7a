// Package healthcheck keeps stored node statuses consistent with running work.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirychukyurii/loadgen-manager/internal/config"
)

// InProgressReconciler is implemented by service.NodeService
type InProgressReconciler interface {
	ReconcileInProgress(ctx context.Context) (int, error)
}

// Reconciler periodically turns nodes orphaned in in_progress into error.
// Orphans are left behind when the process dies in the middle of a transition.
type Reconciler struct {
	cfg      config.ReconcileConfig
	nodes    InProgressReconciler
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	failures int // consecutive failed sweeps
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg config.ReconcileConfig, nodes InProgressReconciler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		nodes:  nodes,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs a first sweep immediately and then one every interval in a background goroutine
func (r *Reconciler) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.Info("in-progress reconciler is disabled")
		return
	}

	r.logger.Info("starting in-progress reconciler",
		slog.Duration("interval", r.cfg.Interval),
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the loop and waits for a running sweep to finish
func (r *Reconciler) Stop() {
	if !r.cfg.Enabled {
		return
	}

	r.stopOnce.Do(func() {
		r.logger.Info("stopping in-progress reconciler")
		close(r.stopCh)
		r.wg.Wait()
		r.logger.Info("in-progress reconciler stopped")
	})
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs a single reconciliation pass and returns how many nodes were fixed
func (r *Reconciler) Sweep(ctx context.Context) int {
	n, err := r.nodes.ReconcileInProgress(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failures++
		r.logger.Warn("in-progress reconciliation failed",
			slog.Int("consecutive_failures", r.failures),
			slog.String("error", err.Error()),
		)
		return n
	}

	if r.failures > 0 {
		r.logger.Info("in-progress reconciliation restored",
			slog.Int("previous_failures", r.failures),
		)
	}
	r.failures = 0

	if n > 0 {
		r.logger.Warn("orphaned in-progress nodes marked as error", slog.Int("nodes", n))
	} else {
		r.logger.Debug("no orphaned in-progress nodes")
	}
	return n
}

// Failures returns the number of consecutive failed sweeps
func (r *Reconciler) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}
