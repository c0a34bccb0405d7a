package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirychukyurii/loadgen-manager/internal/concurrent"
	"github.com/kirychukyurii/loadgen-manager/internal/lifecycle"
	"github.com/kirychukyurii/loadgen-manager/internal/logger"
	"github.com/kirychukyurii/loadgen-manager/internal/metrics"
	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/repository"
)

// Batch operation names
const (
	OpRestart = "restart"
	OpUpdate  = "update"
	OpForce   = "force"
)

// Skip reasons reported in model.NodeResult
const (
	ReasonNotFound = "not found"
	ReasonLoopback = "loopback address is not managed remotely"
	ReasonDisabled = "node is disabled"
)

// nodeTask runs one operation on a locked, loaded node and fills res
type nodeTask func(ctx context.Context, node *model.Node, res *model.NodeResult) error

// Restart implements NodeService
func (s *nodeService) Restart(ctx context.Context, ids []int64) (*model.BatchResult, error) {
	return s.runBatch(ctx, OpRestart, "", ids, true, s.restartNode)
}

// UpdateStatus implements NodeService
func (s *nodeService) UpdateStatus(ctx context.Context, ids []int64, target model.Status) (*model.BatchResult, error) {
	if target != model.StatusEnabled && target != model.StatusDisabled {
		return nil, fmt.Errorf("failed to update status: unsupported target %q", target)
	}
	return s.runBatch(ctx, OpUpdate, target, ids, true, func(ctx context.Context, node *model.Node, res *model.NodeResult) error {
		return s.updateNode(ctx, node, target, res)
	})
}

// ForceStatus implements NodeService
func (s *nodeService) ForceStatus(ctx context.Context, ids []int64, status model.Status) (*model.BatchResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("failed to force status: unknown status %q", status)
	}
	return s.runBatch(ctx, OpForce, status, ids, false, func(ctx context.Context, node *model.Node, res *model.NodeResult) error {
		if err := s.persistStatus(ctx, node, status); err != nil {
			return err
		}
		s.logger.WarnContext(ctx, "node status forced", slog.String("status", string(status)))
		return nil
	})
}

// runBatch applies task to every id concurrently, at most maxConcurrent at a time.
// remoteOp enables the loopback skip rule.
func (s *nodeService) runBatch(
	ctx context.Context,
	op string,
	target model.Status,
	ids []int64,
	remoteOp bool,
	task nodeTask,
) (*model.BatchResult, error) {
	ids = uniqueIDs(ids)
	started := time.Now()

	s.logger.InfoContext(ctx, "starting batch operation",
		slog.String("operation", op),
		slog.String("target", string(target)),
		slog.Int("nodes", len(ids)),
	)

	results := concurrent.ParallelMapWithLimit(ctx, ids, func(ctx context.Context, id int64) (model.NodeResult, error) {
		return s.processNode(ctx, op, id, remoteOp, task)
	}, s.maxConcurrent)

	batch := &model.BatchResult{
		Operation: op,
		Target:    target,
		Nodes:     make([]model.NodeResult, 0, len(results)),
	}
	for _, r := range results {
		batch.Nodes = append(batch.Nodes, r.Value)

		outcome := "ok"
		switch {
		case r.Error != nil:
			outcome = "error"
		case r.Value.Skipped:
			outcome = "skipped"
		}
		metrics.BatchNodes.WithLabelValues(op, outcome).Inc()
	}

	errs := concurrent.AllErrors(results)
	s.logger.InfoContext(ctx, "batch operation completed",
		slog.String("operation", op),
		slog.Int("nodes", len(ids)),
		slog.Int("failed", len(errs)),
		slog.Duration("took", time.Since(started)),
	)

	return batch, errors.Join(errs...)
}

// processNode holds the node lock for the whole task. Once the lock is taken
// the task no longer follows ctx cancellation so a final status is always written.
func (s *nodeService) processNode(
	ctx context.Context,
	op string,
	id int64,
	remoteOp bool,
	task nodeTask,
) (res model.NodeResult, err error) {
	res.ID = id
	ctx = logger.ContextAttrs(ctx, slog.Int64("node_id", id), slog.String("operation", op))

	unlock, err := s.repo.Lock(ctx, id)
	if err != nil {
		err = fmt.Errorf("failed to lock node %d: %w", id, err)
		res.Error = err.Error()
		return res, err
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	node, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		res.Skipped = true
		res.Reason = ReasonNotFound
		return res, nil
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Name = node.Name
	res.Status = node.Status

	if remoteOp && node.IsLoopback() {
		res.Skipped = true
		res.Reason = ReasonLoopback
		return res, nil
	}
	if op == OpRestart && node.Status == model.StatusDisabled {
		res.Skipped = true
		res.Reason = ReasonDisabled
		return res, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %d: panic during %s: %v", id, op, r)
			s.logger.ErrorContext(ctx, "node task panicked", slog.Any("panic", r))
			if perr := s.persistStatus(ctx, node, model.StatusError); perr != nil {
				err = errors.Join(err, perr)
			}
			res.Status = node.Status
			res.ErrorKind = string(lifecycle.KindUnknown)
			res.Error = err.Error()
		}
	}()

	err = task(ctx, node, &res)
	res.Status = node.Status
	if remoteOp && !node.Status.Terminal() {
		// only possible when the final status write failed
		s.logger.ErrorContext(ctx, "node left without a final status, reconciler will mark it as error",
			slog.String("status", string(node.Status)),
		)
	}
	if err != nil {
		res.Error = err.Error()
		if kind := lifecycle.KindOf(err); kind != lifecycle.KindUnknown {
			res.ErrorKind = string(kind)
			res.Retryable = kind.Retryable()
		}
	}
	return res, err
}

// fail records err on a node that was checkpointed or is about to be touched
func (s *nodeService) fail(ctx context.Context, node *model.Node, err error) error {
	s.logger.ErrorContext(ctx, "node transition failed",
		slog.String("error_kind", string(lifecycle.KindOf(err))),
		slog.String("error", err.Error()),
	)
	if perr := s.persistStatus(ctx, node, model.StatusError); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// updateNode checkpoints in_progress, runs the single phase for target and persists the result
func (s *nodeService) updateNode(ctx context.Context, node *model.Node, target model.Status, res *model.NodeResult) error {
	plan, err := s.ctrl.Plan(node, target)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyActive) {
			// stored status stays as it was
			s.logger.InfoContext(ctx, "node already enabled")
			return err
		}
		return s.fail(ctx, node, err)
	}

	if err := s.persistStatus(ctx, node, model.StatusInProgress); err != nil {
		return err
	}

	status, err := s.ctrl.Execute(ctx, plan)
	if err != nil {
		return s.fail(ctx, node, err)
	}
	return s.persistStatus(ctx, node, status)
}

// restartNode runs disable then enable, persisting after each phase
func (s *nodeService) restartNode(ctx context.Context, node *model.Node, res *model.NodeResult) error {
	stopPlan, err := s.ctrl.Plan(node, model.StatusDisabled)
	if err != nil {
		return s.fail(ctx, node, err)
	}
	stopped := *node
	stopped.Status = model.StatusDisabled
	startPlan, err := s.ctrl.Plan(&stopped, model.StatusEnabled)
	if err != nil {
		return s.fail(ctx, node, err)
	}

	if err := s.persistStatus(ctx, node, model.StatusInProgress); err != nil {
		return err
	}

	status, err := s.ctrl.Execute(ctx, stopPlan)
	if err != nil {
		return s.fail(ctx, node, err)
	}
	if err := s.persistStatus(ctx, node, status); err != nil {
		return err
	}

	status, err = s.ctrl.Execute(ctx, startPlan)
	if err != nil {
		return s.fail(ctx, node, err)
	}
	return s.persistStatus(ctx, node, status)
}
