package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kirychukyurii/loadgen-manager/internal/cache"
	"github.com/kirychukyurii/loadgen-manager/internal/lifecycle"
	"github.com/kirychukyurii/loadgen-manager/internal/metrics"
	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/repository"
)

// ErrNodeBusy is returned when a node is locked by a running transition
var ErrNodeBusy = errors.New("node is busy with another operation")

// Transitioner plans and executes node lifecycle transitions.
// *lifecycle.Controller implements it.
type Transitioner interface {
	Plan(node *model.Node, target model.Status) (*lifecycle.Plan, error)
	Execute(ctx context.Context, plan *lifecycle.Plan) (model.Status, error)
}

// NodeService defines the interface for node registry and lifecycle operations
type NodeService interface {
	Get(ctx context.Context, id int64) (*model.Node, error)
	List(ctx context.Context, filter model.NodeFilter) ([]model.Node, error)
	Total(ctx context.Context, filter model.NodeFilter) (int, error)
	Save(ctx context.Context, node *model.Node) (*model.Node, error)
	Update(ctx context.Context, node *model.Node) (*model.Node, error)
	DeleteBatch(ctx context.Context, ids []int64) ([]model.NodeResult, error)

	// Restart stops and starts the worker on every enabled or failed node in ids
	Restart(ctx context.Context, ids []int64) (*model.BatchResult, error)

	// UpdateStatus moves every node in ids to target, which must be enabled or disabled
	UpdateStatus(ctx context.Context, ids []int64, target model.Status) (*model.BatchResult, error)

	// ForceStatus overwrites the stored status without touching the nodes
	ForceStatus(ctx context.Context, ids []int64, status model.Status) (*model.BatchResult, error)

	// ReconcileInProgress marks nodes stuck in in_progress with no running transition as error
	ReconcileInProgress(ctx context.Context) (int, error)
}

// nodeService implements NodeService interface
type nodeService struct {
	repo          repository.NodeRepository
	ctrl          Transitioner
	cache         cache.Cache[model.Node]
	cacheGen      atomic.Uint64 // bumped on every node write
	maxConcurrent int
	logger        *slog.Logger
}

// NewNodeService creates a new node service
func NewNodeService(
	repo repository.NodeRepository,
	ctrl Transitioner,
	cache cache.Cache[model.Node],
	maxConcurrent int,
	logger *slog.Logger,
) NodeService {
	return &nodeService{
		repo:          repo,
		ctrl:          ctrl,
		cache:         cache,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

func nodeCacheKey(id int64) string {
	return fmt.Sprintf("node:%d", id)
}

// Get returns a node, served from cache when fresh
func (s *nodeService) Get(ctx context.Context, id int64) (*model.Node, error) {
	if node, ok := s.cache.Get(nodeCacheKey(id)); ok {
		return &node, nil
	}

	gen := s.cacheGen.Load()
	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(nodeCacheKey(id), *node)
	if s.cacheGen.Load() != gen {
		// a write raced with the read, the cached copy may be stale
		s.cache.Delete(nodeCacheKey(id))
	}
	return node, nil
}

// invalidate drops the cached node after a write. The generation is bumped
// before the delete so a concurrent Get never keeps the old value.
func (s *nodeService) invalidate(id int64) {
	s.cacheGen.Add(1)
	s.cache.Delete(nodeCacheKey(id))
}

func (s *nodeService) List(ctx context.Context, filter model.NodeFilter) ([]model.Node, error) {
	return s.repo.List(ctx, filter)
}

func (s *nodeService) Total(ctx context.Context, filter model.NodeFilter) (int, error) {
	nodes, err := s.repo.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func applyNodeDefaults(n *model.Node) {
	if n.SSHPort == 0 {
		n.SSHPort = model.DefaultSSHPort
	}
	if n.Status == "" {
		n.Status = model.StatusDisabled
	}
}

// Save registers a node. A zero id allocates a new one.
func (s *nodeService) Save(ctx context.Context, node *model.Node) (*model.Node, error) {
	n := *node
	applyNodeDefaults(&n)
	if err := n.Validate(); err != nil {
		return nil, err
	}

	if n.ID == 0 {
		id, err := s.repo.NextID(ctx)
		if err != nil {
			return nil, err
		}
		n.ID = id
	} else {
		unlock, err := s.tryLock(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to save node %d: %w", n.ID, err)
		}
		defer unlock()
	}

	if err := s.repo.Save(ctx, &n); err != nil {
		return nil, err
	}
	s.invalidate(n.ID)

	s.logger.InfoContext(ctx, "node saved",
		slog.Int64("node_id", n.ID),
		slog.String("name", n.Name),
		slog.String("ip", n.IP),
	)
	return &n, nil
}

// Update replaces the editable fields of an existing node. The stored status
// is kept, and an empty password keeps the stored one.
func (s *nodeService) Update(ctx context.Context, node *model.Node) (*model.Node, error) {
	unlock, err := s.tryLock(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update node %d: %w", node.ID, err)
	}
	defer unlock()

	existing, err := s.repo.Get(ctx, node.ID)
	if err != nil {
		return nil, err
	}

	n := *node
	n.Status = existing.Status
	if n.Password == "" {
		n.Password = existing.Password
	}
	applyNodeDefaults(&n)
	if err := n.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, &n); err != nil {
		return nil, err
	}
	s.invalidate(n.ID)

	s.logger.InfoContext(ctx, "node updated", slog.Int64("node_id", n.ID))
	return &n, nil
}

// DeleteBatch removes nodes. Nodes held by a transition are refused with ErrNodeBusy,
// unknown ids are reported as skipped.
func (s *nodeService) DeleteBatch(ctx context.Context, ids []int64) ([]model.NodeResult, error) {
	results := make([]model.NodeResult, 0, len(ids))
	var errs []error

	for _, id := range uniqueIDs(ids) {
		res := model.NodeResult{ID: id}

		unlock, err := s.tryLock(ctx, id)
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("failed to delete node %d: %w", id, err))
			results = append(results, res)
			continue
		}

		err = s.repo.Delete(ctx, id)
		unlock()
		s.invalidate(id)

		switch {
		case errors.Is(err, repository.ErrNotFound):
			res.Skipped = true
			res.Reason = "not found"
		case err != nil:
			res.Error = err.Error()
			errs = append(errs, err)
		default:
			s.logger.InfoContext(ctx, "node deleted", slog.Int64("node_id", id))
		}
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

func (s *nodeService) ReconcileInProgress(ctx context.Context) (int, error) {
	stuck, err := s.repo.List(ctx, model.NodeFilter{Status: model.StatusInProgress})
	if err != nil {
		return 0, fmt.Errorf("failed to list in-progress nodes: %w", err)
	}

	reconciled := 0
	var errs []error
	for _, candidate := range stuck {
		// the lock is held by whichever process is transitioning the node
		unlock, ok, err := s.repo.TryLock(ctx, candidate.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		node, err := s.repo.Get(ctx, candidate.ID)
		if err == nil && node.Status == model.StatusInProgress {
			err = s.persistStatus(ctx, node, model.StatusError)
			if err == nil {
				reconciled++
				metrics.ReconciledNodes.Inc()
				s.logger.WarnContext(ctx, "node was left in progress, marked as error",
					slog.Int64("node_id", node.ID),
					slog.String("name", node.Name),
				)
			}
		}
		unlock()

		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	return reconciled, errors.Join(errs...)
}

// tryLock takes the node lock or fails with ErrNodeBusy
func (s *nodeService) tryLock(ctx context.Context, id int64) (repository.Unlock, error) {
	unlock, ok, err := s.repo.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNodeBusy
	}
	return unlock, nil
}

// persistStatus stores status on node. Callers hold the node lock.
func (s *nodeService) persistStatus(ctx context.Context, node *model.Node, status model.Status) error {
	node.Status = status
	if err := s.repo.Save(ctx, node); err != nil {
		return fmt.Errorf("failed to persist status %s for node %d: %w", status, node.ID, err)
	}
	s.invalidate(node.ID)
	return nil
}

// uniqueIDs drops repeated ids, keeping first occurrence order
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
