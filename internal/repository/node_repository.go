package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
)

const (
	nodePrefix = "nodes/"
	nodeSeqKey = "seq/nodes"
)

// NodeRepository is the node registry: identity, credentials and lifecycle status
type NodeRepository interface {
	// Get returns the node or an error wrapping ErrNotFound
	Get(ctx context.Context, id int64) (*model.Node, error)

	// List returns nodes matching the filter ordered by id
	List(ctx context.Context, filter model.NodeFilter) ([]model.Node, error)

	// Save inserts or replaces the node and stamps UpdatedAt
	Save(ctx context.Context, node *model.Node) error

	// Delete removes the node or returns an error wrapping ErrNotFound
	Delete(ctx context.Context, id int64) error

	// NextID allocates a new node id
	NextID(ctx context.Context) (int64, error)

	// Lock takes the node's exclusive lock, shared by every process using the
	// registry, waiting until it is free or ctx is done
	Lock(ctx context.Context, id int64) (Unlock, error)

	// TryLock takes the node's lock only if nobody holds it
	TryLock(ctx context.Context, id int64) (Unlock, bool, error)
}

// nodeRepository implements NodeRepository over a KV backend
type nodeRepository struct {
	kv  KV
	now func() time.Time
}

// NewNodeRepository creates a node registry stored in kv
func NewNodeRepository(kv KV) NodeRepository {
	return &nodeRepository{kv: kv, now: time.Now}
}

// nodeKey zero-pads the id so lexical key order equals numeric order
func nodeKey(id int64) string {
	return fmt.Sprintf("%s%020d", nodePrefix, id)
}

func (r *nodeRepository) Get(ctx context.Context, id int64) (*model.Node, error) {
	data, err := r.kv.Get(ctx, nodeKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get node %d: %w", id, err)
	}

	var node model.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %d: %w", id, err)
	}
	return &node, nil
}

func (r *nodeRepository) List(ctx context.Context, filter model.NodeFilter) ([]model.Node, error) {
	values, err := r.kv.List(ctx, nodePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]model.Node, 0, len(values))
	for _, data := range values {
		var node model.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		if filter.Match(&node) {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func (r *nodeRepository) Save(ctx context.Context, node *model.Node) error {
	if node.ID <= 0 {
		return fmt.Errorf("node id must be positive, got %d", node.ID)
	}
	node.UpdatedAt = r.now().UTC()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node %d: %w", node.ID, err)
	}
	if err := r.kv.Put(ctx, nodeKey(node.ID), data); err != nil {
		return fmt.Errorf("failed to save node %d: %w", node.ID, err)
	}
	return nil
}

func (r *nodeRepository) Delete(ctx context.Context, id int64) error {
	if err := r.kv.Delete(ctx, nodeKey(id)); err != nil {
		return fmt.Errorf("failed to delete node %d: %w", id, err)
	}
	return nil
}

func (r *nodeRepository) NextID(ctx context.Context) (int64, error) {
	id, err := r.kv.Incr(ctx, nodeSeqKey)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate node id: %w", err)
	}
	return id, nil
}

// nodeLockKey names a node's lock; it is independent of whether the node exists
func nodeLockKey(id int64) string {
	return fmt.Sprintf("%s%d", nodePrefix, id)
}

func (r *nodeRepository) Lock(ctx context.Context, id int64) (Unlock, error) {
	unlock, err := r.kv.Lock(ctx, nodeLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %d: %w", id, err)
	}
	return unlock, nil
}

func (r *nodeRepository) TryLock(ctx context.Context, id int64) (Unlock, bool, error) {
	unlock, ok, err := r.kv.TryLock(ctx, nodeLockKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock node %d: %w", id, err)
	}
	return unlock, ok, nil
}
