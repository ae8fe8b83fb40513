package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kirychukyurii/fleet-registry/internal/codec"
	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// MemoryPartitionStore is an in-process PartitionStore. It backs single-node
// deployments and lets tests share one "cluster" between several registries.
// Values go through the same codec as etcd so callers never share memory.
type MemoryPartitionStore struct {
	mu          sync.RWMutex
	partitions  map[string][]byte
	regions     map[string]string
	systemData  map[string][]byte
	shares      map[string]map[int64]struct{}
	unreachable map[string]bool
}

// NewMemoryPartitionStore creates an empty store
func NewMemoryPartitionStore() *MemoryPartitionStore {
	return &MemoryPartitionStore{
		partitions:  make(map[string][]byte),
		regions:     make(map[string]string),
		systemData:  make(map[string][]byte),
		shares:      make(map[string]map[int64]struct{}),
		unreachable: make(map[string]bool),
	}
}

// SetUnreachable makes reads of the node's partition and region hang until
// the caller's context expires, the way a partitioned peer behaves.
func (m *MemoryPartitionStore) SetUnreachable(node string, unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[node] = unreachable
}

func (m *MemoryPartitionStore) waitIfUnreachable(ctx context.Context, node string) error {
	m.mu.RLock()
	blocked := m.unreachable[node]
	m.mu.RUnlock()
	if !blocked {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("node %s: %w", node, ctx.Err())
}

// PutPartition replaces the partition of p.Node
func (m *MemoryPartitionStore) PutPartition(ctx context.Context, p *model.Partition) error {
	data, err := codec.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode partition %s: %w", p.Node, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[p.Node] = data
	return nil
}

// GetPartition returns a copy of the partition of node
func (m *MemoryPartitionStore) GetPartition(ctx context.Context, node string) (*model.Partition, error) {
	if err := m.waitIfUnreachable(ctx, node); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.partitions[node]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", node, model.ErrNotFound)
	}

	var p model.Partition
	if err := codec.Decode(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode partition %s: %w", node, err)
	}
	return &p, nil
}

// DeletePartition removes the partition of node
func (m *MemoryPartitionStore) DeletePartition(ctx context.Context, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, node)
	return nil
}

// PutRegion records the region advertised by address
func (m *MemoryPartitionStore) PutRegion(ctx context.Context, address, region string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[address] = region
	return nil
}

// GetRegion returns the region advertised by address
func (m *MemoryPartitionStore) GetRegion(ctx context.Context, address string) (string, error) {
	if err := m.waitIfUnreachable(ctx, address); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	region, ok := m.regions[address]
	if !ok {
		return "", fmt.Errorf("region of %s: %w", address, model.ErrNotFound)
	}
	return region, nil
}

// PutSystemData stores a snapshot shared by node
func (m *MemoryPartitionStore) PutSystemData(ctx context.Context, node string, data *model.SystemDataModel) error {
	encoded, err := codec.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode system data of %s: %w", data.IP, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemData[systemDataKey(node, data.IP)] = encoded
	return nil
}

// GetSystemData returns a snapshot shared by node for ip
func (m *MemoryPartitionStore) GetSystemData(ctx context.Context, node, ip string) (*model.SystemDataModel, error) {
	m.mu.RLock()
	encoded, ok := m.systemData[systemDataKey(node, ip)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("system data of %s from %s: %w", ip, node, model.ErrNotFound)
	}

	var data model.SystemDataModel
	if err := codec.Decode(encoded, &data); err != nil {
		return nil, fmt.Errorf("failed to decode system data of %s: %w", ip, err)
	}
	return &data, nil
}

// PutShareRequest queues a share request for owner
func (m *MemoryPartitionStore) PutShareRequest(ctx context.Context, owner string, agentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shares[owner] == nil {
		m.shares[owner] = make(map[int64]struct{})
	}
	m.shares[owner][agentID] = struct{}{}
	return nil
}

// TakeShareRequests returns the pending requests of owner in id order and clears them
func (m *MemoryPartitionStore) TakeShareRequests(ctx context.Context, owner string) ([]int64, error) {
	m.mu.Lock()
	pending := m.shares[owner]
	delete(m.shares, owner)
	m.mu.Unlock()

	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close is a no-op
func (m *MemoryPartitionStore) Close() error {
	return nil
}
