package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirychukyurii/fleet-registry/internal/cache"
	"github.com/kirychukyurii/fleet-registry/internal/concurrent"
	"github.com/kirychukyurii/fleet-registry/internal/metrics"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
)

const snapshotKey = "snapshot"

// NodeLister returns the controller node addresses the cluster is known to have
type NodeLister interface {
	Addresses() []string
}

// StateCache is the replicated agent view: one partition per controller node,
// merged into a read-only ClusterSnapshot. This node only ever writes its own
// partition.
type StateCache struct {
	self    string
	writer  string
	store   repository.PartitionStore
	nodes   NodeLister
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	snapshots cache.Cache[*model.ClusterSnapshot]

	mu         sync.RWMutex
	lastKnown  map[string]*model.Partition
	generation uint64 // bumped by every local change; guards the snapshot cache
}

// New creates the state cache of node self
func New(
	self string,
	store repository.PartitionStore,
	nodes NodeLister,
	mergeTimeout time.Duration,
	snapshotTTL time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *StateCache {
	writer := uuid.NewString()
	logger.Info("cluster state cache created",
		slog.String("node", self),
		slog.String("writer", writer),
	)

	return &StateCache{
		self:      self,
		writer:    writer,
		store:     store,
		nodes:     nodes,
		timeout:   mergeTimeout,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		snapshots: cache.New[*model.ClusterSnapshot](snapshotTTL),
		lastKnown: make(map[string]*model.Partition),
	}
}

// Node returns the address of the partition this cache owns
func (c *StateCache) Node() string {
	return c.self
}

// Writer returns the instance id stamped on every published partition
func (c *StateCache) Writer() string {
	return c.writer
}

// Publish replaces this node's partition with records. The local view is
// updated before the write to the shared store, so readers on this node see
// the change immediately even if the store is unreachable; that case returns
// an error wrapping model.ErrPeerUnreachable.
func (c *StateCache) Publish(ctx context.Context, node string, records []model.AgentRecord) error {
	if node != c.self {
		return fmt.Errorf("publish %s from %s: %w", node, c.self, model.ErrForeignPartition)
	}

	p := &model.Partition{
		Node:        node,
		Writer:      c.writer,
		Records:     append([]model.AgentRecord(nil), records...),
		PublishedAt: c.now(),
	}

	c.mu.Lock()
	c.lastKnown[node] = p
	c.generation++
	c.mu.Unlock()
	c.snapshots.Delete(snapshotKey)

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.PutPartition(wctx, p); err != nil {
		c.metrics.PeerFailures.WithLabelValues(node).Inc()
		return fmt.Errorf("%w: publish partition %s: %v", model.ErrPeerUnreachable, node, err)
	}

	c.logger.Debug("partition published",
		slog.String("node", node),
		slog.Int("records", len(records)),
	)

	return nil
}

// Withdraw removes this node's partition from the cluster, e.g. on shutdown
func (c *StateCache) Withdraw(ctx context.Context) error {
	c.mu.Lock()
	delete(c.lastKnown, c.self)
	c.generation++
	c.mu.Unlock()
	c.snapshots.Delete(snapshotKey)

	if err := c.store.DeletePartition(ctx, c.self); err != nil {
		return fmt.Errorf("%w: withdraw partition %s: %v", model.ErrPeerUnreachable, c.self, err)
	}
	return nil
}

// Expire drops the merged snapshot; the next read re-merges every partition
func (c *StateCache) Expire() {
	c.snapshots.Delete(snapshotKey)
	c.logger.Debug("cluster snapshot expired")
}

// Merge returns the merged snapshot, reading every known node's partition
// concurrently if the cached one expired. A peer that cannot be read within
// the merge timeout contributes its last known partition, marked Stale.
// Merge never fails because of a single peer. The result is shared and must
// not be modified.
func (c *StateCache) Merge(ctx context.Context) (*model.ClusterSnapshot, error) {
	if snapshot, ok := c.snapshots.Get(snapshotKey); ok {
		return snapshot, nil
	}

	c.mu.RLock()
	generation := c.generation
	local := c.lastKnown[c.self]
	c.mu.RUnlock()

	peers := c.peerNodes()
	results := concurrent.ParallelMapWithTimeout(ctx, peers, c.timeout, c.store.GetPartition)

	partitions := make(map[string]*model.Partition, len(peers)+1)
	if local != nil {
		partitions[c.self] = local
	}

	for _, result := range results {
		node := peers[result.Index]
		switch {
		case result.Error == nil:
			c.remember(node, result.Value)
			partitions[node] = result.Value
		case errors.Is(result.Error, model.ErrNotFound):
			// never published or withdrawn
			c.forget(node)
		default:
			c.metrics.PeerFailures.WithLabelValues(node).Inc()
			last := c.last(node)
			c.logger.Warn("failed to read partition, using last known",
				slog.String("node", node),
				slog.Bool("has_last_known", last != nil),
				slog.String("error", result.Error.Error()),
			)
			if last != nil {
				stale := *last
				stale.Stale = true
				partitions[node] = &stale
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("merge interrupted: %w", err)
	}

	snapshot := &model.ClusterSnapshot{
		Partitions: c.dedupe(partitions),
		MergedAt:   c.now(),
	}

	c.mu.RLock()
	unchanged := c.generation == generation
	c.mu.RUnlock()
	// a concurrent publish makes this snapshot outdated; serve it once but do not cache it
	if unchanged {
		c.snapshots.Set(snapshotKey, snapshot, cache.DefaultTTL)
	}

	c.metrics.ObserveSnapshot(snapshot)
	c.logger.Debug("cluster snapshot merged",
		slog.Int("partitions", len(snapshot.Partitions)),
		slog.Int("records", snapshot.Count()),
		slog.Int("stale", len(snapshot.StaleNodes())),
	)

	return snapshot, nil
}

// AllVisible returns every record across every node
func (c *StateCache) AllVisible(ctx context.Context) ([]model.AgentRecord, error) {
	snapshot, err := c.Merge(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Records(), nil
}

// AllActive returns the records in READY or BUSY across every node
func (c *StateCache) AllActive(ctx context.Context) ([]model.AgentRecord, error) {
	records, err := c.AllVisible(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.AgentRecord, 0, len(records))
	for _, rec := range records {
		if rec.State.IsActive() {
			active = append(active, rec)
		}
	}
	return active, nil
}

// ActiveElsewhere returns the identities another node reports as READY or
// BUSY in the merged snapshot
func (c *StateCache) ActiveElsewhere(ctx context.Context) (map[model.AgentIdentity]struct{}, error) {
	snapshot, err := c.Merge(ctx)
	if err != nil {
		return nil, err
	}

	active := make(map[model.AgentIdentity]struct{})
	for node, p := range snapshot.Partitions {
		if node == c.self {
			continue
		}
		for _, rec := range p.Records {
			if rec.State.IsActive() {
				active[rec.Identity()] = struct{}{}
			}
		}
	}
	return active, nil
}

// peerNodes returns every node to read from the shared store: the directory
// addresses plus any node we still hold a last known partition for.
func (c *StateCache) peerNodes() []string {
	seen := map[string]struct{}{c.self: {}}
	var nodes []string
	add := func(node string) {
		if _, ok := seen[node]; ok {
			return
		}
		seen[node] = struct{}{}
		nodes = append(nodes, node)
	}

	if c.nodes != nil {
		for _, node := range c.nodes.Addresses() {
			add(node)
		}
	}

	c.mu.RLock()
	for node := range c.lastKnown {
		add(node)
	}
	c.mu.RUnlock()

	return nodes
}

func (c *StateCache) remember(node string, p *model.Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKnown[node] = p
}

func (c *StateCache) forget(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastKnown, node)
}

func (c *StateCache) last(node string) *model.Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastKnown[node]
}

// dedupe keeps every identity in exactly one partition. The winning copy
// is the one with the latest heartbeat; on equal heartbeats an active copy
// beats an INACTIVE one, then the most recently published partition wins,
// then the lower node address. Input partitions are not modified.
func (c *StateCache) dedupe(partitions map[string]*model.Partition) map[string]*model.Partition {
	type claim struct {
		node string
		rec  *model.AgentRecord
	}

	owner := make(map[model.AgentIdentity]claim)
	duplicates := 0
	for node, p := range partitions {
		for i := range p.Records {
			rec := &p.Records[i]
			identity := rec.Identity()
			current, ok := owner[identity]
			if !ok {
				owner[identity] = claim{node: node, rec: rec}
				continue
			}
			duplicates++
			if outranks(rec, p, current.rec, partitions[current.node]) {
				owner[identity] = claim{node: node, rec: rec}
			}
		}
	}

	if duplicates == 0 {
		return partitions
	}

	c.logger.Warn("agent identities published by more than one node",
		slog.Int("duplicates", duplicates),
	)

	result := make(map[string]*model.Partition, len(partitions))
	for node, p := range partitions {
		filtered := *p
		filtered.Records = make([]model.AgentRecord, 0, len(p.Records))
		for _, rec := range p.Records {
			if owner[rec.Identity()].node == node {
				filtered.Records = append(filtered.Records, rec)
			}
		}
		result[node] = &filtered
	}
	return result
}

// outranks reports whether record a, published in pa, wins over record b
// published in pb
func outranks(a *model.AgentRecord, pa *model.Partition, b *model.AgentRecord, pb *model.Partition) bool {
	if !a.LastHeartbeatAt.Equal(b.LastHeartbeatAt) {
		return a.LastHeartbeatAt.After(b.LastHeartbeatAt)
	}
	if aActive, bActive := a.State.IsActive(), b.State.IsActive(); aActive != bActive {
		return aActive
	}
	if !pa.PublishedAt.Equal(pb.PublishedAt) {
		return pa.PublishedAt.After(pb.PublishedAt)
	}
	return pa.Node < pb.Node
}
