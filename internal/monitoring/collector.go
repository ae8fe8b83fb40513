package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/kirychukyurii/fleet-registry/internal/agentctl"
	"github.com/kirychukyurii/fleet-registry/internal/cache"
	"github.com/kirychukyurii/fleet-registry/internal/concurrent"
	"github.com/kirychukyurii/fleet-registry/internal/metrics"
	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// SharedStore is where nodes publish collected snapshots for each other
type SharedStore interface {
	PutSystemData(ctx context.Context, node string, data *model.SystemDataModel) error
	GetSystemData(ctx context.Context, node, ip string) (*model.SystemDataModel, error)
}

// Collector gathers system data from the agents connected to this node
type Collector struct {
	node          string
	controller    agentctl.Controller
	shared        SharedStore
	maxConcurrent int
	timeout       time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	snapshots cache.Cache[*model.SystemDataModel] // identity key -> latest snapshot

	mu      sync.RWMutex
	targets map[string]model.AgentIdentity
}

// NewCollector creates a collector for node. Snapshots are kept for snapshotTTL.
func NewCollector(
	node string,
	controller agentctl.Controller,
	shared SharedStore,
	maxConcurrent int,
	snapshotTTL time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		node:          node,
		controller:    controller,
		shared:        shared,
		maxConcurrent: maxConcurrent,
		timeout:       10 * time.Second,
		metrics:       m,
		logger:        logger,
		snapshots:     cache.New[*model.SystemDataModel](snapshotTTL),
		targets:       make(map[string]model.AgentIdentity),
	}
}

// AddTarget registers an agent for periodic collection
func (c *Collector) AddTarget(identity model.AgentIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[identity.Key()]; !ok {
		c.logger.Debug("monitoring target added", slog.String("agent", identity.Key()))
	}
	c.targets[identity.Key()] = identity
}

// RemoveTarget stops collecting from an agent and drops its snapshot
func (c *Collector) RemoveTarget(identity model.AgentIdentity) {
	c.mu.Lock()
	delete(c.targets, identity.Key())
	c.mu.Unlock()
	c.snapshots.Delete(identity.Key())
}

// Targets returns the registered identities ordered by key
func (c *Collector) Targets() []model.AgentIdentity {
	c.mu.RLock()
	targets := make([]model.AgentIdentity, 0, len(c.targets))
	for _, identity := range c.targets {
		targets = append(targets, identity)
	}
	c.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].Key() < targets[j].Key() })
	return targets
}

// Collect runs one pass over every target with bounded parallelism.
// A failing target is logged and counted; it never aborts the pass.
// It returns how many targets were collected.
func (c *Collector) Collect(ctx context.Context) int {
	targets := c.Targets()
	if len(targets) == 0 {
		return 0
	}

	results := concurrent.ParallelMapWithLimit(ctx, targets, func(ctx context.Context, identity model.AgentIdentity) (*model.SystemDataModel, error) {
		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.controller.CollectSystemData(tctx, identity)
	}, c.maxConcurrent)

	collected := 0
	for _, result := range results {
		identity := targets[result.Index]
		if result.Error == nil && result.Value == nil {
			result.Error = fmt.Errorf("empty system data")
		}
		if result.Error != nil {
			c.metrics.CollectionFailures.Inc()
			c.logger.Warn("failed to collect system data",
				slog.String("agent", identity.Key()),
				slog.String("error", result.Error.Error()),
			)
			continue
		}
		data := result.Value
		data.CollectedBy = c.node
		c.snapshots.Set(identity.Key(), data, cache.DefaultTTL)
		collected++
	}

	c.logger.Debug("system data collection finished",
		slog.Int("targets", len(targets)),
		slog.Int("collected", collected),
	)

	return collected
}

// Get returns the latest snapshot of targetIP. sourceIP names the controller
// node that collected it: this node is served from the local cache, any other
// node from the shared store.
func (c *Collector) Get(ctx context.Context, sourceIP, targetIP string) (*model.SystemDataModel, error) {
	if c.isLocal(sourceIP) {
		if data, ok := c.lookup(targetIP); ok {
			return data, nil
		}
		return nil, fmt.Errorf("system data of %s: %w", targetIP, model.ErrNotFound)
	}
	return c.shared.GetSystemData(ctx, sourceIP, targetIP)
}

// Share publishes the local snapshot of identity to the shared store
func (c *Collector) Share(ctx context.Context, identity model.AgentIdentity) error {
	data, ok := c.snapshots.Get(identity.Key())
	if !ok {
		return fmt.Errorf("system data of %s: %w", identity.Key(), model.ErrNotFound)
	}
	if err := c.shared.PutSystemData(ctx, c.node, data); err != nil {
		return fmt.Errorf("failed to share system data of %s: %w", identity.Key(), err)
	}

	c.logger.Info("system data shared",
		slog.String("agent", identity.Key()),
		slog.String("node", c.node),
	)

	return nil
}

func (c *Collector) lookup(ip string) (*model.SystemDataModel, bool) {
	var latest *model.SystemDataModel
	for _, data := range c.snapshots.Items() {
		if data.IP == ip && (latest == nil || data.CollectedAt.After(latest.CollectedAt)) {
			latest = data
		}
	}
	return latest, latest != nil
}

func (c *Collector) isLocal(sourceIP string) bool {
	if sourceIP == "" || sourceIP == c.node {
		return true
	}
	host, _, err := net.SplitHostPort(c.node)
	return err == nil && sourceIP == host
}
