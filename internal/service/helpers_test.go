package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/fleet-registry/internal/cluster"
	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/logger"
	"github.com/kirychukyurii/fleet-registry/internal/metrics"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/monitoring"
	"github.com/kirychukyurii/fleet-registry/internal/policy"
	"github.com/kirychukyurii/fleet-registry/internal/region"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeController struct {
	mu      sync.Mutex
	stopErr error
	stopped []model.AgentIdentity
}

func (f *fakeController) Stop(ctx context.Context, identity model.AgentIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, identity)
	return nil
}

func (f *fakeController) CollectSystemData(ctx context.Context, identity model.AgentIdentity) (*model.SystemDataModel, error) {
	if identity.IP == "127.0.0.1" {
		return nil, errors.New("agent did not answer")
	}
	return &model.SystemDataModel{IP: identity.IP, Name: identity.HostName, CPUUsedPercent: 50}, nil
}

func (f *fakeController) stoppedAgents() []model.AgentIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AgentIdentity(nil), f.stopped...)
}

type testNode struct {
	AgentService
	svc        *agentService
	store      repository.AgentStore
	controller *fakeController
	clock      *fakeClock
	metrics    *metrics.Metrics
}

type nodeOption func(*config.AgentConfig)

func withBusyPolicy(policy string) nodeOption {
	return func(cfg *config.AgentConfig) { cfg.BusyPolicy = policy }
}

func withoutAutoApprove() nodeOption {
	return func(cfg *config.AgentConfig) { cfg.AutoApprove = false }
}

// newTestNode builds a registry node sharing partitions through shared
func newTestNode(t *testing.T, shared *repository.MemoryPartitionStore, self region.Peer, peers []region.Peer, opts ...nodeOption) *testNode {
	t.Helper()

	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return newTestNodeWithStore(t, store, shared, self, peers, opts...)
}

func newTestNodeWithStore(t *testing.T, store repository.AgentStore, shared *repository.MemoryPartitionStore, self region.Peer, peers []region.Peer, opts ...nodeOption) *testNode {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()

	agentCfg := config.Default().Agent
	for _, opt := range opts {
		opt(&agentCfg)
	}

	directory, err := region.New(self, true, peers, shared, 50*time.Millisecond, log)
	require.NoError(t, err)

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	controller := &fakeController{}
	clock := newFakeClock()

	svc := NewAgentService(Options{
		Node:       self.Address,
		Config:     agentCfg,
		Store:      store,
		Cluster:    cluster.New(self.Address, shared, directory, 50*time.Millisecond, time.Minute, m, log),
		Directory:  directory,
		Policy:     engine,
		Controller: controller,
		Collector:  monitoring.NewCollector(self.Address, controller, shared, 4, time.Minute, m, log),
		Shares:     shared,
		Metrics:    m,
		Logger:     log,
		Clock:      clock.Now,
	})
	require.NoError(t, svc.Bootstrap(ctx))

	return &testNode{
		AgentService: svc,
		svc:          svc.(*agentService),
		store:        store,
		controller:   controller,
		clock:        clock,
		metrics:      m,
	}
}

// newSingleNode builds a node in region "TestRegion" with one unreachable peer
func newSingleNode(t *testing.T, opts ...nodeOption) *testNode {
	t.Helper()
	shared := repository.NewMemoryPartitionStore()
	shared.SetUnreachable("210.10.10.1", true)
	return newTestNode(t, shared, region.Peer{Address: "10.0.0.1", Region: "TestRegion"},
		[]region.Peer{{Address: "210.10.10.1"}}, opts...)
}

func regionPeer(address, name string) region.Peer {
	return region.Peer{Address: address, Region: name}
}

func newIdentity(ip, name, region string) model.AgentIdentity {
	return model.AgentIdentity{HostName: name, IP: ip, Region: region}
}

func mustHeartbeat(t *testing.T, n *testNode, id model.AgentIdentity) *model.AgentRecord {
	t.Helper()
	rec, err := n.Heartbeat(context.Background(), id, 12000)
	require.NoError(t, err)
	return rec
}

func mustGetLocal(t *testing.T, n *testNode, id int64) *model.AgentRecord {
	t.Helper()
	rec, err := n.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}
