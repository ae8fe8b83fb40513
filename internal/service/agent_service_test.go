package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/region"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
)

var testUser = model.User{ID: "tester", Role: model.RoleUser}

// newTwoNodeFleet starts nodes 10.0.0.1 in region A and 10.0.0.2 in region B.
// Regions are learned from what each node advertises.
func newTwoNodeFleet(t *testing.T, opts ...nodeOption) (a, b *testNode, shared *repository.MemoryPartitionStore) {
	t.Helper()
	shared = repository.NewMemoryPartitionStore()
	b = newTestNode(t, shared, regionPeer("10.0.0.2", "B"), []region.Peer{{Address: "10.0.0.1"}}, opts...)
	a = newTestNode(t, shared, regionPeer("10.0.0.1", "A"), []region.Peer{{Address: "10.0.0.2"}}, opts...)
	require.NoError(t, b.RefreshRegions(context.Background()))
	return a, b, shared
}

func TestCapacityAcrossTwoNodes(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	for i := 1; i <= 3; i++ {
		mustHeartbeat(t, a, newIdentity(fmt.Sprintf("10.1.0.%d", i), "agent", "A"))
		mustHeartbeat(t, b, newIdentity(fmt.Sprintf("10.2.0.%d", i), "agent", "B"))
	}

	require.NoError(t, a.ExpireLocalCache(ctx))
	counts, err := a.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 3, "B": 3}, counts)

	// the same answer from the other node
	require.NoError(t, b.ExpireLocalCache(ctx))
	counts, err = b.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 3, "B": 3}, counts)

	visible, err := a.GetAllVisible(ctx)
	require.NoError(t, err)
	assert.Len(t, visible, 6)

	local, err := a.GetAllLocal(ctx)
	require.NoError(t, err)
	assert.Len(t, local, 3)
}

func TestCapacityZeroFillsKnownRegions(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	counts, err := n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	count, ok := counts["TestRegion"]
	assert.True(t, ok, "a region without agents is present")
	assert.Zero(t, count)
}

func TestUnapprovedAgentsNeverCount(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t, withoutAutoApprove())

	first := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))
	mustHeartbeat(t, n, newIdentity("10.1.0.2", "b", "TestRegion"))
	assert.False(t, first.Approved)

	counts, err := n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, counts["TestRegion"])

	// approval is visible to the very next query
	_, err = n.Approve(ctx, first.ID, true)
	require.NoError(t, err)
	counts, err = n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["TestRegion"])

	_, err = n.Approve(ctx, first.ID, false)
	require.NoError(t, err)
	counts, err = n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, counts["TestRegion"])
	assert.False(t, mustGetLocal(t, n, first.ID).Approved, "approval is durable")
}

func TestCapacityExcludesBusyAndInactiveAgents(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	busy := mustHeartbeat(t, n, newIdentity("10.1.0.1", "busy", "TestRegion"))
	stopped := mustHeartbeat(t, n, newIdentity("10.1.0.2", "stopped", "TestRegion"))
	mustHeartbeat(t, n, newIdentity("10.1.0.3", "ready", "TestRegion"))

	_, err := n.MarkBusy(ctx, busy.ID)
	require.NoError(t, err)
	_, err = n.StopAgent(ctx, stopped.ID)
	require.NoError(t, err)

	counts, err := n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["TestRegion"])
}

func TestCapacityHonoursOwnedAgents(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	mustHeartbeat(t, n, newIdentity("10.1.0.1", "shared", "TestRegion"))
	mustHeartbeat(t, n, newIdentity("10.1.0.2", "private", model.OwnedRegion("TestRegion", "alice")))

	tests := []struct {
		user model.User
		want int
	}{
		{model.User{ID: "alice", Role: model.RoleUser}, 2},
		{model.User{ID: "bob", Role: model.RoleUser}, 1},
		{model.User{ID: "root", Role: model.RoleAdmin}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.user.ID, func(t *testing.T) {
			counts, err := n.GetAvailableAgentCountMap(ctx, tt.user)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"TestRegion": tt.want}, counts)
		})
	}
}

func TestCapacitySkipsNodesWithUnknownRegion(t *testing.T) {
	ctx := context.Background()
	shared := repository.NewMemoryPartitionStore()

	// 10.0.0.3 never advertises a region
	silent := newTestNode(t, shared, regionPeer("10.0.0.3", ""), nil)
	n := newTestNode(t, shared, regionPeer("10.0.0.1", "A"), []region.Peer{{Address: "10.0.0.3"}})

	mustHeartbeat(t, silent, newIdentity("10.3.0.1", "orphan", "C"))
	mustHeartbeat(t, n, newIdentity("10.1.0.1", "agent", "A"))

	require.NoError(t, n.ExpireLocalCache(ctx))
	counts, err := n.GetAvailableAgentCountMap(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1}, counts)

	// still visible for diagnostics
	visible, err := n.GetAllVisible(ctx)
	require.NoError(t, err)
	assert.Len(t, visible, 2)
	assert.Equal(t, []string{"10.0.0.3"}, n.svc.directory.Unknown())
}

func TestStopAgentSucceedsWhenSignalFails(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)
	n.controller.stopErr = errors.New("agent unreachable")

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))

	stopped, err := n.StopAgent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStateInactive, stopped.State)

	active, err := n.GetAllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	visible, err := n.GetAllVisible(ctx)
	require.NoError(t, err)
	assert.Len(t, visible, 1, "stop is not delete")
}

func TestStopAgentSendsSignal(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	id := newIdentity("10.1.0.1", "a", "TestRegion")
	mustHeartbeat(t, n, id)

	stopped, err := n.StopAgentByIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStateInactive, stopped.State)
	assert.Equal(t, []model.AgentIdentity{id}, n.controller.stoppedAgents())
	assert.Empty(t, n.svc.collector.Targets())
}

func TestStopUnknownAgentHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	_, err := n.StopAgent(ctx, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = n.StopAgentByIdentity(ctx, newIdentity("127.0.0.1", "nobody", "TestRegion"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Empty(t, n.controller.stoppedAgents())
}

func TestStopRemoteAgentOnlySignals(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	id := newIdentity("10.2.0.1", "remote", "B")
	rec := mustHeartbeat(t, b, id)

	require.NoError(t, a.ExpireLocalCache(ctx))
	got, err := a.StopAgentByIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.Node)
	assert.Equal(t, []model.AgentIdentity{id}, a.controller.stoppedAgents())

	// the owner's record is untouched; it goes INACTIVE once heartbeats stop
	assert.Equal(t, model.AgentStateReady, mustGetLocal(t, b, rec.ID).State)
}

func TestDeleteAgent(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))
	require.NoError(t, n.DeleteAgent(ctx, rec.ID))

	_, err := n.GetOne(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	visible, err := n.GetAllVisible(ctx)
	require.NoError(t, err)
	assert.Empty(t, visible)

	assert.ErrorIs(t, n.DeleteAgent(ctx, rec.ID), model.ErrNotFound)
}

func TestSaveGetDeleteAgent(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := &model.AgentRecord{
		IP:     "1.1.1.1",
		Name:   "TestRegionsave",
		Port:   8080,
		Region: "TestRegionsave",
		State:  model.AgentStateBusy,
		Node:   n.svc.node,
	}
	require.NoError(t, n.store.Save(ctx, rec))

	got, err := n.GetOne(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Identity(), got.Identity())

	local, err := n.GetAllLocal(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, local)

	_, err = n.Approve(ctx, rec.ID, true)
	require.NoError(t, err)

	// removed behind the registry's back
	require.NoError(t, n.store.Delete(ctx, rec.ID))
	_, err = n.GetOne(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetOneFindsRemoteAgent(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	rec := mustHeartbeat(t, b, newIdentity("10.2.0.1", "remote", "B"))

	require.NoError(t, a.ExpireLocalCache(ctx))
	got, err := a.GetOne(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Identity(), got.Identity())
	assert.Equal(t, "10.0.0.2", got.Node)
}

func TestMonitoringCalls(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	_, err := n.GetAllVisible(ctx)
	require.NoError(t, err)
	_, err = n.GetAllActive(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, n.RequestShareAgentSystemDataModel(ctx, 0), model.ErrNotFound)

	_, err = n.GetSystemDataModel(ctx, "127.0.0.1", "127.0.0.1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	monitor := newIdentity("127.0.0.1", "localhost", "TestRegion")
	n.AddAgentMonitoringTarget(monitor)

	// the controller cannot reach 127.0.0.1; the pass still completes
	collected, err := n.CollectAgentSystemData(ctx)
	require.NoError(t, err)
	assert.Zero(t, collected)

	worker := newIdentity("10.1.0.1", "worker", "TestRegion")
	mustHeartbeat(t, n, worker)
	collected, err = n.CollectAgentSystemData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, collected)

	data, err := n.GetSystemDataModel(ctx, "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)
	assert.Equal(t, "worker", data.Name)

	n.RemoveAgentMonitoringTarget(monitor)
	assert.Len(t, n.svc.collector.Targets(), 1)
}

func TestShareRequestAcrossNodes(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	rec := mustHeartbeat(t, b, newIdentity("10.2.0.1", "remote", "B"))
	_, err := b.CollectAgentSystemData(ctx)
	require.NoError(t, err)

	_, err = a.GetSystemDataModel(ctx, "10.0.0.2", "10.2.0.1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, a.ExpireLocalCache(ctx))
	require.NoError(t, a.RequestShareAgentSystemDataModel(ctx, rec.ID))

	// the owner honours the request on its next pass
	_, err = b.CollectAgentSystemData(ctx)
	require.NoError(t, err)

	data, err := a.GetSystemDataModel(ctx, "10.0.0.2", "10.2.0.1")
	require.NoError(t, err)
	assert.Equal(t, "remote", data.Name)
	assert.Equal(t, "10.0.0.2", data.CollectedBy)
}

func TestShutdownWithdrawsPartition(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	mustHeartbeat(t, b, newIdentity("10.2.0.1", "remote", "B"))
	require.NoError(t, b.Shutdown(ctx))

	require.NoError(t, a.ExpireLocalCache(ctx))
	visible, err := a.GetAllVisible(ctx)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestAgentReconnectedToPeerStaysActiveAfterOldOwnerSweeps(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTwoNodeFleet(t)

	mover := newIdentity("10.9.0.1", "mover", "A")
	stay := newIdentity("10.9.0.2", "stay", "A")
	old := mustHeartbeat(t, a, mover)
	mustHeartbeat(t, a, stay)

	// the agent drops its connection to a and reconnects to b
	b.clock.Advance(time.Second)
	mustHeartbeat(t, b, mover)

	a.clock.Advance(time.Minute)
	result, err := a.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inactivated)
	assert.Equal(t, model.AgentStateInactive, mustGetLocal(t, a, old.ID).State, "a keeps its local row")

	for range 2 {
		b.svc.cluster.Expire()
		counts, err := b.GetAvailableAgentCountMap(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"A": 1, "B": 0}, counts)

		active, err := b.GetAllActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "10.0.0.2", active[0].Node)

		visible, err := b.GetAllVisible(ctx)
		require.NoError(t, err)
		assert.Len(t, visible, 2, "agents that did not move stay visible as INACTIVE")

		// the periodic publish of a must not bring the old row back
		require.NoError(t, a.PublishLocal(ctx))
	}
}

func TestHeartbeatRejectsMissingIdentityFields(t *testing.T) {
	n := newSingleNode(t)

	_, err := n.Heartbeat(context.Background(), model.AgentIdentity{IP: "10.1.0.1"}, 1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = n.Heartbeat(context.Background(), model.AgentIdentity{HostName: "a"}, 1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
