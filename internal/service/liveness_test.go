package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
)

func TestCheckAgentStateInactivatesAgentWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := &model.AgentRecord{
		Name:   "localhost",
		Region: "TestRegion",
		IP:     "127.127.127.127",
		Port:   1,
		State:  model.AgentStateReady,
		Node:   n.svc.node,
	}
	require.NoError(t, n.store.Save(ctx, rec))

	require.NoError(t, n.ExpireLocalCache(ctx))
	result, err := n.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inactivated)

	inDB := mustGetLocal(t, n, rec.ID)
	assert.Equal(t, rec.IP, inDB.IP)
	assert.Equal(t, rec.Name, inDB.Name)
	assert.Equal(t, model.AgentStateInactive, inDB.State)
}

func TestCheckAgentStateHonoursTTL(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	fresh := mustHeartbeat(t, n, newIdentity("10.1.0.1", "fresh", "TestRegion"))
	silent := mustHeartbeat(t, n, newIdentity("10.1.0.2", "silent", "TestRegion"))

	// exactly at the TTL boundary nothing is stale yet
	n.clock.Advance(30 * time.Second)
	mustHeartbeat(t, n, fresh.Identity())
	result, err := n.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Inactivated)

	n.clock.Advance(time.Millisecond)
	result, err = n.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Inactivated)

	assert.Equal(t, model.AgentStateReady, mustGetLocal(t, n, fresh.ID).State)
	assert.Equal(t, model.AgentStateInactive, mustGetLocal(t, n, silent.ID).State)
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.Transitions.WithLabelValues("READY", "INACTIVE")))
}

func TestCheckAgentStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		ids = append(ids, mustHeartbeat(t, n, newIdentity("10.1.0.1", name, "TestRegion")).ID)
	}
	_, err := n.MarkBusy(ctx, ids[1])
	require.NoError(t, err)
	n.clock.Advance(time.Minute)

	_, err = n.CheckAgentState(ctx)
	require.NoError(t, err)
	first, err := n.GetAllLocal(ctx)
	require.NoError(t, err)

	second, err := n.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Inactivated)

	after, err := n.GetAllLocal(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(first))
	for i := range first {
		assert.Equal(t, first[i].State, after[i].State)
		assert.Equal(t, first[i].Version, after[i].Version, "a no-op sweep must not write")
	}
}

func TestBusyPolicyInactivate(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t, withBusyPolicy(config.BusyPolicyInactivate))

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "busy", "TestRegion"))
	_, err := n.MarkBusy(ctx, rec.ID)
	require.NoError(t, err)

	n.clock.Advance(time.Minute)
	result, err := n.CheckAgentState(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inactivated)
	assert.Zero(t, result.Exempted)
	assert.Equal(t, model.AgentStateInactive, mustGetLocal(t, n, rec.ID).State)
}

func TestBusyPolicyExempt(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t, withBusyPolicy(config.BusyPolicyExempt))

	busy := mustHeartbeat(t, n, newIdentity("10.1.0.1", "busy", "TestRegion"))
	ready := mustHeartbeat(t, n, newIdentity("10.1.0.2", "ready", "TestRegion"))
	_, err := n.MarkBusy(ctx, busy.ID)
	require.NoError(t, err)

	n.clock.Advance(time.Minute)
	result, err := n.CheckAgentState(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inactivated)
	assert.Equal(t, 1, result.Exempted)
	assert.Equal(t, model.AgentStateBusy, mustGetLocal(t, n, busy.ID).State)
	assert.Equal(t, model.AgentStateInactive, mustGetLocal(t, n, ready.ID).State)

	// once the job completes the agent is judged like any other
	_, err = n.MarkReady(ctx, busy.ID)
	require.NoError(t, err)
	result, err = n.CheckAgentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inactivated)
	assert.Equal(t, model.AgentStateInactive, mustGetLocal(t, n, busy.ID).State)
}

func TestHeartbeatRevivesInactiveAgent(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))
	n.clock.Advance(24 * time.Hour)
	_, err := n.CheckAgentState(ctx)
	require.NoError(t, err)
	require.Equal(t, model.AgentStateInactive, mustGetLocal(t, n, rec.ID).State)

	revived := mustHeartbeat(t, n, rec.Identity())
	assert.Equal(t, rec.ID, revived.ID)
	assert.Equal(t, model.AgentStateReady, revived.State)
	assert.True(t, n.clock.Now().Equal(revived.LastHeartbeatAt))

	active, err := n.GetAllActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestHeartbeatKeepsBusyAgentBusy(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))
	_, err := n.MarkBusy(ctx, rec.ID)
	require.NoError(t, err)

	after := mustHeartbeat(t, n, rec.Identity())
	assert.Equal(t, model.AgentStateBusy, after.State)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	id := newIdentity("10.1.0.1", "worker", "TestRegion")
	rec := mustHeartbeat(t, n, id)
	again := mustHeartbeat(t, n, id)
	assert.Equal(t, rec.ID, again.ID, "same identity must not create a duplicate")

	got, err := n.GetOne(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.Identity())
	assert.Equal(t, model.AgentStateReady, got.State)
	assert.True(t, got.Approved)

	_, err = n.Heartbeat(ctx, model.AgentIdentity{IP: "10.1.0.1"}, 1)
	assert.Error(t, err)
}

func TestJobSignalsRejectInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))

	// READY -> READY is a no-op
	same, err := n.MarkReady(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, same.Version)

	n.clock.Advance(time.Minute)
	_, err = n.CheckAgentState(ctx)
	require.NoError(t, err)

	_, err = n.MarkBusy(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = n.MarkReady(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = n.MarkBusy(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSweepDoesNotLoseConcurrentHeartbeats(t *testing.T) {
	ctx := context.Background()
	n := newSingleNode(t)

	var identities []model.AgentIdentity
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		id := newIdentity("10.1.0.1", name, "TestRegion")
		mustHeartbeat(t, n, id)
		identities = append(identities, id)
	}
	n.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := n.CheckAgentState(ctx)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		for _, id := range identities {
			_, err := n.Heartbeat(ctx, id, 12000)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// whichever ran first, a heartbeat after the clock moved wins
	local, err := n.GetAllLocal(ctx)
	require.NoError(t, err)
	for _, rec := range local {
		assert.Equal(t, model.AgentStateReady, rec.State, rec.Name)
	}
}

// flakyStore fails the next n updates with a stale write
type flakyStore struct {
	*repository.SQLiteStore
	mu    sync.Mutex
	stale int
}

func (f *flakyStore) Update(ctx context.Context, rec *model.AgentRecord) (*model.AgentRecord, error) {
	f.mu.Lock()
	if f.stale > 0 {
		f.stale--
		f.mu.Unlock()
		return nil, model.ErrStaleWrite
	}
	f.mu.Unlock()
	return f.SQLiteStore.Update(ctx, rec)
}

func TestStaleWriteIsRetriedThenSurfaced(t *testing.T) {
	ctx := context.Background()
	sqlite, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	store := &flakyStore{SQLiteStore: sqlite}

	shared := repository.NewMemoryPartitionStore()
	n := newTestNodeWithStore(t, store, shared, regionPeer("10.0.0.1", "TestRegion"), nil)

	rec := mustHeartbeat(t, n, newIdentity("10.1.0.1", "a", "TestRegion"))

	store.stale = 2
	approved, err := n.Approve(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.False(t, approved.Approved)
	assert.Equal(t, 2.0, testutil.ToFloat64(n.metrics.StaleWriteRetries))

	store.stale = 10
	_, err = n.Approve(ctx, rec.ID, true)
	assert.True(t, errors.Is(err, model.ErrStaleWrite))
	assert.False(t, mustGetLocal(t, n, rec.ID).Approved)
}
