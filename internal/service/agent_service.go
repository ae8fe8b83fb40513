package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kirychukyurii/fleet-registry/internal/agentctl"
	"github.com/kirychukyurii/fleet-registry/internal/cluster"
	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/metrics"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/monitoring"
	"github.com/kirychukyurii/fleet-registry/internal/policy"
	"github.com/kirychukyurii/fleet-registry/internal/region"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
)

// AgentService defines the fleet registry operations of one controller node
type AgentService interface {
	// Liveness
	Heartbeat(ctx context.Context, identity model.AgentIdentity, port int) (*model.AgentRecord, error)
	MarkBusy(ctx context.Context, id int64) (*model.AgentRecord, error)
	MarkReady(ctx context.Context, id int64) (*model.AgentRecord, error)
	CheckAgentState(ctx context.Context) (SweepResult, error)
	ExpireLocalCache(ctx context.Context) error

	// Administration
	Approve(ctx context.Context, id int64, approved bool) (*model.AgentRecord, error)
	StopAgent(ctx context.Context, id int64) (*model.AgentRecord, error)
	StopAgentByIdentity(ctx context.Context, identity model.AgentIdentity) (*model.AgentRecord, error)
	DeleteAgent(ctx context.Context, id int64) error

	// Queries
	GetOne(ctx context.Context, id int64) (*model.AgentRecord, error)
	GetAllLocal(ctx context.Context) ([]model.AgentRecord, error)
	GetAllVisible(ctx context.Context) ([]model.AgentRecord, error)
	GetAllActive(ctx context.Context) ([]model.AgentRecord, error)
	GetAvailableAgentCountMap(ctx context.Context, user model.User) (map[string]int, error)
	Regions() model.RegionMap

	// Monitoring
	AddAgentMonitoringTarget(identity model.AgentIdentity)
	RemoveAgentMonitoringTarget(identity model.AgentIdentity)
	CollectAgentSystemData(ctx context.Context) (int, error)
	GetSystemDataModel(ctx context.Context, sourceIP, targetIP string) (*model.SystemDataModel, error)
	RequestShareAgentSystemDataModel(ctx context.Context, id int64) error

	// Cluster membership
	PublishLocal(ctx context.Context) error
	RefreshRegions(ctx context.Context) error
	Bootstrap(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ShareQueue carries share requests between controller nodes
type ShareQueue interface {
	PutShareRequest(ctx context.Context, owner string, agentID int64) error
	TakeShareRequests(ctx context.Context, owner string) ([]int64, error)
}

// Options wires the collaborators of the service
type Options struct {
	Node       string
	Config     config.AgentConfig
	Store      repository.AgentStore
	Cluster    *cluster.StateCache
	Directory  *region.Directory
	Policy     *policy.Engine // nil grants every user every agent
	Controller agentctl.Controller
	Collector  *monitoring.Collector
	Shares     ShareQueue
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time // defaults to time.Now
}

// agentService implements AgentService
type agentService struct {
	node       string
	cfg        config.AgentConfig
	store      repository.AgentStore
	cluster    *cluster.StateCache
	directory  *region.Directory
	policy     *policy.Engine
	controller agentctl.Controller
	collector  *monitoring.Collector
	shares     ShareQueue
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	locks     *keyedMutex
	publishMu sync.Mutex // serializes list+publish so partitions never go backwards
}

// NewAgentService creates the agent service
func NewAgentService(opts Options) AgentService {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &agentService{
		node:       opts.Node,
		cfg:        opts.Config,
		store:      opts.Store,
		cluster:    opts.Cluster,
		directory:  opts.Directory,
		policy:     opts.Policy,
		controller: opts.Controller,
		collector:  opts.Collector,
		shares:     opts.Shares,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        now,
		locks:      newKeyedMutex(),
	}
}

// Heartbeat registers an unknown agent as READY, revives an INACTIVE one
// and refreshes the heartbeat of every other. A BUSY agent stays BUSY.
func (s *agentService) Heartbeat(ctx context.Context, identity model.AgentIdentity, port int) (*model.AgentRecord, error) {
	if identity.IP == "" || identity.HostName == "" {
		return nil, fmt.Errorf("%w: heartbeat requires ip and host name", model.ErrInvalidInput)
	}

	unlock := s.locks.Lock(identity.Key())
	rec, visible, err := s.heartbeatLocked(ctx, identity, port)
	unlock()
	if err != nil {
		return nil, err
	}

	s.collector.AddTarget(identity)
	// a plain heartbeat changes nothing peers see; the periodic publish carries it
	if visible {
		s.publish(ctx)
	}

	return rec, nil
}

// heartbeatLocked applies a heartbeat and reports whether the change is
// visible in the cluster view
func (s *agentService) heartbeatLocked(ctx context.Context, identity model.AgentIdentity, port int) (*model.AgentRecord, bool, error) {
	existing, err := s.store.FindByIdentity(ctx, identity)
	if errors.Is(err, model.ErrNotFound) {
		rec, err := s.store.Upsert(ctx, identity, model.AgentAttrs{
			Port:            port,
			State:           model.AgentStateReady,
			Approved:        s.cfg.AutoApprove,
			LastHeartbeatAt: s.now(),
			Node:            s.node,
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to register agent: %w", err)
		}

		s.logger.Info("agent registered",
			slog.Int64("id", rec.ID),
			slog.String("agent", identity.Key()),
			slog.String("region", identity.Region),
			slog.Bool("approved", rec.Approved),
		)
		return rec, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up agent: %w", err)
	}

	rec, err := s.mutate(ctx, existing.ID, func(rec *model.AgentRecord) (bool, error) {
		rec.LastHeartbeatAt = s.now()
		rec.Node = s.node
		if port > 0 {
			rec.Port = port
		}
		if rec.State == model.AgentStateInactive {
			rec.State = model.AgentStateReady
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	visible := rec.State != existing.State || rec.Port != existing.Port || rec.Node != existing.Node
	return rec, visible, nil
}

// MarkBusy records a job assignment (READY -> BUSY)
func (s *agentService) MarkBusy(ctx context.Context, id int64) (*model.AgentRecord, error) {
	return s.transition(ctx, id, model.AgentStateReady, model.AgentStateBusy)
}

// MarkReady records a job completion (BUSY -> READY)
func (s *agentService) MarkReady(ctx context.Context, id int64) (*model.AgentRecord, error) {
	return s.transition(ctx, id, model.AgentStateBusy, model.AgentStateReady)
}

func (s *agentService) transition(ctx context.Context, id int64, from, to model.AgentState) (*model.AgentRecord, error) {
	rec, err := s.withLock(ctx, id, func(rec *model.AgentRecord) (bool, error) {
		switch rec.State {
		case to:
			return false, nil
		case from:
			rec.State = to
			return true, nil
		default:
			return false, fmt.Errorf("agent %d is %s, cannot become %s: %w", id, rec.State, to, model.ErrInvalidTransition)
		}
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx)
	return rec, nil
}

// ExpireLocalCache rebuilds this node's partition from the local store and
// forces the next read to re-merge every node's partition
func (s *agentService) ExpireLocalCache(ctx context.Context) error {
	s.cluster.Expire()
	return s.publishErr(ctx)
}

// Approve toggles capacity visibility. The change is durable and published
// before Approve returns.
func (s *agentService) Approve(ctx context.Context, id int64, approved bool) (*model.AgentRecord, error) {
	rec, err := s.withLock(ctx, id, func(rec *model.AgentRecord) (bool, error) {
		if rec.Approved == approved {
			return false, nil
		}
		rec.Approved = approved
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent approval changed",
		slog.Int64("id", id),
		slog.String("agent", rec.Identity().Key()),
		slog.Bool("approved", approved),
	)

	s.publish(ctx)
	return rec, nil
}

// StopAgent signals the agent to terminate and removes it from the active
// view. A failed signal is logged; the agent will miss heartbeats anyway.
func (s *agentService) StopAgent(ctx context.Context, id int64) (*model.AgentRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.signalStop(ctx, rec.Identity())

	stopped, err := s.withLock(ctx, id, func(rec *model.AgentRecord) (bool, error) {
		if rec.State == model.AgentStateInactive {
			return false, nil
		}
		rec.State = model.AgentStateInactive
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.collector.RemoveTarget(stopped.Identity())
	s.publish(ctx)

	return stopped, nil
}

// StopAgentByIdentity stops a local agent like StopAgent. An agent owned by
// another node only gets the signal; its owner notices the missing heartbeats.
func (s *agentService) StopAgentByIdentity(ctx context.Context, identity model.AgentIdentity) (*model.AgentRecord, error) {
	rec, err := s.store.FindByIdentity(ctx, identity)
	if err == nil {
		return s.StopAgent(ctx, rec.ID)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up agent: %w", err)
	}

	snapshot, err := s.cluster.Merge(ctx)
	if err != nil {
		return nil, err
	}
	for _, remote := range snapshot.Records() {
		if remote.Identity() == identity {
			s.signalStop(ctx, identity)
			return &remote, nil
		}
	}

	return nil, fmt.Errorf("agent %s: %w", identity.Key(), model.ErrNotFound)
}

func (s *agentService) signalStop(ctx context.Context, identity model.AgentIdentity) {
	if err := s.controller.Stop(ctx, identity); err != nil {
		s.logger.Warn("stop signal not delivered",
			slog.String("agent", identity.Key()),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteAgent removes the agent from the local store and the partition
func (s *agentService) DeleteAgent(ctx context.Context, id int64) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(rec.Identity().Key())
	err = s.store.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}

	s.collector.RemoveTarget(rec.Identity())
	s.publish(ctx)

	s.logger.Info("agent deleted",
		slog.Int64("id", id),
		slog.String("agent", rec.Identity().Key()),
	)

	return nil
}

// GetOne returns the agent with id. Ids are assigned per node: the local
// store is asked first, then the partitions of the other nodes in address order.
func (s *agentService) GetOne(ctx context.Context, id int64) (*model.AgentRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return rec, err
	}

	snapshot, err := s.cluster.Merge(ctx)
	if err != nil {
		return nil, err
	}
	for _, node := range snapshot.Nodes() {
		if node == s.node {
			continue
		}
		for _, rec := range snapshot.Partitions[node].Records {
			if rec.ID == id {
				return &rec, nil
			}
		}
	}

	return nil, fmt.Errorf("agent %d: %w", id, model.ErrNotFound)
}

// GetAllLocal returns the agents connected to this node
func (s *agentService) GetAllLocal(ctx context.Context) ([]model.AgentRecord, error) {
	return s.store.ListLocal(ctx, s.node)
}

// GetAllVisible returns every agent across the cluster
func (s *agentService) GetAllVisible(ctx context.Context) ([]model.AgentRecord, error) {
	return s.cluster.AllVisible(ctx)
}

// GetAllActive returns every READY or BUSY agent across the cluster
func (s *agentService) GetAllActive(ctx context.Context) ([]model.AgentRecord, error) {
	return s.cluster.AllActive(ctx)
}

// Regions returns the current region map
func (s *agentService) Regions() model.RegionMap {
	return s.directory.Snapshot()
}

// AddAgentMonitoringTarget registers an agent for system data collection
func (s *agentService) AddAgentMonitoringTarget(identity model.AgentIdentity) {
	s.collector.AddTarget(identity)
}

// RemoveAgentMonitoringTarget stops collecting from an agent
func (s *agentService) RemoveAgentMonitoringTarget(identity model.AgentIdentity) {
	s.collector.RemoveTarget(identity)
}

// CollectAgentSystemData runs one collection pass, then honours the share
// requests peers addressed to this node
func (s *agentService) CollectAgentSystemData(ctx context.Context) (int, error) {
	collected := s.collector.Collect(ctx)

	ids, err := s.shares.TakeShareRequests(ctx, s.node)
	if err != nil {
		return collected, fmt.Errorf("failed to read share requests: %w", err)
	}

	for _, id := range ids {
		if err := s.shareLocal(ctx, id); err != nil {
			s.logger.Warn("failed to honour share request",
				slog.Int64("id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return collected, nil
}

// GetSystemDataModel returns the latest snapshot of targetIP collected by sourceIP
func (s *agentService) GetSystemDataModel(ctx context.Context, sourceIP, targetIP string) (*model.SystemDataModel, error) {
	return s.collector.Get(ctx, sourceIP, targetIP)
}

// RequestShareAgentSystemDataModel makes the owner's snapshot of the agent
// available cluster-wide. A local agent is shared at once; a remote owner
// is asked through the share queue and answers on its next collection pass.
func (s *agentService) RequestShareAgentSystemDataModel(ctx context.Context, id int64) error {
	err := s.shareLocal(ctx, id)
	if !errors.Is(err, errNotLocal) {
		return err
	}

	snapshot, err := s.cluster.Merge(ctx)
	if err != nil {
		return err
	}
	for _, node := range snapshot.Nodes() {
		if node == s.node {
			continue
		}
		for _, rec := range snapshot.Partitions[node].Records {
			if rec.ID != id {
				continue
			}
			if err := s.shares.PutShareRequest(ctx, node, id); err != nil {
				return fmt.Errorf("failed to request share from %s: %w", node, err)
			}
			s.logger.Info("share requested",
				slog.Int64("id", id),
				slog.String("owner", node),
			)
			return nil
		}
	}

	return fmt.Errorf("agent %d: %w", id, model.ErrNotFound)
}

var errNotLocal = errors.New("agent not owned by this node")

func (s *agentService) shareLocal(ctx context.Context, id int64) error {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return errNotLocal
	}
	if err != nil {
		return err
	}
	return s.collector.Share(ctx, rec.Identity())
}

// PublishLocal republishes this node's partition from the local store
func (s *agentService) PublishLocal(ctx context.Context) error {
	return s.publishErr(ctx)
}

// RefreshRegions re-resolves the region of every known node
func (s *agentService) RefreshRegions(ctx context.Context) error {
	return s.directory.Refresh(ctx)
}

// Bootstrap resolves regions, publishes the local partition and resumes
// monitoring of every active local agent
func (s *agentService) Bootstrap(ctx context.Context) error {
	if err := s.directory.Refresh(ctx); err != nil {
		return err
	}

	records, err := s.store.ListLocal(ctx, s.node)
	if err != nil {
		return fmt.Errorf("failed to list local agents: %w", err)
	}
	for _, rec := range records {
		if rec.State.IsActive() {
			s.collector.AddTarget(rec.Identity())
		}
	}

	s.logger.Info("registry bootstrapped",
		slog.String("node", s.node),
		slog.Int("local_agents", len(records)),
		slog.Any("unknown_regions", s.directory.Unknown()),
	)

	return s.publishErr(ctx)
}

// Shutdown withdraws this node's partition; its agents lose their controller
func (s *agentService) Shutdown(ctx context.Context) error {
	return s.cluster.Withdraw(ctx)
}

// withLock takes the agent's lock and applies fn through mutate
func (s *agentService) withLock(ctx context.Context, id int64, fn func(rec *model.AgentRecord) (bool, error)) (*model.AgentRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(rec.Identity().Key())
	defer unlock()

	return s.mutate(ctx, id, fn)
}

// mutate re-reads the row, applies fn and writes it back with the store's
// version check. A stale write is retried with a fresh read up to
// MaxUpdateRetries times. fn returns false to leave the row unchanged.
func (s *agentService) mutate(ctx context.Context, id int64, fn func(rec *model.AgentRecord) (bool, error)) (*model.AgentRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		before := rec.State
		changed, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}

		updated, err := s.store.Update(ctx, rec)
		if err == nil {
			if before != updated.State {
				s.metrics.ObserveTransition(before, updated.State)
				s.logger.Info("agent state changed",
					slog.Int64("id", id),
					slog.String("agent", updated.Identity().Key()),
					slog.String("from", string(before)),
					slog.String("to", string(updated.State)),
				)
			}
			return updated, nil
		}

		if !errors.Is(err, model.ErrStaleWrite) || attempt >= s.cfg.MaxUpdateRetries {
			return nil, err
		}

		s.metrics.StaleWriteRetries.Inc()
		s.logger.Debug("retrying stale agent update",
			slog.Int64("id", id),
			slog.Int("attempt", attempt+1),
		)
	}
}

// publish republishes the local partition. An unreachable shared store only
// degrades peers' view of this node, so it is logged and not returned.
func (s *agentService) publish(ctx context.Context) {
	if err := s.publishErr(ctx); err != nil {
		s.logger.Warn("failed to publish partition",
			slog.String("node", s.node),
			slog.String("error", err.Error()),
		)
	}
}

func (s *agentService) publishErr(ctx context.Context) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	records, err := s.store.ListLocal(ctx, s.node)
	if err != nil {
		return fmt.Errorf("failed to list local agents: %w", err)
	}
	return s.cluster.Publish(ctx, s.node, s.withoutMigrated(ctx, records))
}

// withoutMigrated drops INACTIVE rows of agents another node reports as
// active. Such an agent reconnected elsewhere and the local row must not
// shadow the live copy.
func (s *agentService) withoutMigrated(ctx context.Context, records []model.AgentRecord) []model.AgentRecord {
	if !slices.ContainsFunc(records, func(rec model.AgentRecord) bool {
		return rec.State == model.AgentStateInactive
	}) {
		return records
	}

	elsewhere, err := s.cluster.ActiveElsewhere(ctx)
	if err != nil {
		s.logger.Warn("failed to check peers for migrated agents",
			slog.String("error", err.Error()),
		)
		return records
	}
	if len(elsewhere) == 0 {
		return records
	}

	kept := make([]model.AgentRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := elsewhere[rec.Identity()]; ok && rec.State == model.AgentStateInactive {
			s.logger.Debug("agent is active on another node, not publishing local row",
				slog.Int64("id", rec.ID),
				slog.String("agent", rec.Identity().Key()),
			)
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}
