package service

import (
	"context"
	"log/slog"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// GetAvailableAgentCountMap counts, per region, the agents user may run work
// on: approved, READY, owned by a node with a known region and entitled by
// the policy. Every known region is present, zero if it has no capacity.
// Only the merged cluster view is read.
func (s *agentService) GetAvailableAgentCountMap(ctx context.Context, user model.User) (map[string]int, error) {
	s.metrics.CapacityQueries.Inc()

	counts := make(map[string]int)
	for _, region := range s.directory.Regions() {
		counts[region] = 0
	}

	snapshot, err := s.cluster.Merge(ctx)
	if err != nil {
		return nil, err
	}

	for _, node := range snapshot.Nodes() {
		nodeRegion, ok := s.directory.Resolve(node)
		if !ok {
			s.logger.Debug("skipping node with unknown region",
				slog.String("node", node),
			)
			continue
		}

		for i := range snapshot.Partitions[node].Records {
			rec := &snapshot.Partitions[node].Records[i]
			if !rec.Available() || !s.entitled(ctx, user, rec) {
				continue
			}

			region, _ := model.ParseRegion(rec.Region)
			if region == "" {
				region = nodeRegion
			}
			counts[region]++
		}
	}

	return counts, nil
}

// entitled evaluates the policy; an evaluation error denies
func (s *agentService) entitled(ctx context.Context, user model.User, rec *model.AgentRecord) bool {
	if s.policy == nil {
		return true
	}
	ok, err := s.policy.Entitled(ctx, user, rec)
	if err != nil {
		s.logger.Warn("entitlement check failed, denying",
			slog.Int64("id", rec.ID),
			slog.String("user", user.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}
