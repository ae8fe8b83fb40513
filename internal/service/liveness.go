package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// SweepResult summarizes one liveness sweep
type SweepResult struct {
	Checked     int `json:"checked"`
	Inactivated int `json:"inactivated"`
	Exempted    int `json:"exempted"` // stale BUSY agents left alone by the exempt policy
	Failed      int `json:"failed"`
}

// CheckAgentState demotes every local agent whose last heartbeat is older
// than the liveness TTL to INACTIVE and republishes the partition.
// Each row is re-read under its lock and judged against the clock at that
// moment, so a heartbeat that lands mid-sweep is never lost. Running it
// again without heartbeats changes nothing.
func (s *agentService) CheckAgentState(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var result SweepResult

	records, err := s.store.ListLocal(ctx, s.node)
	if err != nil {
		return result, fmt.Errorf("failed to list local agents: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		outcome, err := s.sweepOne(ctx, rec)
		switch {
		case errors.Is(err, model.ErrNotFound):
			// deleted while the sweep was running
		case err != nil:
			result.Failed++
			s.logger.Warn("failed to sweep agent",
				slog.Int64("id", rec.ID),
				slog.String("agent", rec.Identity().Key()),
				slog.String("error", err.Error()),
			)
		case outcome == sweepInactivated:
			result.Inactivated++
			s.collector.RemoveTarget(rec.Identity())
		case outcome == sweepExempted:
			result.Exempted++
		}
	}

	s.publish(ctx)
	s.metrics.ObserveSweep(start)

	s.logger.Info("liveness sweep finished",
		slog.Int("checked", result.Checked),
		slog.Int("inactivated", result.Inactivated),
		slog.Int("exempted", result.Exempted),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", time.Since(start)),
	)

	return result, nil
}

type sweepOutcome int

const (
	sweepUnchanged sweepOutcome = iota
	sweepInactivated
	sweepExempted
)

func (s *agentService) sweepOne(ctx context.Context, listed model.AgentRecord) (sweepOutcome, error) {
	unlock := s.locks.Lock(listed.Identity().Key())
	defer unlock()

	outcome := sweepUnchanged
	_, err := s.mutate(ctx, listed.ID, func(rec *model.AgentRecord) (bool, error) {
		outcome = sweepUnchanged
		if rec.State == model.AgentStateInactive {
			return false, nil
		}
		if !rec.IsStale(s.now(), s.cfg.LivenessTTL) {
			return false, nil
		}
		if rec.State == model.AgentStateBusy && s.cfg.BusyPolicy == config.BusyPolicyExempt {
			outcome = sweepExempted
			return false, nil
		}
		rec.State = model.AgentStateInactive
		outcome = sweepInactivated
		return true, nil
	})
	return outcome, err
}
