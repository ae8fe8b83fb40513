package agentctl

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// ErrNotConfigured is returned by the noop controller
var ErrNotConfigured = errors.New("agent control channel not configured")

// Controller delivers instructions to running agent processes.
// Delivery is best effort; callers must not depend on it for correctness.
type Controller interface {
	Stop(ctx context.Context, identity model.AgentIdentity) error
	CollectSystemData(ctx context.Context, identity model.AgentIdentity) (*model.SystemDataModel, error)
}

// New returns a Nomad controller when an address is configured and the
// noop controller otherwise
func New(cfg config.NomadConfig, logger *slog.Logger) (Controller, error) {
	if cfg.Address == "" {
		logger.Info("nomad address not configured, agent signals are only logged")
		return NewNoop(logger), nil
	}
	return NewNomadController(cfg, logger)
}

type noopController struct {
	logger *slog.Logger
}

// NewNoop creates a controller that logs and drops every signal
func NewNoop(logger *slog.Logger) Controller {
	return &noopController{logger: logger}
}

func (n *noopController) Stop(ctx context.Context, identity model.AgentIdentity) error {
	n.logger.Info("dropping stop signal",
		slog.String("agent", identity.Key()),
	)
	return ErrNotConfigured
}

func (n *noopController) CollectSystemData(ctx context.Context, identity model.AgentIdentity) (*model.SystemDataModel, error) {
	return nil, ErrNotConfigured
}
