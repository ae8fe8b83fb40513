package agentctl

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	nomad "github.com/hashicorp/nomad/api"

	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/util"
)

// nomadAPI is the part of the Nomad client the controller uses
type nomadAPI interface {
	DeregisterJob(ctx context.Context, jobID string) error
	ListNodes(ctx context.Context) ([]*nomad.NodeListStub, error)
	NodeStats(ctx context.Context, nodeID string) (*nomad.HostStats, error)
}

// NomadController runs every agent as a Nomad job named <job_prefix><host name>.
// Stop deregisters the job, collect reads the host stats of the node at the
// agent's address.
type NomadController struct {
	api       nomadAPI
	jobPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewNomadController creates a Nomad API client for the configured cluster
func NewNomadController(cfg config.NomadConfig, logger *slog.Logger) (*NomadController, error) {
	client, err := createNomadClient(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("nomad client initialized",
		slog.String("address", cfg.Address),
		slog.String("region", cfg.Region),
	)

	return newNomadController(&nomadClient{client: client}, cfg.JobPrefix, logger), nil
}

func newNomadController(api nomadAPI, jobPrefix string, logger *slog.Logger) *NomadController {
	return &NomadController{
		api:       api,
		jobPrefix: jobPrefix,
		logger:    logger,
		now:       time.Now,
	}
}

// createNomadClient creates a Nomad API client
func createNomadClient(cfg config.NomadConfig) (*nomad.Client, error) {
	nomadConfig := nomad.DefaultConfig()
	nomadConfig.Address = cfg.Address

	// Set region if specified (used for API calls)
	if cfg.Region != "" {
		nomadConfig.Region = cfg.Region
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
	}
	nomadConfig.HttpClient = httpClient

	client, err := nomad.NewClient(nomadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Nomad client: %w", err)
	}

	return client, nil
}

// Stop deregisters the agent's job (purge=false keeps it in the system)
func (c *NomadController) Stop(ctx context.Context, identity model.AgentIdentity) error {
	jobID := c.jobPrefix + identity.HostName
	if err := c.api.DeregisterJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to stop agent %s: %w", identity.Key(), err)
	}

	c.logger.Info("stopped agent job",
		slog.String("agent", identity.Key()),
		slog.String("job_id", jobID),
	)

	return nil
}

// CollectSystemData reads the host stats of the Nomad node the agent runs on
func (c *NomadController) CollectSystemData(ctx context.Context, identity model.AgentIdentity) (*model.SystemDataModel, error) {
	stubs, err := c.api.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var nodeID string
	for _, stub := range stubs {
		if stub.Address == identity.IP {
			nodeID = stub.ID
			break
		}
	}
	if nodeID == "" {
		return nil, fmt.Errorf("nomad node for agent %s: %w", identity.Key(), model.ErrNotFound)
	}

	stats, err := c.api.NodeStats(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats of node %s: %w", nodeID, err)
	}

	return toSystemData(identity, stats, c.now()), nil
}

func toSystemData(identity model.AgentIdentity, stats *nomad.HostStats, at time.Time) *model.SystemDataModel {
	data := &model.SystemDataModel{
		IP:          identity.IP,
		Name:        identity.HostName,
		Uptime:      stats.Uptime,
		CollectedAt: at,
	}

	if stats.Memory != nil {
		data.MemoryTotal = stats.Memory.Total
		data.MemoryFree = stats.Memory.Free
	}

	if len(stats.CPU) > 0 {
		var idle float64
		for _, cpu := range stats.CPU {
			idle += cpu.Idle
		}
		data.CPUUsedPercent = 100 - idle/float64(len(stats.CPU))
	}

	for _, disk := range stats.DiskStats {
		data.DiskTotal += disk.Size
		data.DiskUsed += disk.Used
	}

	return data
}

// nomadClient adapts *nomad.Client to nomadAPI
type nomadClient struct {
	client *nomad.Client
}

func (n *nomadClient) DeregisterJob(ctx context.Context, jobID string) error {
	_, _, err := n.client.Jobs().Deregister(jobID, false, (&nomad.WriteOptions{}).WithContext(ctx))
	return err
}

func (n *nomadClient) ListNodes(ctx context.Context) ([]*nomad.NodeListStub, error) {
	stubs, _, err := n.client.Nodes().List((&nomad.QueryOptions{}).WithContext(ctx))
	return stubs, err
}

func (n *nomadClient) NodeStats(ctx context.Context, nodeID string) (*nomad.HostStats, error) {
	return n.client.Nodes().Stats(nodeID, (&nomad.QueryOptions{}).WithContext(ctx))
}
