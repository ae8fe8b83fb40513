package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// Busy agent policies applied by the liveness sweep
const (
	BusyPolicyInactivate = "inactivate" // BUSY agents past the TTL become INACTIVE
	BusyPolicyExempt     = "exempt"     // BUSY agents are left alone until the job completes
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Cluster    ClusterConfig    `koanf:"cluster"`
	Agent      AgentConfig      `koanf:"agent"`
	Cache      CacheConfig      `koanf:"cache"`
	Store      StoreConfig      `koanf:"store"`
	Etcd       EtcdConfig       `koanf:"etcd"`
	Nomad      NomadConfig      `koanf:"nomad"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Policy     PolicyConfig     `koanf:"policy"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

// ClusterConfig describes this controller node and its peers
type ClusterConfig struct {
	Enabled               bool          `koanf:"enabled"`
	NodeAddress           string        `koanf:"node_address"` // Address this node publishes its partition under
	Region                string        `koanf:"region"`
	Peers                 []PeerConfig  `koanf:"peers"`
	MergeTimeout          time.Duration `koanf:"merge_timeout"`
	PublishInterval       time.Duration `koanf:"publish_interval"`
	RegionRefreshInterval time.Duration `koanf:"region_refresh_interval"`
}

// PeerConfig represents a peer controller node.
// Region is optional; when empty it is resolved from the region the peer advertises.
type PeerConfig struct {
	Address string `koanf:"address"`
	Region  string `koanf:"region"`
}

// AgentConfig controls liveness detection
type AgentConfig struct {
	LivenessTTL      time.Duration `koanf:"liveness_ttl"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	BusyPolicy       string        `koanf:"busy_policy"`
	MaxUpdateRetries int           `koanf:"max_update_retries"`
	AutoApprove      bool          `koanf:"auto_approve"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// StoreConfig represents the local agent store
type StoreConfig struct {
	DSN string `koanf:"dsn"`
}

// EtcdConfig represents the etcd cluster holding the replicated partitions.
// With no endpoints the registry keeps partitions in memory (single node).
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	TLS         *TLSConfig    `koanf:"tls"`
}

// NomadConfig represents the Nomad cluster that runs the agents.
// With no address stop and collect signals are only logged.
type NomadConfig struct {
	Address   string     `koanf:"address"`
	Region    string     `koanf:"region"`
	JobPrefix string     `koanf:"job_prefix"`
	TLS       *TLSConfig `koanf:"tls"`
}

// MonitoringConfig controls agent system data collection
type MonitoringConfig struct {
	Interval      time.Duration `koanf:"interval"`
	MaxConcurrent int           `koanf:"max_concurrent"`
	SnapshotTTL   time.Duration `koanf:"snapshot_ttl"`
}

// PolicyConfig points to an optional rego module replacing the default entitlement policy
type PolicyConfig struct {
	File string `koanf:"file"`
}

// TLSConfig represents TLS client configuration
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// Default returns a configuration with every optional value filled in
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Cluster: ClusterConfig{
			NodeAddress:           "127.0.0.1",
			MergeTimeout:          2 * time.Second,
			PublishInterval:       10 * time.Second,
			RegionRefreshInterval: time.Minute,
		},
		Agent: AgentConfig{
			LivenessTTL:      30 * time.Second,
			SweepInterval:    10 * time.Second,
			BusyPolicy:       BusyPolicyInactivate,
			MaxUpdateRetries: 3,
			AutoApprove:      true,
		},
		Cache: CacheConfig{TTL: 5 * time.Second},
		Store: StoreConfig{DSN: "file:fleet.db?_busy_timeout=5000"},
		Etcd:  EtcdConfig{DialTimeout: 5 * time.Second},
		Nomad: NomadConfig{JobPrefix: "agent-"},
		Monitoring: MonitoringConfig{
			Interval:      30 * time.Second,
			MaxConcurrent: 8,
			SnapshotTTL:   5 * time.Minute,
		},
	}
}

// Load loads configuration from the specified file on top of Default()
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML config
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration. Every problem wraps model.ErrConfigInvalid.
func (c *Config) Validate() error {
	var problems []error
	invalid := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{model.ErrConfigInvalid}, args...)...))
	}

	if c.Server.Addr == "" {
		invalid("server.addr is required")
	}

	if c.Cluster.NodeAddress == "" {
		invalid("cluster.node_address is required")
	}

	if c.Cluster.Enabled {
		if c.Cluster.MergeTimeout <= 0 {
			invalid("cluster.merge_timeout must be positive")
		}
		for i, peer := range c.Cluster.Peers {
			if err := ValidateAddress(peer.Address); err != nil {
				invalid("cluster.peers[%d].address: %v", i, err)
			}
		}
	}

	if c.Agent.LivenessTTL <= 0 {
		invalid("agent.liveness_ttl must be positive")
	}

	switch c.Agent.BusyPolicy {
	case BusyPolicyInactivate, BusyPolicyExempt:
	default:
		invalid("agent.busy_policy must be %q or %q", BusyPolicyInactivate, BusyPolicyExempt)
	}

	if c.Agent.MaxUpdateRetries < 0 {
		invalid("agent.max_update_retries must not be negative")
	}

	return errors.Join(problems...)
}

// ValidateAddress checks a peer address is a host or host:port
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is empty")
	}
	if strings.Contains(address, "://") {
		return fmt.Errorf("address %q must not carry a scheme", address)
	}
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	if host == "" || strings.ContainsAny(host, " /") {
		return fmt.Errorf("address %q is malformed", address)
	}
	return nil
}
