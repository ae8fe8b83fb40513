package region

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kirychukyurii/fleet-registry/internal/concurrent"
	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// Source is where controller nodes advertise their region
type Source interface {
	PutRegion(ctx context.Context, address, region string) error
	GetRegion(ctx context.Context, address string) (string, error)
}

// Peer is a controller node address with an optional static region
type Peer struct {
	Address string
	Region  string
}

// PeersFromConfig converts the configured peer list
func PeersFromConfig(peers []config.PeerConfig) []Peer {
	result := make([]Peer, 0, len(peers))
	for _, p := range peers {
		result = append(result, Peer{Address: p.Address, Region: p.Region})
	}
	return result
}

// Directory resolves controller node addresses into region names.
// Readers always see a complete RegionMap; Refresh replaces it whole.
type Directory struct {
	self    Peer
	peers   []Peer
	source  Source
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	current atomic.Pointer[model.RegionMap]
}

// New creates a directory for this node and its peers. In clustered mode a
// malformed peer address is a configuration error; otherwise the peer is
// skipped with a warning. The returned directory already resolves every
// statically configured region, before the first Refresh.
func New(self Peer, clustered bool, peers []Peer, source Source, timeout time.Duration, logger *slog.Logger) (*Directory, error) {
	valid := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Address == self.Address {
			continue
		}
		if err := config.ValidateAddress(p.Address); err != nil {
			if clustered {
				return nil, fmt.Errorf("%w: peer %q: %v", model.ErrConfigInvalid, p.Address, err)
			}
			logger.Warn("skipping malformed peer address",
				slog.String("address", p.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, p)
	}

	d := &Directory{
		self:    self,
		peers:   valid,
		source:  source,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}

	initial := &model.RegionMap{Regions: map[string]string{self.Address: self.Region}, RefreshedAt: d.now()}
	for _, p := range valid {
		initial.Regions[p.Address] = p.Region
	}
	d.current.Store(initial)

	return d, nil
}

// Refresh advertises this node's region and re-resolves every peer.
// An unreachable peer is recorded as unknown; Refresh itself only fails
// when ctx is done.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.self.Region != "" && d.source != nil {
		if err := d.source.PutRegion(ctx, d.self.Address, d.self.Region); err != nil {
			d.logger.Warn("failed to advertise region",
				slog.String("address", d.self.Address),
				slog.String("region", d.self.Region),
				slog.String("error", err.Error()),
			)
		}
	}

	results := concurrent.ParallelMapWithTimeout(ctx, d.peers, d.timeout, d.resolvePeer)

	next := &model.RegionMap{Regions: make(map[string]string, len(d.peers)+1)}
	next.Regions[d.self.Address] = d.self.Region
	for _, result := range results {
		peer := d.peers[result.Index]
		if result.Error != nil {
			d.logger.Warn("failed to resolve peer region",
				slog.String("address", peer.Address),
				slog.String("error", result.Error.Error()),
			)
			next.Regions[peer.Address] = ""
			continue
		}
		next.Regions[peer.Address] = result.Value
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("region refresh interrupted: %w", err)
	}

	next.RefreshedAt = d.now()
	d.current.Store(next)

	d.logger.Debug("region map refreshed",
		slog.Int("addresses", len(next.Regions)),
		slog.Int("unknown", len(d.Unknown())),
	)

	return nil
}

func (d *Directory) resolvePeer(ctx context.Context, peer Peer) (string, error) {
	if peer.Region != "" {
		return peer.Region, nil
	}
	if d.source == nil {
		return "", fmt.Errorf("no region source for %s: %w", peer.Address, model.ErrNotFound)
	}
	region, err := d.source.GetRegion(ctx, peer.Address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrPeerUnreachable, err)
	}
	return region, nil
}

// Resolve returns the region of a node address
func (d *Directory) Resolve(address string) (string, bool) {
	region := d.current.Load().Regions[address]
	return region, region != ""
}

// Regions returns the distinct resolvable regions, sorted
func (d *Directory) Regions() []string {
	seen := make(map[string]struct{})
	for _, region := range d.current.Load().Regions {
		if region != "" {
			seen[region] = struct{}{}
		}
	}
	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// Addresses returns every known node address including this node, sorted
func (d *Directory) Addresses() []string {
	m := d.current.Load()
	addresses := make([]string, 0, len(m.Regions))
	for address := range m.Regions {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Unknown returns the addresses whose region could not be resolved, sorted
func (d *Directory) Unknown() []string {
	var unknown []string
	for _, address := range d.Addresses() {
		if _, ok := d.Resolve(address); !ok {
			unknown = append(unknown, address)
		}
	}
	return unknown
}

// Snapshot returns a copy of the current region map
func (d *Directory) Snapshot() model.RegionMap {
	m := d.current.Load()
	regions := make(map[string]string, len(m.Regions))
	for address, region := range m.Regions {
		regions[address] = region
	}
	return model.RegionMap{Regions: regions, RefreshedAt: m.RefreshedAt}
}

// Self returns this node's address
func (d *Directory) Self() string {
	return d.self.Address
}
