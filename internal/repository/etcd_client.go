package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kirychukyurii/fleet-registry/internal/codec"
	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/util"
)

const (
	// etcd key prefixes
	keyPartitionPrefix  = "fleet/partitions/"
	keyRegionPrefix     = "fleet/regions/"
	keySystemDataPrefix = "fleet/sysdata/"
	keySharePrefix      = "fleet/share/"
)

// etcdPartitionStore implements PartitionStore on etcd
type etcdPartitionStore struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdPartitionStore connects to etcd and verifies the first endpoint answers
func NewEtcdPartitionStore(cfg config.EtcdConfig, logger *slog.Logger) (PartitionStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: etcd.endpoints is empty", model.ErrConfigInvalid)
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd cluster", "endpoints", cfg.Endpoints)

	return &etcdPartitionStore{
		client: client,
		logger: logger,
	}, nil
}

// PutPartition replaces the partition of p.Node
func (e *etcdPartitionStore) PutPartition(ctx context.Context, p *model.Partition) error {
	data, err := codec.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode partition %s: %w", p.Node, err)
	}

	if _, err := e.client.Put(ctx, keyPartitionPrefix+p.Node, string(data)); err != nil {
		return fmt.Errorf("failed to write partition %s to etcd: %w", p.Node, err)
	}

	e.logger.Debug("wrote partition to etcd",
		"node", p.Node,
		"records", len(p.Records),
		"bytes", len(data))

	return nil
}

// GetPartition reads the partition published by node
func (e *etcdPartitionStore) GetPartition(ctx context.Context, node string) (*model.Partition, error) {
	resp, err := e.client.Get(ctx, keyPartitionPrefix+node)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s from etcd: %w", node, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("partition %s: %w", node, model.ErrNotFound)
	}

	var p model.Partition
	if err := codec.Decode(resp.Kvs[0].Value, &p); err != nil {
		return nil, fmt.Errorf("failed to decode partition %s: %w", node, err)
	}

	return &p, nil
}

// DeletePartition removes the partition of node
func (e *etcdPartitionStore) DeletePartition(ctx context.Context, node string) error {
	if _, err := e.client.Delete(ctx, keyPartitionPrefix+node); err != nil {
		return fmt.Errorf("failed to delete partition %s from etcd: %w", node, err)
	}
	return nil
}

// PutRegion advertises the region of a controller address
func (e *etcdPartitionStore) PutRegion(ctx context.Context, address, region string) error {
	if _, err := e.client.Put(ctx, keyRegionPrefix+address, region); err != nil {
		return fmt.Errorf("failed to write region of %s to etcd: %w", address, err)
	}
	return nil
}

// GetRegion reads the region advertised by address
func (e *etcdPartitionStore) GetRegion(ctx context.Context, address string) (string, error) {
	resp, err := e.client.Get(ctx, keyRegionPrefix+address)
	if err != nil {
		return "", fmt.Errorf("failed to read region of %s from etcd: %w", address, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("region of %s: %w", address, model.ErrNotFound)
	}
	return string(resp.Kvs[0].Value), nil
}

// PutSystemData shares a system data snapshot collected by node
func (e *etcdPartitionStore) PutSystemData(ctx context.Context, node string, data *model.SystemDataModel) error {
	encoded, err := codec.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode system data of %s: %w", data.IP, err)
	}
	if _, err := e.client.Put(ctx, systemDataKey(node, data.IP), string(encoded)); err != nil {
		return fmt.Errorf("failed to write system data of %s to etcd: %w", data.IP, err)
	}
	return nil
}

// GetSystemData reads a snapshot shared by node for ip
func (e *etcdPartitionStore) GetSystemData(ctx context.Context, node, ip string) (*model.SystemDataModel, error) {
	resp, err := e.client.Get(ctx, systemDataKey(node, ip))
	if err != nil {
		return nil, fmt.Errorf("failed to read system data of %s from etcd: %w", ip, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("system data of %s from %s: %w", ip, node, model.ErrNotFound)
	}

	var data model.SystemDataModel
	if err := codec.Decode(resp.Kvs[0].Value, &data); err != nil {
		return nil, fmt.Errorf("failed to decode system data of %s: %w", ip, err)
	}
	return &data, nil
}

// PutShareRequest queues a share request for owner
func (e *etcdPartitionStore) PutShareRequest(ctx context.Context, owner string, agentID int64) error {
	key := keySharePrefix + owner + "/" + strconv.FormatInt(agentID, 10)
	if _, err := e.client.Put(ctx, key, ""); err != nil {
		return fmt.Errorf("failed to write share request for agent %d: %w", agentID, err)
	}
	return nil
}

// TakeShareRequests atomically reads and deletes the requests addressed to owner
func (e *etcdPartitionStore) TakeShareRequests(ctx context.Context, owner string) ([]int64, error) {
	prefix := keySharePrefix + owner + "/"
	resp, err := e.client.Delete(ctx, prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
	if err != nil {
		return nil, fmt.Errorf("failed to take share requests from etcd: %w", err)
	}

	ids := make([]int64, 0, len(resp.PrevKvs))
	for _, kv := range resp.PrevKvs {
		id, err := strconv.ParseInt(strings.TrimPrefix(string(kv.Key), prefix), 10, 64)
		if err != nil {
			e.logger.Warn("ignoring malformed share request", "key", string(kv.Key))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the etcd client connection
func (e *etcdPartitionStore) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func systemDataKey(node, ip string) string {
	return keySystemDataPrefix + node + "/" + ip
}
