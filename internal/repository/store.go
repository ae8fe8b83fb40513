package repository

import (
	"context"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// AgentStore defines the durable local agent store of one controller node.
// It never contacts peers.
type AgentStore interface {
	// Upsert inserts the agent or updates the row with the same identity in place
	Upsert(ctx context.Context, identity model.AgentIdentity, attrs model.AgentAttrs) (*model.AgentRecord, error)

	// Save inserts a fully specified record and assigns its id
	Save(ctx context.Context, rec *model.AgentRecord) error

	// Get returns the record with the given id or model.ErrNotFound
	Get(ctx context.Context, id int64) (*model.AgentRecord, error)

	// FindByIdentity returns the record for an identity or model.ErrNotFound
	FindByIdentity(ctx context.Context, identity model.AgentIdentity) (*model.AgentRecord, error)

	// ListLocal returns every record owned by node
	ListLocal(ctx context.Context, node string) ([]model.AgentRecord, error)

	// Update writes rec if its version is still current and returns the
	// post-update row. A concurrent modification yields model.ErrStaleWrite.
	Update(ctx context.Context, rec *model.AgentRecord) (*model.AgentRecord, error)

	// Delete removes the record; deleting an unknown id returns model.ErrNotFound
	Delete(ctx context.Context, id int64) error

	// Close releases the underlying database
	Close() error
}

// PartitionStore defines the replicated key/value backend of the cluster view.
// Every node writes only its own keys.
type PartitionStore interface {
	PutPartition(ctx context.Context, p *model.Partition) error
	// GetPartition returns model.ErrNotFound if the node never published
	GetPartition(ctx context.Context, node string) (*model.Partition, error)
	DeletePartition(ctx context.Context, node string) error

	PutRegion(ctx context.Context, address, region string) error
	// GetRegion returns model.ErrNotFound if the address never advertised a region
	GetRegion(ctx context.Context, address string) (string, error)

	PutSystemData(ctx context.Context, node string, data *model.SystemDataModel) error
	// GetSystemData returns model.ErrNotFound if node never shared data for ip
	GetSystemData(ctx context.Context, node, ip string) (*model.SystemDataModel, error)

	// PutShareRequest asks owner to share its collected data for an agent
	PutShareRequest(ctx context.Context, owner string, agentID int64) error
	// TakeShareRequests returns and clears the pending requests addressed to owner
	TakeShareRequests(ctx context.Context, owner string) ([]int64, error)

	Close() error
}
