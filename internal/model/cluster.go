package model

import (
	"sort"
	"time"
)

// Partition is one controller node's contribution to the cluster view
type Partition struct {
	Node        string        `json:"node" cbor:"1,keyasint"`
	Writer      string        `json:"writer" cbor:"2,keyasint"` // Instance id of the process that published it
	Records     []AgentRecord `json:"records" cbor:"3,keyasint"`
	PublishedAt time.Time     `json:"published_at" cbor:"4,keyasint"`
	Stale       bool          `json:"stale" cbor:"-"` // Served from last known data after a failed read
}

// ClusterSnapshot is the merged, read-only view of every node's partition
type ClusterSnapshot struct {
	Partitions map[string]*Partition `json:"partitions"`
	MergedAt   time.Time             `json:"merged_at"`
}

// Nodes returns the node addresses in the snapshot, sorted
func (s *ClusterSnapshot) Nodes() []string {
	nodes := make([]string, 0, len(s.Partitions))
	for node := range s.Partitions {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// Records returns every record across all partitions ordered by node, then id
func (s *ClusterSnapshot) Records() []AgentRecord {
	records := make([]AgentRecord, 0, s.Count())
	for _, node := range s.Nodes() {
		records = append(records, s.Partitions[node].Records...)
	}
	return records
}

// Count returns the sum of all partition sizes
func (s *ClusterSnapshot) Count() int {
	total := 0
	for _, p := range s.Partitions {
		total += len(p.Records)
	}
	return total
}

// StaleNodes returns nodes whose partition is served from last known data
func (s *ClusterSnapshot) StaleNodes() []string {
	var stale []string
	for _, node := range s.Nodes() {
		if s.Partitions[node].Stale {
			stale = append(stale, node)
		}
	}
	return stale
}

// RegionMap maps controller node addresses to region names.
// An empty region means the address could not be resolved.
type RegionMap struct {
	Regions     map[string]string `json:"regions"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}
