package model

import (
	"fmt"
	"strings"
	"time"
)

// AgentState represents the liveness state of an agent
type AgentState string

// Agent states
const (
	AgentStateReady    AgentState = "READY"
	AgentStateBusy     AgentState = "BUSY"
	AgentStateInactive AgentState = "INACTIVE"
)

// IsActive reports whether the agent is connected (READY or BUSY)
func (s AgentState) IsActive() bool {
	return s == AgentStateReady || s == AgentStateBusy
}

// ParseAgentState converts a stored or user supplied value into an AgentState
func ParseAgentState(value string) (AgentState, error) {
	switch state := AgentState(strings.ToUpper(value)); state {
	case AgentStateReady, AgentStateBusy, AgentStateInactive:
		return state, nil
	default:
		return "", fmt.Errorf("unknown agent state %q", value)
	}
}

// ownedRegionSeparator splits a private agent region into base region and owner
const ownedRegionSeparator = "_owned_"

// ParseRegion splits an agent region of the form "<region>_owned_<user>".
// Shared agents return an empty owner.
func ParseRegion(region string) (base, owner string) {
	base, owner, found := strings.Cut(region, ownedRegionSeparator)
	if !found {
		return region, ""
	}
	return base, owner
}

// OwnedRegion builds the region name of an agent private to owner
func OwnedRegion(base, owner string) string {
	if owner == "" {
		return base
	}
	return base + ownedRegionSeparator + owner
}

// AgentIdentity identifies a physical agent process for the lifetime of a session
type AgentIdentity struct {
	HostName string `json:"host_name" cbor:"1,keyasint"`
	IP       string `json:"ip" cbor:"2,keyasint"`
	Region   string `json:"region" cbor:"3,keyasint"`
}

// Key returns the cache key of the identity ("ip_hostname")
func (i AgentIdentity) Key() string {
	return i.IP + "_" + i.HostName
}

// AgentRecord is the durable row of an agent owned by one controller node
type AgentRecord struct {
	ID              int64      `json:"id" cbor:"1,keyasint"`
	IP              string     `json:"ip" cbor:"2,keyasint"`
	Name            string     `json:"name" cbor:"3,keyasint"`
	Port            int        `json:"port" cbor:"4,keyasint"`
	Region          string     `json:"region" cbor:"5,keyasint"`
	State           AgentState `json:"state" cbor:"6,keyasint"`
	Approved        bool       `json:"approved" cbor:"7,keyasint"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at" cbor:"8,keyasint"`
	Node            string     `json:"node" cbor:"9,keyasint"`     // Address of the owning controller
	Version         int64      `json:"version" cbor:"10,keyasint"` // Optimistic concurrency counter
}

// Identity returns the identity fields of the record
func (a *AgentRecord) Identity() AgentIdentity {
	return AgentIdentity{HostName: a.Name, IP: a.IP, Region: a.Region}
}

// Owner returns the user a private agent belongs to, or "" for shared agents
func (a *AgentRecord) Owner() string {
	_, owner := ParseRegion(a.Region)
	return owner
}

// IsStale checks if the last heartbeat is older than ttl at the given instant.
// A record that never sent a heartbeat is stale.
func (a *AgentRecord) IsStale(now time.Time, ttl time.Duration) bool {
	if a.LastHeartbeatAt.IsZero() {
		return true
	}
	return now.Sub(a.LastHeartbeatAt) > ttl
}

// Available reports whether the agent may be counted as capacity
func (a *AgentRecord) Available() bool {
	return a.Approved && a.State == AgentStateReady
}

// AgentAttrs are the mutable attributes supplied on registration
type AgentAttrs struct {
	Port            int
	State           AgentState
	Approved        bool
	LastHeartbeatAt time.Time
	Node            string
}
