package model

import "time"

// SystemDataModel is a point-in-time resource snapshot of an agent host
type SystemDataModel struct {
	IP             string    `json:"ip" cbor:"1,keyasint"`
	Name           string    `json:"name" cbor:"2,keyasint"`
	CPUUsedPercent float64   `json:"cpu_used_percent" cbor:"3,keyasint"`
	MemoryTotal    uint64    `json:"memory_total" cbor:"4,keyasint"` // bytes
	MemoryFree     uint64    `json:"memory_free" cbor:"5,keyasint"`  // bytes
	DiskTotal      uint64    `json:"disk_total" cbor:"6,keyasint"`   // bytes
	DiskUsed       uint64    `json:"disk_used" cbor:"7,keyasint"`    // bytes
	Uptime         uint64    `json:"uptime" cbor:"8,keyasint"`       // seconds
	CollectedAt    time.Time `json:"collected_at" cbor:"9,keyasint"`
	CollectedBy    string    `json:"collected_by" cbor:"10,keyasint"` // Controller node that collected it
}

// User roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is the principal a capacity query is evaluated for
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}
