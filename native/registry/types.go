package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	coreerr "duxnet/core/errors"
	"duxnet/native/capability"
)

// Status is the liveness classification of a node record.
type Status string

// Node statuses. Offline is only entered automatically by the liveness
// reconciler; every other transition is explicit.
const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// ParseStatus validates a wire-level status name.
func ParseStatus(name string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(name))) {
	case StatusUnknown:
		return StatusUnknown, nil
	case StatusHealthy:
		return StatusHealthy, nil
	case StatusUnhealthy:
		return StatusUnhealthy, nil
	case StatusOffline:
		return StatusOffline, nil
	default:
		return "", coreerr.E(coreerr.CodeValidation, "unknown node status: %s", name)
	}
}

// Hardware carries the optional hardware description a node advertises in
// its registration metadata.
type Hardware struct {
	CPUCores  int     `json:"cpu_cores"`
	MemoryGB  float64 `json:"memory_gb"`
	StorageGB float64 `json:"storage_gb"`
	GPU       bool    `json:"gpu"`
}

// Node is the canonical persisted record of a marketplace participant. The
// capability set and metadata are stored as JSON columns; the capability
// index holds the derived in-memory view.
type Node struct {
	NodeID        string  `gorm:"primaryKey;column:node_id" json:"node_id"`
	Address       string  `gorm:"not null" json:"address"`
	Capabilities  string  `gorm:"column:capabilities" json:"-"`
	Reputation    float64 `gorm:"index" json:"reputation"`
	Status        Status  `gorm:"size:16;index" json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	PublicKey     string  `gorm:"column:public_key" json:"-"`
	AuthLevel     string  `gorm:"size:16" json:"auth_level,omitempty"`
	Metadata      string  `gorm:"column:metadata" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CapabilityList decodes the stored capability set.
func (n *Node) CapabilityList() []string {
	if n == nil || n.Capabilities == "" {
		return nil
	}
	var caps []string
	if err := json.Unmarshal([]byte(n.Capabilities), &caps); err != nil {
		return nil
	}
	return caps
}

// SetCapabilities normalises, deduplicates and stores the capability set.
func (n *Node) SetCapabilities(caps []string) {
	set := make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		if normalized := capability.Normalize(cap); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	unique := make([]string, 0, len(set))
	for cap := range set {
		unique = append(unique, cap)
	}
	sort.Strings(unique)
	encoded, _ := json.Marshal(unique)
	n.Capabilities = string(encoded)
}

// HardwareSpec decodes the hardware description from the metadata bag.
func (n *Node) HardwareSpec() Hardware {
	var hw Hardware
	if n == nil || n.Metadata == "" {
		return hw
	}
	_ = json.Unmarshal([]byte(n.Metadata), &hw)
	return hw
}

// QueryFilter selects nodes for scheduling decisions. Zero values leave the
// corresponding dimension unconstrained.
type QueryFilter struct {
	Capabilities  []string
	MatchAll      bool
	MinReputation float64
	HealthyOnly   bool
	MinCPUCores   int
	MinMemoryGB   float64
	MinStorageGB  float64
	GPURequired   bool
}

// ReputationUpdate reports the outcome of applying a reputation event.
type ReputationUpdate struct {
	NodeID  string  `json:"node_id"`
	Old     float64 `json:"old"`
	New     float64 `json:"new"`
	Delta   float64 `json:"delta"`
	Clamped bool    `json:"clamped"`
}
