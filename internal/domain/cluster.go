package domain

import (
	"time"
)

// AntiAffinityStrategy controls co-location of node-group members on one host.
type AntiAffinityStrategy string

const (
	// AntiAffinityNone places round-robin over eligible hosts.
	AntiAffinityNone AntiAffinityStrategy = "NONE"
	// AntiAffinitySoft prefers hosts with the fewest same-group placements.
	AntiAffinitySoft AntiAffinityStrategy = "SOFT"
	// AntiAffinityHard never places two group members on one host.
	AntiAffinityHard AntiAffinityStrategy = "HARD"
	// AntiAffinityZoneAware currently behaves like AntiAffinitySoft.
	AntiAffinityZoneAware AntiAffinityStrategy = "ZONE_AWARE"
)

// Valid reports whether s is a known strategy. The empty string means NONE.
func (s AntiAffinityStrategy) Valid() bool {
	switch s {
	case "", AntiAffinityNone, AntiAffinitySoft, AntiAffinityHard, AntiAffinityZoneAware:
		return true
	}
	return false
}

// RollbackStrategy decides what happens to created nodes when a run fails.
type RollbackStrategy string

const (
	// RollbackFull deletes every node that reached READY.
	RollbackFull RollbackStrategy = "FULL"
	// RollbackNone leaves partially created nodes in place.
	RollbackNone RollbackStrategy = "NONE"
)

// PlacementConstraints restrict and shape host selection.
type PlacementConstraints struct {
	PreferredNodes []string             `json:"preferred_nodes,omitempty"`
	AvoidNodes     []string             `json:"avoid_nodes,omitempty"`
	AntiAffinity   AntiAffinityStrategy `json:"anti_affinity,omitempty"`
}

// CloudInit holds guest initialization settings.
type CloudInit struct {
	User         string   `json:"user,omitempty"`
	SSHKeys      []string `json:"ssh_keys,omitempty"`
	Nameserver   string   `json:"nameserver,omitempty"`
	SearchDomain string   `json:"search_domain,omitempty"`
	Packages     []string `json:"packages,omitempty"`
}

// Merge returns base overlaid with override field by field; every non-empty
// field of override wins.
func (base CloudInit) Merge(override *CloudInit) CloudInit {
	merged := base
	merged.SSHKeys = append([]string(nil), base.SSHKeys...)
	merged.Packages = append([]string(nil), base.Packages...)
	if override == nil {
		return merged
	}
	if override.User != "" {
		merged.User = override.User
	}
	if len(override.SSHKeys) > 0 {
		merged.SSHKeys = append([]string(nil), override.SSHKeys...)
	}
	if override.Nameserver != "" {
		merged.Nameserver = override.Nameserver
	}
	if override.SearchDomain != "" {
		merged.SearchDomain = override.SearchDomain
	}
	if len(override.Packages) > 0 {
		merged.Packages = append([]string(nil), override.Packages...)
	}
	return merged
}

// NodeGroup is a set of identically shaped nodes of a cluster.
type NodeGroup struct {
	Name      string     `json:"name"`
	Count     int        `json:"count"`
	Cores     int        `json:"cores"`
	MemoryMiB int        `json:"memory_mib"`
	DiskGiB   int        `json:"disk_gib"`
	Storage   string     `json:"storage,omitempty"`
	Bridge    string     `json:"bridge,omitempty"`
	VLAN      int        `json:"vlan,omitempty"`
	IPStart   string     `json:"ip_start,omitempty"`
	Gateway   string     `json:"gateway,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	CloudInit *CloudInit `json:"cloud_init,omitempty"`
}

// GlobalOptions apply to the whole provisioning run.
type GlobalOptions struct {
	DryRun               bool             `json:"dry_run,omitempty"`
	ParallelProvisioning bool             `json:"parallel_provisioning,omitempty"`
	RollbackStrategy     RollbackStrategy `json:"rollback_strategy,omitempty"`
	VMIDStart            int              `json:"vmid_start,omitempty"`
	HostnamePattern      string           `json:"hostname_pattern,omitempty"`
	Domain               string           `json:"domain,omitempty"`
	StartAfterCreate     bool             `json:"start_after_create,omitempty"`
	CloudInit            *CloudInit       `json:"cloud_init,omitempty"`
}

// ClusterSpec is the immutable request of a provisioning run.
type ClusterSpec struct {
	Name       string               `json:"name"`
	NodeGroups []NodeGroup          `json:"node_groups"`
	Placement  PlacementConstraints `json:"placement"`
	Options    GlobalOptions        `json:"options"`
}

// TotalNodes returns the number of nodes the spec plans.
func (s *ClusterSpec) TotalNodes() int {
	total := 0
	for _, g := range s.NodeGroups {
		total += g.Count
	}
	return total
}

// ProvisioningStatus is the stage of a provisioning run.
type ProvisioningStatus string

const (
	ProvisioningValidating         ProvisioningStatus = "VALIDATING"
	ProvisioningProvisioning       ProvisioningStatus = "PROVISIONING"
	ProvisioningConfiguringNetwork ProvisioningStatus = "CONFIGURING_NETWORK"
	ProvisioningPostProvisioning   ProvisioningStatus = "POST_PROVISIONING"
	ProvisioningCompleted          ProvisioningStatus = "COMPLETED"
	ProvisioningFailed             ProvisioningStatus = "FAILED"
	ProvisioningRollingBack        ProvisioningStatus = "ROLLING_BACK"
	ProvisioningRolledBack         ProvisioningStatus = "ROLLED_BACK"
	ProvisioningCancelled          ProvisioningStatus = "CANCELLED"
)

// IsTerminal returns true for COMPLETED, FAILED, ROLLED_BACK and CANCELLED.
func (s ProvisioningStatus) IsTerminal() bool {
	switch s {
	case ProvisioningCompleted, ProvisioningFailed, ProvisioningRolledBack, ProvisioningCancelled:
		return true
	}
	return false
}

// NodeProvisioningStatus is the status of one node of a provisioning run.
type NodeProvisioningStatus string

const (
	NodePending             NodeProvisioningStatus = "PENDING"
	NodeAllocatingResources NodeProvisioningStatus = "ALLOCATING_RESOURCES"
	NodeCreatingVM          NodeProvisioningStatus = "CREATING_VM"
	NodeConfiguring         NodeProvisioningStatus = "CONFIGURING"
	NodeReady               NodeProvisioningStatus = "READY"
	NodeFailed              NodeProvisioningStatus = "FAILED"
	NodeDeleting            NodeProvisioningStatus = "DELETING"
	NodeDeleted             NodeProvisioningStatus = "DELETED"
)

// NodeProvisioningState tracks one node of a provisioning run.
type NodeProvisioningState struct {
	Name      string                 `json:"name"`
	Group     string                 `json:"group"`
	Index     int                    `json:"index"`
	Host      string                 `json:"host,omitempty"`
	VMID      int                    `json:"vmid,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Status    NodeProvisioningStatus `json:"status"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Error     string                 `json:"error,omitempty"`
}

// ClusterProvisioningState tracks one provisioning run.
type ClusterProvisioningState struct {
	OperationID string                            `json:"operation_id"`
	Spec        ClusterSpec                       `json:"spec"`
	Status      ProvisioningStatus                `json:"status"`
	Nodes       map[string]*NodeProvisioningState `json:"nodes"`
	Progress    int                               `json:"progress"`
	StartedAt   time.Time                         `json:"started_at"`
	EndedAt     *time.Time                        `json:"ended_at,omitempty"`
	Error       string                            `json:"error,omitempty"`
}

// Clone returns a deep copy of the state. The spec is shared because it is immutable.
func (s *ClusterProvisioningState) Clone() *ClusterProvisioningState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Nodes = make(map[string]*NodeProvisioningState, len(s.Nodes))
	for name, n := range s.Nodes {
		nc := *n
		if n.StartedAt != nil {
			t := *n.StartedAt
			nc.StartedAt = &t
		}
		clone.Nodes[name] = &nc
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}
