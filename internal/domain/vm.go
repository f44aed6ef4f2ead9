package domain

import (
	"sort"
	"strings"
)

// VMPowerState is the power state reported by the hypervisor.
type VMPowerState string

const (
	VMStateRunning VMPowerState = "running"
	VMStateStopped VMPowerState = "stopped"
	VMStatePaused  VMPowerState = "paused"
	VMStateUnknown VMPowerState = "unknown"
)

// VirtualMachine is a VM as seen through the hypervisor's cluster resource view.
type VirtualMachine struct {
	ID     int          `json:"vmid"`
	Name   string       `json:"name"`
	Node   string       `json:"node"`
	Status VMPowerState `json:"status"`
	Tags   []string     `json:"tags,omitempty"`
}

// IsRunning returns true if the VM is in a running state.
func (vm *VirtualMachine) IsRunning() bool {
	return vm.Status == VMStateRunning
}

// Capabilities returns the maintenance policy derived from the VM's tags.
func (vm *VirtualMachine) Capabilities() Capabilities {
	return ParseCapabilities(vm.Tags)
}

// Tag names recognized by the maintenance policy. Matching is exact.
const (
	TagAlwaysOn = "always-on"
	TagMaintOK  = "maint-ok"
)

// Capabilities is the typed maintenance policy of a VM.
type Capabilities struct {
	// AlwaysOn VMs must stay powered on; offline migration is never permitted.
	AlwaysOn bool
	// MaintOK VMs tolerate downtime; they are skipped by soft drains and may be migrated offline.
	MaintOK bool
}

// ParseCapabilities derives Capabilities from a tag list.
func ParseCapabilities(tags []string) Capabilities {
	var c Capabilities
	for _, tag := range tags {
		switch tag {
		case TagAlwaysOn:
			c.AlwaysOn = true
		case TagMaintOK:
			c.MaintOK = true
		}
	}
	return c
}

// SplitTags splits a hypervisor tag string. Tags may be separated by
// semicolons, commas or whitespace.
func SplitTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// VMConfig is the raw key/value configuration of a VM.
type VMConfig map[string]string

// diskPrefixes are the config keys that hold disk definitions.
var diskPrefixes = []string{"scsi", "virtio", "sata", "ide", "efidisk", "tpmstate", "unused"}

// DiskEntry is a single disk attached to a VM.
type DiskEntry struct {
	Key         string `json:"key"`
	StoragePool string `json:"storage_pool"`
	Volume      string `json:"volume"`
}

// Disks returns every disk entry in the config, sorted by key. CD-ROM drives
// and empty drives are skipped.
func (c VMConfig) Disks() []DiskEntry {
	var disks []DiskEntry
	for key, value := range c {
		if !isDiskKey(key) {
			continue
		}
		first := value
		if i := strings.IndexByte(value, ','); i >= 0 {
			first = value[:i]
		}
		if first == "" || first == "none" || strings.Contains(value, "media=cdrom") {
			continue
		}
		colon := strings.IndexByte(first, ':')
		if colon <= 0 {
			// Passthrough devices (/dev/...) have no storage pool.
			continue
		}
		disks = append(disks, DiskEntry{
			Key:         key,
			StoragePool: first[:colon],
			Volume:      first[colon+1:],
		})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Key < disks[j].Key })
	return disks
}

// StoragePools returns the distinct storage pools used by the VM's disks, in key order.
func (c VMConfig) StoragePools() []string {
	seen := make(map[string]bool)
	var pools []string
	for _, d := range c.Disks() {
		if seen[d.StoragePool] {
			continue
		}
		seen[d.StoragePool] = true
		pools = append(pools, d.StoragePool)
	}
	return pools
}

func isDiskKey(key string) bool {
	for _, prefix := range diskPrefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" {
			return false
		}
		for _, r := range rest {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}

// StoragePool describes a storage definition of the cluster.
type StoragePool struct {
	ID     string `json:"storage"`
	Type   string `json:"type"`
	Shared bool   `json:"shared"`
}

// TaskStatus is the status of a long-running hypervisor task.
type TaskStatus struct {
	ID         string `json:"upid"`
	Node       string `json:"node"`
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// Finished returns true once the task has stopped running.
func (t *TaskStatus) Finished() bool {
	return t.Status == "stopped"
}

// Succeeded returns true if the task finished with exit status OK.
func (t *TaskStatus) Succeeded() bool {
	return t.Finished() && t.ExitStatus == "OK"
}

// TransportType is the migration transport variant.
type TransportType string

const (
	TransportSecure   TransportType = "secure"
	TransportInsecure TransportType = "insecure"
)

// MigrateParams are the parameters of a migrate-VM task.
type MigrateParams struct {
	Target           string        `json:"target"`
	Online           bool          `json:"online"`
	WithLocalDisks   bool          `json:"with_local_disks"`
	Force            bool          `json:"force"`
	BandwidthLimit   int           `json:"bwlimit,omitempty"`
	TargetStorage    string        `json:"targetstorage,omitempty"`
	Transport        TransportType `json:"migration_type,omitempty"`
	MigrationNetwork string        `json:"migration_network,omitempty"`
}

// CreateVMParams are the parameters of a create-VM task.
type CreateVMParams struct {
	VMID      int       `json:"vmid"`
	Name      string    `json:"name"`
	Cores     int       `json:"cores"`
	MemoryMiB int       `json:"memory"`
	DiskGiB   int       `json:"disk_gib"`
	Storage   string    `json:"storage"`
	Bridge    string    `json:"bridge"`
	VLAN      int       `json:"vlan,omitempty"`
	IPConfig  string    `json:"ipconfig,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CloudInit CloudInit `json:"cloud_init"`
	Start     bool      `json:"start"`
}
