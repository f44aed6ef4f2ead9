// Package provisioning creates named multi-node clusters of VMs as a staged,
// recoverable operation with optional rollback.
package provisioning

import (
	"time"
)

// Config holds the provisioning configuration.
type Config struct {
	// PollInterval is the task status polling interval.
	PollInterval time.Duration

	// MaxParallel bounds concurrent node creation in parallel mode.
	MaxParallel int

	// HostnamePattern is used when a spec does not set its own. Supported
	// placeholders: {cluster}, {group}, {index}.
	HostnamePattern string

	// DefaultStorage and DefaultBridge apply to node groups that leave them empty.
	DefaultStorage string
	DefaultBridge  string
}

// DefaultConfig returns the default provisioning configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxParallel:     5,
		HostnamePattern: "{cluster}-{group}-{index}",
		DefaultStorage:  "local-lvm",
		DefaultBridge:   "vmbr0",
	}
}
