// Package migration moves VMs between hosts: it detects local-disk risk,
// submits the hypervisor migration task, monitors it to completion, restores
// the VM's run state and falls back to offline migration when permitted.
package migration

import (
	"time"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Config holds the migration configuration.
type Config struct {
	// PollInterval is the task status polling interval. There is no overall
	// timeout; migrations of large disks may legitimately take hours.
	PollInterval time.Duration

	// OfflineFallbackDelay is the pause between stopping a VM and retrying
	// its migration offline.
	OfflineFallbackDelay time.Duration

	// DefaultTransport is used when a request names none.
	DefaultTransport domain.TransportType

	// StorageCacheTTL bounds the age of cached storage definitions.
	StorageCacheTTL time.Duration

	// StorageMaxRetries is the number of storage fetch attempts per refresh.
	StorageMaxRetries int

	// StorageRetryBackoff is the fixed pause between storage fetch attempts.
	StorageRetryBackoff time.Duration

	// HeuristicEnabled enables pool-name matching for pools the storage API
	// could not resolve.
	HeuristicEnabled bool

	// HeuristicPatterns are case-insensitive substrings that mark a pool as local.
	HeuristicPatterns []string
}

// DefaultConfig returns the default migration configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:         2 * time.Second,
		OfflineFallbackDelay: 5 * time.Second,
		DefaultTransport:     domain.TransportSecure,
		StorageCacheTTL:      30 * time.Second,
		StorageMaxRetries:    3,
		StorageRetryBackoff:  time.Second,
		HeuristicEnabled:     true,
		HeuristicPatterns:    []string{"local", "zfs"},
	}
}
