// Package placement selects hypervisor hosts for new cluster nodes and for
// migration targets, scoring hosts by live CPU and memory availability.
package placement

import (
	"github.com/limiquantix/orchestrator/internal/domain"
)

// Config holds the placement configuration.
type Config struct {
	// DefaultAntiAffinity applies when a request names no strategy.
	// - "NONE": round-robin over eligible hosts
	// - "SOFT": spread group members, co-locate only when needed
	// - "HARD": never co-locate group members
	DefaultAntiAffinity domain.AntiAffinityStrategy `mapstructure:"default_anti_affinity"`
}

// DefaultConfig returns the default placement configuration.
func DefaultConfig() Config {
	return Config{
		DefaultAntiAffinity: domain.AntiAffinityNone,
	}
}
