// Package drain moves VMs off a node for maintenance and back again.
package drain

// Config holds the drain configuration.
type Config struct {
	// Parallel is the default execution mode when a request does not set one.
	Parallel bool

	// MaxConcurrency bounds concurrent migrations in parallel mode.
	MaxConcurrency int
}

// DefaultConfig returns the default drain configuration.
func DefaultConfig() Config {
	return Config{
		Parallel:       false,
		MaxConcurrency: 3,
	}
}
