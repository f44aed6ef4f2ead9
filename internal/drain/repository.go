package drain

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/migration"
)

// MaintenanceRepository defines the interface for node maintenance persistence.
type MaintenanceRepository interface {
	// Create stores a new active record. It fails with ErrConflict if the
	// node already has an active record; the check and insert are atomic.
	Create(ctx context.Context, record *domain.NodeMaintenanceRecord) error

	// Update replaces a record.
	Update(ctx context.Context, record *domain.NodeMaintenanceRecord) error

	// FindActiveByNode returns the active record of a node or ErrNotFound.
	FindActiveByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error)

	// FindLatestByNode returns the most recent record of a node, active or not.
	FindLatestByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error)

	// ListActive returns every active record.
	ListActive(ctx context.Context) ([]*domain.NodeMaintenanceRecord, error)
}

// Hypervisor defines the cluster view needed to select VMs and targets.
type Hypervisor interface {
	ListVMs(ctx context.Context) ([]domain.VirtualMachine, error)
	GetVM(ctx context.Context, vmid int) (*domain.VirtualMachine, error)
	ListNodes(ctx context.Context) ([]domain.ClusterNode, error)
}

// Migrator runs one migration to completion.
type Migrator interface {
	Migrate(ctx context.Context, vmid int, req migration.Request) (*domain.MigrationRecord, error)
}

// TargetSelector picks a migration target automatically.
type TargetSelector interface {
	SelectMigrationTarget(ctx context.Context, exclude []string) (string, error)
}

// NodeLocker serializes maintenance-record creation for a node across replicas.
type NodeLocker interface {
	// Lock acquires the lock for node and returns its release function.
	Lock(ctx context.Context, node string) (func(), error)
}

// LocalLocker is a NodeLocker for a single process.
type LocalLocker struct{}

// Lock is a no-op; MaintenanceRepository.Create is already atomic in-process.
func (LocalLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
