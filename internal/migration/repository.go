package migration

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Hypervisor defines the hypervisor operations needed to migrate a VM.
type Hypervisor interface {
	GetVM(ctx context.Context, vmid int) (*domain.VirtualMachine, error)
	GetVMConfig(ctx context.Context, node string, vmid int) (domain.VMConfig, error)
	StartVM(ctx context.Context, node string, vmid int) (string, error)
	StopVM(ctx context.Context, node string, vmid int) (string, error)
	MigrateVM(ctx context.Context, node string, vmid int, params domain.MigrateParams) (string, error)
	TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error)
	ListNodes(ctx context.Context) ([]domain.ClusterNode, error)
}

// StorageSource returns the cluster's storage definitions.
type StorageSource interface {
	StorageConfig(ctx context.Context) ([]domain.StoragePool, error)
}

// Repository defines the interface for migration record persistence.
type Repository interface {
	// Create stores a new record.
	Create(ctx context.Context, record *domain.MigrationRecord) error

	// Update replaces a record. It fails with ErrConflict if the stored
	// record is already terminal.
	Update(ctx context.Context, record *domain.MigrationRecord) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*domain.MigrationRecord, error)

	// FindByVMID returns all records of a VM, newest first.
	FindByVMID(ctx context.Context, vmid int) ([]*domain.MigrationRecord, error)

	// FindByNode returns all records with node as source or target, newest first.
	FindByNode(ctx context.Context, node string) ([]*domain.MigrationRecord, error)

	// ListActive returns all records that are not terminal.
	ListActive(ctx context.Context) ([]*domain.MigrationRecord, error)
}
