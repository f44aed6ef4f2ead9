// Package hypervisor defines the operations the orchestrator needs from a
// virtualization cluster. Consumers declare narrower interfaces of their own;
// Client is the full set implemented by the pve and fake adapters.
package hypervisor

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Client is the complete hypervisor surface used by the control plane.
type Client interface {
	ListVMs(ctx context.Context) ([]domain.VirtualMachine, error)
	GetVM(ctx context.Context, vmid int) (*domain.VirtualMachine, error)
	GetVMConfig(ctx context.Context, node string, vmid int) (domain.VMConfig, error)
	StartVM(ctx context.Context, node string, vmid int) (string, error)
	StopVM(ctx context.Context, node string, vmid int) (string, error)
	MigrateVM(ctx context.Context, node string, vmid int, params domain.MigrateParams) (string, error)
	TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error)
	StorageConfig(ctx context.Context) ([]domain.StoragePool, error)
	ListNodes(ctx context.Context) ([]domain.ClusterNode, error)
	NodeStatus(ctx context.Context, node string) (*domain.NodeStatus, error)
	NextVMID(ctx context.Context) (int, error)
	CreateVM(ctx context.Context, node string, params domain.CreateVMParams) (string, error)
	DeleteVM(ctx context.Context, node string, vmid int) (string, error)
}
