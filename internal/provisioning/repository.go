package provisioning

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Hypervisor defines the VM lifecycle calls the pipeline needs.
type Hypervisor interface {
	NextVMID(ctx context.Context) (int, error)
	CreateVM(ctx context.Context, node string, params domain.CreateVMParams) (string, error)
	DeleteVM(ctx context.Context, node string, vmid int) (string, error)
	StartVM(ctx context.Context, node string, vmid int) (string, error)
	TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error)
}

// HostSelector picks hosts for the nodes of a run.
type HostSelector interface {
	SelectHost(ctx context.Context, operationID, group string, nodeIndex int, constraints domain.PlacementConstraints) (string, error)
	Assignments(operationID string) map[string][]string
	Release(operationID string)
}
