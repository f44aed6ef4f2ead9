package placement

import (
	"context"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// NodeSource defines the node data access needed by the selector.
type NodeSource interface {
	// ListNodes returns every cluster member with its online status.
	ListNodes(ctx context.Context) ([]domain.ClusterNode, error)

	// NodeStatus returns live CPU and memory usage of a node.
	NodeStatus(ctx context.Context, node string) (*domain.NodeStatus, error)
}
