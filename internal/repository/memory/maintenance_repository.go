package memory

import (
	"context"
	"sync"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drain"
)

// Ensure MaintenanceRepository implements drain.MaintenanceRepository
var _ drain.MaintenanceRepository = (*MaintenanceRepository)(nil)

// MaintenanceRepository is an in-memory implementation of the node maintenance repository.
type MaintenanceRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.NodeMaintenanceRecord
	// order keeps insertion order so "latest" is well defined.
	order []string
}

// NewMaintenanceRepository creates a new in-memory maintenance repository.
func NewMaintenanceRepository() *MaintenanceRepository {
	return &MaintenanceRepository{
		data: make(map[string]*domain.NodeMaintenanceRecord),
	}
}

// Create stores a new active record unless the node already has one.
func (r *MaintenanceRepository) Create(ctx context.Context, record *domain.NodeMaintenanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[record.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range r.data {
		if existing.Node == record.Node && existing.InMaintenance {
			return domain.Conflictf("node %s is already in maintenance", record.Node)
		}
	}
	r.data[record.ID] = record.Clone()
	r.order = append(r.order, record.ID)
	return nil
}

// Update replaces a record.
func (r *MaintenanceRepository) Update(ctx context.Context, record *domain.NodeMaintenanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[record.ID]; !ok {
		return domain.ErrNotFound
	}
	r.data[record.ID] = record.Clone()
	return nil
}

// FindActiveByNode returns the active record of a node.
func (r *MaintenanceRepository) FindActiveByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.data {
		if rec.Node == node && rec.InMaintenance {
			return rec.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// FindLatestByNode returns the most recently created record of a node.
func (r *MaintenanceRepository) FindLatestByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		if rec := r.data[r.order[i]]; rec.Node == node {
			return rec.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListActive returns every active record in creation order.
func (r *MaintenanceRepository) ListActive(ctx context.Context) ([]*domain.NodeMaintenanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.NodeMaintenanceRecord
	for _, id := range r.order {
		if rec := r.data[id]; rec.InMaintenance {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}
