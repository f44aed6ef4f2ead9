// Package memory provides in-memory repository implementations for development and testing.
// These repositories store data in memory and are not persistent across restarts.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/migration"
)

// Ensure MigrationRepository implements migration.Repository
var _ migration.Repository = (*MigrationRepository)(nil)

// MigrationRepository is an in-memory implementation of the migration record repository.
type MigrationRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.MigrationRecord
}

// NewMigrationRepository creates a new in-memory migration repository.
func NewMigrationRepository() *MigrationRepository {
	return &MigrationRepository{
		data: make(map[string]*domain.MigrationRecord),
	}
}

// Create stores a new migration record.
func (r *MigrationRepository) Create(ctx context.Context, record *domain.MigrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[record.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.data[record.ID] = record.Clone()
	return nil
}

// Update replaces a migration record. Terminal records are immutable.
func (r *MigrationRepository) Update(ctx context.Context, record *domain.MigrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[record.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.IsTerminal() {
		return domain.Conflictf("migration %s is already %s", record.ID, existing.Status)
	}
	r.data[record.ID] = record.Clone()
	return nil
}

// Get retrieves a migration record by ID.
func (r *MigrationRepository) Get(ctx context.Context, id string) (*domain.MigrationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record.Clone(), nil
}

// FindByVMID returns all records of a VM, newest first.
func (r *MigrationRepository) FindByVMID(ctx context.Context, vmid int) ([]*domain.MigrationRecord, error) {
	return r.filter(func(rec *domain.MigrationRecord) bool {
		return rec.VMID == vmid
	}), nil
}

// FindByNode returns all records with node as source or target, newest first.
func (r *MigrationRepository) FindByNode(ctx context.Context, node string) ([]*domain.MigrationRecord, error) {
	return r.filter(func(rec *domain.MigrationRecord) bool {
		return rec.SourceNode == node || rec.TargetNode == node
	}), nil
}

// ListActive returns all records that are not terminal.
func (r *MigrationRepository) ListActive(ctx context.Context) ([]*domain.MigrationRecord, error) {
	return r.filter(func(rec *domain.MigrationRecord) bool {
		return !rec.IsTerminal()
	}), nil
}

func (r *MigrationRepository) filter(match func(*domain.MigrationRecord) bool) []*domain.MigrationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.MigrationRecord
	for _, rec := range r.data {
		if match(rec) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}
