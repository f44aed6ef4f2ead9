package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drain"
)

// Ensure MaintenanceRepository implements drain.MaintenanceRepository
var _ drain.MaintenanceRepository = (*MaintenanceRepository)(nil)

// MaintenanceRepository implements drain.MaintenanceRepository using PostgreSQL.
type MaintenanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMaintenanceRepository creates a new PostgreSQL maintenance repository.
func NewMaintenanceRepository(db *DB, logger *zap.Logger) *MaintenanceRepository {
	return &MaintenanceRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "maintenance")),
	}
}

const maintenanceColumns = `
	id, node, in_maintenance, reason, started_at, ended_at,
	last_drain_operation_id, drain_status, vm_ids`

// Create inserts an active record. The existence check and the insert run
// in one transaction; the partial unique index on active rows catches races
// between replicas.
func (r *MaintenanceRepository) Create(ctx context.Context, rec *domain.NodeMaintenanceRecord) error {
	vmIDsJSON, err := json.Marshal(rec.VMIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal vm_ids: %w", err)
	}

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM node_maintenance WHERE node = $1 AND in_maintenance)`,
			rec.Node,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check maintenance state: %w", err)
		}
		if exists && rec.InMaintenance {
			return domain.Conflictf("node %s is already in maintenance", rec.Node)
		}

		query := `INSERT INTO node_maintenance (` + maintenanceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.Exec(ctx, query,
			rec.ID, rec.Node, rec.InMaintenance, nullString(rec.Reason), rec.StartedAt, rec.EndedAt,
			nullString(rec.LastDrainOperationID), nullString(string(rec.DrainStatus)), vmIDsJSON,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return err
		}
		if isUniqueViolation(err) {
			return domain.Conflictf("node %s is already in maintenance", rec.Node)
		}
		r.logger.Error("Failed to create maintenance record", zap.Error(err), zap.String("node", rec.Node))
		return fmt.Errorf("failed to insert maintenance record: %w", err)
	}

	r.logger.Info("Created maintenance record", zap.String("id", rec.ID), zap.String("node", rec.Node))
	return nil
}

// Update replaces a record.
func (r *MaintenanceRepository) Update(ctx context.Context, rec *domain.NodeMaintenanceRecord) error {
	vmIDsJSON, err := json.Marshal(rec.VMIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal vm_ids: %w", err)
	}

	query := `
		UPDATE node_maintenance SET
			in_maintenance = $2, reason = $3, ended_at = $4,
			last_drain_operation_id = $5, drain_status = $6, vm_ids = $7
		WHERE id = $1`
	tag, err := r.db.pool.Exec(ctx, query,
		rec.ID, rec.InMaintenance, nullString(rec.Reason), rec.EndedAt,
		nullString(rec.LastDrainOperationID), nullString(string(rec.DrainStatus)), vmIDsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update maintenance record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindActiveByNode returns the active record of a node.
func (r *MaintenanceRepository) FindActiveByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	query := `SELECT ` + maintenanceColumns + ` FROM node_maintenance WHERE node = $1 AND in_maintenance`
	return r.getOne(ctx, query, node)
}

// FindLatestByNode returns the most recently started record of a node.
func (r *MaintenanceRepository) FindLatestByNode(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	query := `SELECT ` + maintenanceColumns + ` FROM node_maintenance WHERE node = $1 ORDER BY started_at DESC LIMIT 1`
	return r.getOne(ctx, query, node)
}

// ListActive returns every active record, oldest first.
func (r *MaintenanceRepository) ListActive(ctx context.Context) ([]*domain.NodeMaintenanceRecord, error) {
	query := `SELECT ` + maintenanceColumns + ` FROM node_maintenance WHERE in_maintenance ORDER BY started_at`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance records: %w", err)
	}
	defer rows.Close()

	var records []*domain.NodeMaintenanceRecord
	for rows.Next() {
		rec, err := scanMaintenance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan maintenance record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *MaintenanceRepository) getOne(ctx context.Context, query string, args ...any) (*domain.NodeMaintenanceRecord, error) {
	rec, err := scanMaintenance(r.db.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get maintenance record: %w", err)
	}
	return rec, nil
}

func scanMaintenance(row pgx.Row) (*domain.NodeMaintenanceRecord, error) {
	var (
		rec                         domain.NodeMaintenanceRecord
		reason, lastOp, drainStatus *string
		vmIDsJSON                   []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Node, &rec.InMaintenance, &reason, &rec.StartedAt, &rec.EndedAt,
		&lastOp, &drainStatus, &vmIDsJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Reason = derefString(reason)
	rec.LastDrainOperationID = derefString(lastOp)
	rec.DrainStatus = domain.DrainStatus(derefString(drainStatus))
	if len(vmIDsJSON) > 0 {
		if err := json.Unmarshal(vmIDsJSON, &rec.VMIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vm_ids: %w", err)
		}
	}
	return &rec, nil
}
