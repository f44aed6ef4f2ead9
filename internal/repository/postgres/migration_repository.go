package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/migration"
)

// Ensure MigrationRepository implements migration.Repository
var _ migration.Repository = (*MigrationRepository)(nil)

// MigrationRepository implements migration.Repository using PostgreSQL.
type MigrationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrationRepository creates a new PostgreSQL migration record repository.
func NewMigrationRepository(db *DB, logger *zap.Logger) *MigrationRepository {
	return &MigrationRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "migration")),
	}
}

const migrationColumns = `
	id, vmid, vm_name, source_node, target_node, kind,
	pre_migration_state, post_migration_state, task_id, status,
	options, warnings, error, started_at, completed_at, updated_at`

// Create stores a new migration record.
func (r *MigrationRepository) Create(ctx context.Context, rec *domain.MigrationRecord) error {
	optionsJSON, warningsJSON, err := marshalMigrationJSON(rec)
	if err != nil {
		return err
	}

	query := `INSERT INTO migration_records (` + migrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = r.db.pool.Exec(ctx, query,
		rec.ID, rec.VMID, rec.VMName, rec.SourceNode, rec.TargetNode, string(rec.Kind),
		string(rec.PreMigrationState), nullString(string(rec.PostMigrationState)), nullString(rec.TaskID), string(rec.Status),
		optionsJSON, warningsJSON, nullString(rec.Error), rec.StartedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create migration record", zap.Error(err), zap.String("id", rec.ID))
		return fmt.Errorf("failed to insert migration record: %w", err)
	}
	return nil
}

// Update replaces a migration record unless it is already terminal.
func (r *MigrationRepository) Update(ctx context.Context, rec *domain.MigrationRecord) error {
	optionsJSON, warningsJSON, err := marshalMigrationJSON(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE migration_records SET
			kind = $2, post_migration_state = $3, task_id = $4, status = $5,
			options = $6, warnings = $7, error = $8, completed_at = $9, updated_at = $10
		WHERE id = $1 AND status = 'started'`

	tag, err := r.db.pool.Exec(ctx, query,
		rec.ID, string(rec.Kind), nullString(string(rec.PostMigrationState)), nullString(rec.TaskID), string(rec.Status),
		optionsJSON, warningsJSON, nullString(rec.Error), rec.CompletedAt, rec.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to update migration record", zap.Error(err), zap.String("id", rec.ID))
		return fmt.Errorf("failed to update migration record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := r.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	return domain.Conflictf("migration %s is already %s", rec.ID, existing.Status)
}

// Get retrieves a migration record by ID.
func (r *MigrationRepository) Get(ctx context.Context, id string) (*domain.MigrationRecord, error) {
	query := `SELECT ` + migrationColumns + ` FROM migration_records WHERE id = $1`
	rec, err := scanMigration(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration record: %w", err)
	}
	return rec, nil
}

// FindByVMID returns all records of a VM, newest first.
func (r *MigrationRepository) FindByVMID(ctx context.Context, vmid int) ([]*domain.MigrationRecord, error) {
	return r.list(ctx, `WHERE vmid = $1`, vmid)
}

// FindByNode returns all records with node as source or target, newest first.
func (r *MigrationRepository) FindByNode(ctx context.Context, node string) ([]*domain.MigrationRecord, error) {
	return r.list(ctx, `WHERE source_node = $1 OR target_node = $1`, node)
}

// ListActive returns all records that are not terminal.
func (r *MigrationRepository) ListActive(ctx context.Context) ([]*domain.MigrationRecord, error) {
	return r.list(ctx, `WHERE status = 'started'`)
}

func (r *MigrationRepository) list(ctx context.Context, where string, args ...any) ([]*domain.MigrationRecord, error) {
	query := `SELECT ` + migrationColumns + ` FROM migration_records ` + where + ` ORDER BY started_at DESC, id`
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration records: %w", err)
	}
	defer rows.Close()

	var records []*domain.MigrationRecord
	for rows.Next() {
		rec, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanMigration(row pgx.Row) (*domain.MigrationRecord, error) {
	var (
		rec                       domain.MigrationRecord
		kind, pre, status         string
		post, taskID, errMsg      *string
		optionsJSON, warningsJSON []byte
	)
	err := row.Scan(
		&rec.ID, &rec.VMID, &rec.VMName, &rec.SourceNode, &rec.TargetNode, &kind,
		&pre, &post, &taskID, &status,
		&optionsJSON, &warningsJSON, &errMsg, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = domain.MigrationKind(kind)
	rec.PreMigrationState = domain.VMPowerState(pre)
	rec.PostMigrationState = domain.VMPowerState(derefString(post))
	rec.TaskID = derefString(taskID)
	rec.Status = domain.MigrationStatus(status)
	rec.Error = derefString(errMsg)

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &rec.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &rec.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	return &rec, nil
}

func marshalMigrationJSON(rec *domain.MigrationRecord) ([]byte, []byte, error) {
	optionsJSON, err := json.Marshal(rec.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	warningsJSON, err := json.Marshal(rec.Warnings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal warnings: %w", err)
	}
	return optionsJSON, warningsJSON, nil
}
