//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Run with: ORCHESTRATOR_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository/postgres/
func newTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("ORCHESTRATOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ORCHESTRATOR_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, name := range []string{"000001_init.down.sql", "000001_init.up.sql"} {
		schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", name))
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(schema))
		require.NoError(t, err, name)
	}

	return &DB{pool: pool, logger: zap.NewNop()}
}

func TestMigrationRepository_UpdateGuardsTerminalRecords(t *testing.T) {
	db := newTestDB(t)
	repo := NewMigrationRepository(db, zap.NewNop())
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &domain.MigrationRecord{
		ID: "m1", VMID: 100, VMName: "web", SourceNode: "pve1", TargetNode: "pve2",
		Kind: domain.MigrationOnline, PreMigrationState: domain.VMStateRunning,
		Status: domain.MigrationStarted, StartedAt: now, UpdatedAt: now,
	}
	rec.SetOption(domain.OptionForce, "false")
	require.NoError(t, repo.Create(ctx, rec))
	assert.ErrorIs(t, repo.Create(ctx, rec), domain.ErrAlreadyExists)

	rec.AddWarning("local disks on local-lvm")
	rec.Complete(domain.VMStateRunning)
	require.NoError(t, repo.Update(ctx, rec))

	failed := rec.Clone()
	failed.Status = domain.MigrationStarted
	failed.Fail(assert.AnError)
	assert.ErrorIs(t, repo.Update(ctx, failed), domain.ErrConflict)

	got, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, got.Status)
	assert.Equal(t, []string{"local disks on local-lvm"}, got.Warnings)
	assert.Equal(t, "false", got.Options[domain.OptionForce])
	assert.Empty(t, got.Error)

	missing := rec.Clone()
	missing.ID = "missing"
	missing.Status = domain.MigrationStarted
	assert.ErrorIs(t, repo.Update(ctx, missing), domain.ErrNotFound)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	byNode, err := repo.FindByNode(ctx, "pve2")
	require.NoError(t, err)
	assert.Len(t, byNode, 1)
}

func TestMaintenanceRepository_SingleActiveRecordPerNode(t *testing.T) {
	db := newTestDB(t)
	repo := NewMaintenanceRepository(db, zap.NewNop())
	ctx := context.Background()

	const attempts = 8
	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, &domain.NodeMaintenanceRecord{
				ID: uuid.NewString(), Node: "pve1", InMaintenance: true,
				StartedAt: time.Now(), VMIDs: []int{100, 101},
			})
			switch {
			case err == nil:
				created.Add(1)
			case domain.ErrorKind(err) == "conflict":
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(attempts-1), conflicts.Load())

	active, err := repo.FindActiveByNode(ctx, "pve1")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101}, active.VMIDs)

	active.Close()
	require.NoError(t, repo.Update(ctx, active))
	_, err = repo.FindActiveByNode(ctx, "pve1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Create(ctx, &domain.NodeMaintenanceRecord{
		ID: uuid.NewString(), Node: "pve1", InMaintenance: true, StartedAt: time.Now(),
	}))
	latest, err := repo.FindLatestByNode(ctx, "pve1")
	require.NoError(t, err)
	assert.True(t, latest.InMaintenance)
}
