package drain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drain"
	"github.com/limiquantix/orchestrator/internal/hypervisor/fake"
	"github.com/limiquantix/orchestrator/internal/migration"
	"github.com/limiquantix/orchestrator/internal/placement"
	"github.com/limiquantix/orchestrator/internal/registry"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
)

type fixture struct {
	cluster     *fake.Cluster
	orch        *drain.Orchestrator
	maintenance *memory.MaintenanceRepository
}

func newFixture(t *testing.T, cluster *fake.Cluster, migrator drain.Migrator, cfg drain.Config) *fixture {
	t.Helper()
	logger := zap.NewNop()

	if migrator == nil {
		mcfg := migration.DefaultConfig()
		mcfg.PollInterval = time.Millisecond
		mcfg.OfflineFallbackDelay = 0
		mo := migration.New(cluster, cluster, memory.NewMigrationRepository(), mcfg, nil, logger)
		t.Cleanup(mo.Close)
		migrator = mo
	}

	maintenance := memory.NewMaintenanceRepository()
	ops := registry.New[*domain.DrainOperation]("drain", (*domain.DrainOperation).Clone, logger)
	selector := placement.New(cluster, placement.DefaultConfig(), nil, logger)
	orch := drain.New(cluster, migrator, selector, maintenance, nil, ops, cfg, nil, logger)
	t.Cleanup(orch.Close)

	return &fixture{cluster: cluster, orch: orch, maintenance: maintenance}
}

func (f *fixture) finished(t *testing.T, id string) *domain.DrainOperation {
	t.Helper()
	f.orch.Wait()
	op, err := f.orch.GetOperation(context.Background(), id)
	require.NoError(t, err)
	require.True(t, op.Status.IsTerminal(), "operation still %s", op.Status)
	return op
}

func vmNode(t *testing.T, c *fake.Cluster, vmid int) string {
	t.Helper()
	vm, err := c.GetVM(context.Background(), vmid)
	require.NoError(t, err)
	return vm.Node
}

func outcomeIDs(op *domain.DrainOperation) []int {
	var ids []int
	for _, o := range op.VMStatuses {
		ids = append(ids, o.VMID)
	}
	return ids
}

// MockMigrator records requests and succeeds unless told otherwise.
type MockMigrator struct {
	mu       sync.Mutex
	requests map[int]migration.Request
	fail     map[int]error
}

func NewMockMigrator() *MockMigrator {
	return &MockMigrator{requests: make(map[int]migration.Request), fail: make(map[int]error)}
}

func (m *MockMigrator) Migrate(ctx context.Context, vmid int, req migration.Request) (*domain.MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[vmid] = req
	record := &domain.MigrationRecord{ID: "mig-" + req.TargetNode, VMID: vmid, TargetNode: req.TargetNode}
	if err := m.fail[vmid]; err != nil {
		record.Fail(err)
		return record, err
	}
	record.Complete(domain.VMStateRunning)
	return record, nil
}

func TestSelectVMs(t *testing.T) {
	vms := []domain.VirtualMachine{
		{ID: 1, Node: "a"},
		{ID: 2, Node: "a", Tags: []string{domain.TagMaintOK}},
		{ID: 3, Node: "a", Tags: []string{domain.TagMaintOK, domain.TagAlwaysOn}},
		{ID: 4, Node: "a", Tags: []string{domain.TagAlwaysOn}},
		{ID: 5, Node: "b"},
	}

	soft := drain.SelectVMs(vms, "a", domain.DrainModeSoft)
	assert.Equal(t, []int{1, 3, 4}, ids(soft))

	hard := drain.SelectVMs(vms, "a", domain.DrainModeHard)
	assert.Equal(t, []int{1, 2, 3, 4}, ids(hard))
}

func TestOfflinePermitted(t *testing.T) {
	alwaysOn := domain.VirtualMachine{Tags: []string{domain.TagAlwaysOn, domain.TagMaintOK}}
	maintOK := domain.VirtualMachine{Tags: []string{domain.TagMaintOK}}
	plain := domain.VirtualMachine{}

	assert.False(t, drain.OfflinePermitted(alwaysOn, true))
	assert.True(t, drain.OfflinePermitted(maintOK, false))
	assert.True(t, drain.OfflinePermitted(plain, true))
	assert.False(t, drain.OfflinePermitted(plain, false))
}

func TestDrain_SoftSkipsMaintOK(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())

	op, err := f.orch.Drain(context.Background(), "pve1", drain.Request{Reason: "kernel update"})
	require.NoError(t, err)
	assert.Equal(t, domain.DrainInProgress, op.Status)
	assert.Equal(t, domain.DrainModeSoft, op.Mode)
	assert.Equal(t, 1, op.TotalVMs)

	op = f.finished(t, op.ID)
	assert.Equal(t, domain.DrainCompleted, op.Status)
	assert.Equal(t, []int{100}, outcomeIDs(op))
	assert.Equal(t, "pve3", op.VMStatuses[0].TargetNode)
	assert.NotEmpty(t, op.VMStatuses[0].MigrationID)

	assert.Equal(t, "pve3", vmNode(t, f.cluster, 100))
	assert.Equal(t, "pve1", vmNode(t, f.cluster, 101), "maint-ok VM stays on the node in soft mode")

	record, err := f.orch.GetMaintenance(context.Background(), "pve1")
	require.NoError(t, err)
	assert.True(t, record.InMaintenance)
	assert.Equal(t, "kernel update", record.Reason)
	assert.Equal(t, op.ID, record.LastDrainOperationID)
	assert.Equal(t, domain.DrainCompleted, record.DrainStatus)
	assert.Equal(t, []int{100}, record.VMIDs)
}

func TestDrain_HardMovesEveryVM(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())

	op, err := f.orch.Drain(context.Background(), "pve1", drain.Request{Mode: domain.DrainModeHard, TargetNode: "pve2"})
	require.NoError(t, err)

	op = f.finished(t, op.ID)
	assert.Equal(t, domain.DrainCompleted, op.Status)
	assert.Equal(t, []int{100, 101}, outcomeIDs(op))
	assert.Equal(t, 2, op.CompletedVMs)
	assert.Equal(t, "pve2", vmNode(t, f.cluster, 100))
	assert.Equal(t, "pve2", vmNode(t, f.cluster, 101))
}

func TestDrain_PartialOnFailure(t *testing.T) {
	cluster := fake.NewDevCluster()
	cluster.SetHooks(fake.Hooks{
		Migrate: func(vm *domain.VirtualMachine, _ domain.MigrateParams) error {
			if vm.ID == 100 {
				return errors.New("migration aborted")
			}
			return nil
		},
	})
	f := newFixture(t, cluster, nil, drain.DefaultConfig())

	op, err := f.orch.Drain(context.Background(), "pve1", drain.Request{Mode: domain.DrainModeHard})
	require.NoError(t, err)

	op = f.finished(t, op.ID)
	assert.Equal(t, domain.DrainPartial, op.Status)
	assert.Equal(t, 1, op.CompletedVMs)
	assert.Equal(t, 1, op.FailedVMs)
	assert.LessOrEqual(t, op.CompletedVMs+op.FailedVMs, op.TotalVMs)
	assert.Equal(t, domain.VMOutcomeFailed, op.VMStatuses[0].Status)
	assert.Contains(t, op.VMStatuses[0].Error, "migration aborted")
	assert.Empty(t, cluster.Stopped(), "always-on VM must never be stopped for offline fallback")
}

func TestDrain_Rejections(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())
	ctx := context.Background()

	_, err := f.orch.Drain(ctx, "", drain.Request{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orch.Drain(ctx, "pve1", drain.Request{Mode: "gentle"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orch.Drain(ctx, "pve9", drain.Request{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.Drain(ctx, "pve1", drain.Request{TargetNode: "pve1"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.orch.Drain(ctx, "pve1", drain.Request{TargetNode: "pve9"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.EnableMaintenance(ctx, "pve2", "disk swap")
	require.NoError(t, err)
	_, err = f.orch.Drain(ctx, "pve2", drain.Request{})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestDrain_RejectsSecondDrain(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())
	ctx := context.Background()

	op, err := f.orch.Drain(ctx, "pve1", drain.Request{})
	require.NoError(t, err)

	_, err = f.orch.Drain(ctx, "pve1", drain.Request{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.finished(t, op.ID)
	_, err = f.orch.Drain(ctx, "pve1", drain.Request{})
	assert.ErrorIs(t, err, domain.ErrConflict, "node stays in maintenance after the drain")
}

func TestDrain_AutoTargetExcludesMaintenanceNodes(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())
	ctx := context.Background()

	_, err := f.orch.EnableMaintenance(ctx, "pve3", "")
	require.NoError(t, err)

	op, err := f.orch.Drain(ctx, "pve1", drain.Request{})
	require.NoError(t, err)

	op = f.finished(t, op.ID)
	require.Len(t, op.VMStatuses, 1)
	assert.Equal(t, "pve2", op.VMStatuses[0].TargetNode)
}

func TestDrain_OfflinePolicy(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.AddNode("a", 0.1, 1, 10)
	cluster.AddNode("b", 0.1, 1, 10)
	cluster.AddVM(domain.VirtualMachine{ID: 1, Node: "a", Status: domain.VMStateRunning, Tags: []string{domain.TagAlwaysOn}}, nil)
	cluster.AddVM(domain.VirtualMachine{ID: 2, Node: "a", Status: domain.VMStateRunning, Tags: []string{domain.TagMaintOK}}, nil)
	cluster.AddVM(domain.VirtualMachine{ID: 3, Node: "a", Status: domain.VMStateRunning}, nil)
	migrator := NewMockMigrator()
	f := newFixture(t, cluster, migrator, drain.DefaultConfig())

	op, err := f.orch.Drain(context.Background(), "a", drain.Request{Mode: domain.DrainModeHard, AllowOffline: true})
	require.NoError(t, err)
	f.finished(t, op.ID)

	assert.False(t, migrator.requests[1].AllowOfflineFallback)
	assert.True(t, migrator.requests[2].AllowOfflineFallback)
	assert.True(t, migrator.requests[3].AllowOfflineFallback)
	for _, req := range migrator.requests {
		assert.Equal(t, "b", req.TargetNode)
		assert.False(t, req.ForceOffline)
	}
}

func TestDrain_Parallel(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.AddNode("a", 0.1, 1, 10)
	cluster.AddNode("b", 0.1, 1, 10)
	for id := 1; id <= 6; id++ {
		cluster.AddVM(domain.VirtualMachine{ID: id, Node: "a", Status: domain.VMStateRunning}, nil)
	}
	migrator := NewMockMigrator()
	migrator.fail[4] = errors.New("target out of memory")
	f := newFixture(t, cluster, migrator, drain.DefaultConfig())

	parallel := true
	op, err := f.orch.Drain(context.Background(), "a", drain.Request{Parallel: &parallel, MaxConcurrency: 2})
	require.NoError(t, err)

	op = f.finished(t, op.ID)
	assert.Equal(t, domain.DrainPartial, op.Status)
	assert.Equal(t, 6, op.TotalVMs)
	assert.Equal(t, 5, op.CompletedVMs)
	assert.Equal(t, 1, op.FailedVMs)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6}, outcomeIDs(op))
}

func TestUndrain_ReplaysSnapshot(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())
	ctx := context.Background()

	op, err := f.orch.Drain(ctx, "pve1", drain.Request{Mode: domain.DrainModeHard, TargetNode: "pve2"})
	require.NoError(t, err)
	f.finished(t, op.ID)

	// 101 disappears while the node is in maintenance.
	f.cluster.RemoveVM(101)

	undo, err := f.orch.Undrain(ctx, "pve1")
	require.NoError(t, err)
	assert.Equal(t, domain.DrainKindUndrain, undo.Kind)
	assert.Equal(t, 2, undo.TotalVMs)

	undo = f.finished(t, undo.ID)
	assert.Equal(t, domain.DrainCompleted, undo.Status)
	assert.Equal(t, 1, undo.CompletedVMs)
	assert.Equal(t, 1, undo.SkippedVMs)
	assert.Equal(t, domain.VMOutcomeSkipped, undo.VMStatuses[1].Status)
	assert.Equal(t, "pve1", vmNode(t, f.cluster, 100))

	record, err := f.orch.GetMaintenance(ctx, "pve1")
	require.NoError(t, err)
	assert.False(t, record.InMaintenance)
	assert.NotNil(t, record.EndedAt)
}

func TestUndrain_SkipsVMsAlreadyHome(t *testing.T) {
	cluster := fake.NewDevCluster()
	migrator := NewMockMigrator()
	f := newFixture(t, cluster, migrator, drain.DefaultConfig())
	ctx := context.Background()

	op, err := f.orch.Drain(ctx, "pve1", drain.Request{Mode: domain.DrainModeHard})
	require.NoError(t, err)
	f.finished(t, op.ID)

	// The mock migrator never moved anything, so every VM is still home.
	undo, err := f.orch.Undrain(ctx, "pve1")
	require.NoError(t, err)
	undo = f.finished(t, undo.ID)
	assert.Equal(t, 2, undo.SkippedVMs)
	assert.Zero(t, undo.CompletedVMs)
}

func TestUndrain_NotInMaintenance(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())

	_, err := f.orch.Undrain(context.Background(), "pve2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMaintenanceLifecycle(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())
	ctx := context.Background()

	record, err := f.orch.EnableMaintenance(ctx, "pve2", "firmware")
	require.NoError(t, err)
	assert.True(t, record.InMaintenance)

	_, err = f.orch.EnableMaintenance(ctx, "pve2", "again")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.orch.EnableMaintenance(ctx, "pve9", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	closed, err := f.orch.DisableMaintenance(ctx, "pve2")
	require.NoError(t, err)
	assert.False(t, closed.InMaintenance)

	_, err = f.orch.DisableMaintenance(ctx, "pve2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	latest, err := f.orch.GetMaintenance(ctx, "pve2")
	require.NoError(t, err)
	assert.Equal(t, record.ID, latest.ID)
	assert.False(t, latest.InMaintenance)
}

func TestGetOperation_Unknown(t *testing.T) {
	f := newFixture(t, fake.NewDevCluster(), nil, drain.DefaultConfig())

	_, err := f.orch.GetOperation(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func ids(vms []domain.VirtualMachine) []int {
	var out []int
	for _, vm := range vms {
		out = append(out, vm.ID)
	}
	return out
}
