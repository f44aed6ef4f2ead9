package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/hypervisor"
)

var _ hypervisor.Client = (*Cluster)(nil)

func TestCluster_MigrateCompletesOnPoll(t *testing.T) {
	ctx := context.Background()
	c := NewDevCluster()
	c.TaskPolls = 1

	upid, err := c.MigrateVM(ctx, "pve1", 100, domain.MigrateParams{Target: "pve2", Online: true})
	require.NoError(t, err)

	status, err := c.TaskStatus(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.False(t, status.Finished())

	vm, _ := c.GetVM(ctx, 100)
	assert.Equal(t, "pve1", vm.Node, "effect applies only when the task finishes")

	status, err = c.TaskStatus(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.True(t, status.Succeeded())

	vm, _ = c.GetVM(ctx, 100)
	assert.Equal(t, "pve2", vm.Node)
}

func TestCluster_HookFailure(t *testing.T) {
	ctx := context.Background()
	c := NewDevCluster()
	c.SetHooks(Hooks{Migrate: func(*domain.VirtualMachine, domain.MigrateParams) error {
		return errors.New("migration aborted")
	}})

	upid, err := c.MigrateVM(ctx, "pve1", 100, domain.MigrateParams{Target: "pve3", Online: true})
	require.NoError(t, err)

	status, err := c.TaskStatus(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.True(t, status.Finished())
	assert.False(t, status.Succeeded())
	assert.Equal(t, "migration aborted", status.ExitStatus)
}

func TestCluster_SubmissionErrors(t *testing.T) {
	ctx := context.Background()
	c := NewDevCluster()

	_, err := c.MigrateVM(ctx, "pve2", 100, domain.MigrateParams{Target: "pve3"})
	assert.ErrorIs(t, err, domain.ErrNotFound, "vm is on pve1")

	_, err = c.MigrateVM(ctx, "pve1", 100, domain.MigrateParams{Target: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.CreateVM(ctx, "pve1", domain.CreateVMParams{VMID: 100})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCluster_CreateAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewDevCluster()

	id, err := c.NextVMID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 103, id)

	upid, err := c.CreateVM(ctx, "pve3", domain.CreateVMParams{VMID: id, Name: "k8s-cp-1", Storage: "ceph", DiskGiB: 20, Start: true})
	require.NoError(t, err)
	status, _ := c.TaskStatus(ctx, "pve3", upid)
	require.True(t, status.Succeeded())

	vm, err := c.GetVM(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.VMStateRunning, vm.Status)

	cfg, err := c.GetVMConfig(ctx, "pve3", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ceph"}, cfg.StoragePools())

	upid, err = c.DeleteVM(ctx, "pve3", id)
	require.NoError(t, err)
	status, _ = c.TaskStatus(ctx, "pve3", upid)
	require.True(t, status.Succeeded())

	_, err = c.GetVM(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []int{id}, c.Deleted())
}
