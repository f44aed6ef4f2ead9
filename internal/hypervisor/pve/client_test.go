package pve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/hypervisor"
)

var _ hypervisor.Client = (*Client)(nil)

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.HypervisorConfig{
		BaseURL:      srv.URL,
		TokenID:      "root@pam!orchestrator",
		TokenSecret:  "secret",
		Timeout:      5 * time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(config.HypervisorConfig{BaseURL: "not a url"}, zap.NewNop())
	assert.Error(t, err)
}

func TestClient_ListVMsAndAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PVEAPIToken=root@pam!orchestrator=secret", r.Header.Get("Authorization"))
		assert.Equal(t, "vm", r.URL.Query().Get("type"))
		writeData(w, []map[string]interface{}{
			{"vmid": 100, "name": "db-1", "node": "pve1", "status": "running", "tags": "always-on;prod", "type": "qemu"},
			{"vmid": 200, "name": "ct-1", "node": "pve1", "status": "running", "type": "lxc"},
			{"vmid": 101, "name": "web-1", "node": "pve2", "status": "stopped", "type": "qemu"},
		})
	})
	c := newTestClient(t, mux)

	vms, err := c.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.Equal(t, []string{"always-on", "prod"}, vms[0].Tags)
	assert.True(t, vms[0].Capabilities().AlwaysOn)

	vm, err := c.GetVM(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, "pve2", vm.Node)
	assert.Equal(t, domain.VMStateStopped, vm.Status)

	_, err = c.GetVM(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_GetVMConfig(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes/pve1/qemu/100/config", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]interface{}{
			"scsi0":  "local-zfs:vm-100-disk-0,size=32G",
			"ide2":   "local:iso/debian.iso,media=cdrom",
			"cores":  4,
			"memory": "4096",
		})
	})
	c := newTestClient(t, mux)

	cfg, err := c.GetVMConfig(context.Background(), "pve1", 100)
	require.NoError(t, err)
	assert.Equal(t, "4", cfg["cores"])
	assert.Equal(t, []string{"local-zfs"}, cfg.StoragePools())
}

func TestClient_MigrateVMForm(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/migrate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pve2", r.PostForm.Get("target"))
		assert.Equal(t, "1", r.PostForm.Get("online"))
		assert.Equal(t, "1", r.PostForm.Get("with-local-disks"))
		assert.Equal(t, "insecure", r.PostForm.Get("migration_type"))
		assert.Equal(t, "51200", r.PostForm.Get("bwlimit"))
		assert.Empty(t, r.PostForm.Get("force"))
		writeData(w, "UPID:pve1:0001:qmigrate:100:root@pam:")
	})
	c := newTestClient(t, mux)

	upid, err := c.MigrateVM(context.Background(), "pve1", 100, domain.MigrateParams{
		Target:         "pve2",
		Online:         true,
		WithLocalDisks: true,
		BandwidthLimit: 51200,
		Transport:      domain.TransportInsecure,
	})
	require.NoError(t, err)
	assert.Equal(t, "UPID:pve1:0001:qmigrate:100:root@pam:", upid)
}

func TestClient_TaskStatusAndStorage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes/pve1/tasks/{upid}/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UPID:pve1:0001:qmigrate:100:root@pam:", r.PathValue("upid"))
		writeData(w, map[string]interface{}{"status": "stopped", "exitstatus": "OK"})
	})
	mux.HandleFunc("GET /api2/json/storage", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]interface{}{
			{"storage": "local-zfs", "type": "zfspool", "shared": 0},
			{"storage": "ceph", "type": "rbd", "shared": 1},
		})
	})
	c := newTestClient(t, mux)

	status, err := c.TaskStatus(context.Background(), "pve1", "UPID:pve1:0001:qmigrate:100:root@pam:")
	require.NoError(t, err)
	assert.True(t, status.Succeeded())

	pools, err := c.StorageConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.False(t, pools[0].Shared)
	assert.True(t, pools[1].Shared)
}

func TestClient_NodesAndNextID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]interface{}{{"node": "pve1", "status": "online"}, {"node": "pve2", "status": "offline"}})
	})
	mux.HandleFunc("GET /api2/json/nodes/pve1/status", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]interface{}{"cpu": 0.25, "memory": map[string]interface{}{"used": 50, "total": 100}})
	})
	mux.HandleFunc("GET /api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, "105")
	})
	c := newTestClient(t, mux)

	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].IsOnline())
	assert.False(t, nodes[1].IsOnline())

	status, err := c.NodeStatus(context.Background(), "pve1")
	require.NoError(t, err)
	assert.InDelta(t, 62.5, status.AvailabilityScore(), 0.001)

	id, err := c.NextVMID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 105, id)
}

func TestClient_CreateAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/nodes/pve3/qemu", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "120", r.PostForm.Get("vmid"))
		assert.Equal(t, "ceph:20", r.PostForm.Get("scsi0"))
		assert.Equal(t, "virtio,bridge=vmbr0,tag=30", r.PostForm.Get("net0"))
		assert.Equal(t, "ip=10.0.0.5/24,gw=10.0.0.1", r.PostForm.Get("ipconfig0"))
		assert.Equal(t, "k8s;worker", r.PostForm.Get("tags"))
		assert.Equal(t, "ubuntu", r.PostForm.Get("ciuser"))
		writeData(w, "UPID:pve3:0002:qmcreate:120:root@pam:")
	})
	mux.HandleFunc("DELETE /api2/json/nodes/pve3/qemu/120", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("purge"))
		writeData(w, "UPID:pve3:0003:qmdestroy:120:root@pam:")
	})
	c := newTestClient(t, mux)

	upid, err := c.CreateVM(context.Background(), "pve3", domain.CreateVMParams{
		VMID:      120,
		Name:      "k8s-worker-1",
		Cores:     2,
		MemoryMiB: 4096,
		DiskGiB:   20,
		Storage:   "ceph",
		Bridge:    "vmbr0",
		VLAN:      30,
		IPConfig:  "ip=10.0.0.5/24,gw=10.0.0.1",
		Tags:      []string{"k8s", "worker"},
		CloudInit: domain.CloudInit{User: "ubuntu"},
	})
	require.NoError(t, err)
	assert.Contains(t, upid, "qmcreate")

	upid, err = c.DeleteVM(context.Background(), "pve3", 120)
	require.NoError(t, err)
	assert.Contains(t, upid, "qmdestroy")
}

func TestClient_RetriesReadsOnly(t *testing.T) {
	var reads, writes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		if reads.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeData(w, []map[string]interface{}{{"node": "pve1", "status": "online"}})
	})
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, int32(2), reads.Load())

	_, err = c.StartVM(context.Background(), "pve1", 100)
	require.Error(t, err)
	assert.Equal(t, int32(1), writes.Load())
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestClient_ErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes/pve1/qemu/404/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"data":null}`))
	})
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/migrate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"data":null,"errors":{"target":"target is local node."}}`))
	})
	c := newTestClient(t, mux)

	_, err := c.GetVMConfig(context.Background(), "pve1", 404)
	require.Error(t, err)

	_, err = c.MigrateVM(context.Background(), "pve1", 100, domain.MigrateParams{Target: "pve1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "target is local node")
}
