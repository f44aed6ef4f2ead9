package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/hypervisor/fake"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
)

type testEnv struct {
	server  *Server
	cluster *fake.Cluster
	http    *httptest.Server
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Migration.PollInterval = time.Millisecond
	cfg.Migration.OfflineFallbackDelay = 0
	cfg.Migration.StorageRetryBackoff = 0
	cfg.Provisioning.PollInterval = time.Millisecond

	cluster := fake.NewDevCluster()
	opts = append([]ServerOption{WithHypervisor(cluster), WithWatchInterval(5 * time.Millisecond)}, opts...)
	s := New(cfg, zap.NewNop(), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &testEnv{server: s, cluster: cluster, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (e *testEnv) eventually(t *testing.T, path, field, want string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		status, body := e.do(t, http.MethodGet, path, nil)
		last = body
		return status == http.StatusOK && body[field] == want
	}, 2*time.Second, 5*time.Millisecond, "last body: %v", last)
	return last
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NotFoundf("x"), http.StatusNotFound},
		{domain.Conflictf("x"), http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.PrerequisiteFailedf("x"), http.StatusPreconditionFailed},
		{domain.Validationf("x"), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestMigrationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/vms/abc/migrate", map[string]any{"target_node": "pve1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])

	status, body = env.do(t, http.MethodPost, "/api/v1/vms/100/migrate", map[string]any{"target_node": "pve1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["kind"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/vms/999/migrate", map[string]any{"target_node": "pve1"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodPost, "/api/v1/vms/102/migrate", map[string]any{"target_node": "pve1"})
	require.Equal(t, http.StatusAccepted, status, body)
	id, _ := body["record_id"].(string)
	require.NotEmpty(t, id)

	record := env.eventually(t, "/api/v1/migrations/"+id, "status", string(domain.MigrationCompleted))
	assert.Equal(t, "offline", record["kind"])
	assert.Equal(t, "pve1", record["target_node"])

	status, body = env.do(t, http.MethodGet, "/api/v1/vms/102/migrations", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["migrations"], 1)

	status, body = env.do(t, http.MethodGet, "/api/v1/nodes/pve2/migrations", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["migrations"], 1)

	status, body = env.do(t, http.MethodGet, "/api/v1/migrations", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["migrations"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/migrations/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLocalDiskEndpoint(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/vms/101/local-disks", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pve1", body["node"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["has_local_disks"])
}

func TestDrainAndMaintenanceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/nodes/pve9/drain", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := env.do(t, http.MethodPost, "/api/v1/nodes/pve1/drain", map[string]any{"mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = env.do(t, http.MethodPost, "/api/v1/nodes/pve1/drain", map[string]any{"mode": "soft", "reason": "kernel update"})
	require.Equal(t, http.StatusAccepted, status, body)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	op := env.eventually(t, "/api/v1/drains/"+id, "status", string(domain.DrainCompleted))
	assert.EqualValues(t, 1, op["completed_vms"])

	status, body = env.do(t, http.MethodGet, "/api/v1/nodes/pve1/maintenance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["in_maintenance"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/nodes/pve1/drain", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/api/v1/nodes/pve1/undrain", nil)
	require.Equal(t, http.StatusAccepted, status, body)
	undrainID, _ := body["id"].(string)
	env.eventually(t, "/api/v1/drains/"+undrainID, "status", string(domain.DrainCompleted))

	vm, err := env.cluster.GetVM(t.Context(), 100)
	require.NoError(t, err)
	assert.Equal(t, "pve1", vm.Node)

	status, body = env.do(t, http.MethodPost, "/api/v1/nodes/pve2/maintenance", map[string]any{"reason": "disk swap"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "disk swap", body["reason"])

	status, body = env.do(t, http.MethodDelete, "/api/v1/nodes/pve2/maintenance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["in_maintenance"])

	status, _ = env.do(t, http.MethodDelete, "/api/v1/nodes/pve2/maintenance", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/drains/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func testClusterSpec() map[string]any {
	return map[string]any{
		"name": "k8s",
		"node_groups": []map[string]any{
			{"name": "cp", "count": 1, "cores": 2, "memory_mib": 2048, "disk_gib": 20},
			{"name": "worker", "count": 2, "cores": 4, "memory_mib": 4096, "disk_gib": 40},
		},
		"placement": map[string]any{"anti_affinity": "SOFT"},
	}
}

func TestClusterEndpoints(t *testing.T) {
	env := newTestEnv(t)

	invalid := testClusterSpec()
	invalid["name"] = "-bad-"
	status, body := env.do(t, http.MethodPost, "/api/v1/clusters", invalid)
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = env.do(t, http.MethodPost, "/api/v1/clusters/validate", testClusterSpec())
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 3, body["total_nodes"])

	status, body = env.do(t, http.MethodPost, "/api/v1/clusters", testClusterSpec())
	require.Equal(t, http.StatusAccepted, status, body)
	id, _ := body["operation_id"].(string)
	require.NotEmpty(t, id)

	state := env.eventually(t, "/api/v1/clusters/"+id, "status", string(domain.ProvisioningCompleted))
	assert.EqualValues(t, 100, state["progress"])
	assert.Len(t, env.cluster.Created(), 3)

	status, body = env.do(t, http.MethodGet, "/api/v1/clusters", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["clusters"], 1)

	status, _ = env.do(t, http.MethodDelete, "/api/v1/clusters/"+id, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/clusters/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodDelete, "/api/v1/clusters/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPlacementRanking(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/placement/ranking?avoid=pve3", nil)
	require.Equal(t, http.StatusOK, status)
	nodes, ok := body["nodes"].([]any)
	require.True(t, ok)
	require.Len(t, nodes, 2)
	assert.Equal(t, "pve1", nodes[0].(map[string]any)["node"])
}

func TestWatchOperation(t *testing.T) {
	env := newTestEnv(t)
	env.cluster.TaskPolls = 5

	status, body := env.do(t, http.MethodPost, "/api/v1/clusters", testClusterSpec())
	require.Equal(t, http.StatusAccepted, status, body)
	id := body["operation_id"].(string)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/operations/" + id + "/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var messages []watchEnvelope
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		var msg watchEnvelope
		require.NoError(t, json.Unmarshal(data, &msg))
		messages = append(messages, msg)
	}

	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	assert.Equal(t, "provisioning", last.Kind)
	assert.True(t, last.Terminal)
	assert.Equal(t, string(domain.ProvisioningCompleted), last.Operation.Status)
	for _, m := range messages[:len(messages)-1] {
		assert.False(t, m.Terminal)
	}
}

// stubEvents forwards published events to every subscriber until its
// context is done.
type stubEvents struct {
	published chan redis.Event
	channels  chan []string
}

func (e *stubEvents) Subscribe(ctx context.Context, channels ...string) <-chan redis.Event {
	e.channels <- channels
	out := make(chan redis.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-e.published:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func TestWatchWakesOnPublishedUpdate(t *testing.T) {
	// Polling alone would not observe the update within the read deadline.
	events := &stubEvents{published: make(chan redis.Event), channels: make(chan []string, 1)}
	env := newTestEnv(t, WithWatchInterval(time.Hour), func(s *Server) { s.events = events })

	ctx := context.Background()
	op := &domain.DrainOperation{ID: "drain-1", Node: "pve1", Kind: domain.DrainKindDrain, Status: domain.DrainInProgress, StartedAt: time.Now()}
	env.server.drainOps.Put(ctx, op.ID, op)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/operations/" + op.ID + "/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var first watchEnvelope
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, "drain", first.Kind)
	assert.Equal(t, string(domain.DrainInProgress), first.Operation.Status)
	assert.Equal(t, []string{redis.OperationsChannel}, <-events.channels)

	done := op.Clone()
	done.Status = domain.DrainCompleted
	env.server.drainOps.Put(ctx, op.ID, done)
	events.published <- redis.Event{Type: "drain.updated", ResourceID: "other"}
	events.published <- redis.Event{Type: "drain.updated", ResourceID: op.ID}

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var last watchEnvelope
	require.NoError(t, json.Unmarshal(data, &last))
	assert.True(t, last.Terminal)
	assert.Equal(t, string(domain.DrainCompleted), last.Operation.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestPruneFinishedOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	env.server.drainOps.Put(ctx, "old", &domain.DrainOperation{ID: "old", Status: domain.DrainCompleted, EndedAt: &old})
	env.server.drainOps.Put(ctx, "recent", &domain.DrainOperation{ID: "recent", Status: domain.DrainPartial, EndedAt: &recent})
	env.server.drainOps.Put(ctx, "running", &domain.DrainOperation{ID: "running", Status: domain.DrainInProgress})
	env.server.clusterOps.Put(ctx, "cluster-old", &domain.ClusterProvisioningState{
		OperationID: "cluster-old", Status: domain.ProvisioningFailed, EndedAt: &old,
	})

	assert.Equal(t, 2, env.server.pruneOperations(now))

	status, _ := env.do(t, http.MethodGet, "/api/v1/drains/old", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodGet, "/api/v1/drains/recent", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/api/v1/drains/running", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/api/v1/clusters/cluster-old", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWatchUnknownOperation(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/operations/nope/watch", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["kind"])
}

type watchEnvelope struct {
	Kind      string `json:"kind"`
	Terminal  bool   `json:"terminal"`
	Operation struct {
		Status string `json:"status"`
	} `json:"operation"`
}
