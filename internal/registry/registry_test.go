package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

type mockMirror struct {
	mu    sync.Mutex
	saved map[string]*domain.DrainOperation
	fail  bool
}

func (m *mockMirror) Save(_ context.Context, id string, op *domain.DrainOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	if m.saved == nil {
		m.saved = make(map[string]*domain.DrainOperation)
	}
	m.saved[id] = op
	return nil
}

func (m *mockMirror) Load(_ context.Context, id string) (*domain.DrainOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.saved[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return op, nil
}

func newDrainRegistry(opts ...Option[*domain.DrainOperation]) *Registry[*domain.DrainOperation] {
	return New("drain", (*domain.DrainOperation).Clone, zap.NewNop(), opts...)
}

func TestRegistry_PutGetIsolation(t *testing.T) {
	ctx := context.Background()
	r := newDrainRegistry()

	op := &domain.DrainOperation{ID: "op-1", Node: "pve1", Status: domain.DrainInProgress, TotalVMs: 2}
	r.Put(ctx, op.ID, op)

	// Mutating the caller's copy must not leak into the registry.
	op.Record(domain.VMOutcome{VMID: 100, Status: domain.VMOutcomeCompleted})

	got, ok := r.Get(ctx, "op-1")
	require.True(t, ok)
	assert.Equal(t, 0, got.CompletedVMs)
	assert.Empty(t, got.VMStatuses)

	got.Node = "changed"
	again, _ := r.Get(ctx, "op-1")
	assert.Equal(t, "pve1", again.Node)
}

func TestRegistry_VersionListDelete(t *testing.T) {
	ctx := context.Background()
	r := newDrainRegistry()

	assert.Equal(t, uint64(0), r.Version("b"))
	r.Put(ctx, "b", &domain.DrainOperation{ID: "b"})
	r.Put(ctx, "a", &domain.DrainOperation{ID: "a"})
	r.Put(ctx, "b", &domain.DrainOperation{ID: "b", Status: domain.DrainCompleted})
	assert.Equal(t, uint64(2), r.Version("b"))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	r.Delete("a")
	_, ok := r.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Prune(t *testing.T) {
	ctx := context.Background()
	r := newDrainRegistry()

	r.Put(ctx, "done", &domain.DrainOperation{ID: "done", Status: domain.DrainCompleted})
	r.Put(ctx, "running", &domain.DrainOperation{ID: "running", Status: domain.DrainInProgress})

	pruned := r.Prune(func(op *domain.DrainOperation) bool { return op.Status.IsTerminal() })
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(ctx, "done")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), r.Version("done"))

	assert.Zero(t, r.Prune(func(*domain.DrainOperation) bool { return false }))
}

func TestRegistry_MirrorFallback(t *testing.T) {
	ctx := context.Background()
	mirror := &mockMirror{}
	r := newDrainRegistry(WithMirror[*domain.DrainOperation](mirror))

	r.Put(ctx, "op-1", &domain.DrainOperation{ID: "op-1", Node: "pve2"})
	require.Contains(t, mirror.saved, "op-1")

	// A fresh registry (e.g. after restart) still serves the mirrored copy.
	restarted := newDrainRegistry(WithMirror[*domain.DrainOperation](mirror))
	got, ok := restarted.Get(ctx, "op-1")
	require.True(t, ok)
	assert.Equal(t, "pve2", got.Node)

	_, ok = restarted.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestRegistry_MirrorFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	r := newDrainRegistry(WithMirror[*domain.DrainOperation](&mockMirror{fail: true}))

	r.Put(ctx, "op-1", &domain.DrainOperation{ID: "op-1"})
	_, ok := r.Get(ctx, "op-1")
	assert.True(t, ok)
}

func TestRegistry_ConcurrentPut(t *testing.T) {
	ctx := context.Background()
	r := newDrainRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Put(ctx, "op", &domain.DrainOperation{ID: "op"})
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), r.Version("op"))
}
