package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/registry"
)

// OperationsChannel carries an event for every mirrored operation snapshot.
const OperationsChannel = "events:operations"

// Mirror stores operation snapshots of one kind in Redis and announces every
// update on OperationsChannel.
type Mirror[T any] struct {
	cache *Cache
	kind  string
	ttl   time.Duration
}

var _ registry.Mirror[struct{}] = (*Mirror[struct{}])(nil)

// NewMirror creates a mirror for snapshots of the given kind ("drain",
// "provisioning"). Keys expire after ttl.
func NewMirror[T any](cache *Cache, kind string, ttl time.Duration) *Mirror[T] {
	return &Mirror[T]{cache: cache, kind: kind, ttl: ttl}
}

// Save writes the snapshot and publishes an update event. A failed publish
// is logged only; the snapshot is already stored.
func (m *Mirror[T]) Save(ctx context.Context, id string, value T) error {
	if err := m.cache.Set(ctx, m.key(id), value, m.ttl); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	event := Event{Type: m.kind + ".updated", ResourceID: id, Data: data}
	if err := m.cache.Publish(ctx, OperationsChannel, event); err != nil {
		m.cache.logger.Warn("Failed to publish operation event",
			zap.String("operation_id", id),
			zap.Error(err),
		)
	}
	return nil
}

// Load reads a snapshot. It returns ErrCacheMiss when the key is absent or
// expired.
func (m *Mirror[T]) Load(ctx context.Context, id string) (T, error) {
	var value T
	if err := m.cache.Get(ctx, m.key(id), &value); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

func (m *Mirror[T]) key(id string) string {
	return OperationKey(m.kind, id)
}

// OperationKey returns the Redis key of an operation snapshot.
func OperationKey(kind, id string) string {
	return "operation:" + kind + ":" + id
}
