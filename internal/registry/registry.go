// Package registry holds in-flight operation snapshots keyed by operation id.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Mirror is an optional secondary store for snapshots. It receives every Put
// and serves Get when the local map misses, so operations can be polled
// across a restart.
type Mirror[T any] interface {
	Save(ctx context.Context, id string, value T) error
	Load(ctx context.Context, id string) (T, error)
}

// Registry is a concurrent map of operation snapshots. Values are cloned on
// the way in and out so callers never share state with the registry.
type Registry[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	version map[string]uint64
	clone   func(T) T
	mirror  Mirror[T]
	logger  *zap.Logger
}

// Option configures a Registry.
type Option[T any] func(*Registry[T])

// WithMirror attaches a Mirror to the registry.
func WithMirror[T any](m Mirror[T]) Option[T] {
	return func(r *Registry[T]) {
		r.mirror = m
	}
}

// New creates a registry. clone must return a deep copy of its argument.
func New[T any](name string, clone func(T) T, logger *zap.Logger, opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{
		items:   make(map[string]T),
		version: make(map[string]uint64),
		clone:   clone,
		logger:  logger.With(zap.String("component", "registry"), zap.String("registry", name)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put stores a snapshot of value under id.
func (r *Registry[T]) Put(ctx context.Context, id string, value T) {
	snapshot := r.clone(value)

	r.mu.Lock()
	r.items[id] = snapshot
	r.version[id]++
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Save(ctx, id, r.clone(snapshot)); err != nil {
			r.logger.Warn("Failed to mirror operation snapshot",
				zap.String("operation_id", id),
				zap.Error(err),
			)
		}
	}
}

// Get returns a snapshot of the value stored under id.
func (r *Registry[T]) Get(ctx context.Context, id string) (T, bool) {
	r.mu.RLock()
	value, ok := r.items[id]
	r.mu.RUnlock()
	if ok {
		return r.clone(value), true
	}

	var zero T
	if r.mirror == nil {
		return zero, false
	}
	loaded, err := r.mirror.Load(ctx, id)
	if err != nil {
		r.logger.Debug("Operation not found in mirror",
			zap.String("operation_id", id),
			zap.Error(err),
		)
		return zero, false
	}
	return loaded, true
}

// Version returns a counter that increases on every Put of id. It is 0 for
// ids that were never stored locally.
func (r *Registry[T]) Version(id string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version[id]
}

// List returns snapshots of all locally stored values ordered by id.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]T, 0, len(ids))
	for _, id := range ids {
		if value, ok := r.items[id]; ok {
			result = append(result, r.clone(value))
		}
	}
	return result
}

// Delete removes id from the local map. Mirrored copies expire on their own.
func (r *Registry[T]) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	delete(r.version, id)
}

// Prune deletes every locally stored value for which expired returns true
// and reports how many were removed.
func (r *Registry[T]) Prune(expired func(T) bool) int {
	var ids []string
	r.mu.RLock()
	for id, value := range r.items {
		if expired(value) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Delete(id)
	}
	if len(ids) > 0 {
		r.logger.Debug("Pruned operations", zap.Int("pruned", len(ids)), zap.Int("remaining", r.Len()))
	}
	return len(ids)
}

// Len returns the number of locally stored values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
