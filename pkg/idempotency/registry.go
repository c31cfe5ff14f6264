// Package idempotency provides first-writer-wins key registries used to guarantee that a
// node body runs at most once per accepted dispatch.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyKey is returned when registering an empty key.
var ErrEmptyKey = errors.New("idempotency key must not be empty")

// Registry records keys. Register returns true exactly once per key for the
// lifetime of the registry and false for every later call with the same key.
type Registry interface {
	Register(ctx context.Context, key string) (bool, error)
}

// Key joins key parts into a single registry key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// DispatchKey is the key guarding a provider callback.
func DispatchKey(executionID, providerDispatchID string) string {
	return Key("dispatch", executionID, providerDispatchID)
}

// MemoryRegistry is a process-local registry.
type MemoryRegistry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{keys: make(map[string]struct{})}
}

func (r *MemoryRegistry) Register(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key]; exists {
		return false, nil
	}

	r.keys[key] = struct{}{}

	return true, nil
}

// Len returns the number of registered keys.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.keys)
}
