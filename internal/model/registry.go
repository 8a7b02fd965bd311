package model

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Brownie44l1/food-classifier/internal/weights"
)

// DefaultRegistrySize bounds how many distinct models stay resident.
const DefaultRegistrySize = 4

// Key identifies one built model.
type Key struct {
	Arch       weights.Architecture
	NumClasses int
	Source     string
	Backend    Backend
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s@%s", k.Arch, k.NumClasses, k.Backend, k.Source)
}

type registryEntry struct {
	once  sync.Once
	model *Model
	err   error
}

// Registry memoizes built models. Concurrent requests for the same key wait
// on a single build.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[Key, *registryEntry]
}

// NewRegistry returns a registry holding up to size models.
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	cache, err := lru.New[Key, *registryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create model registry: %w", err)
	}
	return &Registry{cache: cache}, nil
}

// Get returns the model for key, calling build at most once per key while
// it stays cached. Failed builds are not cached.
func (r *Registry) Get(key Key, build func() (*Model, error)) (*Model, error) {
	r.mu.Lock()
	e, ok := r.cache.Get(key)
	if !ok {
		e = &registryEntry{}
		r.cache.Add(key, e)
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.model, e.err = build()
	})
	if e.err != nil {
		r.mu.Lock()
		if cur, ok := r.cache.Peek(key); ok && cur == e {
			r.cache.Remove(key)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e.model, nil
}

// Len returns the number of cached entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Close releases every cached model and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, k := range r.cache.Keys() {
		if e, ok := r.cache.Peek(k); ok && e.model != nil {
			if err := e.model.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.cache.Purge()
	return first
}
