// Package casregistry maps backend names from node configuration to CAS
// constructors. Backends register themselves in init(); a binary enables a
// backend by importing its package.
package casregistry

import (
	"fmt"
	"sort"
	"sync"

	"bverify.dev/custody/storage"
)

// Backend opens a CAS rooted at a directory. Open returns an optional close
// function.
type Backend struct {
	Name        string
	Description string
	Open        func(dir string) (storage.CAS, func() error, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("casregistry: backend name is required")
	}
	if b.Open == nil {
		return fmt.Errorf("casregistry: backend %q missing Open", b.Name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("casregistry: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns registered backends sorted by name.
func List() []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Names() []string {
	bs := List()
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// Open opens the named backend at dir. The returned close function is never nil.
func Open(name, dir string) (storage.CAS, func() error, error) {
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("casregistry: unknown backend %q (have %v)", name, Names())
	}
	cas, closeFn, err := b.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return cas, closeFn, nil
}
