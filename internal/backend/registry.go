// Package backend declares the model-backend registry: a constructor keyed
// by ModelDescriptor.Backend, resolved without reflection. An unknown kind
// is not rejected at config parsing: it surfaces as ErrUnknownBackendKind
// from Lookup when the pool first loads that descriptor (spec §9,
// "deep runtime reflection → declared interface with a registry").
package backend

import (
	"fmt"
	"sync"

	"github.com/cortexd/cortexd/internal/model"
)

// Constructor builds a Handle for the given descriptor. Implementations are
// expected to block until the handle is usable or return an error.
type Constructor func(desc model.ModelDescriptor) (model.Handle, error)

var (
	mu       sync.RWMutex
	registry = map[model.BackendKind]Constructor{}
)

// Register associates a backend kind with its constructor. Called from
// package init() by backend implementations (e.g. this package's stub.go,
// which registers local-file and remote-rpc); panics on duplicate
// registration since that indicates a wiring bug, not a runtime condition.
func Register(kind model.BackendKind, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("backend: duplicate registration for kind %q", kind))
	}
	registry[kind] = ctor
}

// Lookup returns the constructor for kind, or model.ErrUnknownBackendKind if
// none was registered.
func Lookup(kind model.BackendKind) (Constructor, error) {
	mu.RLock()
	defer mu.RUnlock()
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownBackendKind, kind)
	}
	return ctor, nil
}

// Known reports whether kind has a registered constructor, without
// attempting a load. Config parsing does not call it.
func Known(kind model.BackendKind) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[kind]
	return ok
}
