package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexd/cortexd/internal/model"
)

// Concrete LLM backends are out of scope for this core (spec §1 Non-goals):
// the GGUF/llama.cpp CGO layer and remote inference servers are external
// collaborators. The two constructors below are the minimal stand-ins that
// let the pool's admission, eviction and fallback machinery be exercised
// end-to-end without a real model file on disk.

func init() {
	Register(model.BackendLocalFile, newLocalFileHandle)
	Register(model.BackendRemoteRPC, newRemoteRPCHandle)
}

type stubHandle struct {
	name      string
	memBytes  uint64
	latency   time.Duration
	prefix    string
	loadedErr error
}

func (h *stubHandle) Generate(ctx context.Context, prompt string, params model.GenerateParams) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(h.latency):
	}
	return fmt.Sprintf("[%s] %s", h.prefix, prompt), nil
}

func (h *stubHandle) MemoryBytes() uint64 { return h.memBytes }

func (h *stubHandle) Shutdown() {}

// newLocalFileHandle simulates loading a GGUF-style on-disk model.
// Location is the filesystem path; RAMEstimate/LoadEstimate come from the
// descriptor so pool admission arithmetic behaves realistically even
// without a real loader wired in.
func newLocalFileHandle(desc model.ModelDescriptor) (model.Handle, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("local-file backend: descriptor %q has no location", desc.Name)
	}
	time.Sleep(desc.LoadEstimate)
	return &stubHandle{
		name:     desc.Name,
		memBytes: desc.RAMEstimate,
		latency:  20 * time.Millisecond,
		prefix:   desc.Name,
	}, nil
}

// newRemoteRPCHandle simulates dialing a remote inference server.
func newRemoteRPCHandle(desc model.ModelDescriptor) (model.Handle, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("remote-rpc backend: descriptor %q has no location", desc.Name)
	}
	time.Sleep(desc.LoadEstimate)
	return &stubHandle{
		name:     desc.Name,
		memBytes: desc.RAMEstimate,
		latency:  40 * time.Millisecond,
		prefix:   desc.Name,
	}, nil
}
