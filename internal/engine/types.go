package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoAccelerator is returned when a backend placed the model on a CPU but
// an accelerator was required.
var ErrNoAccelerator = errors.New("no accelerator available")

// DeviceKind is where a backend keeps the model weights.
type DeviceKind string

const (
	DeviceCPU   DeviceKind = "cpu"
	DeviceCUDA  DeviceKind = "cuda"
	DeviceMetal DeviceKind = "metal"
	DeviceROCm  DeviceKind = "rocm"
)

type Device struct {
	Kind        DeviceKind
	Index       int
	Name        string
	MemoryBytes uint64
}

func (d Device) IsAccelerator() bool {
	switch d.Kind {
	case DeviceCUDA, DeviceMetal, DeviceROCm:
		return true
	default:
		return false
	}
}

func (d Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s:%d (%s)", d.Kind, d.Index, d.Name)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Model produces next-token logits for a token sequence.
type Model interface {
	// Forward returns the logits over the vocabulary for the token that
	// follows tokens.
	Forward(ctx context.Context, tokens []int) ([]float32, error)
	Device() Device
	Close() error
}

// BackendOptions tell a backend how to load an artifact.
type BackendOptions struct {
	Addr  string
	DType string
}

// BackendFactory loads the artifact onto the backend's device.
type BackendFactory func(ctx context.Context, artifact *Artifact, opts BackendOptions) (Model, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available by name. Backends register
// themselves from init.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("engine: RegisterBackend factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("engine: RegisterBackend called twice for " + name)
	}
	backends[name] = factory
}

func lookupBackend(name string) (BackendFactory, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %s)", name, strings.Join(backendNamesLocked(), ", "))
	}
	return f, nil
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return backendNamesLocked()
}

func backendNamesLocked() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
