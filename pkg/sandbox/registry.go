package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrModuleNotFound is returned for an unregistered module name.
var ErrModuleNotFound = errors.New("module not found")

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// ModuleRegistry maps module names to WebAssembly binaries.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string][]byte
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string][]byte)}
}

// Register stores wasm under name, replacing any previous binary.
func (r *ModuleRegistry) Register(name string, wasm []byte) error {
	if name == "" {
		return errors.New("sandbox: module name is required")
	}
	if len(wasm) < len(wasmMagic) || string(wasm[:4]) != string(wasmMagic) {
		return fmt.Errorf("sandbox: module %q is not a WebAssembly binary", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = append([]byte(nil), wasm...)
	return nil
}

// Get returns the binary registered under name.
func (r *ModuleRegistry) Get(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.modules[name]
	return b, ok
}

// Names lists registered modules in sorted order.
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir registers every *.wasm file in dir under its base name. A missing
// directory is not an error.
func (r *ModuleRegistry) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".wasm")
		if err := r.Register(name, data); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}
