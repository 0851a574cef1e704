package module

import (
	"path/filepath"
	"sync"

	"github.com/canopymq/canopy/pkg/wire"
)

// The registry maps module names to entry points. Built-in modules
// register themselves from init functions; insmod resolves the requested
// path's basename through it.
var (
	registryMu sync.Mutex
	registry   = make(map[string]MainFunc)
)

// Register installs a module entry point under name. Duplicate
// registrations panic, matching the convention for init-time wiring.
func Register(name string, main MainFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("module: duplicate registration of " + name)
	}
	registry[name] = main
}

// lookup resolves a module path to its registered entry point. The
// path's basename, stripped of any extension, is the module name.
func lookup(path string) (string, MainFunc, error) {
	name := filepath.Base(path)
	if ext := filepath.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}
	registryMu.Lock()
	main, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return name, nil, wire.Errorf(wire.ErrModuleLoad, "module %s is not registered", name)
	}
	return name, main, nil
}
