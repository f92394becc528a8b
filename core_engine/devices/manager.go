package devices

import (
	"fmt"
	"sync"
)

// Factory builds one named device instance. cfg is whatever
// collaborator(s) that device needs (an InterruptRaiser, a
// *network.TapDevice, ...); each registered factory knows its own
// concrete cfg type and type-asserts it.
type Factory func(cfg any) (PioDevice, error)

// Manager is a named device registry: factories are registered once at
// startup (the legacy devices vmmcore already hard-wires in
// NewVirtualMachine stay that way), and instances built through it are
// addressable by name afterward for things like save/restore or a
// management console, rather than only reachable through whichever
// struct field happened to hold the pointer.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]PioDevice
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		instances: make(map[string]PioDevice),
	}
}

// Register binds a Factory under name. Registering the same name
// twice is a programmer error, not a runtime condition to recover
// from, so it panics the way a duplicate flag/route registration
// would elsewhere in this tree.
func (m *Manager) Register(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[name]; exists {
		panic(fmt.Sprintf("devices: factory %q already registered", name))
	}
	m.factories[name] = f
}

// Create builds name's device with cfg and remembers the instance
// under name for later Get calls.
func (m *Manager) Create(name string, cfg any) (PioDevice, error) {
	m.mu.Lock()
	f, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("devices: no factory registered for %q", name)
	}
	dev, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("devices: creating %q: %w", name, err)
	}
	m.mu.Lock()
	m.instances[name] = dev
	m.mu.Unlock()
	return dev, nil
}

// Get returns a previously Create'd instance by name.
func (m *Manager) Get(name string) (PioDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.instances[name]
	return dev, ok
}
