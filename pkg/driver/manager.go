package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Manager keeps track of registered drivers, the capabilities bound to them
// and orchestrates their lifecycle.
type Manager struct {
	mu           sync.RWMutex
	registry     map[string]*instance
	bindings     map[string]string
	loader       Loader
	factories    map[string]Factory
	onCapability func(driverID string, spec CapabilitySpec) error
}

type instance struct {
	mu           sync.Mutex
	Driver       Driver
	Info         Info
	State        State
	Config       map[string]any
	Capabilities []string
	Source       string
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		bindings:  make(map[string]string),
		loader:    GoPluginLoader{},
		factories: make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a driver instance directly with the manager and binds
// the given capabilities to it.
func (m *Manager) Register(id string, d Driver, cfg map[string]any, caps []CapabilitySpec) error {
	if id == "" {
		return errors.New("driver id cannot be empty")
	}
	if d == nil {
		return errors.New("driver implementation cannot be nil")
	}
	if len(caps) == 0 {
		return fmt.Errorf("driver %s must serve at least one capability", id)
	}
	info := d.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("driver id mismatch: %s != %s", info.ID, id)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := d.Configure(cfg); err != nil {
		return fmt.Errorf("configure driver %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("driver %s already registered", id)
	}
	names := make([]string, 0, len(caps))
	for _, spec := range caps {
		if owner, taken := m.bindings[spec.Name]; taken {
			return fmt.Errorf("capability %s already served by driver %s", spec.Name, owner)
		}
		if m.onCapability != nil {
			if err := m.onCapability(id, spec); err != nil {
				return err
			}
		}
		names = append(names, spec.Name)
	}
	for _, name := range names {
		m.bindings[name] = id
	}
	if info.ID == "" {
		info.ID = id
	}
	m.registry[id] = &instance{Driver: d, Info: info, State: StateRegistered, Config: cfg, Capabilities: names, Source: "manual"}
	return nil
}

// Load loads a driver implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, caps []CapabilitySpec) error {
	if path == "" {
		return errors.New("driver path cannot be empty")
	}
	d, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load driver from %s: %w", path, err)
	}
	if err := m.Register(id, d, cfg, caps); err != nil {
		return err
	}
	m.mu.Lock()
	m.registry[id].Source = path
	m.mu.Unlock()
	return nil
}

// Driver returns the driver bound to a capability.
func (m *Manager) Driver(capability string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bindings[capability]
	if !ok {
		return nil, false
	}
	inst, ok := m.registry[id]
	if !ok {
		return nil, false
	}
	return inst.Driver, true
}

// Open opens a driver by id.
func (m *Manager) Open(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateOpened {
		return nil
	}
	if err := inst.Driver.Open(ctx); err != nil {
		return fmt.Errorf("open driver %s: %w", id, err)
	}
	inst.State = StateOpened
	return nil
}

// Close closes a driver if it is open.
func (m *Manager) Close(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateOpened {
		return nil
	}
	if err := inst.Driver.Close(ctx); err != nil {
		return fmt.Errorf("close driver %s: %w", id, err)
	}
	inst.State = StateClosed
	return nil
}

// OpenAll opens all registered drivers in id order.
func (m *Manager) OpenAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Open(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes every open driver and joins the failures.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.ids() {
		if err := m.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of a driver.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// Bindings returns a copy of the capability to driver id mapping.
func (m *Manager) Bindings() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("driver %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Drivers))
	for id := range cfg.Drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		driverCfg := cfg.Drivers[id]
		if !driverCfg.Enabled {
			continue
		}
		if driverCfg.Kind != "" {
			factory, ok := m.factories[driverCfg.Kind]
			if !ok {
				return fmt.Errorf("driver %s: unknown builtin kind %q", id, driverCfg.Kind)
			}
			if err := m.Register(id, factory(), cloneConfig(driverCfg.Config), driverCfg.Capabilities); err != nil {
				return err
			}
			continue
		}
		path := driverCfg.Path
		if !filepath.IsAbs(path) && cfg.DriverDir != "" {
			path = filepath.Join(cfg.DriverDir, path)
		}
		if err := m.Load(id, path, cloneConfig(driverCfg.Config), driverCfg.Capabilities); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
