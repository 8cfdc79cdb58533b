package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a closed-world map from (slot, name) to a plugin instance.
// Registration happens once at startup; lookups afterwards are read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[Slot]map[string]interface{}
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Slot]map[string]interface{})}
}

// Register binds a name within a slot to an instance. The instance must
// satisfy the slot's capability set; a mismatch or duplicate name is an
// error. Registering after Seal is an error.
func (r *Registry) Register(slot Slot, name string, instance interface{}) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if !satisfies(slot, instance) {
		return fmt.Errorf("plugin %q does not implement the %s capability set", name, slot)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %s/%s", slot, name)
	}
	if r.entries[slot] == nil {
		r.entries[slot] = make(map[string]interface{})
	}
	if _, exists := r.entries[slot][name]; exists {
		return fmt.Errorf("plugin %s/%s already registered", slot, name)
	}
	r.entries[slot][name] = instance
	return nil
}

// Seal marks startup registration as complete.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func satisfies(slot Slot, instance interface{}) bool {
	switch slot {
	case SlotRuntime:
		_, ok := instance.(Runtime)
		return ok
	case SlotAgent:
		_, ok := instance.(Agent)
		return ok
	case SlotWorkspace:
		_, ok := instance.(Workspace)
		return ok
	case SlotTracker:
		_, ok := instance.(Tracker)
		return ok
	case SlotSCM:
		_, ok := instance.(SCM)
		return ok
	case SlotNotifier:
		_, ok := instance.(Notifier)
		return ok
	default:
		return false
	}
}

func (r *Registry) lookup(slot Slot, name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.entries[slot][name]
	return instance, ok
}

// Runtime resolves a runtime plugin by name.
func (r *Registry) Runtime(name string) (Runtime, bool) {
	instance, ok := r.lookup(SlotRuntime, name)
	if !ok {
		return nil, false
	}
	return instance.(Runtime), true
}

// Agent resolves an agent plugin by name.
func (r *Registry) Agent(name string) (Agent, bool) {
	instance, ok := r.lookup(SlotAgent, name)
	if !ok {
		return nil, false
	}
	return instance.(Agent), true
}

// Workspace resolves a workspace plugin by name.
func (r *Registry) Workspace(name string) (Workspace, bool) {
	instance, ok := r.lookup(SlotWorkspace, name)
	if !ok {
		return nil, false
	}
	return instance.(Workspace), true
}

// Tracker resolves a tracker plugin by name.
func (r *Registry) Tracker(name string) (Tracker, bool) {
	instance, ok := r.lookup(SlotTracker, name)
	if !ok {
		return nil, false
	}
	return instance.(Tracker), true
}

// SCM resolves an SCM plugin by name.
func (r *Registry) SCM(name string) (SCM, bool) {
	instance, ok := r.lookup(SlotSCM, name)
	if !ok {
		return nil, false
	}
	return instance.(SCM), true
}

// Notifier resolves a notifier plugin by name.
func (r *Registry) Notifier(name string) (Notifier, bool) {
	instance, ok := r.lookup(SlotNotifier, name)
	if !ok {
		return nil, false
	}
	return instance.(Notifier), true
}

// Names returns the registered names within a slot, sorted.
func (r *Registry) Names(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries[slot]))
	for name := range r.entries[slot] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
