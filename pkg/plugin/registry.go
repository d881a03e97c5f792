package plugin

import (
	"sort"
	"sync"

	"github.com/docpipe/docpipe/pkg/types"
)

// Instance is a registered plugin together with its lifecycle state.
type Instance struct {
	Plugin   Plugin
	Meta     Metadata
	State    types.PluginState
	Settings map[string]any
	Err      error // set when State is PluginStateError

	// Bus subscriptions happen at most once per instance; disabled
	// periods are handled by a state gate around each handler.
	subscribed bool
}

// Active reports whether the instance can accept work.
func (in *Instance) Active() bool {
	return in.State == types.PluginStateActive
}

// Registry is the in-memory catalog of loaded plugins. The loader fills
// it at startup; the workflow resolver and the dispatcher read it.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Instance
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Instance)}
}

// Add inserts or replaces an instance.
func (r *Registry) Add(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[inst.Meta.Name] = inst
}

// Get returns the instance for a plugin name.
func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.plugins[name]
	return inst, ok
}

// SetState transitions an instance, recording the error when state is
// PluginStateError.
func (r *Registry) SetState(name string, state types.PluginState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.plugins[name]; ok {
		inst.State = state
		inst.Err = err
	}
}

// List returns every instance ordered by priority, then name.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.plugins))
	for _, inst := range r.plugins {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Meta.Priority != out[j].Meta.Priority {
			return out[i].Meta.Priority < out[j].Meta.Priority
		}
		return out[i].Meta.Name < out[j].Meta.Name
	})
	return out
}

// Active returns the active instances in priority order.
func (r *Registry) Active() []*Instance {
	var out []*Instance
	for _, inst := range r.List() {
		if inst.Active() {
			out = append(out, inst)
		}
	}
	return out
}

// ForInputType returns the active plugins that accept the given document
// type, in priority order.
func (r *Registry) ForInputType(docType string) []*Instance {
	var out []*Instance
	for _, inst := range r.Active() {
		for _, t := range inst.Meta.InputTypes {
			if t == docType {
				out = append(out, inst)
				break
			}
		}
	}
	return out
}

// IsActive reports whether the named plugin is registered and active.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.plugins[name]
	return ok && inst.State == types.PluginStateActive
}

// ActiveCount returns the number of active plugins.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.plugins {
		if inst.State == types.PluginStateActive {
			n++
		}
	}
	return n
}
