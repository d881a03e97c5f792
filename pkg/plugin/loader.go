package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/types"
)

// ErrDependency is returned by LoadAll when a plugin names an unknown
// dependency or participates in a dependency cycle.
var ErrDependency = errors.New("plugin dependency error")

// Store is the slice of persistence the loader needs: document type
// registration and per-plugin config snapshots.
type Store interface {
	CreateDocumentType(dt *types.DocumentType) error
	GetDocumentTypeByName(name string) (*types.DocumentType, error)
	UpsertPluginConfig(cfg *types.PluginConfig) error
	GetPluginConfig(pluginName string) (*types.PluginConfig, error)
}

// HandlerWrapper intercepts a plugin's event handler before it is
// subscribed. The routing filter uses this to gate document.created
// deliveries on the resolved workflow.
type HandlerWrapper func(pluginName, eventType string, h events.Handler) events.Handler

// Loader instantiates plugins, orders them by dependencies, runs their
// setup and wires their capabilities into the bus and the store.
type Loader struct {
	registry *Registry
	bus      *events.Bus
	store    Store          // optional
	wrap     HandlerWrapper // optional
}

// NewLoader creates a loader. store and wrap may be nil.
func NewLoader(registry *Registry, bus *events.Bus, store Store, wrap HandlerWrapper) *Loader {
	return &Loader{registry: registry, bus: bus, store: store, wrap: wrap}
}

// LoadAll instantiates every factory, topologically sorts by declared
// dependencies and sets each plugin up in order. Plugins with unknown
// dependencies or inside a cycle are registered in the error state and
// reported through the returned error; independent plugins still load.
func (l *Loader) LoadAll(ctx context.Context, factories []Factory) error {
	logger := log.WithComponent("loader")

	instances := make(map[string]*Instance)
	var names []string
	var errs []error

	for _, f := range factories {
		p := f()
		meta := p.Metadata()
		if meta.Name == "" {
			errs = append(errs, errors.New("plugin with empty name skipped"))
			continue
		}
		if _, dup := instances[meta.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate plugin name %q skipped", meta.Name))
			continue
		}
		instances[meta.Name] = &Instance{
			Plugin: p,
			Meta:   meta,
			State:  types.PluginStateDiscovered,
		}
		names = append(names, meta.Name)
	}

	order, depErrs := sortByDependencies(instances, names)
	for name, err := range depErrs {
		inst := instances[name]
		inst.State = types.PluginStateError
		inst.Err = err
		l.registry.Add(inst)
		errs = append(errs, err)
		logger.Error().Err(err).Str("plugin", name).Msg("plugin failed dependency resolution")
		l.bus.Emit(ctx, types.EventPluginError, "core:loader",
			map[string]any{"plugin": name, "error": err.Error()},
			events.WithSeverity(types.SeverityError))
	}

	for _, name := range order {
		l.loadOne(ctx, instances[name])
	}

	// Startup hooks run once the full set is in place, so hooks may
	// depend on sibling plugins.
	for _, inst := range l.registry.Active() {
		hook, ok := inst.Plugin.(StartupHook)
		if !ok {
			continue
		}
		if err := hook.OnStartup(ctx); err != nil {
			logger.Error().Err(err).Str("plugin", inst.Meta.Name).Msg("startup hook failed")
		}
	}

	metrics.PluginsActive.Set(float64(l.registry.ActiveCount()))
	return errors.Join(errs...)
}

func (l *Loader) loadOne(ctx context.Context, inst *Instance) {
	logger := log.WithPlugin(inst.Meta.Name)
	name := inst.Meta.Name

	settings, enabled := l.storedConfig(name)
	inst.Settings = settings

	if !enabled {
		inst.State = types.PluginStateDisabled
		l.registry.Add(inst)
		logger.Info().Msg("plugin disabled by configuration")
		return
	}

	inst.State = types.PluginStateLoading
	l.registry.Add(inst)

	if aware, ok := inst.Plugin.(BusAware); ok {
		aware.SetBus(l.bus)
	}

	if err := inst.Plugin.Setup(ctx, settings); err != nil {
		l.registry.SetState(name, types.PluginStateError, err)
		logger.Error().Err(err).Msg("plugin setup failed")
		l.bus.Emit(ctx, types.EventPluginError, "core:loader",
			map[string]any{"plugin": name, "error": err.Error()},
			events.WithSeverity(types.SeverityError))
		return
	}

	l.registerDocumentTypes(inst)
	l.snapshotConfig(inst, true)
	l.subscribeHandlers(inst)

	l.registry.SetState(name, types.PluginStateActive, nil)
	logger.Info().Str("version", inst.Meta.Version).Msg("plugin loaded")
	l.bus.Emit(ctx, types.EventPluginLoaded, "core:loader",
		map[string]any{"plugin": name, "version": inst.Meta.Version})
}

// storedConfig returns the persisted settings and enabled flag for a
// plugin, defaulting to enabled with no settings.
func (l *Loader) storedConfig(name string) (map[string]any, bool) {
	if l.store == nil {
		return nil, true
	}
	cfg, err := l.store.GetPluginConfig(name)
	if err != nil {
		return nil, true
	}
	return cfg.Settings, cfg.IsEnabled
}

func (l *Loader) registerDocumentTypes(inst *Instance) {
	if l.store == nil {
		return
	}
	provider, ok := inst.Plugin.(DocumentTypeProvider)
	if !ok {
		return
	}
	for _, dt := range provider.DocumentTypes() {
		if _, err := l.store.GetDocumentTypeByName(dt.Name); err == nil {
			continue // already registered, first writer wins
		}
		record := dt
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		record.RegisteredBy = inst.Meta.Name
		now := time.Now()
		record.CreatedAt = now
		record.UpdatedAt = now
		if err := l.store.CreateDocumentType(&record); err != nil {
			log.WithPlugin(inst.Meta.Name).Error().Err(err).
				Str("document_type", dt.Name).Msg("failed to register document type")
		}
	}
}

func (l *Loader) snapshotConfig(inst *Instance, enabled bool) {
	if l.store == nil {
		return
	}
	cfg := &types.PluginConfig{
		PluginName:        inst.Meta.Name,
		IsEnabled:         enabled,
		Settings:          inst.Settings,
		DisplayName:       inst.Meta.DisplayName,
		Version:           inst.Meta.Version,
		Priority:          inst.Meta.Priority,
		MaxConcurrentJobs: inst.Meta.ConcurrencyLimit(),
	}
	if err := l.store.UpsertPluginConfig(cfg); err != nil {
		log.WithPlugin(inst.Meta.Name).Error().Err(err).Msg("failed to persist plugin config")
	}
}

func (l *Loader) subscribeHandlers(inst *Instance) {
	if inst.subscribed {
		return
	}
	provider, ok := inst.Plugin.(EventHandlerProvider)
	if !ok {
		return
	}
	name := inst.Meta.Name
	for eventType, handlers := range provider.EventHandlers() {
		for _, h := range handlers {
			if l.wrap != nil {
				h = l.wrap(name, eventType, h)
			}
			// Deliveries stop while the plugin is not active.
			inner := h
			h = func(ctx context.Context, event *types.Event) error {
				cur, ok := l.registry.Get(name)
				if !ok || !cur.Active() {
					return nil
				}
				return inner(ctx, event)
			}
			l.bus.Subscribe(eventType, h)
		}
	}
	inst.subscribed = true
}

// Enable sets a disabled plugin up and activates it.
func (l *Loader) Enable(ctx context.Context, name string) error {
	inst, ok := l.registry.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q not found", name)
	}
	switch inst.State {
	case types.PluginStateActive:
		return nil
	case types.PluginStateDisabled, types.PluginStateInstalled:
	default:
		return fmt.Errorf("plugin %q cannot be enabled from state %s", name, inst.State)
	}

	if aware, ok := inst.Plugin.(BusAware); ok {
		aware.SetBus(l.bus)
	}
	if err := inst.Plugin.Setup(ctx, inst.Settings); err != nil {
		l.registry.SetState(name, types.PluginStateError, err)
		return fmt.Errorf("enable %q: %w", name, err)
	}

	l.registerDocumentTypes(inst)
	l.snapshotConfig(inst, true)
	l.registry.SetState(name, types.PluginStateActive, nil)
	l.subscribeHandlers(inst)
	metrics.PluginsActive.Set(float64(l.registry.ActiveCount()))
	l.bus.Emit(ctx, types.EventPluginEnabled, "core:loader", map[string]any{"plugin": name})
	return nil
}

// Disable deactivates a plugin. Queued work for it stays queued and is
// picked up again once re-enabled; the resolver skips its steps meanwhile.
func (l *Loader) Disable(ctx context.Context, name string) error {
	inst, ok := l.registry.Get(name)
	if !ok {
		return fmt.Errorf("plugin %q not found", name)
	}
	if inst.State == types.PluginStateDisabled {
		return nil
	}

	l.registry.SetState(name, types.PluginStateDisabled, nil)
	l.snapshotConfig(inst, false)
	metrics.PluginsActive.Set(float64(l.registry.ActiveCount()))
	l.bus.Emit(ctx, types.EventPluginDisabled, "core:loader", map[string]any{"plugin": name})
	return nil
}

// sortByDependencies runs Kahn's algorithm over the declared dependency
// edges. The returned order contains only sortable plugins; the map
// carries a per-plugin error for unknown dependencies and cycle members.
func sortByDependencies(instances map[string]*Instance, names []string) ([]string, map[string]error) {
	depErrs := make(map[string]error)

	// Plugins naming unknown dependencies leave the graph up front.
	sortable := make(map[string]bool, len(names))
	for _, name := range names {
		sortable[name] = true
	}
	for _, name := range names {
		for _, dep := range instances[name].Meta.Dependencies {
			if _, ok := instances[dep]; !ok {
				depErrs[name] = fmt.Errorf("%w: plugin %q requires unknown plugin %q", ErrDependency, name, dep)
				sortable[name] = false
				break
			}
		}
	}

	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range names {
		if !sortable[name] {
			continue
		}
		indegree[name] = 0
	}
	for _, name := range names {
		if !sortable[name] {
			continue
		}
		for _, dep := range instances[name].Meta.Dependencies {
			if !sortable[dep] {
				// Dependency itself dropped out; dependent still loads
				// and may fail on its own.
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		ma, mb := instances[a].Meta, instances[b].Meta
		if ma.Priority != mb.Priority {
			return ma.Priority < mb.Priority
		}
		return ma.Name < mb.Name
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
			}
		}
	}

	// Anything still carrying indegree is inside a cycle.
	for name, deg := range indegree {
		if deg > 0 {
			depErrs[name] = fmt.Errorf("%w: plugin %q is part of a dependency cycle", ErrDependency, name)
		}
	}
	return order, depErrs
}
