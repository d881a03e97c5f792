package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/types"
)

type fakePlugin struct {
	mu       sync.Mutex
	meta     Metadata
	setupErr error

	setupCount int
	setupOrder *[]string // shared across fakes to observe load order
	handled    []*types.Event
	handlerFor string // event type to subscribe a recording handler on
}

func (p *fakePlugin) Metadata() Metadata { return p.meta }

func (p *fakePlugin) Setup(ctx context.Context, settings map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setupCount++
	if p.setupOrder != nil {
		*p.setupOrder = append(*p.setupOrder, p.meta.Name)
	}
	return p.setupErr
}

func (p *fakePlugin) Process(ctx context.Context, pc ProcessContext) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func (p *fakePlugin) EventHandlers() map[string][]events.Handler {
	if p.handlerFor == "" {
		return nil
	}
	return map[string][]events.Handler{
		p.handlerFor: {func(ctx context.Context, event *types.Event) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.handled = append(p.handled, event)
			return nil
		}},
	}
}

func (p *fakePlugin) handledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handled)
}

func factoryFor(p *fakePlugin) Factory {
	return func() Plugin { return p }
}

func TestLoadAllDependencyOrder(t *testing.T) {
	var order []string
	// c depends on b depends on a; registration order is reversed
	a := &fakePlugin{meta: Metadata{Name: "a", Priority: 50}, setupOrder: &order}
	b := &fakePlugin{meta: Metadata{Name: "b", Priority: 10, Dependencies: []string{"a"}}, setupOrder: &order}
	c := &fakePlugin{meta: Metadata{Name: "c", Priority: 5, Dependencies: []string{"b"}}, setupOrder: &order}

	registry := NewRegistry()
	loader := NewLoader(registry, events.NewBus(nil), nil, nil)

	err := loader.LoadAll(context.Background(), []Factory{factoryFor(c), factoryFor(b), factoryFor(a)})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	for _, name := range []string{"a", "b", "c"} {
		inst, ok := registry.Get(name)
		require.True(t, ok)
		assert.Equal(t, types.PluginStateActive, inst.State)
	}
}

func TestLoadAllPriorityBreaksTies(t *testing.T) {
	var order []string
	low := &fakePlugin{meta: Metadata{Name: "zeta", Priority: 1}, setupOrder: &order}
	high := &fakePlugin{meta: Metadata{Name: "alpha", Priority: 100}, setupOrder: &order}

	loader := NewLoader(NewRegistry(), events.NewBus(nil), nil, nil)
	err := loader.LoadAll(context.Background(), []Factory{factoryFor(high), factoryFor(low)})
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha"}, order)
}

func TestLoadAllCycle(t *testing.T) {
	a := &fakePlugin{meta: Metadata{Name: "a", Dependencies: []string{"b"}}}
	b := &fakePlugin{meta: Metadata{Name: "b", Dependencies: []string{"a"}}}
	solo := &fakePlugin{meta: Metadata{Name: "solo"}}

	registry := NewRegistry()
	loader := NewLoader(registry, events.NewBus(nil), nil, nil)

	err := loader.LoadAll(context.Background(), []Factory{factoryFor(a), factoryFor(b), factoryFor(solo)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependency)

	for _, name := range []string{"a", "b"} {
		inst, ok := registry.Get(name)
		require.True(t, ok)
		assert.Equal(t, types.PluginStateError, inst.State)
		assert.Error(t, inst.Err)
	}
	assert.Zero(t, a.setupCount)
	assert.Zero(t, b.setupCount)

	// The independent plugin loads regardless
	inst, ok := registry.Get("solo")
	require.True(t, ok)
	assert.Equal(t, types.PluginStateActive, inst.State)
}

func TestLoadAllUnknownDependency(t *testing.T) {
	p := &fakePlugin{meta: Metadata{Name: "needy", Dependencies: []string{"ghost"}}}

	registry := NewRegistry()
	loader := NewLoader(registry, events.NewBus(nil), nil, nil)

	err := loader.LoadAll(context.Background(), []Factory{factoryFor(p)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependency)

	inst, ok := registry.Get("needy")
	require.True(t, ok)
	assert.Equal(t, types.PluginStateError, inst.State)
	assert.Zero(t, p.setupCount)
}

func TestLoadAllSetupFailure(t *testing.T) {
	broken := &fakePlugin{meta: Metadata{Name: "broken"}, setupErr: errors.New("boom")}
	dependent := &fakePlugin{meta: Metadata{Name: "dependent", Dependencies: []string{"broken"}}}

	registry := NewRegistry()
	loader := NewLoader(registry, events.NewBus(nil), nil, nil)

	err := loader.LoadAll(context.Background(), []Factory{factoryFor(broken), factoryFor(dependent)})
	require.NoError(t, err) // setup failures surface as state, not load errors

	inst, _ := registry.Get("broken")
	assert.Equal(t, types.PluginStateError, inst.State)

	// The dependent is still attempted; its own setup decides its fate
	inst, _ = registry.Get("dependent")
	assert.Equal(t, types.PluginStateActive, inst.State)
}

func TestHandlersGatedByState(t *testing.T) {
	p := &fakePlugin{meta: Metadata{Name: "listener"}, handlerFor: "thing.happened"}

	registry := NewRegistry()
	bus := events.NewBus(nil)
	loader := NewLoader(registry, bus, nil, nil)

	require.NoError(t, loader.LoadAll(context.Background(), []Factory{factoryFor(p)}))

	ctx := context.Background()
	bus.Emit(ctx, "thing.happened", "test", nil)
	assert.Equal(t, 1, p.handledCount())

	require.NoError(t, loader.Disable(ctx, "listener"))
	bus.Emit(ctx, "thing.happened", "test", nil)
	assert.Equal(t, 1, p.handledCount(), "disabled plugin must not receive events")

	require.NoError(t, loader.Enable(ctx, "listener"))
	bus.Emit(ctx, "thing.happened", "test", nil)
	assert.Equal(t, 2, p.handledCount())
	assert.Equal(t, 2, p.setupCount, "enable runs setup again")
}

func TestEnableRejectsErrorState(t *testing.T) {
	p := &fakePlugin{meta: Metadata{Name: "bad", Dependencies: []string{"ghost"}}}

	registry := NewRegistry()
	loader := NewLoader(registry, events.NewBus(nil), nil, nil)
	_ = loader.LoadAll(context.Background(), []Factory{factoryFor(p)})

	err := loader.Enable(context.Background(), "bad")
	require.Error(t, err)
}

func TestRegistryForInputType(t *testing.T) {
	registry := NewRegistry()
	registry.Add(&Instance{
		Meta:  Metadata{Name: "second", Priority: 20, InputTypes: []string{"audio"}},
		State: types.PluginStateActive,
	})
	registry.Add(&Instance{
		Meta:  Metadata{Name: "first", Priority: 10, InputTypes: []string{"audio", "video"}},
		State: types.PluginStateActive,
	})
	registry.Add(&Instance{
		Meta:  Metadata{Name: "off", Priority: 1, InputTypes: []string{"audio"}},
		State: types.PluginStateDisabled,
	})

	matches := registry.ForInputType("audio")
	require.Len(t, matches, 2)
	assert.Equal(t, "first", matches[0].Meta.Name)
	assert.Equal(t, "second", matches[1].Meta.Name)

	assert.Empty(t, registry.ForInputType("text"))
}

func TestRegisterTable(t *testing.T) {
	before := len(Builders())
	Register(func() Plugin { return &fakePlugin{meta: Metadata{Name: "tabled"}} })
	assert.Len(t, Builders(), before+1)
}
