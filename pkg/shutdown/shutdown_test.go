package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
)

type fakeBridge struct{ stopped bool }

func (b *fakeBridge) Stop(timeout time.Duration) { b.stopped = true }

type fakeWorkers struct {
	stopped bool
	running int
}

func (w *fakeWorkers) Stop()             { w.stopped = true }
func (w *fakeWorkers) RunningCount() int { return w.running }
func (w *fakeWorkers) AwaitIdle(timeout time.Duration) bool {
	// Jobs finish on the first wait
	w.running = 0
	return true
}

type fakeCanceller struct {
	cancelled []string
	reasons   []string
}

func (c *fakeCanceller) CancelWithReason(ctx context.Context, jobID, reason string) error {
	c.cancelled = append(c.cancelled, jobID)
	c.reasons = append(c.reasons, reason)
	return nil
}

type fakeDrainer struct{ draining bool }

func (d *fakeDrainer) SetDraining() { d.draining = true }

type hookPlugin struct {
	meta       plugin.Metadata
	hookCalled bool
	hookDelay  time.Duration
}

func (p *hookPlugin) Metadata() plugin.Metadata { return p.meta }

func (p *hookPlugin) Setup(ctx context.Context, settings map[string]any) error { return nil }

func (p *hookPlugin) Process(ctx context.Context, pc plugin.ProcessContext) (map[string]any, error) {
	return nil, nil
}

func (p *hookPlugin) OnShutdown(ctx context.Context) error {
	if p.hookDelay > 0 {
		select {
		case <-time.After(p.hookDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.hookCalled = true
	return nil
}

func TestRunSequence(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// A job still running when the drain window closes
	require.NoError(t, store.CreateJob(&types.Job{
		ID: "job-1", DocumentID: "doc-1", PluginName: "transcribe",
		Status: types.JobStatusRunning, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateJob(&types.Job{
		ID: "job-2", DocumentID: "doc-2", PluginName: "transcribe",
		Status: types.JobStatusCompleted, CreatedAt: time.Now(),
	}))

	hooked := &hookPlugin{meta: plugin.Metadata{Name: "transcribe"}}
	registry := plugin.NewRegistry()
	registry.Add(&plugin.Instance{Plugin: hooked, Meta: hooked.meta, State: types.PluginStateActive})

	bus := events.NewBus(nil)
	bridge := &fakeBridge{}
	workers := &fakeWorkers{running: 1}
	canceller := &fakeCanceller{}
	drainer := &fakeDrainer{}

	c := NewCoordinator(30*time.Second, bus, store, registry, bridge, workers, canceller, drainer)
	closed := false
	c.AddCloser(func() error { closed = true; return nil })

	c.Run(context.Background(), "test")

	assert.True(t, drainer.draining, "routing must be short-circuited first")
	assert.True(t, bridge.stopped)
	assert.True(t, workers.stopped)
	assert.Equal(t, []string{"job-1"}, canceller.cancelled, "only non-terminal jobs are cancelled")
	require.Len(t, canceller.reasons, 1)
	assert.Contains(t, canceller.reasons[0], "shutdown", "cancelled records must say the shutdown ended them")
	assert.True(t, hooked.hookCalled)
	assert.True(t, closed)

	recent := bus.Recent(time.Minute, []string{types.EventSystemShutdown}, "")
	require.Len(t, recent, 1)
	assert.Equal(t, "test", recent[0].Payload["reason"])
}

func TestSlowHookIsBounded(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	slow := &hookPlugin{meta: plugin.Metadata{Name: "slow"}, hookDelay: 10 * time.Second}
	registry := plugin.NewRegistry()
	registry.Add(&plugin.Instance{Plugin: slow, Meta: slow.meta, State: types.PluginStateActive})

	c := NewCoordinator(30*time.Second, events.NewBus(nil), store, registry,
		&fakeBridge{}, &fakeWorkers{}, &fakeCanceller{}, &fakeDrainer{})

	start := time.Now()
	c.Run(context.Background(), "test")
	assert.Less(t, time.Since(start), 8*time.Second, "slow hook must be cut off at its budget")
	assert.False(t, slow.hookCalled)
}
