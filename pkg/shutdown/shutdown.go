// Package shutdown coordinates graceful drain on termination signals:
// stop accepting work, drain the bridge, wait for jobs, cancel the
// stragglers, run plugin hooks, release external handles.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
)

const (
	bridgeDrainBudget = 5 * time.Second
	jobDrainReserve   = 5 * time.Second
	jobPollInterval   = 2 * time.Second
	pluginHookBudget  = 5 * time.Second
)

// Bridge is the broker bridge surface the coordinator drives.
type Bridge interface {
	Stop(timeout time.Duration)
}

// Workers is the worker runtime surface the coordinator drives.
type Workers interface {
	Stop()
	RunningCount() int
	AwaitIdle(timeout time.Duration) bool
}

// Canceller revokes and finalizes a single job, recording why it was
// cancelled.
type Canceller interface {
	CancelWithReason(ctx context.Context, jobID, reason string) error
}

// Drainer is flipped first so no new work is routed. The routing filter
// implements it.
type Drainer interface {
	SetDraining()
}

// Coordinator runs the shutdown sequence within a bounded window.
type Coordinator struct {
	window    time.Duration
	startedAt time.Time

	bus       *events.Bus
	store     storage.Store
	registry  *plugin.Registry
	bridge    Bridge
	workers   Workers
	canceller Canceller
	drainer   Drainer

	// Closers for external handles, run last.
	closers []func() error
}

// NewCoordinator wires the shutdown sequence. window is the total
// graceful budget (T); jobs get T minus a reserve for the tail steps.
func NewCoordinator(window time.Duration, bus *events.Bus, store storage.Store, registry *plugin.Registry,
	bridge Bridge, workers Workers, canceller Canceller, drainer Drainer) *Coordinator {
	return &Coordinator{
		window:    window,
		startedAt: time.Now(),
		bus:       bus,
		store:     store,
		registry:  registry,
		bridge:    bridge,
		workers:   workers,
		canceller: canceller,
		drainer:   drainer,
	}
}

// AddCloser registers an external handle to release at the end of the
// sequence, in registration order.
func (c *Coordinator) AddCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Wait blocks until SIGTERM or SIGINT, then runs the shutdown sequence.
func (c *Coordinator) Wait(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	var reason string
	select {
	case s := <-sig:
		reason = s.String()
	case <-ctx.Done():
		reason = "context cancelled"
	}
	c.Run(context.Background(), reason)
}

// Run executes the drain sequence. Exceeding the budget is logged, never
// fatal; the process exits regardless.
func (c *Coordinator) Run(ctx context.Context, reason string) {
	logger := log.WithComponent("shutdown")
	deadline := time.Now().Add(c.window)
	logger.Info().Str("reason", reason).Dur("window", c.window).Msg("shutdown initiated")

	// 1. Refuse new work
	if c.drainer != nil {
		c.drainer.SetDraining()
	}

	// 2. Announce
	c.bus.Emit(ctx, types.EventSystemShutdown, "core:system", map[string]any{
		"reason":         reason,
		"uptime_seconds": time.Since(c.startedAt).Seconds(),
	}, events.WithSeverity(types.SeverityWarning))

	// 3. Bridge drain
	if c.bridge != nil {
		c.bridge.Stop(bridgeDrainBudget)
	}

	// 4. Job drain until T minus the reserve
	if c.workers != nil {
		c.workers.Stop()
		c.awaitJobs(deadline.Add(-jobDrainReserve))
	}

	// 5. Cancel stragglers
	c.cancelRemaining(ctx)

	// 6. Plugin shutdown hooks
	c.runHooks()

	// Persistence writes may still be in flight from the emits above.
	c.bus.Drain()

	// 7. External handles
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			logger.Warn().Err(err).Msg("failed to release handle")
		}
	}

	if over := time.Since(deadline); over > 0 {
		logger.Warn().Dur("overrun", over).Msg("shutdown exceeded graceful window")
	}
	logger.Info().Msg("shutdown complete")
}

func (c *Coordinator) awaitJobs(deadline time.Time) {
	logger := log.WithComponent("shutdown")
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn().Int("running", c.workers.RunningCount()).Msg("job drain window exhausted")
			return
		}
		if c.workers.RunningCount() == 0 {
			return
		}
		logger.Info().Int("running", c.workers.RunningCount()).Msg("waiting for jobs to finish")

		wait := jobPollInterval
		if remaining < wait {
			wait = remaining
		}
		if c.workers.AwaitIdle(wait) {
			return
		}
	}
}

func (c *Coordinator) cancelRemaining(ctx context.Context) {
	if c.canceller == nil {
		return
	}
	logger := log.WithComponent("shutdown")
	for _, status := range []types.JobStatus{types.JobStatusRunning, types.JobStatusQueued, types.JobStatusPending} {
		jobs, err := c.store.ListJobsByStatus(status)
		if err != nil {
			logger.Error().Err(err).Str("status", string(status)).Msg("failed to list jobs")
			continue
		}
		for _, job := range jobs {
			if err := c.canceller.CancelWithReason(ctx, job.ID, "cancelled by system shutdown"); err != nil {
				logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to cancel job")
			} else {
				logger.Info().Str("job_id", job.ID).Msg("job cancelled during shutdown")
			}
		}
	}
}

func (c *Coordinator) runHooks() {
	logger := log.WithComponent("shutdown")
	for _, inst := range c.registry.Active() {
		hook, ok := inst.Plugin.(plugin.ShutdownHook)
		if !ok {
			continue
		}
		hctx, cancel := context.WithTimeout(context.Background(), pluginHookBudget)
		done := make(chan error, 1)
		go func() { done <- hook.OnShutdown(hctx) }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn().Err(err).Str("plugin", inst.Meta.Name).Msg("shutdown hook failed")
			}
		case <-hctx.Done():
			logger.Warn().Str("plugin", inst.Meta.Name).Msg("shutdown hook exceeded budget")
		}
		cancel()
	}
}
