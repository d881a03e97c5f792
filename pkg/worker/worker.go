// Package worker executes queued plugin tasks. One consumer loop runs
// per registered plugin, gated by a per-plugin semaphore sized to the
// plugin's declared concurrency cap. A loop only dequeues while its
// plugin is active, so disabling a plugin parks its queue and enabling
// one resumes it without restarting the runtime.
//
// Workers emit their lifecycle events through the broker's events
// channel rather than straight onto the bus, and persist those events
// themselves; the bridge re-emits them in-process without persisting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/docpipe/docpipe/pkg/broker"
	"github.com/docpipe/docpipe/pkg/documents"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
)

// ErrCancelled is returned from cancellation checks once a job has been
// cancelled. Plugins propagate it out of Process.
var ErrCancelled = errors.New("job cancelled")

const dequeueWait = 2 * time.Second

// Runtime consumes per-plugin queues and drives jobs from queued to a
// terminal state.
type Runtime struct {
	store    storage.Store
	broker   *broker.Broker
	registry *plugin.Registry
	docs     *documents.Service

	mu       sync.Mutex
	running  int
	stopOnce sync.Once
	stopCh   chan struct{}

	consumerWG sync.WaitGroup
	jobWG      sync.WaitGroup
}

// NewRuntime creates a worker runtime
func NewRuntime(store storage.Store, b *broker.Broker, registry *plugin.Registry, docs *documents.Service) *Runtime {
	return &Runtime{
		store:    store,
		broker:   b,
		registry: registry,
		docs:     docs,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one consumer per registered plugin. Consumers for
// inactive plugins idle until the plugin is enabled.
func (r *Runtime) Start(ctx context.Context) {
	for _, inst := range r.registry.List() {
		r.consumerWG.Add(1)
		go r.consume(ctx, inst)
	}
}

func (r *Runtime) consume(ctx context.Context, inst *plugin.Instance) {
	defer r.consumerWG.Done()
	name := inst.Meta.Name
	logger := log.WithPlugin(name)
	sem := semaphore.NewWeighted(int64(inst.Meta.ConcurrencyLimit()))

	logger.Info().Int("max_concurrent", inst.Meta.ConcurrencyLimit()).Msg("worker consumer started")
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Re-check lifecycle state every pass: a disabled plugin must
		// leave its queue untouched until it is enabled again.
		if !r.registry.IsActive(name) {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(dequeueWait):
			}
			continue
		}

		task, err := r.broker.Dequeue(ctx, name, dequeueWait)
		if err != nil {
			if errors.Is(err, broker.ErrNoTask) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}

		// Starts are gated by the concurrency cap.
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		r.jobWG.Add(1)
		go func(task *broker.Task) {
			defer r.jobWG.Done()
			defer sem.Release(1)
			r.process(ctx, inst, task)
		}(task)
	}
}

func (r *Runtime) process(ctx context.Context, inst *plugin.Instance, task *broker.Task) {
	name := inst.Meta.Name
	logger := log.WithJobID(task.JobID)

	job, err := r.store.GetJob(task.JobID)
	if err != nil {
		logger.Error().Err(err).Msg("task references unknown job")
		return
	}
	if job.Status.Terminal() {
		logger.Debug().Str("status", string(job.Status)).Msg("job already terminal, dropping task")
		return
	}

	if revoked, err := r.broker.IsRevoked(ctx, task.ID); err == nil && revoked {
		r.finishCancelled(ctx, job)
		return
	}

	doc, err := r.store.GetDocument(task.DocumentID)
	if err != nil {
		r.finishFailed(ctx, job, fmt.Errorf("document %s: %w", task.DocumentID, err))
		return
	}

	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	if err := r.store.UpdateJob(job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}
	r.trackStart(name)
	r.emit(ctx, types.EventJobStarted, name, types.SeverityInfo, doc.OwnerID, map[string]any{
		"job_id":      job.ID,
		"document_id": doc.ID,
		"plugin":      name,
	})

	jc := &jobContext{rt: r, job: job, doc: doc, task: task, settings: task.Settings}
	result, perr := r.invoke(ctx, inst, jc)
	r.trackEnd(name)

	switch {
	case errors.Is(perr, ErrCancelled):
		r.finishCancelled(ctx, job)
	case perr != nil:
		r.finishFailed(ctx, job, perr)
	default:
		job.Status = types.JobStatusCompleted
		job.Progress = 100
		job.Result = result
		job.OutputDocumentID = jc.outputDocumentID()
		job.CompletedAt = time.Now()
		if err := r.store.UpdateJob(job); err != nil {
			logger.Error().Err(err).Msg("failed to record job completion")
		}
		metrics.JobsTotal.WithLabelValues(job.PluginName, string(types.JobStatusCompleted)).Inc()
		r.emit(ctx, types.EventJobCompleted, job.PluginName, types.SeveritySuccess, doc.OwnerID, map[string]any{
			"job_id":             job.ID,
			"document_id":        doc.ID,
			"plugin":             job.PluginName,
			"output_document_id": job.OutputDocumentID,
		})
	}
}

// invoke runs the plugin with panic containment.
func (r *Runtime) invoke(ctx context.Context, inst *plugin.Instance, jc *jobContext) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panic: %v", rec)
		}
	}()
	return inst.Plugin.Process(ctx, jc)
}

func (r *Runtime) finishCancelled(ctx context.Context, job *types.Job) {
	// An API cancel finalizes the record and emits job.cancelled before
	// the revoke mark reaches us; don't record or announce it twice.
	if cur, err := r.store.GetJob(job.ID); err == nil && cur.Status == types.JobStatusCancelled {
		return
	}
	job.Status = types.JobStatusCancelled
	job.CompletedAt = time.Now()
	if err := r.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to record cancellation")
	}
	metrics.JobsTotal.WithLabelValues(job.PluginName, string(types.JobStatusCancelled)).Inc()
	r.emit(ctx, types.EventJobCancelled, job.PluginName, types.SeverityWarning, "", map[string]any{
		"job_id": job.ID,
		"plugin": job.PluginName,
	})
}

func (r *Runtime) finishFailed(ctx context.Context, job *types.Job, perr error) {
	job.Status = types.JobStatusFailed
	job.ErrorMessage = perr.Error()
	job.CompletedAt = time.Now()
	if err := r.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to record job failure")
	}
	metrics.JobsTotal.WithLabelValues(job.PluginName, string(types.JobStatusFailed)).Inc()
	r.emit(ctx, types.EventJobFailed, job.PluginName, types.SeverityError, "", map[string]any{
		"job_id": job.ID,
		"plugin": job.PluginName,
		"error":  perr.Error(),
	})
}

// emit publishes on the broker channel and persists the event locally.
func (r *Runtime) emit(ctx context.Context, eventType, pluginName string, severity types.EventSeverity, userID string, payload map[string]any) {
	origin := "task:" + pluginName
	now := time.Now()

	if err := r.broker.PublishEvent(ctx, broker.Envelope{
		Type:      eventType,
		Origin:    origin,
		Payload:   payload,
		Severity:  string(severity),
		UserID:    userID,
		Timestamp: now,
	}); err != nil {
		log.WithComponent("worker").Error().Err(err).
			Str("event_type", eventType).Msg("failed to publish event")
	}

	if err := r.store.AppendEvent(&types.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Origin:    origin,
		Severity:  severity,
		Payload:   payload,
		UserID:    userID,
		Timestamp: now,
	}); err != nil {
		log.WithComponent("worker").Error().Err(err).
			Str("event_type", eventType).Msg("failed to persist event")
	}
}

func (r *Runtime) trackStart(pluginName string) {
	r.mu.Lock()
	r.running++
	r.mu.Unlock()
	metrics.JobsRunning.WithLabelValues(pluginName).Inc()
}

func (r *Runtime) trackEnd(pluginName string) {
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	metrics.JobsRunning.WithLabelValues(pluginName).Dec()
}

// RunningCount returns the number of jobs currently executing.
func (r *Runtime) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop halts the consumer loops. In-flight jobs keep running; use
// AwaitIdle to wait for them.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.consumerWG.Wait()
}

// AwaitIdle waits up to timeout for in-flight jobs to finish. Returns
// false when the deadline passes first.
func (r *Runtime) AwaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
