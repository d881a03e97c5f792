// Package scheduler turns routed documents into queued jobs. It owns
// the front half of the job state machine (pending, queued, cancelled
// before pickup); the worker runtime owns the rest.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/broker"
	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
	"github.com/docpipe/docpipe/pkg/workflow"
)

var (
	// ErrJobTerminal is returned when an operation needs a live job but
	// the job already reached a terminal status.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrAlreadyDone signals a skipped submission: the plugin does not
	// regenerate and the document already has output of the expected type.
	ErrAlreadyDone = errors.New("document already processed")
)

// Dispatcher creates job records and schedules broker tasks.
type Dispatcher struct {
	store    storage.Store
	registry *plugin.Registry
	broker   *broker.Broker
	bus      *events.Bus
	resolver *workflow.Service
}

// NewDispatcher creates a dispatcher. resolver may be nil when step
// settings are always passed explicitly.
func NewDispatcher(store storage.Store, registry *plugin.Registry, b *broker.Broker, bus *events.Bus, resolver *workflow.Service) *Dispatcher {
	return &Dispatcher{store: store, registry: registry, broker: b, bus: bus, resolver: resolver}
}

// Submit creates a pending job for (document, plugin) and queues a
// broker task. The record turns queued together with the broker send; an
// enqueue failure fails the job instead of leaving it half-scheduled.
func (d *Dispatcher) Submit(ctx context.Context, doc *types.Document, pluginName string, settings map[string]any) (*types.Job, error) {
	inst, ok := d.registry.Get(pluginName)
	if !ok || !inst.Active() {
		return nil, fmt.Errorf("plugin %q is not active", pluginName)
	}

	if !inst.Meta.Regenerate && inst.Meta.OutputType != "" {
		done, err := d.hasOutputChild(doc.ID, inst.Meta.OutputType)
		if err != nil {
			return nil, err
		}
		if done {
			log.WithPlugin(pluginName).Debug().
				Str("document_id", doc.ID).Msg("output already exists, skipping")
			return nil, ErrAlreadyDone
		}
	}

	job := &types.Job{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		PluginName: pluginName,
		Status:     types.JobStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := d.store.CreateJob(job); err != nil {
		return nil, err
	}

	task := broker.Task{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		DocumentID: doc.ID,
		Plugin:     pluginName,
		Settings:   settings,
	}
	if err := d.broker.Enqueue(ctx, task); err != nil {
		job.Status = types.JobStatusFailed
		job.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
		job.CompletedAt = time.Now()
		if uerr := d.store.UpdateJob(job); uerr != nil {
			log.WithJobID(job.ID).Error().Err(uerr).Msg("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	job.TaskID = task.ID
	job.Status = types.JobStatusQueued
	if err := d.store.UpdateJob(job); err != nil {
		return nil, err
	}

	if depth, err := d.broker.QueueDepth(ctx, pluginName); err == nil {
		metrics.QueueDepth.WithLabelValues(pluginName).Set(float64(depth))
	}
	d.bus.Emit(ctx, types.EventJobQueued, "core:scheduler", map[string]any{
		"job_id":      job.ID,
		"document_id": doc.ID,
		"plugin":      pluginName,
	}, events.WithUser(doc.OwnerID))
	return job, nil
}

// hasOutputChild reports whether the document already has a child of the
// given type.
func (d *Dispatcher) hasOutputChild(docID, outputType string) (bool, error) {
	children, err := d.store.ListChildren(docID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.TypeName == outputType {
			return true, nil
		}
	}
	return false, nil
}

// Cancel moves a non-terminal job to cancelled and revokes its broker
// task so a worker that already picked it up stops at its next
// cancellation check.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	return d.cancel(ctx, jobID, "")
}

// CancelWithReason cancels like Cancel and records the reason on the
// job, so records cancelled in bulk (for example during shutdown) say
// why they ended.
func (d *Dispatcher) CancelWithReason(ctx context.Context, jobID, reason string) error {
	return d.cancel(ctx, jobID, reason)
}

func (d *Dispatcher) cancel(ctx context.Context, jobID, reason string) error {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
	}

	if job.TaskID != "" {
		if err := d.broker.Revoke(ctx, job.TaskID); err != nil {
			log.WithJobID(jobID).Warn().Err(err).Msg("failed to revoke task")
		}
	}

	job.Status = types.JobStatusCancelled
	if reason != "" {
		job.ErrorMessage = reason
	}
	job.CompletedAt = time.Now()
	if err := d.store.UpdateJob(job); err != nil {
		return err
	}

	metrics.JobsTotal.WithLabelValues(job.PluginName, string(types.JobStatusCancelled)).Inc()
	payload := map[string]any{
		"job_id": job.ID,
		"plugin": job.PluginName,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	d.bus.Emit(ctx, types.EventJobCancelled, "core:scheduler", payload)
	return nil
}

// Handler returns a document.created handler that submits work for one
// plugin, pulling per-step settings from the document's resolved
// workflow. This is what plugins return from EventHandlers; the routing
// filter wraps it before subscription.
func (d *Dispatcher) Handler(pluginName string) events.Handler {
	return func(ctx context.Context, event *types.Event) error {
		docID, _ := event.Payload["document_id"].(string)
		if docID == "" {
			return nil
		}
		doc, err := d.store.GetDocument(docID)
		if err != nil {
			return err
		}

		var settings map[string]any
		if d.resolver != nil {
			steps, err := d.resolver.Resolve(doc)
			if err != nil {
				return err
			}
			for _, st := range steps {
				if st.PluginName == pluginName {
					settings = st.Settings
					break
				}
			}
		}

		_, err = d.Submit(ctx, doc, pluginName, settings)
		if errors.Is(err, ErrAlreadyDone) {
			return nil
		}
		return err
	}
}
