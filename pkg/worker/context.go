package worker

import (
	"context"
	"sync"

	"github.com/docpipe/docpipe/pkg/broker"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/types"
)

// jobContext implements plugin.ProcessContext for one running job.
type jobContext struct {
	rt       *Runtime
	job      *types.Job
	doc      *types.Document
	task     *broker.Task
	settings map[string]any

	mu          sync.Mutex
	lastChildID string
}

func (jc *jobContext) JobID() string { return jc.job.ID }

func (jc *jobContext) Document() *types.Document { return jc.doc }

func (jc *jobContext) Settings() map[string]any { return jc.settings }

func (jc *jobContext) Content() ([]byte, error) {
	return jc.rt.docs.Content(jc.doc)
}

// UpdateProgress records progress and announces it. Progress is
// monotonic: a report lower than the current value is ignored.
func (jc *jobContext) UpdateProgress(ctx context.Context, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	jc.mu.Lock()
	if percent < jc.job.Progress {
		jc.mu.Unlock()
		log.WithJobID(jc.job.ID).Debug().
			Int("reported", percent).
			Int("current", jc.job.Progress).
			Msg("non-monotonic progress report ignored")
		return nil
	}
	jc.job.Progress = percent
	jc.job.ProgressMessage = message
	jc.mu.Unlock()

	if err := jc.rt.store.UpdateJob(jc.job); err != nil {
		return err
	}
	jc.rt.emit(ctx, types.EventJobProgress, jc.job.PluginName, types.SeverityInfo, jc.doc.OwnerID, map[string]any{
		"job_id":   jc.job.ID,
		"plugin":   jc.job.PluginName,
		"progress": percent,
		"message":  message,
	})
	return nil
}

// CheckCancellation returns ErrCancelled once the task has been revoked
// or the job record moved to cancelled.
func (jc *jobContext) CheckCancellation(ctx context.Context) error {
	if revoked, err := jc.rt.broker.IsRevoked(ctx, jc.task.ID); err == nil && revoked {
		return ErrCancelled
	}
	job, err := jc.rt.store.GetJob(jc.job.ID)
	if err == nil && job.Status == types.JobStatusCancelled {
		return ErrCancelled
	}
	return nil
}

// CreateChildDocument stores plugin output as a child of the document
// under processing. The most recently created child becomes the job's
// output document.
func (jc *jobContext) CreateChildDocument(ctx context.Context, typeName, contentType string, content []byte, properties map[string]any) (*types.Document, error) {
	child, err := jc.rt.docs.CreateChild(ctx, jc.doc, typeName, contentType, content, properties)
	if err != nil {
		return nil, err
	}
	jc.mu.Lock()
	jc.lastChildID = child.ID
	jc.mu.Unlock()
	return child, nil
}

func (jc *jobContext) outputDocumentID() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.lastChildID
}
