package workflow

import (
	"context"
	"sync/atomic"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/types"
)

// DocumentGetter loads a document for routing checks.
type DocumentGetter interface {
	GetDocument(id string) (*types.Document, error)
}

// Filter wraps plugin event handlers with workflow routing: on
// document.created the handler only fires when the resolver places the
// plugin in the document's effective workflow. Other event types pass
// through untouched. This keeps plugin code unaware of scope resolution.
type Filter struct {
	svc      *Service
	docs     DocumentGetter
	draining atomic.Bool
}

// NewFilter creates a routing filter
func NewFilter(svc *Service, docs DocumentGetter) *Filter {
	return &Filter{svc: svc, docs: docs}
}

// SetDraining stops routing new document.created events. Called by the
// shutdown coordinator; in-flight jobs continue.
func (f *Filter) SetDraining() {
	f.draining.Store(true)
}

// WrapHandler satisfies plugin.HandlerWrapper.
func (f *Filter) WrapHandler(pluginName, eventType string, h events.Handler) events.Handler {
	if eventType != types.EventDocumentCreated {
		return h
	}

	logger := log.WithPlugin(pluginName)
	return func(ctx context.Context, event *types.Event) error {
		if f.draining.Load() {
			return nil
		}

		docID, _ := event.Payload["document_id"].(string)
		if docID == "" {
			logger.Warn().Msg("document.created without document_id, skipping")
			return nil
		}

		doc, err := f.docs.GetDocument(docID)
		if err != nil {
			logger.Warn().Err(err).Str("document_id", docID).Msg("routing lookup failed")
			return nil
		}

		steps, err := f.svc.Resolve(doc)
		if err != nil {
			logger.Error().Err(err).Str("document_id", docID).Msg("workflow resolution failed")
			return nil
		}
		for _, st := range steps {
			if st.PluginName == pluginName {
				return h(ctx, event)
			}
		}

		logger.Debug().Str("document_id", docID).Msg("document does not route through plugin")
		return nil
	}
}
