package workflow

import (
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/types"
)

// ResolvedStep is one executable entry in a document's effective
// workflow: the persisted step plus the live plugin metadata.
type ResolvedStep struct {
	StepID     string
	Sequence   int
	PluginName string
	Settings   map[string]any
}

// Resolve returns the effective step list for a document. The
// source-scoped workflow wins when the document came through a source
// and that workflow is non-empty; otherwise the owner's user-scoped
// workflow applies; otherwise the list is empty and nothing runs.
//
// Resolution validates at read time with skip-not-fail semantics:
// disabled steps, steps naming unknown or inactive plugins, and steps
// whose input type no longer matches the running expected type are
// dropped with a log line, so a partially broken workflow still
// progresses as far as it can.
func (s *Service) Resolve(doc *types.Document) ([]ResolvedStep, error) {
	if doc.TypeName == "" {
		return nil, nil
	}

	if doc.SourceID != "" {
		steps, err := s.resolveScope(types.ScopeSource, doc.SourceID, doc.TypeName)
		if err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			return steps, nil
		}
	}

	return s.resolveScope(types.ScopeUser, doc.OwnerID, doc.TypeName)
}

func (s *Service) resolveScope(scope types.WorkflowScope, scopeID, docType string) ([]ResolvedStep, error) {
	logger := log.WithComponent("resolver")

	stored, err := s.store.ListWorkflowSteps(scope, scopeID, docType)
	if err != nil {
		return nil, err
	}

	var enabled []*types.WorkflowStep
	for _, st := range stored {
		if st.IsEnabled {
			enabled = append(enabled, st)
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	groups, order := groupBySequence(enabled)

	var resolved []ResolvedStep
	expected := docType
	for _, seq := range order {
		var outputs []string
		for _, st := range groups[seq] {
			inst, ok := s.registry.Get(st.PluginName)
			if !ok || !inst.Active() {
				logger.Warn().
					Str("plugin", st.PluginName).
					Int("sequence", seq).
					Msg("step skipped: plugin unavailable")
				continue
			}
			if !acceptsInput(inst.Meta, expected) {
				logger.Warn().
					Str("plugin", st.PluginName).
					Int("sequence", seq).
					Str("expected_type", expected).
					Strs("input_types", inst.Meta.InputTypes).
					Msg("step skipped: input type mismatch")
				continue
			}
			resolved = append(resolved, ResolvedStep{
				StepID:     st.ID,
				Sequence:   seq,
				PluginName: st.PluginName,
				Settings:   st.Settings,
			})
			outputs = append(outputs, outputOrKeep(inst.Meta, expected))
		}
		if len(outputs) == 1 {
			expected = outputs[0]
		}
	}
	return resolved, nil
}
