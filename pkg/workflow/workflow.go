// Package workflow manages ordered processing step lists and decides
// which plugins a document routes through.
//
// A workflow is keyed by (scope, scope id, document type). Steps sharing
// a sequence number are parallel siblings. The type-flow rule: the
// expected input type starts at the workflow's document type and
// advances to a step's output type only when the step is alone at its
// sequence; after a parallel fan-out the expected type stays put, so a
// step demanding a fan-out output is rejected.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/types"
)

var (
	// ErrIncompatibleStep marks a step whose plugin does not accept the
	// expected input type at its position.
	ErrIncompatibleStep = errors.New("incompatible workflow step")

	// ErrUnknownPlugin marks a step referencing a plugin that is not
	// registered.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrDuplicateStep marks a (sequence, plugin) pair that already
	// exists in the workflow.
	ErrDuplicateStep = errors.New("duplicate workflow step")
)

// IsValidationError reports whether err is a workflow validation
// failure, as opposed to a storage fault.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrIncompatibleStep) ||
		errors.Is(err, ErrUnknownPlugin) ||
		errors.Is(err, ErrDuplicateStep)
}

// StepStore is the slice of persistence the workflow service needs.
type StepStore interface {
	CreateWorkflowStep(step *types.WorkflowStep) error
	GetWorkflowStep(id string) (*types.WorkflowStep, error)
	ListWorkflowSteps(scope types.WorkflowScope, scopeID, docType string) ([]*types.WorkflowStep, error)
	UpdateWorkflowSteps(steps []*types.WorkflowStep) error
	DeleteWorkflowStep(id string) error
}

// Service validates and persists workflow steps and resolves the
// effective step list for a document.
type Service struct {
	store    StepStore
	registry *plugin.Registry
}

// NewService creates a workflow service
func NewService(store StepStore, registry *plugin.Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Steps returns the stored steps for a workflow, ordered by sequence.
func (s *Service) Steps(scope types.WorkflowScope, scopeID, docType string) ([]*types.WorkflowStep, error) {
	return s.store.ListWorkflowSteps(scope, scopeID, docType)
}

// Append validates the step against the existing workflow and persists
// it. A non-positive sequence number places the step after the last
// existing one.
func (s *Service) Append(step *types.WorkflowStep) error {
	existing, err := s.store.ListWorkflowSteps(step.Scope, step.ScopeID, step.DocumentType)
	if err != nil {
		return err
	}

	if step.SequenceNumber <= 0 {
		max := 0
		for _, st := range existing {
			if st.SequenceNumber > max {
				max = st.SequenceNumber
			}
		}
		step.SequenceNumber = max + 1
	}

	combined := make([]*types.WorkflowStep, 0, len(existing)+1)
	combined = append(combined, existing...)
	combined = append(combined, step)
	if err := s.validateChain(combined, step.DocumentType); err != nil {
		return err
	}

	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	now := time.Now()
	step.CreatedAt = now
	step.UpdatedAt = now
	return s.store.CreateWorkflowStep(step)
}

// Delete removes a step.
func (s *Service) Delete(id string) error {
	if _, err := s.store.GetWorkflowStep(id); err != nil {
		return err
	}
	return s.store.DeleteWorkflowStep(id)
}

// ReorderEntry assigns a new sequence number to a step.
type ReorderEntry struct {
	ID             string
	SequenceNumber int
}

// Reorder applies new sequence numbers, revalidates the chain in memory
// and persists the whole batch in one transaction. Nothing is written
// when the new order is invalid.
func (s *Service) Reorder(scope types.WorkflowScope, scopeID, docType string, entries []ReorderEntry) error {
	steps, err := s.store.ListWorkflowSteps(scope, scopeID, docType)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.WorkflowStep, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
	}

	now := time.Now()
	for _, e := range entries {
		st, ok := byID[e.ID]
		if !ok {
			return fmt.Errorf("workflow step %q not in workflow (%s, %s, %s)", e.ID, scope, scopeID, docType)
		}
		if e.SequenceNumber <= 0 {
			return fmt.Errorf("%w: sequence number must be positive", ErrIncompatibleStep)
		}
		st.SequenceNumber = e.SequenceNumber
		st.UpdatedAt = now
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceNumber < steps[j].SequenceNumber
	})
	if err := s.validateChain(steps, docType); err != nil {
		return err
	}
	return s.store.UpdateWorkflowSteps(steps)
}

// CompatiblePlugins returns the active plugins that accept the expected
// input type at the given insertion sequence.
func (s *Service) CompatiblePlugins(scope types.WorkflowScope, scopeID, docType string, insertionSeq int) ([]plugin.Metadata, error) {
	steps, err := s.store.ListWorkflowSteps(scope, scopeID, docType)
	if err != nil {
		return nil, err
	}

	var prior []*types.WorkflowStep
	for _, st := range steps {
		if st.SequenceNumber < insertionSeq {
			prior = append(prior, st)
		}
	}
	expected := s.expectedTypeAfter(prior, docType)

	var out []plugin.Metadata
	for _, inst := range s.registry.ForInputType(expected) {
		out = append(out, inst.Meta)
	}
	return out, nil
}

// validateChain walks the steps grouped by sequence and enforces the
// type-flow rule. Write-time validation is strict: unknown plugins are
// errors here, unlike the read-time resolver which skips them.
func (s *Service) validateChain(steps []*types.WorkflowStep, docType string) error {
	groups, order := groupBySequence(steps)

	expected := docType
	for _, seq := range order {
		group := groups[seq]

		seen := make(map[string]bool, len(group))
		var outputs []string
		for _, st := range group {
			if seen[st.PluginName] {
				return fmt.Errorf("%w: plugin %q twice at sequence %d", ErrDuplicateStep, st.PluginName, seq)
			}
			seen[st.PluginName] = true

			inst, ok := s.registry.Get(st.PluginName)
			if !ok {
				return fmt.Errorf("%w: %q at sequence %d", ErrUnknownPlugin, st.PluginName, seq)
			}
			if !acceptsInput(inst.Meta, expected) {
				return fmt.Errorf("%w: plugin %q at sequence %d accepts %v, expected input is %q",
					ErrIncompatibleStep, st.PluginName, seq, inst.Meta.InputTypes, expected)
			}
			outputs = append(outputs, outputOrKeep(inst.Meta, expected))
		}

		// Only a lone step advances the expected type; parallel
		// siblings do not chain.
		if len(outputs) == 1 {
			expected = outputs[0]
		}
	}
	return nil
}

// expectedTypeAfter computes the expected input type after the given
// steps, skipping unknown plugins the way the resolver does.
func (s *Service) expectedTypeAfter(steps []*types.WorkflowStep, docType string) string {
	groups, order := groupBySequence(steps)

	expected := docType
	for _, seq := range order {
		var outputs []string
		for _, st := range groups[seq] {
			inst, ok := s.registry.Get(st.PluginName)
			if !ok || !acceptsInput(inst.Meta, expected) {
				continue
			}
			outputs = append(outputs, outputOrKeep(inst.Meta, expected))
		}
		if len(outputs) == 1 {
			expected = outputs[0]
		}
	}
	return expected
}

func groupBySequence(steps []*types.WorkflowStep) (map[int][]*types.WorkflowStep, []int) {
	groups := make(map[int][]*types.WorkflowStep)
	for _, st := range steps {
		groups[st.SequenceNumber] = append(groups[st.SequenceNumber], st)
	}
	order := make([]int, 0, len(groups))
	for seq := range groups {
		order = append(order, seq)
	}
	sort.Ints(order)
	return groups, order
}

func acceptsInput(meta plugin.Metadata, docType string) bool {
	for _, t := range meta.InputTypes {
		if t == docType {
			return true
		}
	}
	return false
}

func outputOrKeep(meta plugin.Metadata, expected string) string {
	if meta.OutputType != "" {
		return meta.OutputType
	}
	return expected
}
