package workflow

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/types"
)

// memStepStore is an in-memory StepStore for tests.
type memStepStore struct {
	steps map[string]*types.WorkflowStep
}

func newMemStepStore() *memStepStore {
	return &memStepStore{steps: make(map[string]*types.WorkflowStep)}
}

func (m *memStepStore) CreateWorkflowStep(step *types.WorkflowStep) error {
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *memStepStore) GetWorkflowStep(id string) (*types.WorkflowStep, error) {
	st, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("workflow step %s: not found", id)
	}
	cp := *st
	return &cp, nil
}

func (m *memStepStore) ListWorkflowSteps(scope types.WorkflowScope, scopeID, docType string) ([]*types.WorkflowStep, error) {
	var out []*types.WorkflowStep
	for _, st := range m.steps {
		if st.Scope == scope && st.ScopeID == scopeID && st.DocumentType == docType {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (m *memStepStore) UpdateWorkflowSteps(steps []*types.WorkflowStep) error {
	for _, st := range steps {
		if _, ok := m.steps[st.ID]; !ok {
			return fmt.Errorf("workflow step %s: not found", st.ID)
		}
	}
	for _, st := range steps {
		cp := *st
		m.steps[st.ID] = &cp
	}
	return nil
}

func (m *memStepStore) DeleteWorkflowStep(id string) error {
	delete(m.steps, id)
	return nil
}

func activeInstance(name string, inputs []string, output string) *plugin.Instance {
	return &plugin.Instance{
		Meta:  plugin.Metadata{Name: name, InputTypes: inputs, OutputType: output},
		State: types.PluginStateActive,
	}
}

// testRegistry holds a transcription pipeline: transcribe turns audio
// into transcription, summarize and sentiment both consume
// transcription, tagger consumes audio without producing anything.
func testRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	r.Add(activeInstance("transcribe", []string{"audio"}, "transcription"))
	r.Add(activeInstance("summarize", []string{"transcription"}, "summary"))
	r.Add(activeInstance("sentiment", []string{"transcription"}, ""))
	r.Add(activeInstance("tagger", []string{"audio"}, ""))
	return r
}

func sourceStep(id, docType, pluginName string, seq int) *types.WorkflowStep {
	return &types.WorkflowStep{
		ID:             id,
		Scope:          types.ScopeSource,
		ScopeID:        "src-1",
		DocumentType:   docType,
		SequenceNumber: seq,
		PluginName:     pluginName,
		IsEnabled:      true,
	}
}

func TestAppendValidChain(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	require.NoError(t, svc.Append(sourceStep("", "audio", "transcribe", 1)))
	require.NoError(t, svc.Append(sourceStep("", "audio", "summarize", 2)))

	steps, err := svc.Steps(types.ScopeSource, "src-1", "audio")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "transcribe", steps[0].PluginName)
	assert.Equal(t, "summarize", steps[1].PluginName)
}

func TestAppendIncompatibleStep(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	// summarize wants transcription but the first step sees audio
	err := svc.Append(sourceStep("", "audio", "summarize", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleStep)
	assert.True(t, IsValidationError(err))

	steps, _ := svc.Steps(types.ScopeSource, "src-1", "audio")
	assert.Empty(t, steps, "rejected step must not be persisted")
}

func TestAppendUnknownPlugin(t *testing.T) {
	svc := NewService(newMemStepStore(), testRegistry())

	err := svc.Append(sourceStep("", "audio", "ghost", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestAppendDuplicatePair(t *testing.T) {
	svc := NewService(newMemStepStore(), testRegistry())

	require.NoError(t, svc.Append(sourceStep("", "audio", "transcribe", 1)))
	err := svc.Append(sourceStep("", "audio", "transcribe", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateStep)
}

func TestAppendDefaultsSequence(t *testing.T) {
	svc := NewService(newMemStepStore(), testRegistry())

	require.NoError(t, svc.Append(sourceStep("", "audio", "transcribe", 0)))
	st := sourceStep("", "audio", "summarize", 0)
	require.NoError(t, svc.Append(st))
	assert.Equal(t, 2, st.SequenceNumber)
}

func TestChainingPastParallelFanOut(t *testing.T) {
	svc := NewService(newMemStepStore(), testRegistry())

	require.NoError(t, svc.Append(sourceStep("", "audio", "transcribe", 1)))
	require.NoError(t, svc.Append(sourceStep("", "audio", "summarize", 2)))
	require.NoError(t, svc.Append(sourceStep("", "audio", "sentiment", 2)))

	// Parallel siblings at 2 do not chain: the expected type after the
	// fan-out stays "transcription", so a step wanting "summary" fails
	bad := sourceStep("", "audio", "summarize", 3)
	// summarize takes transcription, which is still the expected type;
	// it would be a duplicate pair only at the same sequence, so it passes
	require.NoError(t, svc.Append(bad))

	// A plugin consuming the fan-out's output type is rejected
	reg := testRegistry()
	reg.Add(activeInstance("condense", []string{"summary"}, ""))
	svc2 := NewService(newMemStepStore(), reg)
	require.NoError(t, svc2.Append(sourceStep("", "audio", "transcribe", 1)))
	require.NoError(t, svc2.Append(sourceStep("", "audio", "summarize", 2)))
	require.NoError(t, svc2.Append(sourceStep("", "audio", "sentiment", 2)))
	err := svc2.Append(sourceStep("", "audio", "condense", 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleStep)
}

func TestReorderValid(t *testing.T) {
	store := newMemStepStore()
	reg := plugin.NewRegistry()
	reg.Add(activeInstance("a", []string{"audio"}, ""))
	reg.Add(activeInstance("b", []string{"audio"}, ""))
	svc := NewService(store, reg)

	s1 := sourceStep("s1", "audio", "a", 1)
	s2 := sourceStep("s2", "audio", "b", 2)
	require.NoError(t, store.CreateWorkflowStep(s1))
	require.NoError(t, store.CreateWorkflowStep(s2))

	err := svc.Reorder(types.ScopeSource, "src-1", "audio", []ReorderEntry{
		{ID: "s1", SequenceNumber: 2},
		{ID: "s2", SequenceNumber: 1},
	})
	require.NoError(t, err)

	steps, _ := svc.Steps(types.ScopeSource, "src-1", "audio")
	assert.Equal(t, "b", steps[0].PluginName)
	assert.Equal(t, "a", steps[1].PluginName)
}

func TestReorderInvalidIsRolledBack(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	s1 := sourceStep("s1", "audio", "transcribe", 1)
	s2 := sourceStep("s2", "audio", "summarize", 2)
	require.NoError(t, store.CreateWorkflowStep(s1))
	require.NoError(t, store.CreateWorkflowStep(s2))

	// Putting summarize first breaks the chain: it would see "audio"
	err := svc.Reorder(types.ScopeSource, "src-1", "audio", []ReorderEntry{
		{ID: "s1", SequenceNumber: 2},
		{ID: "s2", SequenceNumber: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleStep)

	steps, _ := svc.Steps(types.ScopeSource, "src-1", "audio")
	require.Len(t, steps, 2)
	assert.Equal(t, "transcribe", steps[0].PluginName, "failed reorder must leave stored order untouched")
	assert.Equal(t, 1, steps[0].SequenceNumber)
}

func TestCompatiblePlugins(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "transcribe", 1)))

	// At insertion point 1 the expected type is audio
	metas, err := svc.CompatiblePlugins(types.ScopeSource, "src-1", "audio", 1)
	require.NoError(t, err)
	names := pluginNames(metas)
	assert.ElementsMatch(t, []string{"transcribe", "tagger"}, names)

	// After transcribe the expected type is transcription
	metas, err = svc.CompatiblePlugins(types.ScopeSource, "src-1", "audio", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"summarize", "sentiment"}, pluginNames(metas))
}

func pluginNames(metas []plugin.Metadata) []string {
	var out []string
	for _, m := range metas {
		out = append(out, m.Name)
	}
	return out
}

func audioDocument(sourceID string) *types.Document {
	return &types.Document{
		ID:       "doc-1",
		TypeName: "audio",
		OwnerID:  "user-1",
		SourceID: sourceID,
	}
}

func TestResolveSourceWinsOverUser(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "transcribe", 1)))
	require.NoError(t, store.CreateWorkflowStep(&types.WorkflowStep{
		ID: "u1", Scope: types.ScopeUser, ScopeID: "user-1", DocumentType: "audio",
		SequenceNumber: 1, PluginName: "tagger", IsEnabled: true,
	}))

	steps, err := svc.Resolve(audioDocument("src-1"))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "transcribe", steps[0].PluginName)
}

func TestResolveFallsBackToUserWorkflow(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	require.NoError(t, store.CreateWorkflowStep(&types.WorkflowStep{
		ID: "u1", Scope: types.ScopeUser, ScopeID: "user-1", DocumentType: "audio",
		SequenceNumber: 1, PluginName: "tagger", IsEnabled: true,
	}))

	// Document through a source with no source workflow
	steps, err := svc.Resolve(audioDocument("src-1"))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "tagger", steps[0].PluginName)

	// Manual upload, no source at all
	steps, err = svc.Resolve(audioDocument(""))
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func TestResolveEmptyWhenNothingConfigured(t *testing.T) {
	svc := NewService(newMemStepStore(), testRegistry())

	steps, err := svc.Resolve(audioDocument("src-1"))
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestResolveSkipsBrokenSteps(t *testing.T) {
	store := newMemStepStore()
	reg := testRegistry()
	reg.Add(&plugin.Instance{
		Meta:  plugin.Metadata{Name: "offline", InputTypes: []string{"audio"}},
		State: types.PluginStateDisabled,
	})
	svc := NewService(store, reg)

	disabled := sourceStep("s0", "audio", "tagger", 1)
	disabled.IsEnabled = false
	require.NoError(t, store.CreateWorkflowStep(disabled))
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "offline", 1)))
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s2", "audio", "ghost", 1)))
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s3", "audio", "transcribe", 2)))
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s4", "audio", "summarize", 3)))

	steps, err := svc.Resolve(audioDocument("src-1"))
	require.NoError(t, err)
	require.Len(t, steps, 2, "disabled step, inactive plugin and unknown plugin are skipped")
	assert.Equal(t, "transcribe", steps[0].PluginName)
	assert.Equal(t, "summarize", steps[1].PluginName)
}

func TestResolveDropsTypeMismatchButContinues(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())

	// summarize at 1 is a mismatch for an audio document; transcribe at
	// 2 still applies because the expected type never advanced
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "summarize", 1)))
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s2", "audio", "transcribe", 2)))

	steps, err := svc.Resolve(audioDocument("src-1"))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "transcribe", steps[0].PluginName)
}

// docGetter serves a fixed set of documents.
type docGetter map[string]*types.Document

func (g docGetter) GetDocument(id string) (*types.Document, error) {
	doc, ok := g[id]
	if !ok {
		return nil, fmt.Errorf("document %s: not found", id)
	}
	return doc, nil
}

func TestFilterRoutesMemberPlugin(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "transcribe", 1)))

	doc := audioDocument("src-1")
	filter := NewFilter(svc, docGetter{"doc-1": doc})

	calls := 0
	handler := func(ctx context.Context, event *types.Event) error {
		calls++
		return nil
	}

	wrapped := filter.WrapHandler("transcribe", types.EventDocumentCreated, handler)
	event := &types.Event{Type: types.EventDocumentCreated, Payload: map[string]any{"document_id": "doc-1"}}
	require.NoError(t, wrapped(context.Background(), event))
	assert.Equal(t, 1, calls)

	// A plugin outside the workflow never sees the event
	wrapped = filter.WrapHandler("summarize", types.EventDocumentCreated, handler)
	require.NoError(t, wrapped(context.Background(), event))
	assert.Equal(t, 1, calls)
}

func TestFilterIgnoresOtherEventTypes(t *testing.T) {
	filter := NewFilter(NewService(newMemStepStore(), testRegistry()), docGetter{})

	calls := 0
	wrapped := filter.WrapHandler("transcribe", "job.completed", func(ctx context.Context, event *types.Event) error {
		calls++
		return nil
	})
	require.NoError(t, wrapped(context.Background(), &types.Event{Type: "job.completed"}))
	assert.Equal(t, 1, calls)
}

func TestFilterDropsWhileDraining(t *testing.T) {
	store := newMemStepStore()
	svc := NewService(store, testRegistry())
	require.NoError(t, store.CreateWorkflowStep(sourceStep("s1", "audio", "transcribe", 1)))

	doc := audioDocument("src-1")
	filter := NewFilter(svc, docGetter{"doc-1": doc})
	filter.SetDraining()

	calls := 0
	wrapped := filter.WrapHandler("transcribe", types.EventDocumentCreated, func(ctx context.Context, event *types.Event) error {
		calls++
		return nil
	})
	event := &types.Event{Type: types.EventDocumentCreated, Payload: map[string]any{"document_id": "doc-1"}}
	require.NoError(t, wrapped(context.Background(), event))
	assert.Zero(t, calls)
}

func TestFilterMissingDocument(t *testing.T) {
	filter := NewFilter(NewService(newMemStepStore(), testRegistry()), docGetter{})

	calls := 0
	wrapped := filter.WrapHandler("transcribe", types.EventDocumentCreated, func(ctx context.Context, event *types.Event) error {
		calls++
		return nil
	})
	event := &types.Event{Type: types.EventDocumentCreated, Payload: map[string]any{"document_id": "nope"}}
	require.NoError(t, wrapped(context.Background(), event))
	assert.Zero(t, calls)
}
