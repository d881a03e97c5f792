package textstats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/pkg/types"
)

// stubContext is a minimal in-memory ProcessContext.
type stubContext struct {
	doc      *types.Document
	content  []byte
	children []*types.Document
	progress []int
}

func (s *stubContext) JobID() string             { return "job-1" }
func (s *stubContext) Document() *types.Document { return s.doc }
func (s *stubContext) Settings() map[string]any  { return nil }
func (s *stubContext) Content() ([]byte, error)  { return s.content, nil }

func (s *stubContext) UpdateProgress(ctx context.Context, percent int, message string) error {
	s.progress = append(s.progress, percent)
	return nil
}

func (s *stubContext) CheckCancellation(ctx context.Context) error { return nil }

func (s *stubContext) CreateChildDocument(ctx context.Context, typeName, contentType string, content []byte, properties map[string]any) (*types.Document, error) {
	child := &types.Document{
		ID: "child-1", TypeName: typeName, ContentType: contentType,
		ParentID: s.doc.ID, Properties: properties,
	}
	s.children = append(s.children, child)
	return child, nil
}

func TestProcessProducesStats(t *testing.T) {
	p := New()
	require.NoError(t, p.Setup(context.Background(), nil))

	pc := &stubContext{
		doc:     &types.Document{ID: "doc-1", TypeName: "text"},
		content: []byte("one two three\nfour five\n"),
	}
	result, err := p.Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 5, result["words"])
	assert.Equal(t, 2, result["lines"])
	assert.Equal(t, "child-1", result["output_document_id"])
	require.Len(t, pc.children, 1)
	assert.Equal(t, "text-stats", pc.children[0].TypeName)
	assert.NotEmpty(t, pc.progress)
}

func TestSetupMinWordLength(t *testing.T) {
	p := New()
	require.NoError(t, p.Setup(context.Background(), map[string]any{"min_word_length": float64(4)}))

	pc := &stubContext{
		doc:     &types.Document{ID: "doc-1", TypeName: "text"},
		content: []byte("a bb ccc dddd eeeee"),
	}
	result, err := p.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, 2, result["words"])
}

func TestMetadataDeclaresChain(t *testing.T) {
	meta := New().Metadata()
	assert.Contains(t, meta.InputTypes, "text")
	assert.Contains(t, meta.InputTypes, "transcription")
	assert.Equal(t, "text-stats", meta.OutputType)
}
