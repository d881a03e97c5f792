// Package textstats is a built-in plugin that derives word, line and
// character statistics from textual documents. It doubles as the
// reference implementation for third-party plugins: metadata, setup,
// document type registration, progress reporting and child creation.
package textstats

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/types"
)

func init() {
	plugin.Register(func() plugin.Plugin { return New() })
}

// Plugin computes statistics for text and transcription documents.
type Plugin struct {
	bus *events.Bus

	// Words shorter than this are not counted as significant.
	minWordLen int
}

// New creates the plugin with defaults.
func New() *Plugin {
	return &Plugin{minWordLen: 1}
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:              "text-stats",
		Version:           "1.0.0",
		DisplayName:       "Text Statistics",
		Description:       "Counts words, lines and characters in textual documents",
		Author:            "docpipe",
		InputTypes:        []string{"text", "transcription"},
		OutputType:        "text-stats",
		Priority:          100,
		MaxConcurrentJobs: 4,
		Color:             "#4C8BF5",
		SettingsSchema: map[string]any{
			"min_word_length": "integer, words shorter than this are ignored",
		},
	}
}

func (p *Plugin) SetBus(bus *events.Bus) { p.bus = bus }

func (p *Plugin) Setup(ctx context.Context, settings map[string]any) error {
	if v, ok := settings["min_word_length"].(float64); ok && v >= 1 {
		p.minWordLen = int(v)
	}
	return nil
}

// DocumentTypes registers the textual input type and the output type.
func (p *Plugin) DocumentTypes() []types.DocumentType {
	return []types.DocumentType{
		{
			Name:        "text",
			DisplayName: "Text",
			Description: "Plain textual content",
			MIMETypes:   []string{"text/plain", "text/markdown"},
		},
		{
			Name:        "text-stats",
			DisplayName: "Text Statistics",
			Description: "Derived statistics for a textual document",
			MIMETypes:   []string{"application/json"},
		},
	}
}

func (p *Plugin) Process(ctx context.Context, pc plugin.ProcessContext) (map[string]any, error) {
	content, err := pc.Content()
	if err != nil {
		return nil, err
	}
	if err := pc.UpdateProgress(ctx, 25, "analyzing"); err != nil {
		return nil, err
	}
	if err := pc.CheckCancellation(ctx); err != nil {
		return nil, err
	}

	text := string(content)
	stats := p.analyze(text)

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if err := pc.UpdateProgress(ctx, 75, "storing result"); err != nil {
		return nil, err
	}
	child, err := pc.CreateChildDocument(ctx, "text-stats", "application/json", data, map[string]any{
		"derived_from": pc.Document().ID,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"output_document_id": child.ID,
		"words":              stats["words"],
		"lines":              stats["lines"],
	}, nil
}

func (p *Plugin) analyze(text string) map[string]any {
	words := 0
	for _, w := range strings.Fields(text) {
		if len([]rune(w)) >= p.minWordLen {
			words++
		}
	}
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n")
		if !strings.HasSuffix(text, "\n") {
			lines++
		}
	}
	return map[string]any{
		"words":      words,
		"lines":      lines,
		"characters": len([]rune(text)),
	}
}
