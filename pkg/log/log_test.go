package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Level methods chain directly on the helper results.
	WithComponent("scheduler").Info().Msg("queued")
	WithPlugin("transcribe").Debug().Msg("setup")
	WithJobID("job-1").Warn().Msg("slow")
	WithDocumentID("doc-1").Error().Msg("missing blob")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"plugin":"transcribe"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"document_id":"doc-1"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("worker").Debug().Msg("noisy detail")
	WithComponent("worker").Warn().Msg("drain overdue")

	out := buf.String()
	assert.NotContains(t, out, "noisy detail")
	assert.Contains(t, out, "drain overdue")
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("shouting"), JSONOutput: true, Output: &buf})

	WithComponent("main").Debug().Msg("hidden")
	WithComponent("main").Info().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}
