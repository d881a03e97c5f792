package plugin

import (
	"context"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/types"
)

// Metadata describes a plugin to the loader, the workflow validator and
// the dispatcher.
type Metadata struct {
	Name        string // unique slug, e.g. "audio-transcription"
	Version     string // semver
	DisplayName string
	Description string
	Author      string

	// Processing config
	InputTypes []string // document types this plugin accepts
	OutputType string   // document type this plugin produces, if any
	Priority   int      // lower = earlier (deterministic ordering tie-break)

	// Other plugins that must be loaded first
	Dependencies []string

	// Concurrency
	MaxConcurrentJobs int // 0 means the default of 5

	// When false, a document that already has a child of OutputType is
	// not re-processed.
	Regenerate bool

	// UI
	Color string // hex color for timeline rendering

	// Configuration
	SettingsSchema  map[string]any
	RequiredEnvVars []string
}

// ConcurrencyLimit returns MaxConcurrentJobs with the default applied.
func (m Metadata) ConcurrencyLimit() int {
	if m.MaxConcurrentJobs <= 0 {
		return 5
	}
	return m.MaxConcurrentJobs
}

// ProcessContext is handed to a plugin's Process call. It carries the
// document under processing, the per-step settings, and the job helpers
// for progress reporting and cooperative cancellation.
type ProcessContext interface {
	JobID() string
	Document() *types.Document
	Settings() map[string]any

	// Content reads the stored bytes of the document under processing.
	Content() ([]byte, error)

	// UpdateProgress reports percent (0-100) and a short message.
	// Progress is monotonic; lower values are ignored.
	UpdateProgress(ctx context.Context, percent int, message string) error

	// CheckCancellation returns ErrCancelled when the job has been
	// cancelled. Long-running plugins poll this between steps.
	CheckCancellation(ctx context.Context) error

	// CreateChildDocument stores bytes as a new document parented to the
	// one under processing. The child re-enters the pipeline.
	CreateChildDocument(ctx context.Context, typeName, contentType string, content []byte, properties map[string]any) (*types.Document, error)
}

// Plugin is the processing contract. Every plugin implements this; the
// optional capability interfaces below are discovered by type assertion.
type Plugin interface {
	Metadata() Metadata

	// Setup initializes the plugin with its persisted settings.
	// Called once at startup, in dependency order.
	Setup(ctx context.Context, settings map[string]any) error

	// Process runs one job. The returned map is recorded as the job
	// result.
	Process(ctx context.Context, pc ProcessContext) (map[string]any, error)
}

// BusAware plugins receive the event bus before Setup.
type BusAware interface {
	SetBus(bus *events.Bus)
}

// DocumentTypeProvider plugins register document types at load time.
type DocumentTypeProvider interface {
	DocumentTypes() []types.DocumentType
}

// EventHandlerProvider plugins subscribe handlers to bus event types.
// Handlers for document.created are wrapped by the routing filter before
// subscription.
type EventHandlerProvider interface {
	EventHandlers() map[string][]events.Handler
}

// StartupHook runs after every plugin has been loaded.
type StartupHook interface {
	OnStartup(ctx context.Context) error
}

// ShutdownHook runs during graceful shutdown, with a bounded budget.
type ShutdownHook interface {
	OnShutdown(ctx context.Context) error
}

// Factory constructs a fresh plugin instance.
type Factory func() Plugin
