package types

import (
	"time"
)

// User represents an account that owns sources, documents and workflows
type User struct {
	ID        string
	Email     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source represents an external data source (device, service, etc.)
// authenticated by a hashed API credential. Documents submitted through a
// source reference it.
type Source struct {
	ID          string
	OwnerID     string
	Name        string
	Description string

	// The actual key is only shown once at creation; only the salted
	// hash and a short display prefix are stored.
	APIKeyHash   string
	APIKeyPrefix string

	IsActive   bool
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentType is a named classification registered by a plugin,
// e.g. "audio", "transcription", "summary".
type DocumentType struct {
	ID          string
	Name        string
	DisplayName string
	Description string

	// Which plugin registered this type
	RegisteredBy string

	// Recognized MIME types (e.g. ["audio/mpeg", "audio/wav"])
	MIMETypes []string

	// Optional JSON Schema for document metadata validation
	MetadataSchema map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is a stored artifact. A document is either uploaded through a
// source (SourceID set), produced by a plugin from another document
// (ParentID set), or uploaded manually (neither set).
type Document struct {
	ID       string
	TypeName string
	OwnerID  string
	SourceID string // empty unless submitted through a source
	ParentID string // empty unless generated from another document

	// Storage descriptor
	StoragePlugin string
	Filepath      string
	ContentType   string
	SizeBytes     int64
	Checksum      string // SHA-256, hex

	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsUploaded reports whether the document came in through a source.
func (d *Document) IsUploaded() bool { return d.SourceID != "" }

// IsGenerated reports whether the document was produced from a parent.
func (d *Document) IsGenerated() bool { return d.ParentID != "" }

// WorkflowScope selects which step family a workflow belongs to.
type WorkflowScope string

const (
	ScopeSource WorkflowScope = "source"
	ScopeUser   WorkflowScope = "user"
)

// WorkflowStep is one entry in an ordered processing workflow. The same
// shape serves both source-scoped and user-scoped workflows; ScopeID holds
// the source id or user id depending on Scope.
type WorkflowStep struct {
	ID             string
	Scope          WorkflowScope
	ScopeID        string
	DocumentType   string
	SequenceNumber int
	PluginName     string
	IsEnabled      bool
	Settings       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobStatus represents the state of a processing job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a persisted execution record for one (document, plugin) pairing
type Job struct {
	ID         string
	DocumentID string
	PluginName string
	TaskID     string // broker task identifier, set once scheduled

	Status          JobStatus
	Progress        int // 0-100, monotonic while running
	ProgressMessage string

	Result       map[string]any
	ErrorMessage string

	// Output document, if the plugin produced one
	OutputDocumentID string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// EventSeverity classifies events for timeline rendering
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
	SeveritySuccess EventSeverity = "success"
)

// Core event types. Plugins may emit their own beyond this set.
const (
	EventDocumentCreated = "document.created"
	EventDocumentUpdated = "document.updated"
	EventDocumentDeleted = "document.deleted"

	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"

	EventSourceCreated = "source.created"
	EventSourceDeleted = "source.deleted"

	EventPluginLoaded   = "plugin.loaded"
	EventPluginEnabled  = "plugin.enabled"
	EventPluginDisabled = "plugin.disabled"
	EventPluginError    = "plugin.error"

	EventSystemStartup  = "system.startup"
	EventSystemShutdown = "system.shutdown"
)

// Event is an immutable fact emitted by the system
type Event struct {
	ID        string
	Type      string
	Origin    string // e.g. "core:documents", "plugin:transcribe", "task:sentiment"
	Severity  EventSeverity
	Payload   map[string]any
	UserID    string // empty when not attributable to a user
	Timestamp time.Time
}

// PluginState tracks the plugin lifecycle
type PluginState string

const (
	PluginStateDiscovered PluginState = "discovered"
	PluginStateLoading    PluginState = "loading"
	PluginStateInstalled  PluginState = "installed"
	PluginStateActive     PluginState = "active"
	PluginStateDisabled   PluginState = "disabled"
	PluginStateError      PluginState = "error"
)

// PluginConfig is the persisted per-plugin configuration
type PluginConfig struct {
	ID         string
	PluginName string
	IsEnabled  bool
	Settings   map[string]any

	// Cached metadata snapshot
	DisplayName       string
	Version           string
	Priority          int
	MaxConcurrentJobs int

	CreatedAt time.Time
	UpdatedAt time.Time
}
