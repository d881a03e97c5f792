package storage

import (
	"errors"
	"time"

	"github.com/docpipe/docpipe/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for orchestrator state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)

	// Sources
	CreateSource(source *types.Source) error
	GetSource(id string) (*types.Source, error)
	GetSourceByKeyHash(hash string) (*types.Source, error)
	ListSourcesByOwner(ownerID string) ([]*types.Source, error)
	UpdateSource(source *types.Source) error
	DeleteSource(id string) error

	// Document types
	CreateDocumentType(dt *types.DocumentType) error
	GetDocumentTypeByName(name string) (*types.DocumentType, error)
	ListDocumentTypes() ([]*types.DocumentType, error)

	// Documents
	CreateDocument(doc *types.Document) error
	GetDocument(id string) (*types.Document, error)
	ListDocumentsByOwner(ownerID string) ([]*types.Document, error)
	ListChildren(parentID string) ([]*types.Document, error)
	UpdateDocument(doc *types.Document) error
	// DeleteDocumentTree removes a document and all its descendants in one
	// transaction and returns the removed ids.
	DeleteDocumentTree(id string) ([]string, error)

	// Workflow steps
	CreateWorkflowStep(step *types.WorkflowStep) error
	GetWorkflowStep(id string) (*types.WorkflowStep, error)
	// ListWorkflowSteps returns all steps for a scope and document type
	// ordered by sequence number.
	ListWorkflowSteps(scope types.WorkflowScope, scopeID, docType string) ([]*types.WorkflowStep, error)
	UpdateWorkflowStep(step *types.WorkflowStep) error
	// UpdateWorkflowSteps persists a batch of steps in one transaction.
	UpdateWorkflowSteps(steps []*types.WorkflowStep) error
	DeleteWorkflowStep(id string) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobsByDocument(documentID string) ([]*types.Job, error)
	ListJobsByPlugin(pluginName string) ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	UpdateJob(job *types.Job) error

	// Event log
	AppendEvent(event *types.Event) error
	GetEvent(id string) (*types.Event, error)
	ListEventsSince(since time.Time) ([]*types.Event, error)

	// Plugin configs
	UpsertPluginConfig(cfg *types.PluginConfig) error
	GetPluginConfig(pluginName string) (*types.PluginConfig, error)
	ListPluginConfigs() ([]*types.PluginConfig, error)

	// Utility
	Close() error
}
