package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/docpipe/docpipe/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers         = []byte("users")
	bucketSources       = []byte("sources")
	bucketDocumentTypes = []byte("document_types")
	bucketDocuments     = []byte("documents")
	bucketWorkflowSteps = []byte("workflow_steps")
	bucketJobs          = []byte("processing_jobs")
	bucketEvents        = []byte("system_events")
	bucketPluginConfigs = []byte("plugin_configs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "docpipe.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketSources,
			bucketDocumentTypes,
			bucketDocuments,
			bucketWorkflowSteps,
			bucketJobs,
			bucketEvents,
			bucketPluginConfigs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any, kind string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
		}
		return json.Unmarshal(data, v)
	})
}

// User operations
func (s *BoltStore) CreateUser(user *types.User) error {
	return s.put(bucketUsers, user.ID, user)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.get(bucketUsers, id, &user, "user")
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if user.Email == email {
				found = &user
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, email)
	}
	return found, nil
}

// Source operations
func (s *BoltStore) CreateSource(source *types.Source) error {
	return s.put(bucketSources, source.ID, source)
}

func (s *BoltStore) GetSource(id string) (*types.Source, error) {
	var source types.Source
	if err := s.get(bucketSources, id, &source, "source"); err != nil {
		return nil, err
	}
	return &source, nil
}

func (s *BoltStore) GetSourceByKeyHash(hash string) (*types.Source, error) {
	var found *types.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		return b.ForEach(func(k, v []byte) error {
			var source types.Source
			if err := json.Unmarshal(v, &source); err != nil {
				return err
			}
			if source.APIKeyHash == hash {
				found = &source
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: source key", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListSourcesByOwner(ownerID string) ([]*types.Source, error) {
	var sources []*types.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		return b.ForEach(func(k, v []byte) error {
			var source types.Source
			if err := json.Unmarshal(v, &source); err != nil {
				return err
			}
			if source.OwnerID == ownerID {
				sources = append(sources, &source)
			}
			return nil
		})
	})
	return sources, err
}

func (s *BoltStore) UpdateSource(source *types.Source) error {
	return s.CreateSource(source) // Same as create (upsert)
}

func (s *BoltStore) DeleteSource(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		return b.Delete([]byte(id))
	})
}

// Document type operations
func (s *BoltStore) CreateDocumentType(dt *types.DocumentType) error {
	return s.put(bucketDocumentTypes, dt.Name, dt)
}

func (s *BoltStore) GetDocumentTypeByName(name string) (*types.DocumentType, error) {
	var dt types.DocumentType
	if err := s.get(bucketDocumentTypes, name, &dt, "document type"); err != nil {
		return nil, err
	}
	return &dt, nil
}

func (s *BoltStore) ListDocumentTypes() ([]*types.DocumentType, error) {
	var dts []*types.DocumentType
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocumentTypes)
		return b.ForEach(func(k, v []byte) error {
			var dt types.DocumentType
			if err := json.Unmarshal(v, &dt); err != nil {
				return err
			}
			dts = append(dts, &dt)
			return nil
		})
	})
	return dts, err
}

// Document operations
func (s *BoltStore) CreateDocument(doc *types.Document) error {
	return s.put(bucketDocuments, doc.ID, doc)
}

func (s *BoltStore) GetDocument(id string) (*types.Document, error) {
	var doc types.Document
	if err := s.get(bucketDocuments, id, &doc, "document"); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltStore) ListDocumentsByOwner(ownerID string) ([]*types.Document, error) {
	return s.filterDocuments(func(d *types.Document) bool { return d.OwnerID == ownerID })
}

func (s *BoltStore) ListChildren(parentID string) ([]*types.Document, error) {
	return s.filterDocuments(func(d *types.Document) bool { return d.ParentID == parentID })
}

func (s *BoltStore) filterDocuments(keep func(*types.Document) bool) ([]*types.Document, error) {
	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		return b.ForEach(func(k, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if keep(&doc) {
				docs = append(docs, &doc)
			}
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) UpdateDocument(doc *types.Document) error {
	return s.CreateDocument(doc)
}

// DeleteDocumentTree removes a document and all its descendants in a single
// transaction. Children are found by scanning parent ids level by level.
func (s *BoltStore) DeleteDocumentTree(id string) ([]string, error) {
	var removed []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: document %s", ErrNotFound, id)
		}

		// Build parent -> children index from a full scan
		children := make(map[string][]string)
		err := b.ForEach(func(k, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.ParentID != "" {
				children[doc.ParentID] = append(children[doc.ParentID], doc.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		queue := []string{id}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			removed = append(removed, current)
			queue = append(queue, children[current]...)
		}

		for _, docID := range removed {
			if err := b.Delete([]byte(docID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Workflow step operations
func (s *BoltStore) CreateWorkflowStep(step *types.WorkflowStep) error {
	return s.put(bucketWorkflowSteps, step.ID, step)
}

func (s *BoltStore) GetWorkflowStep(id string) (*types.WorkflowStep, error) {
	var step types.WorkflowStep
	if err := s.get(bucketWorkflowSteps, id, &step, "workflow step"); err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *BoltStore) ListWorkflowSteps(scope types.WorkflowScope, scopeID, docType string) ([]*types.WorkflowStep, error) {
	var steps []*types.WorkflowStep
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowSteps)
		return b.ForEach(func(k, v []byte) error {
			var step types.WorkflowStep
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			if step.Scope == scope && step.ScopeID == scopeID && step.DocumentType == docType {
				steps = append(steps, &step)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceNumber < steps[j].SequenceNumber
	})
	return steps, nil
}

func (s *BoltStore) UpdateWorkflowStep(step *types.WorkflowStep) error {
	return s.CreateWorkflowStep(step)
}

func (s *BoltStore) UpdateWorkflowSteps(steps []*types.WorkflowStep) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowSteps)
		for _, step := range steps {
			data, err := json.Marshal(step)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(step.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteWorkflowStep(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowSteps)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: workflow step %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Job operations
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.put(bucketJobs, job.ID, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.get(bucketJobs, id, &job, "job"); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobsByDocument(documentID string) ([]*types.Job, error) {
	return s.filterJobs(func(j *types.Job) bool { return j.DocumentID == documentID })
}

func (s *BoltStore) ListJobsByPlugin(pluginName string) ([]*types.Job, error) {
	return s.filterJobs(func(j *types.Job) bool { return j.PluginName == pluginName })
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	return s.filterJobs(func(j *types.Job) bool { return j.Status == status })
}

func (s *BoltStore) filterJobs(keep func(*types.Job) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if keep(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

// Event log operations
func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.put(bucketEvents, eventKey(event), event)
}

// eventKeyLayout is fixed-width so keys sort lexicographically in
// chronological order. RFC3339Nano would trim trailing zeros and break
// cursor seeks.
const eventKeyLayout = "2006-01-02T15:04:05.000000000Z"

// eventKey orders the log by time; the id suffix keeps keys unique.
func eventKey(event *types.Event) string {
	return event.Timestamp.UTC().Format(eventKeyLayout) + "/" + event.ID
}

func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var found *types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		return b.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.ID == id {
				found = &event
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return found, nil
}

func (s *BoltStore) ListEventsSince(since time.Time) ([]*types.Event, error) {
	var events []*types.Event
	prefix := []byte(since.UTC().Format(eventKeyLayout))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

// Plugin config operations
func (s *BoltStore) UpsertPluginConfig(cfg *types.PluginConfig) error {
	return s.put(bucketPluginConfigs, cfg.PluginName, cfg)
}

func (s *BoltStore) GetPluginConfig(pluginName string) (*types.PluginConfig, error) {
	var cfg types.PluginConfig
	if err := s.get(bucketPluginConfigs, pluginName, &cfg, "plugin config"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListPluginConfigs() ([]*types.PluginConfig, error) {
	var cfgs []*types.PluginConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPluginConfigs)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.PluginConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			cfgs = append(cfgs, &cfg)
			return nil
		})
	})
	return cfgs, err
}
