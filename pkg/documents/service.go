// Package documents manages the document graph: uploads, plugin-produced
// children, blob storage and cascade deletion. Every created document is
// announced on the bus with document.created, which is what drives the
// processing pipeline.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
)

// ErrUnknownContentType is returned when no registered document type
// recognizes the uploaded MIME type.
var ErrUnknownContentType = errors.New("no document type recognizes content type")

// ErrEmptyContent is returned for zero-byte uploads.
var ErrEmptyContent = errors.New("document content is empty")

const localStoragePlugin = "local"

// Service creates, reads and deletes documents and their blobs.
type Service struct {
	store storage.Store
	bus   *events.Bus
	root  string // blob storage root directory
}

// NewService creates a document service storing blobs under root.
func NewService(store storage.Store, bus *events.Bus, root string) *Service {
	return &Service{store: store, bus: bus, root: root}
}

// UploadRequest describes an incoming document.
type UploadRequest struct {
	OwnerID     string
	SourceID    string // empty for manual uploads
	Filename    string
	ContentType string
	TypeName    string // empty means classify by ContentType
	Content     []byte
	Properties  map[string]any
}

// CreateUpload stores the blob, classifies the document type and
// persists the record. The document.created event it emits is what
// pulls the document into its workflow.
func (s *Service) CreateUpload(ctx context.Context, req UploadRequest) (*types.Document, error) {
	if len(req.Content) == 0 {
		return nil, ErrEmptyContent
	}

	typeName := req.TypeName
	if typeName == "" {
		var err error
		typeName, err = s.classify(req.ContentType)
		if err != nil {
			return nil, err
		}
	} else if _, err := s.store.GetDocumentTypeByName(typeName); err != nil {
		return nil, fmt.Errorf("document type %q: %w", typeName, err)
	}

	doc := &types.Document{
		ID:          uuid.New().String(),
		TypeName:    typeName,
		OwnerID:     req.OwnerID,
		SourceID:    req.SourceID,
		ContentType: req.ContentType,
		Properties:  req.Properties,
	}
	if err := s.writeBlob(doc, req.Filename, req.Content); err != nil {
		return nil, err
	}
	if err := s.persistAndAnnounce(ctx, doc); err != nil {
		s.removeBlob(doc)
		return nil, err
	}
	return doc, nil
}

// CreateChild stores plugin output as a new document parented to an
// existing one. The child inherits owner and source, so it resolves
// against the same workflows as its parent.
func (s *Service) CreateChild(ctx context.Context, parent *types.Document, typeName, contentType string, content []byte, properties map[string]any) (*types.Document, error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}
	if _, err := s.store.GetDocumentTypeByName(typeName); err != nil {
		return nil, fmt.Errorf("document type %q: %w", typeName, err)
	}

	doc := &types.Document{
		ID:          uuid.New().String(),
		TypeName:    typeName,
		OwnerID:     parent.OwnerID,
		SourceID:    parent.SourceID,
		ParentID:    parent.ID,
		ContentType: contentType,
		Properties:  properties,
	}
	if err := s.writeBlob(doc, "", content); err != nil {
		return nil, err
	}
	if err := s.persistAndAnnounce(ctx, doc); err != nil {
		s.removeBlob(doc)
		return nil, err
	}
	return doc, nil
}

func (s *Service) persistAndAnnounce(ctx context.Context, doc *types.Document) error {
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := s.store.CreateDocument(doc); err != nil {
		return err
	}

	metrics.DocumentsCreated.WithLabelValues(doc.TypeName).Inc()
	s.bus.Emit(ctx, types.EventDocumentCreated, "core:documents", map[string]any{
		"document_id":   doc.ID,
		"document_type": doc.TypeName,
		"source_id":     doc.SourceID,
		"parent_id":     doc.ParentID,
		"size_bytes":    doc.SizeBytes,
	}, events.WithUser(doc.OwnerID))
	return nil
}

// classify maps a MIME type to a registered document type name.
func (s *Service) classify(contentType string) (string, error) {
	mime := contentType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	dts, err := s.store.ListDocumentTypes()
	if err != nil {
		return "", err
	}
	for _, dt := range dts {
		for _, m := range dt.MIMETypes {
			if strings.EqualFold(m, mime) {
				return dt.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
}

// writeBlob persists content under the storage root and fills the
// document's storage descriptor, size and checksum.
func (s *Service) writeBlob(doc *types.Document, filename string, content []byte) error {
	sum := sha256.Sum256(content)
	doc.Checksum = hex.EncodeToString(sum[:])
	doc.SizeBytes = int64(len(content))
	doc.StoragePlugin = localStoragePlugin

	name := doc.ID
	if ext := filepath.Ext(filename); ext != "" {
		name += ext
	}
	rel := filepath.Join(doc.OwnerID, name)
	abs := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("failed to write document blob: %w", err)
	}
	doc.Filepath = rel
	return nil
}

func (s *Service) removeBlob(doc *types.Document) {
	if doc.Filepath == "" {
		return
	}
	if err := os.Remove(filepath.Join(s.root, doc.Filepath)); err != nil && !os.IsNotExist(err) {
		log.WithDocumentID(doc.ID).Warn().Err(err).
			Str("path", doc.Filepath).Msg("failed to remove blob")
	}
}

// Get returns a document by id.
func (s *Service) Get(id string) (*types.Document, error) {
	return s.store.GetDocument(id)
}

// GetDocument is an alias satisfying workflow.DocumentGetter.
func (s *Service) GetDocument(id string) (*types.Document, error) {
	return s.store.GetDocument(id)
}

// Content reads a document's stored bytes.
func (s *Service) Content(doc *types.Document) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, doc.Filepath))
}

// ListByOwner returns all documents owned by a user.
func (s *Service) ListByOwner(ownerID string) ([]*types.Document, error) {
	return s.store.ListDocumentsByOwner(ownerID)
}

// ListChildren returns the direct children of a document.
func (s *Service) ListChildren(parentID string) ([]*types.Document, error) {
	return s.store.ListChildren(parentID)
}

// Delete removes a document and every descendant in one transaction,
// then deletes their blobs best-effort.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.store.GetDocument(id)
	if err != nil {
		return err
	}

	// Collect blob paths before the records disappear.
	paths := map[string]string{id: doc.Filepath}
	var walk func(parentID string) error
	walk = func(parentID string) error {
		children, err := s.store.ListChildren(parentID)
		if err != nil {
			return err
		}
		for _, child := range children {
			paths[child.ID] = child.Filepath
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id); err != nil {
		return err
	}

	removed, err := s.store.DeleteDocumentTree(id)
	if err != nil {
		return err
	}

	for _, rid := range removed {
		if p, ok := paths[rid]; ok && p != "" {
			if err := os.Remove(filepath.Join(s.root, p)); err != nil && !os.IsNotExist(err) {
				log.WithDocumentID(rid).Warn().Err(err).
					Str("path", p).Msg("failed to remove blob")
			}
		}
	}

	s.bus.Emit(ctx, types.EventDocumentDeleted, "core:documents", map[string]any{
		"document_id": id,
		"removed":     len(removed),
	}, events.WithUser(doc.OwnerID))
	return nil
}
