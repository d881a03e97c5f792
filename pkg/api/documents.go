package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docpipe/docpipe/pkg/documents"
	"github.com/docpipe/docpipe/pkg/types"
)

type documentResponse struct {
	ID          string         `json:"id"`
	TypeName    string         `json:"document_type"`
	OwnerID     string         `json:"owner_id"`
	SourceID    string         `json:"source_id,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Checksum    string         `json:"checksum"`
	Properties  map[string]any `json:"properties,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func toDocumentResponse(doc *types.Document) documentResponse {
	return documentResponse{
		ID:          doc.ID,
		TypeName:    doc.TypeName,
		OwnerID:     doc.OwnerID,
		SourceID:    doc.SourceID,
		ParentID:    doc.ParentID,
		ContentType: doc.ContentType,
		SizeBytes:   doc.SizeBytes,
		Checksum:    doc.Checksum,
		Properties:  doc.Properties,
		CreatedAt:   doc.CreatedAt,
	}
}

// uploadIdentity resolves who is uploading: a source via X-API-Key, or a
// user via bearer token.
func (s *Server) uploadIdentity(r *http.Request) (ownerID, sourceID string, err error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		src, err := s.sources.Authenticate(key)
		if err != nil {
			return "", "", err
		}
		return src.OwnerID, src.ID, nil
	}
	user, err := s.currentUser(r)
	if err != nil {
		return "", "", err
	}
	return user.ID, "", nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, sourceID, err := s.uploadIdentity(r)
	if err != nil {
		writeErrorStatus(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var (
		content     []byte
		filename    string
		contentType string
		typeName    string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "multipart upload requires a file field")
			return
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			writeErrorStatus(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		filename = header.Filename
		contentType = header.Header.Get("Content-Type")
		typeName = r.FormValue("document_type")
	} else {
		content, err = io.ReadAll(r.Body)
		if err != nil {
			writeErrorStatus(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		contentType = r.Header.Get("Content-Type")
		typeName = r.URL.Query().Get("document_type")
	}

	doc, err := s.docs.CreateUpload(r.Context(), documents.UploadRequest{
		OwnerID:     ownerID,
		SourceID:    sourceID,
		Filename:    filename,
		ContentType: contentType,
		TypeName:    typeName,
		Content:     content,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	docs, err := s.docs.ListByOwner(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadOwnedDocument fetches a document owned by the caller; foreign
// documents read as not found.
func (s *Server) loadOwnedDocument(w http.ResponseWriter, r *http.Request) *types.Document {
	user := s.requireUser(w, r)
	if user == nil {
		return nil
	}
	doc, err := s.docs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	if doc.OwnerID != user.ID {
		writeErrorStatus(w, http.StatusNotFound, "document not found")
		return nil
	}
	return doc
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc := s.loadOwnedDocument(w, r)
	if doc == nil {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc := s.loadOwnedDocument(w, r)
	if doc == nil {
		return
	}
	if err := s.docs.Delete(r.Context(), doc.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sourceResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`

	// Set only in the creation response
	APIKey string `json:"api_key,omitempty"`
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	srcs, err := s.sources.ListByOwner(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sourceResponse, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, sourceResponse{
			ID:           src.ID,
			Name:         src.Name,
			Description:  src.Description,
			APIKeyPrefix: src.APIKeyPrefix,
			IsActive:     src.IsActive,
			CreatedAt:    src.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	var req struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Properties  map[string]any `json:"properties"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeErrorStatus(w, http.StatusBadRequest, "name is required")
		return
	}

	src, key, err := s.sources.Create(r.Context(), user.ID, req.Name, req.Description, req.Properties)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sourceResponse{
		ID:           src.ID,
		Name:         src.Name,
		Description:  src.Description,
		APIKeyPrefix: src.APIKeyPrefix,
		IsActive:     src.IsActive,
		CreatedAt:    src.CreatedAt,
		APIKey:       key,
	})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	src, err := s.sources.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if src.OwnerID != user.ID {
		writeErrorStatus(w, http.StatusNotFound, "source not found")
		return
	}
	if err := s.sources.Delete(r.Context(), src.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	type pluginEntry struct {
		Name        string   `json:"name"`
		DisplayName string   `json:"display_name"`
		Version     string   `json:"version"`
		State       string   `json:"state"`
		InputTypes  []string `json:"input_types"`
		OutputType  string   `json:"output_type,omitempty"`
		Priority    int      `json:"priority"`
		Error       string   `json:"error,omitempty"`
	}
	insts := s.registry.List()
	out := make([]pluginEntry, 0, len(insts))
	for _, inst := range insts {
		entry := pluginEntry{
			Name:        inst.Meta.Name,
			DisplayName: inst.Meta.DisplayName,
			Version:     inst.Meta.Version,
			State:       string(inst.State),
			InputTypes:  inst.Meta.InputTypes,
			OutputType:  inst.Meta.OutputType,
			Priority:    inst.Meta.Priority,
		}
		if inst.Err != nil {
			entry.Error = inst.Err.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, true)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, false)
}

func (s *Server) togglePlugin(w http.ResponseWriter, r *http.Request, enable bool) {
	if s.requireUser(w, r) == nil {
		return
	}
	if s.loader == nil {
		writeErrorStatus(w, http.StatusNotFound, "plugin management unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	var err error
	if enable {
		err = s.loader.Enable(r.Context(), name)
	} else {
		err = s.loader.Disable(r.Context(), name)
	}
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, _ := s.registry.Get(name)
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "state": string(inst.State)})
}
