package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docpipe/docpipe/pkg/types"
)

type jobResponse struct {
	ID               string         `json:"id"`
	DocumentID       string         `json:"document_id"`
	PluginName       string         `json:"plugin_name"`
	Status           string         `json:"status"`
	Progress         int            `json:"progress"`
	ProgressMessage  string         `json:"progress_message,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	OutputDocumentID string         `json:"output_document_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func toJobResponse(job *types.Job) jobResponse {
	resp := jobResponse{
		ID:               job.ID,
		DocumentID:       job.DocumentID,
		PluginName:       job.PluginName,
		Status:           string(job.Status),
		Progress:         job.Progress,
		ProgressMessage:  job.ProgressMessage,
		Result:           job.Result,
		ErrorMessage:     job.ErrorMessage,
		OutputDocumentID: job.OutputDocumentID,
		CreatedAt:        job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		resp.StartedAt = &t
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// loadOwnedJob fetches the job and checks that its document belongs to
// the caller. Foreign jobs read as not found.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) *types.Job {
	user := s.requireUser(w, r)
	if user == nil {
		return nil
	}
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	doc, err := s.store.GetDocument(job.DocumentID)
	if err == nil && doc.OwnerID != user.ID {
		writeErrorStatus(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadOwnedJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleListDocumentJobs returns the job history for one document.
func (s *Server) handleListDocumentJobs(w http.ResponseWriter, r *http.Request) {
	doc := s.loadOwnedDocument(w, r)
	if doc == nil {
		return
	}
	jobs, err := s.store.ListJobsByDocument(doc.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadOwnedJob(w, r)
	if job == nil {
		return
	}
	if err := s.disp.Cancel(r.Context(), job.ID); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetJob(job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(updated))
}
