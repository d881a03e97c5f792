package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docpipe/docpipe/pkg/types"
	"github.com/docpipe/docpipe/pkg/workflow"
)

type pluginSnapshot struct {
	DisplayName string   `json:"display_name"`
	Version     string   `json:"version"`
	InputTypes  []string `json:"input_types"`
	OutputType  string   `json:"output_type,omitempty"`
	Color       string   `json:"color,omitempty"`
}

type stepResponse struct {
	ID             string          `json:"id"`
	DocumentType   string          `json:"document_type"`
	SequenceNumber int             `json:"sequence_number"`
	PluginName     string          `json:"plugin_name"`
	IsEnabled      bool            `json:"is_enabled"`
	Settings       map[string]any  `json:"settings,omitempty"`
	Plugin         *pluginSnapshot `json:"plugin,omitempty"`
	PluginMissing  bool            `json:"plugin_missing,omitempty"`
}

func (s *Server) stepResponse(step *types.WorkflowStep) stepResponse {
	resp := stepResponse{
		ID:             step.ID,
		DocumentType:   step.DocumentType,
		SequenceNumber: step.SequenceNumber,
		PluginName:     step.PluginName,
		IsEnabled:      step.IsEnabled,
		Settings:       step.Settings,
	}
	if inst, ok := s.registry.Get(step.PluginName); ok {
		resp.Plugin = &pluginSnapshot{
			DisplayName: inst.Meta.DisplayName,
			Version:     inst.Meta.Version,
			InputTypes:  inst.Meta.InputTypes,
			OutputType:  inst.Meta.OutputType,
			Color:       inst.Meta.Color,
		}
	} else {
		resp.PluginMissing = true
	}
	return resp
}

// workflowScopeID authorizes the request and returns the scope key: the
// source id for source workflows (owned by the caller), the caller's id
// for user workflows. A false return means the response is written.
func (s *Server) workflowScopeID(w http.ResponseWriter, r *http.Request, scope types.WorkflowScope) (string, bool) {
	user := s.requireUser(w, r)
	if user == nil {
		return "", false
	}
	if scope == types.ScopeUser {
		return user.ID, true
	}

	sourceID := chi.URLParam(r, "id")
	src, err := s.sources.Get(sourceID)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if src.OwnerID != user.ID {
		writeErrorStatus(w, http.StatusNotFound, "source not found")
		return "", false
	}
	return sourceID, true
}

func (s *Server) handleGetWorkflow(scope types.WorkflowScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scopeID, ok := s.workflowScopeID(w, r, scope)
		if !ok {
			return
		}
		steps, err := s.wf.Steps(scope, scopeID, chi.URLParam(r, "type"))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]stepResponse, 0, len(steps))
		for _, st := range steps {
			out = append(out, s.stepResponse(st))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type appendStepRequest struct {
	PluginName     string         `json:"plugin_name"`
	SequenceNumber int            `json:"sequence_number"`
	Settings       map[string]any `json:"settings"`
}

func (s *Server) handleAppendStep(scope types.WorkflowScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scopeID, ok := s.workflowScopeID(w, r, scope)
		if !ok {
			return
		}
		var req appendStepRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.PluginName == "" {
			writeErrorStatus(w, http.StatusBadRequest, "plugin_name is required")
			return
		}

		step := &types.WorkflowStep{
			Scope:          scope,
			ScopeID:        scopeID,
			DocumentType:   chi.URLParam(r, "type"),
			SequenceNumber: req.SequenceNumber,
			PluginName:     req.PluginName,
			IsEnabled:      true,
			Settings:       req.Settings,
		}
		if err := s.wf.Append(step); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.stepResponse(step))
	}
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	if err := s.wf.Delete(chi.URLParam(r, "step_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest []struct {
	ID             string `json:"id"`
	SequenceNumber int    `json:"sequence_number"`
}

func (s *Server) handleReorder(scope types.WorkflowScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scopeID, ok := s.workflowScopeID(w, r, scope)
		if !ok {
			return
		}
		var req reorderRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "malformed request body")
			return
		}
		entries := make([]workflow.ReorderEntry, 0, len(req))
		for _, e := range req {
			entries = append(entries, workflow.ReorderEntry{ID: e.ID, SequenceNumber: e.SequenceNumber})
		}

		docType := chi.URLParam(r, "type")
		if err := s.wf.Reorder(scope, scopeID, docType, entries); err != nil {
			writeError(w, err)
			return
		}
		steps, err := s.wf.Steps(scope, scopeID, docType)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]stepResponse, 0, len(steps))
		for _, st := range steps {
			out = append(out, s.stepResponse(st))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAvailablePlugins(scope types.WorkflowScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scopeID, ok := s.workflowScopeID(w, r, scope)
		if !ok {
			return
		}
		docType := chi.URLParam(r, "type")

		seq := 0
		if raw := r.URL.Query().Get("current_step"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeErrorStatus(w, http.StatusBadRequest, "current_step must be a positive integer")
				return
			}
			seq = n
		}
		if seq == 0 {
			// Default to insertion after the last step
			steps, err := s.wf.Steps(scope, scopeID, docType)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, st := range steps {
				if st.SequenceNumber >= seq {
					seq = st.SequenceNumber + 1
				}
			}
			if seq == 0 {
				seq = 1
			}
		}

		metas, err := s.wf.CompatiblePlugins(scope, scopeID, docType, seq)
		if err != nil {
			writeError(w, err)
			return
		}
		type compatible struct {
			Name        string   `json:"name"`
			DisplayName string   `json:"display_name"`
			InputTypes  []string `json:"input_types"`
			OutputType  string   `json:"output_type,omitempty"`
		}
		out := make([]compatible, 0, len(metas))
		for _, m := range metas {
			out = append(out, compatible{
				Name:        m.Name,
				DisplayName: m.DisplayName,
				InputTypes:  m.InputTypes,
				OutputType:  m.OutputType,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
