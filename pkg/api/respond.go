package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/docpipe/docpipe/pkg/documents"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/scheduler"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
	"github.com/docpipe/docpipe/pkg/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps service errors onto the HTTP taxonomy: validation 400,
// not-found 404, conflict 409, bad credentials 401, the rest 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case workflow.IsValidationError(err),
		errors.Is(err, scheduler.ErrJobTerminal),
		errors.Is(err, documents.ErrUnknownContentType),
		errors.Is(err, documents.ErrEmptyContent):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyDone):
		status = http.StatusConflict
	case errors.Is(err, documents.ErrInvalidAPIKey):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// currentUser resolves the caller from a bearer token or the token
// query parameter (used by the event stream).
func (s *Server) currentUser(r *http.Request) (*types.User, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return s.auth.UserFromToken(token)
}

// requireUser writes a 401 and returns nil when authentication fails.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *types.User {
	user, err := s.currentUser(r)
	if err != nil {
		writeErrorStatus(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return user
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
