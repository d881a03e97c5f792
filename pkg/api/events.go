package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/types"
)

const (
	defaultReplayMinutes = 5
	maxReplayMinutes     = 60
	keepaliveInterval    = 15 * time.Second
)

type eventJSON struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Origin    string         `json:"origin"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func toEventJSON(e *types.Event) eventJSON {
	return eventJSON{
		ID:        e.ID,
		Type:      e.Type,
		Origin:    e.Origin,
		Severity:  string(e.Severity),
		Payload:   e.Payload,
		UserID:    e.UserID,
		Timestamp: e.Timestamp,
	}
}

func parseTypesParam(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	set := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	return set
}

func parseMinutesParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("minutes")
	if raw == "" {
		return defaultReplayMinutes, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxReplayMinutes {
		return 0, fmt.Errorf("minutes must be between 1 and %d", maxReplayMinutes)
	}
	return n, nil
}

// handleEventStream serves the live event feed: a replay of the recent
// ring buffer in ascending timestamp order, then a live tail with
// keepalives on idleness.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	minutes, err := parseMinutesParam(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	typeSet := parseTypesParam(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Register before replay so no event emitted during replay is lost;
	// the inbox buffers the overlap.
	client := s.bus.RegisterClient()
	defer s.bus.UnregisterClient(client)

	var typeList []string
	for t := range typeSet {
		typeList = append(typeList, t)
	}
	replay := s.bus.Recent(time.Duration(minutes)*time.Minute, typeList, "")
	// Recent is newest-first; replay wants ascending timestamps
	for i := len(replay) - 1; i >= 0; i-- {
		if err := writeSSE(w, replay[i]); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-client:
			if !ok {
				// Evicted: the inbox overflowed
				log.WithComponent("api").Warn().Msg("stream client evicted")
				return
			}
			if len(typeSet) > 0 && !typeSet[event.Type] {
				continue
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event *types.Event) error {
	data, err := json.Marshal(toEventJSON(event))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// handleRecentEvents returns the ring buffer newest-first.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	minutes, err := parseMinutesParam(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	var typeList []string
	for t := range parseTypesParam(r) {
		typeList = append(typeList, t)
	}
	recent := s.bus.Recent(time.Duration(minutes)*time.Minute, typeList, r.URL.Query().Get("source"))

	out := make([]eventJSON, 0, len(recent))
	for _, e := range recent {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}
