package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/modmail/internal/modmail"
)

const (
	defaultLogLimit = 25
	maxLogLimit     = 200
)

// handleSearchLogs answers exactly one query: recipient, closedBy, responded,
// q or closedSince, checked in that order. Without a query it lists the open
// logs.
func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), defaultLogLimit, 1, maxLogLimit)
	guildID := s.registry.Settings().Load().GuildID
	logs := s.registry.Logs()

	var (
		entries []modmail.LogEntry
		err     error
	)
	switch {
	case strings.TrimSpace(query.Get("recipient")) != "":
		entries, err = logs.GetUserLogs(r.Context(), guildID, strings.TrimSpace(query.Get("recipient")))
	case strings.TrimSpace(query.Get("closedBy")) != "":
		entries, err = logs.SearchClosedBy(r.Context(), guildID, strings.TrimSpace(query.Get("closedBy")))
	case strings.TrimSpace(query.Get("responded")) != "":
		entries, err = logs.SearchResponded(r.Context(), strings.TrimSpace(query.Get("responded")))
	case strings.TrimSpace(query.Get("q")) != "":
		entries, err = logs.SearchByText(r.Context(), guildID, strings.TrimSpace(query.Get("q")), limit)
	case query.Has("closedSince"):
		since, parseErr := parseSince(query.Get("closedSince"))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid closedSince: "+parseErr.Error(), correlationID)
			return
		}
		entries, err = logs.ListClosedSince(r.Context(), since, limit)
	default:
		entries, err = logs.GetOpenEntries(r.Context())
	}
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []modmail.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":          entries,
		"count":         len(entries),
		"correlationId": correlationID,
	})
}

// parseSince accepts an RFC3339 timestamp. An empty value means the epoch.
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	entry, err := s.registry.Logs().GetEntry(r.Context(), key)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	deleted, err := s.registry.Logs().DeleteEntry(r.Context(), key)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "log not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "key": key})
}

func (s *Server) handleDeleteAllLogs(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !parseBool(r.URL.Query().Get("confirm"), false) {
		writeError(w, http.StatusBadRequest, "bad_request", "confirm=true is required to delete every log", correlationID)
		return
	}
	n, err := s.registry.Logs().DeleteAll(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
