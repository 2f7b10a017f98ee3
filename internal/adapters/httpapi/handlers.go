package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"

	"github.com/ghalamif/SensorRelay/internal/app/relay"
	"github.com/ghalamif/SensorRelay/internal/domain"
)

const maxBodyBytes = 64 << 10

type switchRequest struct {
	SourceType string `json:"sourceType"`
	Address    string `json:"address"`
}

type switchResponse struct {
	relay.Ack
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) switchUpstream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	var req switchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ack, err := s.relay.SwitchTo(r.Context(), req.SourceType, req.Address)
	switch {
	case err == nil:
		s.log.Info().
			Uint64("connection_id", ack.ConnectionID).
			Str("source_type", ack.SourceType).
			Str("address", ack.Address).
			Msg("upstream_switch_accepted")
		writeJSON(w, http.StatusOK, switchResponse{Ack: ack})
	case errors.Is(err, relay.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.log.Error().Err(err).Str("source_type", req.SourceType).Msg("upstream_switch_failed")
		writeJSON(w, http.StatusInternalServerError, switchResponse{Ack: ack, Error: err.Error()})
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return false
	}
	got := r.Header.Get(APIKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) == 1
}

// history accepts either ?since=<RFC3339> or ?window=<duration>; with neither
// the full look-back window is returned.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	switch {
	case q.Get("since") != "":
		t, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC3339"})
			return
		}
		since = t
	case q.Get("window") != "":
		d, err := time.ParseDuration(q.Get("window"))
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "window must be a positive duration"})
			return
		}
		since = s.now().Add(-d)
	}

	readings, err := s.relay.QueryHistory(r.Context(), since)
	if err != nil {
		if errors.Is(err, relay.ErrNoHistory) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.log.Error().Err(err).Msg("history_query_failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history query failed"})
		return
	}
	if readings == nil {
		readings = []domain.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) latestReading(w http.ResponseWriter, r *http.Request) {
	if s.latest == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "latest-reading cache not configured"})
		return
	}
	sourceType := mux.Vars(r)["sourceType"]
	reading, ok, err := s.latest.Latest(r.Context(), sourceType)
	if err != nil {
		s.log.Error().Err(err).Str("source_type", sourceType).Msg("latest_query_failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no reading for " + sourceType})
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(rw, r)

	status := 0
	if res, ok := rw.(negroni.ResponseWriter); ok {
		status = res.Status()
	}
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("http_request")
}

func (s *Server) cors(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	origin := r.Header.Get("Origin")
	if origin != "" && originAllowed(s.cfg.AllowedOrigins, origin) {
		h := rw.Header()
		if containsOrigin(s.cfg.AllowedOrigins, "*") {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+APIKeyHeader)
	}
	if r.Method == http.MethodOptions {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	next(rw, r)
}

// originAllowed treats a missing Origin header as same-origin.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	return containsOrigin(allowed, "*") || containsOrigin(allowed, origin)
}

func containsOrigin(list []string, origin string) bool {
	for _, o := range list {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
