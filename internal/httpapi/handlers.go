package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mailq/internal/queue"
	"mailq/internal/service"
	"mailq/internal/storage"
)

const maxBody = 4 << 20

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *service.ValidationError
		te *queue.TerminalError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, queue.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, errorBody{Error: te.Error()})
	case errors.Is(err, queue.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrDisabled):
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &service.ValidationError{Field: key, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats := s.api.Stats()
	status := http.StatusOK
	body := map[string]any{"status": "ok", "queues": stats}
	for _, st := range stats {
		if st.ShuttingDown {
			status = http.StatusServiceUnavailable
			body["status"] = "shutting_down"
		}
	}
	writeJSON(w, status, body)
}

// POST /jobs?kind=<name>
func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			writeError(w, ve)
			return
		}
		writeError(w, &service.ValidationError{Reason: "malformed JSON: " + err.Error()})
		return
	}
	job, err := s.api.AddJob(r.URL.Query().Get("kind"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.api.GetActiveJobs(limit, skip))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.api.GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, queue.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	if !s.api.RemoveJob(chi.URLParam(r, "id")) {
		writeError(w, queue.ErrJobNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := s.api.CancelJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": ok})
}

func (s *Server) cancelBulk(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.CancelBulkJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /jobs/clean?max_age=1h
func (s *Server) cleanJobs(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("max_age"))
	if raw == "" {
		writeError(w, &service.ValidationError{Field: "max_age", Reason: "is required"})
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		writeError(w, &service.ValidationError{Field: "max_age", Reason: "must be a non-negative duration"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.api.CleanOldJobs(d)})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Stats())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.api.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.SendRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
