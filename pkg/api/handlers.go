package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/testbench/pkg/browser"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps browser errors to status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, browser.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})

		return
	}

	s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// parseID parses a positive run id.
func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid run id %q", raw)
	}

	return uint(id), nil
}

// queryInt reads a positive integer query parameter, or def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}

	return n, nil
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", s.limit())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.browser.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// runID reads the {id} URL parameter, writing a 400 when malformed.
func runID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return 0, false
	}

	return id, true
}

func (s *server) handleShowRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	detail, err := s.browser.Show(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *server) handleFailures(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	failures, err := s.browser.Failures(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, failures)
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = browser.FormatJSON
	}

	switch format {
	case browser.FormatJSON, browser.FormatCSV, browser.FormatMarkdown:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{fmt.Sprintf("unsupported export format %q", format)})

		return
	}

	data, err := s.browser.Export(r.Context(), id, format)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", browser.ContentType(format))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=run-%d.%s", id, browser.Extension(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	a, err := parseID(q.Get("a"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	b, err := parseID(q.Get("b"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	cmp, err := s.browser.Compare(r.Context(), a, b)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, cmp)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	recent, err := queryInt(r, "recent", 10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	stats, err := s.browser.Stats(r.Context(), recent)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleTrends(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	trends, err := s.browser.Trends(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, trends)
}

func (s *server) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", s.limit())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	samples, err := s.browser.Benchmarks(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, samples)
}
