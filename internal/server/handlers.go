package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/markview/markview/internal/errors"
)

type documentListResponse struct {
	Documents []documentSummary `json:"documents"`
	Total     int               `json:"total"`
}

type documentSummary struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Title      string    `json:"title,omitempty"`
	Preview    string    `json:"preview,omitempty"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type healthResponse struct {
	Status      string `json:"status"`
	UptimeSec   int64  `json:"uptime_sec"`
	Documents   int    `json:"documents"`
	Subscribers int    `json:"subscribers"`
	LastSeq     uint64 `json:"last_seq"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Documents:   s.deps.Index.Len(),
		Subscribers: s.deps.Hub.Count(),
		LastSeq:     s.deps.Sequencer.Sequence(),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Scanner.Scan()
	if err != nil {
		s.writeError(w, r, errors.NewInternal("scanning documents", err))
		return
	}

	summaries := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, documentSummary{
			Path:       d.Path,
			Name:       d.Name,
			Size:       d.Size,
			ModifiedAt: d.ModifiedAt,
			Title:      d.Title,
			Preview:    d.Preview,
		})
	}

	writeJSON(w, http.StatusOK, documentListResponse{
		Documents: summaries,
		Total:     len(summaries),
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	requested := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if requested == "" {
		s.writeError(w, r, errors.NewNotFound(""))
		return
	}

	resolved, err := s.deps.Guard.Resolve(requested)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("refresh") == "1" {
		s.deps.Cache.Invalidate(resolved.Rel)
	}

	output, err := s.deps.Cache.GetOrRender(r.Context(), resolved.Rel, resolved.Abs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "query parameter q is required",
			Code:  "bad_request",
		})
		return
	}

	hits := s.deps.Index.Query(query)
	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, searchResult{
			Path:    h.Path,
			Snippet: h.Snippet,
			Score:   h.Score,
		})
	}

	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: results})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.Clear()
	s.logger.Info(r.Context(), "cache cleared by request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// writeError maps the error taxonomy onto HTTP statuses. Traversal attempts
// and missing documents are deliberately indistinguishable from outside.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.IsKind(err, errors.KindSecurity), errors.IsKind(err, errors.KindNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.IsKind(err, errors.KindRender):
		if errors.RenderReasonOf(err) == errors.RenderTimeout {
			status = http.StatusGatewayTimeout
			code = "render_timeout"
		} else {
			status = http.StatusUnprocessableEntity
			code = "render_failed"
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
	} else {
		s.logger.Debug(r.Context(), "request rejected", "path", r.URL.Path, "code", code)
	}

	writeJSON(w, status, errorResponse{Error: publicMessage(err, code), Code: code})
}

// publicMessage keeps internal detail out of responses.
func publicMessage(err error, code string) string {
	switch code {
	case "not_found":
		return "document not found"
	case "render_failed":
		var e *errors.Error
		if errors.As(err, &e) {
			return e.Message
		}
		return "document could not be rendered"
	case "render_timeout":
		return "render timed out"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
