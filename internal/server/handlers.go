package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/fileid"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/retry"
	"github.com/hyperjump/kbase/internal/search"
	"github.com/hyperjump/kbase/internal/storage"
)

type askRequest struct {
	Question string `json:"question"`
	Results  int    `json:"results,omitempty"`
}

type insightsRequest struct {
	Document string `json:"document,omitempty"`
	Max      int    `json:"max,omitempty"`
}

type testsRequest struct {
	Document string `json:"document,omitempty"`
	Type     string `json:"type,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		s.respondError(w, http.StatusBadRequest, `no "file" parts in form`)
		return
	}
	tmpDir, err := os.MkdirTemp("", "kbase-upload-*")
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.RemoveAll(tmpDir)

	results := make([]*models.IngestResult, 0, len(files))
	failed := 0
	var firstErr error
	for _, fh := range files {
		res, err := s.ingestUpload(r.Context(), tmpDir, fh)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			res.Err, res.Error = err, err.Error()
			s.logger.Warn("upload ingestion failed", zap.String("file", fh.Filename), zap.Error(err))
		}
		results = append(results, res)
	}
	status := http.StatusCreated
	if failed == len(files) {
		status = statusFor(firstErr)
	} else if failed > 0 {
		status = http.StatusMultiStatus
	}
	s.respondJSON(w, status, map[string]any{"documents": results})
}

func (s *Server) ingestUpload(ctx context.Context, dir string, fh *multipart.FileHeader) (*models.IngestResult, error) {
	name := fileid.DocumentID(fh.Filename)
	res := &models.IngestResult{DocumentID: name, SourcePath: fh.Filename}
	if name == "" {
		return res, apperr.Newf(apperr.ErrInvalidArgument, "server.Upload", "upload has no file name")
	}
	path := filepath.Join(dir, fileid.StoredName(name))
	if err := saveUpload(fh, path); err != nil {
		return res, apperr.ForDocument(apperr.ErrInvalidArgument, "server.Upload", name, err)
	}
	out, err := retry.Do(ctx, s.config.Retry, s.logger, func() (*models.IngestResult, error) {
		return s.indexer.AddUpload(ctx, path, fh.Filename)
	})
	if err != nil {
		return res, err
	}
	return out, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		s.fail(w, "list documents", err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	n, err := retry.Do(r.Context(), s.config.Retry, s.logger, func() (int, error) {
		return s.indexer.DeleteDocument(r.Context(), id)
	})
	if err != nil {
		s.fail(w, "delete document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"document_id": id, "chunks_removed": n})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Results == 0 {
		req.Results = s.config.Retrieval.Results
	}
	ans, err := retry.Do(r.Context(), s.config.Retry, s.logger, func() (*models.Answer, error) {
		return s.qa.Answer(r.Context(), req.Question, req.Results)
	})
	if err != nil {
		s.fail(w, "ask", err)
		return
	}
	s.respondJSON(w, http.StatusOK, ans)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	var req insightsRequest
	if err := decodeOptional(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Max == 0 {
		req.Max = s.config.Retrieval.MaxInsights
	}
	items, err := retry.Do(r.Context(), s.config.Retry, s.logger, func() ([]string, error) {
		return s.qa.Insights(r.Context(), req.Document, req.Max)
	})
	if err != nil {
		s.fail(w, "insights", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"document": req.Document, "insights": items})
}

func (s *Server) handleGenerateTests(w http.ResponseWriter, r *http.Request) {
	var req testsRequest
	if err := decodeOptional(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = "functional"
	}
	cases, err := retry.Do(r.Context(), s.config.Retry, s.logger, func() ([]*models.TestCase, error) {
		return s.qa.GenerateTests(r.Context(), req.Document, req.Type)
	})
	if err != nil {
		s.fail(w, "generate tests", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"document": req.Document, "type": req.Type, "test_cases": cases})
}

// handleSearch runs a keyword (default), semantic or hybrid search over chunks.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &search.Query{
		Text:       q.Get("q"),
		Limit:      s.config.Retrieval.Results,
		DocumentID: q.Get("document"),
		Fuzzy:      q.Get("fuzzy") == "true",
	}
	if strings.TrimSpace(query.Text) == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = n
	}
	mode, err := search.ParseMode(q.Get("mode"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "mode must be keyword, semantic or hybrid")
		return
	}
	query.Mode = mode
	results, err := retry.Do(r.Context(), s.config.Retry, s.logger, func() ([]*models.QueryResult, error) {
		return s.search.Search(r.Context(), query)
	})
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	if results == nil {
		results = []*models.QueryResult{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"query": query.Text, "mode": mode, "results": results})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, "stats", err)
		return
	}
	resp := map[string]any{
		"documents":    stats.Documents,
		"chunks":       stats.Chunks,
		"vectors":      stats.Vectors,
		"document_ids": stats.DocumentIDs,
		"config": map[string]any{
			"embedding_provider":   s.config.Embedding.Provider,
			"embedding_model":      s.config.Embedding.Model,
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"llm_model":            s.config.LLM.Model,
			"chunk_size":           s.config.Chunking.Size,
			"chunk_overlap":        s.config.Chunking.Overlap,
			"context_budget":       s.config.Retrieval.ContextBudget,
		},
	}
	st := s.config.Storage
	if diskBytes, err := storage.DiskUsageBytes(st.DatabasePath, st.KeywordIndexPath, st.DocumentsPath); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, apperr.ErrCorruptFile), errors.Is(err, apperr.ErrPasswordProtected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrStoreUnavailable), errors.Is(err, apperr.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrConfig):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(what+" failed", zap.Error(err))
	} else {
		s.logger.Debug(what+" rejected", zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
