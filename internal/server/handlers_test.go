package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kbase/internal/config"
	"github.com/hyperjump/kbase/internal/embedding"
	"github.com/hyperjump/kbase/internal/indexer"
	"github.com/hyperjump/kbase/internal/keyword"
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/metrics"
	"github.com/hyperjump/kbase/internal/rag"
	"github.com/hyperjump/kbase/internal/storage"
	"github.com/hyperjump/kbase/internal/vector"
)

type stubModel struct {
	reply string
	calls int
}

func (m *stubModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls++
	return m.reply, nil
}

func newTestServer(t *testing.T, model *stubModel) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage = config.StorageConfig{
		DataDir:          dir,
		DatabasePath:     filepath.Join(dir, "kbase.db"),
		KeywordIndexPath: filepath.Join(dir, "keyword.bleve"),
		DocumentsPath:    filepath.Join(dir, "documents"),
	}
	cfg.Embedding.Provider = config.ProviderHash
	cfg.Embedding.Dimensions = 64
	cfg.Chunking.Size, cfg.Chunking.Overlap = 40, 10
	cfg.Retry = config.RetryConfig{Attempts: 1, Delay: time.Millisecond, MaxDelay: time.Millisecond}

	catalog, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	vectors, _ := vector.NewMemoryIndex(64)
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	store, err := knowledge.Open(context.Background(), catalog, embedding.NewHashEmbedder(64), vectors,
		knowledge.WithKeywordIndex(kw), knowledge.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	chunker, err := indexer.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap, indexer.UnitCodepoint)
	if err != nil {
		t.Fatal(err)
	}
	idx := indexer.NewIndexer(store, nil, chunker, indexer.WithDocumentsPath(cfg.Storage.DocumentsPath))
	qa := rag.New(store, model, rag.WithMetrics(m))

	srv := httptest.NewServer(NewServer(store, idx, qa, cfg, nil, WithMetrics(m)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func upload(t *testing.T, srv *httptest.Server, files map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = mw.Close()
	resp, err := http.Post(srv.URL+"/api/v1/documents", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestUploadAskAndDelete(t *testing.T) {
	model := &stubModel{reply: "Section A covers login."}
	srv := newTestServer(t, model)

	resp := upload(t, srv, map[string]string{"sections.txt": "Section A covers login. Section B covers payments."})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var up struct {
		Documents []struct {
			DocumentID string `json:"document_id"`
			SourcePath string `json:"source_path"`
			Chunks     int    `json:"chunks"`
		} `json:"documents"`
	}
	decode(t, resp, &up)
	if len(up.Documents) != 1 || up.Documents[0].DocumentID != "sections.txt" || up.Documents[0].Chunks == 0 {
		t.Fatalf("upload = %+v", up)
	}
	if up.Documents[0].SourcePath != "sections.txt" {
		t.Errorf("source path = %q", up.Documents[0].SourcePath)
	}

	resp = postJSON(t, srv, "/api/v1/ask", `{"question":"What does Section A cover?","results":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask status = %d", resp.StatusCode)
	}
	var ans struct {
		Text              string   `json:"text"`
		SourceDocumentIDs []string `json:"source_document_ids"`
		LowConfidence     bool     `json:"low_confidence"`
	}
	decode(t, resp, &ans)
	if ans.Text != "Section A covers login." || len(ans.SourceDocumentIDs) != 1 || ans.SourceDocumentIDs[0] != "sections.txt" || ans.LowConfidence {
		t.Errorf("answer = %+v", ans)
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d", model.calls)
	}

	resp, err := http.Get(srv.URL + "/api/v1/search?q=payments")
	if err != nil {
		t.Fatal(err)
	}
	var found struct {
		Results []struct {
			Chunk struct {
				DocumentID string `json:"document_id"`
			} `json:"chunk"`
		} `json:"results"`
	}
	decode(t, resp, &found)
	if len(found.Results) == 0 || found.Results[0].Chunk.DocumentID != "sections.txt" {
		t.Errorf("keyword search = %+v", found)
	}
	resp, err = http.Get(srv.URL + "/api/v1/search?q=payments&mode=hybrid&limit=1")
	if err != nil {
		t.Fatal(err)
	}
	found.Results = nil
	decode(t, resp, &found)
	if len(found.Results) != 1 || found.Results[0].Chunk.DocumentID != "sections.txt" {
		t.Errorf("hybrid search = %+v", found)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/documents/sections.txt", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var del struct {
		ChunksRemoved int `json:"chunks_removed"`
	}
	decode(t, resp, &del)
	if del.ChunksRemoved != up.Documents[0].Chunks {
		t.Errorf("removed %d chunks, uploaded %d", del.ChunksRemoved, up.Documents[0].Chunks)
	}

	resp, err = http.Get(srv.URL + "/api/v1/documents/sections.txt")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted document status = %d", resp.StatusCode)
	}
}

func TestSearch_validation(t *testing.T) {
	srv := newTestServer(t, &stubModel{})
	for _, query := range []string{"", "q=x&mode=vector", "q=x&limit=abc", "q=x&limit=0"} {
		resp, err := http.Get(srv.URL + "/api/v1/search?" + query)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("search?%s status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestUpload_mixedResults(t *testing.T) {
	srv := newTestServer(t, &stubModel{})
	resp := upload(t, srv, map[string]string{
		"ok.md":     "# Title\n\nSome markdown text.",
		"photo.png": "\x89PNG",
	})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Errorf("status = %d, want 207", resp.StatusCode)
	}
	resp.Body.Close()

	resp = upload(t, srv, map[string]string{"photo.png": "\x89PNG"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestAsk_validation(t *testing.T) {
	model := &stubModel{reply: "nothing"}
	srv := newTestServer(t, model)

	resp := postJSON(t, srv, "/api/v1/ask", `{"question":"   "}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty question status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv, "/api/v1/ask", `not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv, "/api/v1/ask", `{"question":"anything at all?"}`)
	var ans struct {
		LowConfidence bool `json:"low_confidence"`
	}
	decode(t, resp, &ans)
	if !ans.LowConfidence {
		t.Error("answer over an empty store should be low-confidence")
	}
}

func TestInsightsAndTests(t *testing.T) {
	model := &stubModel{reply: "1. Logins are audited.\n2. Payments settle nightly."}
	srv := newTestServer(t, model)

	resp := postJSON(t, srv, "/api/v1/insights", `{}`)
	var ins struct {
		Insights []string `json:"insights"`
	}
	decode(t, resp, &ins)
	if ins.Insights == nil || len(ins.Insights) != 0 || model.calls != 0 {
		t.Errorf("empty store insights = %v (calls %d)", ins.Insights, model.calls)
	}

	resp = upload(t, srv, map[string]string{"policy.txt": "Logins are audited. Payments settle nightly."})
	resp.Body.Close()

	resp = postJSON(t, srv, "/api/v1/insights", `{"document":"policy.txt","max":5}`)
	decode(t, resp, &ins)
	if len(ins.Insights) != 2 {
		t.Errorf("insights = %v", ins.Insights)
	}

	resp = postJSON(t, srv, "/api/v1/tests", `{"type":"performance"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad test type status = %d", resp.StatusCode)
	}
}

func TestStatsHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &stubModel{})
	resp := upload(t, srv, map[string]string{"a.txt": "alpha text"})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Documents   int64    `json:"documents"`
		Vectors     int      `json:"vectors"`
		DocumentIDs []string `json:"document_ids"`
	}
	decode(t, resp, &stats)
	if stats.Documents != 1 || stats.Vectors != 1 || len(stats.DocumentIDs) != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"kbase_operations_total", "kbase_http_requests_total", `route="/api/v1/stats"`} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(storage.ErrNotFound); got != http.StatusNotFound {
		t.Errorf("not found = %d", got)
	}
	if got := statusFor(context.DeadlineExceeded); got != http.StatusGatewayTimeout {
		t.Errorf("deadline = %d", got)
	}
}
