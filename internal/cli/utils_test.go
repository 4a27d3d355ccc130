package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/models"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"JSON", OutputJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, apperr.ErrInvalidArgument) {
			t.Errorf("ParseFormat(%q) err = %v, want invalid argument", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func sampleAnswer() *models.Answer {
	return &models.Answer{
		Question:          "What does section A cover?",
		Text:              "Section A covers login.",
		SourceDocumentIDs: []string{"requirements.pdf"},
		Sources:           []models.SourceRef{{DocumentID: "requirements.pdf", Page: 2, Sequence: 0, Score: 0.91}},
		ContextUsed:       []string{"Section A covers\nlogin."},
	}
}

func TestPrinter_AnswerText(t *testing.T) {
	var buf bytes.Buffer
	if err := NewPrinter(&buf, OutputText).Answer(sampleAnswer()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Section A covers login.", "requirements.pdf", "page 2", "[1] Section A covers login."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "not grounded") {
		t.Errorf("unexpected low confidence warning:\n%s", out)
	}
}

func TestPrinter_AnswerLowConfidence(t *testing.T) {
	var buf bytes.Buffer
	a := &models.Answer{Text: "I don't know.", LowConfidence: true}
	if err := NewPrinter(&buf, OutputText).Answer(a); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "not grounded") {
		t.Errorf("expected low confidence warning:\n%s", buf.String())
	}
}

func TestPrinter_AnswerJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := NewPrinter(&buf, OutputJSON).Answer(sampleAnswer()); err != nil {
		t.Fatal(err)
	}
	var decoded models.Answer
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.Text != "Section A covers login." || len(decoded.Sources) != 1 || decoded.Sources[0].Page != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPrinter_Insights(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, OutputText)
	if err := p.Insights("requirements.pdf", []string{"Login needs MFA", "Payments are async"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Insights for requirements.pdf") || !strings.Contains(out, " 2. Payments are async") {
		t.Errorf("unexpected output:\n%s", out)
	}

	buf.Reset()
	if err := p.Insights("", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "nothing relevant") {
		t.Errorf("expected empty message:\n%s", buf.String())
	}
}

func TestPrinter_TestCases(t *testing.T) {
	cases := []*models.TestCase{
		{ID: "TC-001", Description: "Valid login", Steps: "1. Open page\n2. Sign in", ExpectedResults: "Dashboard shown", FullText: "..."},
		{ID: "TC-002", FullText: "Unstructured case text"},
	}
	var buf bytes.Buffer
	if err := NewPrinter(&buf, OutputText).TestCases("", "functional", cases); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"2 functional test cases", "TC-001", "Description: Valid login", "\n    2. Sign in", "Unstructured case text"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := NewPrinter(&buf, OutputJSON).TestCases("a.pdf", "unit", cases); err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type      string             `json:"type"`
		TestCases []*models.TestCase `json:"test_cases"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "unit" || len(decoded.TestCases) != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPrinter_Documents(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, OutputText)
	if err := p.Documents(nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No documents") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	buf.Reset()
	docs := []*models.Document{{ID: "notes.md", FileType: "md", ChunkCount: 3, Characters: 1200, IngestedAt: time.Now()}}
	if err := p.Documents(docs); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "notes.md") || !strings.Contains(buf.String(), "3 chunks") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	buf.Reset()
	if err := NewPrinter(&buf, OutputJSON).Documents(nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"documents": []`) {
		t.Errorf("want empty documents array, got %s", buf.String())
	}
}

func TestPrinter_IngestResults(t *testing.T) {
	results := []*models.IngestResult{
		{DocumentID: "a.txt", SourcePath: "/in/a.txt", Chunks: 2},
		{DocumentID: "b.txt", SourcePath: "/in/b.txt", Chunks: 4, Replaced: 3},
		{DocumentID: "c.bin", SourcePath: "/in/c.bin", Err: apperr.Newf(apperr.ErrUnsupportedFormat, "test", "no processor")},
	}
	var buf bytes.Buffer
	failed, err := NewPrinter(&buf, OutputText).IngestResults(results)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	out := buf.String()
	for _, want := range []string{"added a.txt", "replaced b.txt", "was 3", "failed /in/c.bin", "no processor"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_SearchResults(t *testing.T) {
	results := []*models.QueryResult{
		{Chunk: &models.Chunk{DocumentID: "a.pdf", Sequence: 1, Page: 3, Text: "payments   are\nasync"}, Score: 0.5},
	}
	var buf bytes.Buffer
	if err := NewPrinter(&buf, OutputText).SearchResults("payments", results); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`1 results for "payments"`, "a.pdf", "page 3, chunk 1", "payments are async"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_StatsAndDeleted(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, OutputText)
	stats := &models.Stats{Documents: 2, Chunks: 7, Vectors: 7}
	if err := p.Stats(stats, 2048, map[string]any{"chunk_size": 1000}); err != nil {
		t.Fatal(err)
	}
	if err := p.Deleted("a.pdf", 4); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Documents: 2", "Chunks: 7", "2.0 KiB", "chunk_size: 1000", "deleted a.pdf", "(4 chunks)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_ErrorJSON(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, OutputJSON).Error(errors.New("boom"))
	if strings.TrimSpace(buf.String()) != "{\n  \"error\": \"boom\"\n}" {
		t.Errorf("got %q", buf.String())
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 5 << 20: "5.0 MiB"}
	for in, want := range tests {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
