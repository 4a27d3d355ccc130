package models

// QueryResult is a retrieved chunk and its similarity score.
type QueryResult struct {
	Chunk *Chunk  `json:"chunk"`
	Score float64 `json:"score"`
}

// SourceRef points at a chunk that contributed to an answer.
type SourceRef struct {
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page,omitempty"`
	Sequence   int     `json:"sequence"`
	Score      float64 `json:"score"`
}

// Answer is the model output for a question plus the documents it drew on.
type Answer struct {
	Question          string      `json:"question"`
	Text              string      `json:"text"`
	SourceDocumentIDs []string    `json:"source_document_ids"`
	Sources           []SourceRef `json:"sources"`
	ContextUsed       []string    `json:"context_used,omitempty"`
	// LowConfidence is set when no retrieved context reached the model.
	LowConfidence bool `json:"low_confidence"`
}

// TestCase is one generated test case.
type TestCase struct {
	ID              string `json:"id"`
	Description     string `json:"description,omitempty"`
	Prerequisites   string `json:"prerequisites,omitempty"`
	Steps           string `json:"steps,omitempty"`
	ExpectedResults string `json:"expected_results,omitempty"`
	FullText        string `json:"full_text"`
}

// IngestResult reports the outcome of adding one file.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	SourcePath string `json:"source_path"`
	StoredPath string `json:"stored_path,omitempty"`
	Chunks     int    `json:"chunks"`
	Replaced   int    `json:"replaced"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}
