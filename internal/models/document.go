// Package models defines core data structures for documents, chunks, and answers.
package models

import "time"

// Document is an ingested file, identified by its normalized filename.
type Document struct {
	ID         string    `json:"id" db:"id"`
	SourcePath string    `json:"source_path" db:"source_path"`
	StoredPath string    `json:"stored_path,omitempty" db:"stored_path"`
	FileType   string    `json:"file_type" db:"file_type"`
	Pages      int       `json:"pages,omitempty" db:"pages"`
	Characters int       `json:"characters" db:"characters"`
	ChunkCount int       `json:"chunk_count" db:"chunk_count"`
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
}

// Chunk is a contiguous span of a document's extracted text, the unit of retrieval.
// Start and End are code point offsets into the extracted text.
type Chunk struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	Sequence   int       `json:"sequence" db:"sequence"`
	Start      int       `json:"start" db:"start_offset"`
	End        int       `json:"end" db:"end_offset"`
	Text       string    `json:"text" db:"content"`
	TargetSize int       `json:"target_size" db:"target_size"`
	Overlap    int       `json:"overlap" db:"overlap"`
	Page       int       `json:"page,omitempty" db:"page"`
	Embedding  []float32 `json:"-" db:"embedding"`
}

// Stats summarizes the store contents.
type Stats struct {
	Documents   int64    `json:"documents"`
	Chunks      int64    `json:"chunks"`
	Vectors     int      `json:"vectors"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}
