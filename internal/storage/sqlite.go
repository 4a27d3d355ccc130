package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/vector"
)

// maxQueryParams keeps IN (...) lists under SQLite's bound-parameter limit.
const maxQueryParams = 500

var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; statements inside a transaction must use the tx.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		stored_path TEXT NOT NULL DEFAULT '',
		file_type TEXT NOT NULL,
		pages INTEGER NOT NULL DEFAULT 0,
		characters INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		ingested_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		content TEXT NOT NULL,
		target_size INTEGER NOT NULL,
		overlap INTEGER NOT NULL,
		page INTEGER NOT NULL DEFAULT 0,
		embedding BLOB,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_seq ON chunks(document_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, source_path, stored_path, file_type, pages, characters, chunk_count, ingested_at`

const chunkColumns = `id, document_id, seq, start_offset, end_offset, content, target_size, overlap, page`

// ReplaceDocument deletes the previous rows of doc.ID, inserts doc and chunks, runs
// hook and commits. Nothing is written if any step fails or ctx is done.
func (s *SQLiteStorage) ReplaceDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk, hook CommitHook) ([]*models.Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := chunksByDocument(ctx, tx, doc.ID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}
	doc.ChunkCount = len(chunks)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_path = excluded.source_path, stored_path = excluded.stored_path,
		 file_type = excluded.file_type, pages = excluded.pages, characters = excluded.characters,
		 chunk_count = excluded.chunk_count, ingested_at = excluded.ingested_at`,
		doc.ID, doc.SourcePath, doc.StoredPath, doc.FileType, doc.Pages, doc.Characters, doc.ChunkCount, doc.IngestedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (`+chunkColumns+`, embedding) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()
	for _, ch := range chunks {
		var blob []byte
		if ch.Embedding != nil {
			blob = vector.Encode(ch.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.DocumentID, ch.Sequence, ch.Start, ch.End, ch.Text,
			ch.TargetSize, ch.Overlap, ch.Page, blob); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", ch.Sequence, err)
		}
	}

	if hook != nil {
		if err := hook(old); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return old, nil
}

// DeleteDocument removes the document and its chunks.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string, hook CommitHook) (bool, []*models.Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := chunksByDocument(ctx, tx, id)
	if err != nil {
		return false, nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return false, nil, fmt.Errorf("delete chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, nil, fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("delete document: %w", err)
	}
	if n == 0 && len(old) == 0 {
		return false, nil, nil
	}
	if hook != nil {
		if err := hook(old); err != nil {
			return false, nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit: %w", err)
	}
	return true, old, nil
}

// GetDocument returns a document by ID, or ErrNotFound.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return docs[0], nil
}

// ListDocuments returns documents ordered by id. limit <= 0 means no limit.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	defer rows.Close()
	var docs []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.SourcePath, &d.StoredPath, &d.FileType, &d.Pages, &d.Characters,
			&d.ChunkCount, &d.IngestedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// ListDocumentIDs returns every document id, sorted.
func (s *SQLiteStorage) ListDocumentIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM documents ORDER BY id`)
}

// GetChunks returns chunks by id, without embeddings.
func (s *SQLiteStorage) GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error) {
	out := make(map[string]*models.Chunk, len(ids))
	for start := 0; start < len(ids); start += maxQueryParams {
		batch := ids[start:min(start+maxQueryParams, len(ids))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		chunks, err := scanChunks(rows)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			out[ch.ID] = ch
		}
	}
	return out, nil
}

// GetChunksByDocumentID returns all chunks for a document ordered by sequence.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error) {
	return chunksByDocument(ctx, s.db, docID)
}

func chunksByDocument(ctx context.Context, q queryer, docID string) ([]*models.Chunk, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]*models.Chunk, error) {
	defer rows.Close()
	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Sequence, &c.Start, &c.End, &c.Text,
			&c.TargetSize, &c.Overlap, &c.Page); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// ChunkIDsByDocumentID returns the chunk ids of a document.
func (s *SQLiteStorage) ChunkIDsByDocumentID(ctx context.Context, docID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM chunks WHERE document_id = ? ORDER BY seq`, docID)
}

// ForEachEmbedding streams every stored embedding. Chunks without one are skipped.
func (s *SQLiteStorage) ForEachEmbedding(ctx context.Context, fn func(chunkID string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := vector.Decode(blob)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStorage) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM documents`)
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM chunks`)
}

func (s *SQLiteStorage) count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
