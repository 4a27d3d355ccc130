// Package indexer turns files into stored, searchable chunks: extraction, chunking and
// hand-off to the knowledge store.
package indexer

import (
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/models"
)

// Unit is what chunk sizes are counted in.
type Unit int

const (
	// UnitCodepoint counts Unicode code points.
	UnitCodepoint Unit = iota
	// UnitGrapheme counts extended grapheme clusters; a cluster is never split.
	UnitGrapheme
)

// ParseUnit maps a config value ("codepoint", "grapheme") to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "", "codepoint":
		return UnitCodepoint, nil
	case "grapheme":
		return UnitGrapheme, nil
	}
	return 0, apperr.Newf(apperr.ErrConfig, "indexer.ParseUnit", "unknown chunking unit %q", s)
}

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kbase:chunk"))

// ChunkID returns the stable id of the chunk at seq within documentID.
func ChunkID(documentID string, seq int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+"#"+strconv.Itoa(seq))).String()
}

// Chunker splits text into overlapping fixed-size windows.
type Chunker struct {
	size    int
	overlap int
	unit    Unit
}

// NewChunker creates a chunker with the given size and overlap, counted in unit.
// Returns apperr.ErrConfig unless 0 < overlap < size.
func NewChunker(size, overlap int, unit Unit) (*Chunker, error) {
	if size <= 0 || overlap <= 0 || overlap >= size {
		return nil, apperr.Newf(apperr.ErrConfig, "indexer.NewChunker",
			"chunk overlap %d must be positive and below chunk size %d", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap, unit: unit}, nil
}

// Chunk splits text into chunks of the given size and overlap in code points.
func Chunk(documentID, text string, size, overlap int) ([]*models.Chunk, error) {
	c, err := NewChunker(size, overlap, UnitCodepoint)
	if err != nil {
		return nil, err
	}
	return c.Chunk(documentID, text), nil
}

// Chunk splits text into windows of c.size units starting every size-overlap units
// while the start lies inside the text. Offsets are code points into text.
// Dropping each later chunk's Overlap prefix and concatenating reconstructs text.
func (c *Chunker) Chunk(documentID, text string) []*models.Chunk {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	bounds := c.boundaries(text, len(runes))
	n := len(bounds) - 1

	if n <= c.size {
		return []*models.Chunk{c.newChunk(documentID, 0, runes, 0, len(runes), 0)}
	}

	step := c.size - c.overlap
	var chunks []*models.Chunk
	prevEnd := 0
	for seq, start := 0, 0; start < n; seq, start = seq+1, start+step {
		end := min(start+c.size, n)
		ov := 0
		if seq > 0 {
			ov = bounds[prevEnd] - bounds[start]
		}
		chunks = append(chunks, c.newChunk(documentID, seq, runes, bounds[start], bounds[end], ov))
		prevEnd = end
	}
	return chunks
}

func (c *Chunker) newChunk(documentID string, seq int, runes []rune, start, end, overlap int) *models.Chunk {
	return &models.Chunk{
		ID:         ChunkID(documentID, seq),
		DocumentID: documentID,
		Sequence:   seq,
		Start:      start,
		End:        end,
		Text:       string(runes[start:end]),
		TargetSize: c.size,
		Overlap:    overlap,
	}
}

// boundaries returns the code point offset at which each unit starts, followed by
// the total code point count.
func (c *Chunker) boundaries(text string, total int) []int {
	if c.unit == UnitCodepoint {
		b := make([]int, total+1)
		for i := range b {
			b[i] = i
		}
		return b
	}
	b := make([]int, 0, total+1)
	off := 0
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		b = append(b, off)
		off += utf8.RuneCountInString(g.Str())
	}
	return append(b, off)
}
