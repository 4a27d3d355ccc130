// Package cli renders command results for the terminal as styled text or JSON.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/internal/search"
	"github.com/hyperjump/kbase/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const snippetLength = 200

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", apperr.Newf(apperr.ErrInvalidArgument, "cli.ParseFormat", "unknown output format %q (want text or json)", s)
}

// Printer writes results to w in one format. Text styling is dropped automatically
// when w is not a terminal.
type Printer struct {
	w      io.Writer
	format OutputFormat

	heading lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	warn    lipgloss.Style
	failed  lipgloss.Style
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, format OutputFormat) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		format:  format,
		heading: r.NewStyle().Bold(true).Underline(true),
		label:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// Format returns the printer's output format.
func (p *Printer) Format() OutputFormat { return p.format }

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Answer prints an answer with its sources and the context snippets it used.
func (p *Printer) Answer(a *models.Answer) error {
	if p.format == OutputJSON {
		return p.json(a)
	}
	fmt.Fprintln(p.w, p.heading.Render("Answer"))
	fmt.Fprintln(p.w, a.Text)
	if a.LowConfidence {
		fmt.Fprintln(p.w, p.warn.Render("No matching passages were found; the answer is not grounded in your documents."))
	}
	if len(a.Sources) > 0 {
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, p.heading.Render("Sources"))
		for _, s := range a.Sources {
			fmt.Fprintf(p.w, "  %s %s\n", s.DocumentID, p.muted.Render(sourceDetail(s)))
		}
	}
	if len(a.ContextUsed) > 0 {
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, p.heading.Render("Context"))
		for i, c := range a.ContextUsed {
			fmt.Fprintf(p.w, "  [%d] %s\n", i+1, p.muted.Render(utils.Truncate(oneLine(c), snippetLength)))
		}
	}
	return nil
}

func sourceDetail(s models.SourceRef) string {
	if s.Page > 0 {
		return fmt.Sprintf("(page %d, chunk %d, score %.3f)", s.Page, s.Sequence, s.Score)
	}
	return fmt.Sprintf("(chunk %d, score %.3f)", s.Sequence, s.Score)
}

// Insights prints a numbered list of insights for document ("" for the whole store).
func (p *Printer) Insights(document string, items []string) error {
	if p.format == OutputJSON {
		return p.json(map[string]any{"document": document, "insights": items})
	}
	title := "Insights"
	if document != "" {
		title += " for " + document
	}
	fmt.Fprintln(p.w, p.heading.Render(title))
	if len(items) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("No insights: nothing relevant was found."))
		return nil
	}
	for i, item := range items {
		fmt.Fprintf(p.w, "%2d. %s\n", i+1, item)
	}
	return nil
}

// TestCases prints generated test cases, falling back to each case's full text when
// its fields could not be parsed.
func (p *Printer) TestCases(document, testType string, cases []*models.TestCase) error {
	if p.format == OutputJSON {
		return p.json(map[string]any{"document": document, "type": testType, "test_cases": cases})
	}
	fmt.Fprintln(p.w, p.heading.Render(fmt.Sprintf("%d %s test cases", len(cases), testType)))
	for _, tc := range cases {
		fmt.Fprintln(p.w)
		if tc.Description == "" && tc.Steps == "" && tc.ExpectedResults == "" {
			fmt.Fprintln(p.w, tc.FullText)
			continue
		}
		fmt.Fprintln(p.w, p.label.Render(tc.ID))
		p.field("Description", tc.Description)
		p.field("Prerequisites", tc.Prerequisites)
		p.field("Steps", tc.Steps)
		p.field("Expected results", tc.ExpectedResults)
	}
	return nil
}

func (p *Printer) field(name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(p.w, "  %s: %s\n", p.label.Render(name), strings.ReplaceAll(value, "\n", "\n    "))
}

// Documents prints the stored documents.
func (p *Printer) Documents(docs []*models.Document) error {
	if p.format == OutputJSON {
		if docs == nil {
			docs = []*models.Document{}
		}
		return p.json(map[string]any{"documents": docs})
	}
	if len(docs) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("No documents. Add some with: kbase add <file>"))
		return nil
	}
	fmt.Fprintln(p.w, p.heading.Render(fmt.Sprintf("%d documents", len(docs))))
	for _, d := range docs {
		fmt.Fprintf(p.w, "  %s %s\n", d.ID, p.muted.Render(fmt.Sprintf("(%s, %d chunks, %d chars, added %s)",
			d.FileType, d.ChunkCount, d.Characters, d.IngestedAt.Local().Format("2006-01-02 15:04"))))
	}
	return nil
}

// Stats prints store statistics. settings holds configuration worth showing.
func (p *Printer) Stats(stats *models.Stats, diskBytes int64, settings map[string]any) error {
	if p.format == OutputJSON {
		return p.json(map[string]any{
			"documents":        stats.Documents,
			"chunks":           stats.Chunks,
			"vectors":          stats.Vectors,
			"document_ids":     stats.DocumentIDs,
			"disk_usage_bytes": diskBytes,
			"config":           settings,
		})
	}
	fmt.Fprintln(p.w, p.heading.Render("Knowledge base"))
	fmt.Fprintf(p.w, "  %s %d\n", p.label.Render("Documents:"), stats.Documents)
	fmt.Fprintf(p.w, "  %s %d\n", p.label.Render("Chunks:"), stats.Chunks)
	fmt.Fprintf(p.w, "  %s %d\n", p.label.Render("Vectors:"), stats.Vectors)
	fmt.Fprintf(p.w, "  %s %s\n", p.label.Render("Disk usage:"), humanBytes(diskBytes))
	if len(settings) > 0 {
		fmt.Fprintln(p.w, p.heading.Render("Configuration"))
		for _, k := range slices.Sorted(maps.Keys(settings)) {
			fmt.Fprintf(p.w, "  %s %v\n", p.label.Render(k+":"), settings[k])
		}
	}
	return nil
}

// IngestResults prints one line per added file and returns the number that failed.
func (p *Printer) IngestResults(results []*models.IngestResult) (int, error) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if r.Error == "" {
				r.Error = r.Err.Error()
			}
		}
	}
	if p.format == OutputJSON {
		return failed, p.json(map[string]any{"documents": results})
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(p.w, "%s %s: %s\n", p.failed.Render("failed"), r.SourcePath, r.Error)
		case r.Replaced > 0:
			fmt.Fprintf(p.w, "replaced %s %s\n", r.DocumentID,
				p.muted.Render(fmt.Sprintf("(%d chunks, was %d)", r.Chunks, r.Replaced)))
		default:
			fmt.Fprintf(p.w, "added %s %s\n", r.DocumentID, p.muted.Render(fmt.Sprintf("(%d chunks)", r.Chunks)))
		}
	}
	return failed, nil
}

// Deleted reports a removed document.
func (p *Printer) Deleted(id string, chunks int) error {
	if p.format == OutputJSON {
		return p.json(map[string]any{"document_id": id, "chunks_removed": chunks})
	}
	fmt.Fprintf(p.w, "deleted %s %s\n", id, p.muted.Render(fmt.Sprintf("(%d chunks)", chunks)))
	return nil
}

// SearchResults prints retrieved chunks, best first.
func (p *Printer) SearchResults(query string, results []*models.QueryResult) error {
	if p.format == OutputJSON {
		if results == nil {
			results = []*models.QueryResult{}
		}
		return p.json(map[string]any{"query": query, "results": results})
	}
	fmt.Fprintf(p.w, "%s\n", p.heading.Render(fmt.Sprintf("%d results for %q", len(results), query)))
	for i, r := range results {
		c := r.Chunk
		where := fmt.Sprintf("chunk %d", c.Sequence)
		if c.Page > 0 {
			where = fmt.Sprintf("page %d, %s", c.Page, where)
		}
		fmt.Fprintf(p.w, "\n%d. %s %s\n", i+1, p.label.Render(c.DocumentID),
			p.muted.Render(fmt.Sprintf("(%s, score %.4f)", where, r.Score)))
		fmt.Fprintf(p.w, "   %s\n", search.Highlight(c.Text, query, snippetLength))
	}
	return nil
}

// Error prints err for a failed command.
func (p *Printer) Error(err error) {
	if p.format == OutputJSON {
		_ = p.json(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(p.w, "%s %v\n", p.failed.Render("error:"), err)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
