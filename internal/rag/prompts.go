package rag

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kbase/internal/models"
)

// NoContextMarker replaces the context block when retrieval produced nothing usable.
const NoContextMarker = "NO MATCHING CONTEXT: the knowledge base returned no passages for this question."

const (
	insightsQuery = "key points important information insights"
	testsQueryFmt = "%s requirements specifications test cases"
)

func answerPrompt(question string, context []*models.QueryResult) string {
	var b strings.Builder
	b.WriteString(`Answer the question based on the provided context from process documents.

The documents may contain functional specifications, technical specifications and working instructions,
in Hebrew or English, and may reference images and diagrams.

Guidelines:
1. Answer based ONLY on the provided context.
2. If the context does not contain the answer, say so clearly.
3. Answer in the language of the question.
4. Reference the source documents when relevant.
5. If asked about images or diagrams, mention that they exist in the documents.

Context:
`)
	writeContext(&b, context)
	fmt.Fprintf(&b, "\nQuestion: %s\n\nAnswer:", question)
	return b.String()
}

func insightsPrompt(context []*models.QueryResult, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Based on the following excerpts from process documents, extract the key insights, important points and critical information.

Provide a numbered list of at most %d distinct insights, one per line.

Excerpts:
`, max)
	writeContext(&b, context)
	b.WriteString("\nKey Insights:")
	return b.String()
}

func testsPrompt(context []*models.QueryResult, testType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Based on the following documentation, generate %s test cases.

Start each test case with a line "Test Case N: <title>" and then give:
Test ID:
Test Description:
Prerequisites:
Test Steps:
Expected Results:

Documentation:
`, testType)
	writeContext(&b, context)
	b.WriteString("\nTest Cases:")
	return b.String()
}

// writeContext writes each chunk tagged with its document id, or the no-context marker.
func writeContext(b *strings.Builder, context []*models.QueryResult) {
	if len(context) == 0 {
		b.WriteString(NoContextMarker)
		b.WriteString("\n")
		return
	}
	for i, r := range context {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(b, "[source: %s]\n%s\n", r.Chunk.DocumentID, r.Chunk.Text)
	}
}
