// Package rag answers questions, extracts insights and drafts test cases from
// the knowledge store with a single completion call per request.
package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/knowledge"
	"github.com/hyperjump/kbase/internal/llm"
	"github.com/hyperjump/kbase/internal/metrics"
	"github.com/hyperjump/kbase/internal/models"
	"github.com/hyperjump/kbase/pkg/utils"
)

const (
	// DefaultContextBudget is the default number of characters of chunk text per prompt.
	DefaultContextBudget = 12000
	// SnippetLength is the length of the context snippets returned with answers.
	SnippetLength = 200

	testContextResults = 5
)

// Test types accepted by GenerateTests.
const (
	TestFunctional  = "functional"
	TestIntegration = "integration"
	TestUnit        = "unit"
)

// TestTypes lists the accepted test types.
var TestTypes = []string{TestFunctional, TestIntegration, TestUnit}

// Retriever is the part of the knowledge store the orchestrator reads from.
type Retriever interface {
	Search(ctx context.Context, query string, k int, opts *knowledge.SearchOptions) ([]*models.QueryResult, error)
}

// Orchestrator runs retrieval followed by one completion.
type Orchestrator struct {
	store   Retriever
	model   llm.Completer
	budget  int
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithContextBudget sets the maximum characters of chunk text sent to the model.
func WithContextBudget(chars int) Option {
	return func(o *Orchestrator) {
		if chars > 0 {
			o.budget = chars
		}
	}
}

// WithMetrics records operation counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an orchestrator over store and model.
func New(store Retriever, model llm.Completer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		model:  model,
		budget: DefaultContextBudget,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer retrieves the k chunks closest to question and asks the model to answer
// from them. When no chunk fits the model is still asked, with a marker saying so,
// and the answer is flagged low-confidence.
func (o *Orchestrator) Answer(ctx context.Context, question string, k int) (ans *models.Answer, err error) {
	const op = "rag.Answer"
	start := time.Now()
	defer func() { o.metrics.Observe("answer", start, err) }()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "question is empty")
	}
	results, err := o.store.Search(ctx, question, k, nil)
	if err != nil {
		return nil, wrap(apperr.ErrStoreUnavailable, op, "", err)
	}
	used := o.fit(results)
	text, err := o.complete(ctx, op, "", answerPrompt(question, used))
	if err != nil {
		return nil, err
	}

	ans = &models.Answer{
		Question:          question,
		Text:              strings.TrimSpace(text),
		SourceDocumentIDs: documentIDs(used),
		Sources:           make([]models.SourceRef, 0, len(used)),
		ContextUsed:       make([]string, 0, len(used)),
		LowConfidence:     len(used) == 0,
	}
	for _, r := range used {
		ans.Sources = append(ans.Sources, models.SourceRef{
			DocumentID: r.Chunk.DocumentID,
			Page:       r.Chunk.Page,
			Sequence:   r.Chunk.Sequence,
			Score:      r.Score,
		})
		ans.ContextUsed = append(ans.ContextUsed, utils.Truncate(r.Chunk.Text, SnippetLength))
	}
	o.logger.Debug("answered",
		zap.Int("retrieved", len(results)),
		zap.Int("used", len(used)),
		zap.Bool("low_confidence", ans.LowConfidence))
	return ans, nil
}

// Insights asks the model for at most max key points, drawn from documentID
// or from the whole store when documentID is empty.
func (o *Orchestrator) Insights(ctx context.Context, documentID string, max int) (items []string, err error) {
	const op = "rag.Insights"
	start := time.Now()
	defer func() { o.metrics.Observe("insights", start, err) }()

	if max <= 0 {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op, "max insights must be positive, got %d", max)
	}
	results, err := o.store.Search(ctx, insightsQuery, max, &knowledge.SearchOptions{DocumentID: documentID})
	if err != nil {
		return nil, wrap(apperr.ErrStoreUnavailable, op, documentID, err)
	}
	used := o.fit(results)
	if len(used) == 0 {
		return []string{}, nil
	}
	text, err := o.complete(ctx, op, documentID, insightsPrompt(used, max))
	if err != nil {
		return nil, err
	}
	items = parseList(text, max)
	if items == nil {
		items = []string{}
	}
	return items, nil
}

// GenerateTests asks the model for test cases of testType.
func (o *Orchestrator) GenerateTests(ctx context.Context, documentID, testType string) (cases []*models.TestCase, err error) {
	const op = "rag.GenerateTests"
	start := time.Now()
	defer func() { o.metrics.Observe("generate_tests", start, err) }()

	testType = strings.ToLower(strings.TrimSpace(testType))
	if !slices.Contains(TestTypes, testType) {
		return nil, apperr.Newf(apperr.ErrInvalidArgument, op,
			"unknown test type %q (want one of %s)", testType, strings.Join(TestTypes, ", "))
	}
	query := fmt.Sprintf(testsQueryFmt, testType)
	results, err := o.store.Search(ctx, query, testContextResults, &knowledge.SearchOptions{DocumentID: documentID})
	if err != nil {
		return nil, wrap(apperr.ErrStoreUnavailable, op, documentID, err)
	}
	used := o.fit(results)
	if len(used) == 0 {
		return []*models.TestCase{}, nil
	}
	text, err := o.complete(ctx, op, documentID, testsPrompt(used, testType))
	if err != nil {
		return nil, err
	}
	cases = parseTestCases(text)
	if cases == nil {
		cases = []*models.TestCase{}
	}
	return cases, nil
}

func (o *Orchestrator) complete(ctx context.Context, op, documentID, prompt string) (string, error) {
	text, err := o.model.Complete(ctx, prompt)
	if err != nil {
		return "", wrap(apperr.ErrModelUnavailable, op, documentID, err)
	}
	return text, nil
}

// fit keeps the longest rank-ordered prefix of results whose chunk text fits the
// budget; lower-ranked chunks are dropped whole.
func (o *Orchestrator) fit(results []*models.QueryResult) []*models.QueryResult {
	total := 0
	for i, r := range results {
		total += utf8.RuneCountInString(r.Chunk.Text)
		if total > o.budget {
			o.logger.Debug("context budget reached", zap.Int("kept", i), zap.Int("dropped", len(results)-i))
			return results[:i]
		}
	}
	return results
}

// documentIDs returns the distinct document ids of results in rank order.
func documentIDs(results []*models.QueryResult) []string {
	ids := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if _, ok := seen[r.Chunk.DocumentID]; ok {
			continue
		}
		seen[r.Chunk.DocumentID] = struct{}{}
		ids = append(ids, r.Chunk.DocumentID)
	}
	return ids
}

// wrap adds op context to a collaborator failure, keeping the kind it already
// carries. Caller cancellation is returned unchanged.
func wrap(kind error, op, documentID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if apperr.KindOf(err) == nil {
			return err
		}
	}
	return apperr.ForDocument(kind, op, documentID, err)
}
