// Package analysis drives the completion service: summarizing log batches,
// generating retrieval queries, and producing structured threat reports.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"threathunter/internal/gemini"
	"threathunter/internal/types"
)

// summaryChunkSize caps how many records go into one summarization prompt.
const summaryChunkSize = 100

// Completer is the completion surface the analyzer needs; *gemini.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt, model string, maxOutputTokens int, jsonMode bool) (string, error)
}

// Report is the structured output of one analysis pass.
type Report struct {
	OverallSummary   string                 `json:"overall_summary" validate:"required"`
	IdentifiedIssues []types.IssueCandidate `json:"identified_issues" validate:"dive"`
}

// Config holds analyzer configuration.
type Config struct {
	// LiteModel handles cheap auxiliary calls: summaries and queries.
	LiteModel string
	// FullModel handles the main analysis pass.
	FullModel string
}

// Analyzer owns the prompt construction and output validation around the
// completion client.
type Analyzer struct {
	client    Completer
	liteModel string
	fullModel string
	validate  *validator.Validate
	logger    zerolog.Logger
}

// New creates an analyzer.
func New(cfg Config, client Completer, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		client:    client,
		liteModel: cfg.LiteModel,
		fullModel: cfg.FullModel,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "analysis").Logger(),
	}
}

// GenerateRetrievalQueries asks the lite model for short search queries that
// would surface historical context relevant to the recent batch.
func (a *Analyzer) GenerateRetrievalQueries(ctx context.Context, recent []types.LogRecord) ([]string, error) {
	if len(recent) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("You are a SOC analyst. Given the following recent security alerts, ")
	b.WriteString("produce 3 to 5 short search queries that would retrieve related ")
	b.WriteString("historical alerts from a semantic log index. Respond with a JSON ")
	b.WriteString("object: {\"queries\": [\"...\"]}.\n\nRecent alerts:\n")
	writeRecordDigestLines(&b, recent, 50)

	out, err := a.client.Complete(ctx, b.String(), a.liteModel, 1024, true)
	if err != nil {
		return nil, fmt.Errorf("generate retrieval queries: %w", err)
	}

	parsed, err := ParseJSON[struct {
		Queries []string `json:"queries"`
	}](out)
	if err != nil {
		return nil, &gemini.ServiceError{Message: fmt.Sprintf("retrieval queries: %v", err)}
	}

	var queries []string
	for _, q := range parsed.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	return queries, nil
}

// SummarizeLogs condenses records into prose. Large batches are summarized
// chunk by chunk and the chunk summaries combined in a final pass.
func (a *Analyzer) SummarizeLogs(ctx context.Context, records []types.LogRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var chunkSummaries []string
	for start := 0; start < len(records); start += summaryChunkSize {
		end := min(start+summaryChunkSize, len(records))
		summary, err := a.summarizeChunk(ctx, records[start:end])
		if err != nil {
			return "", err
		}
		chunkSummaries = append(chunkSummaries, summary)
	}
	if len(chunkSummaries) == 1 {
		return chunkSummaries[0], nil
	}

	prompt := "Combine the following partial summaries of security alerts into one " +
		"coherent summary. Keep concrete indicators (hosts, addresses, rule names).\n\n" +
		strings.Join(chunkSummaries, "\n---\n")
	combined, err := a.client.Complete(ctx, prompt, a.liteModel, 2048, false)
	if err != nil {
		return "", fmt.Errorf("combine summaries: %w", err)
	}
	return strings.TrimSpace(combined), nil
}

func (a *Analyzer) summarizeChunk(ctx context.Context, records []types.LogRecord) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following security alerts in a few sentences, ")
	b.WriteString("keeping concrete indicators (hosts, addresses, rule names):\n\n")
	writeRecordJSON(&b, records)

	out, err := a.client.Complete(ctx, b.String(), a.liteModel, 2048, false)
	if err != nil {
		return "", fmt.Errorf("summarize logs: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Analyze runs the main analysis pass against the full model and returns a
// validated report. Output that is not valid JSON after every recovery
// strategy, or that fails schema validation, is a terminal service error.
func (a *Analyzer) Analyze(ctx context.Context, recent []types.LogRecord, historicalSummary string, existing []types.Issue, maxOutputTokens int) (*Report, error) {
	prompt := a.buildAnalysisPrompt(recent, historicalSummary, existing)

	out, err := a.client.Complete(ctx, prompt, a.fullModel, maxOutputTokens, true)
	if err != nil {
		return nil, err
	}

	report, err := ParseJSON[Report](out)
	if err != nil {
		a.logger.Error().Str("output_preview", preview(out)).Msg("analysis output unparsable")
		return nil, &gemini.ServiceError{Message: fmt.Sprintf("analysis report: %v", err)}
	}
	if err := a.validate.Struct(&report); err != nil {
		return nil, &gemini.ServiceError{Message: fmt.Sprintf("analysis report failed validation: %v", err)}
	}
	return &report, nil
}

func (a *Analyzer) buildAnalysisPrompt(recent []types.LogRecord, historicalSummary string, existing []types.Issue) string {
	var b strings.Builder
	b.WriteString("You are a senior SOC analyst hunting threats in SIEM alerts.\n\n")

	if historicalSummary != "" {
		b.WriteString("Historical context (summarized related alerts):\n")
		b.WriteString(historicalSummary)
		b.WriteString("\n\n")
	}

	if len(existing) > 0 {
		b.WriteString("Already-tracked issues (do NOT report these again):\n")
		for _, issue := range existing {
			fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Title)
		}
		b.WriteString("\n")
	}

	b.WriteString("New alerts to analyze (each prefixed with its sha256 digest):\n")
	writeRecordDigestLines(&b, recent, len(recent))

	b.WriteString("\nRespond with a JSON object of this exact shape:\n")
	b.WriteString(`{
  "overall_summary": "one paragraph on the current security posture",
  "identified_issues": [
    {
      "severity": "Low|Medium|High|Critical",
      "title": "short specific title",
      "summary": "what happened and the evidence",
      "recommendation": "concrete next step",
      "related_logs": ["sha256 digests of the supporting alerts"]
    }
  ]
}`)
	b.WriteString("\nReport only genuine security concerns; an empty identified_issues list is a valid answer.\n")
	return b.String()
}

// AnswerQuery answers a free-form analyst question grounded in stored
// context.
func (a *Analyzer) AnswerQuery(ctx context.Context, question string, contextRecords []types.LogRecord, issues []types.Issue) (string, error) {
	var b strings.Builder
	b.WriteString("You are a SOC analyst assistant. Answer the question using only ")
	b.WriteString("the provided context; say so when the context is insufficient.\n\n")

	if len(issues) > 0 {
		b.WriteString("Open issues:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", issue.Severity, issue.Title, issue.Summary)
		}
		b.WriteString("\n")
	}
	if len(contextRecords) > 0 {
		b.WriteString("Related alerts:\n")
		writeRecordJSON(&b, contextRecords)
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)

	out, err := a.client.Complete(ctx, b.String(), a.fullModel, 4096, false)
	if err != nil {
		return "", fmt.Errorf("answer query: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// AnswerIssueQuery answers a question about one specific issue, grounded in
// the issue's own fields and its supporting alerts.
func (a *Analyzer) AnswerIssueQuery(ctx context.Context, question string, issue types.Issue, relatedRecords []types.LogRecord) (string, error) {
	var b strings.Builder
	b.WriteString("You are a security analyst assistant. A user is asking about one ")
	b.WriteString("specific security issue. Answer directly from the issue details and ")
	b.WriteString("the supporting alerts, citing the sha256 digests of alerts that ")
	b.WriteString("back your answer; say so when the context is insufficient.\n\n")

	fmt.Fprintf(&b, "Issue:\nTitle: %s\nSeverity: %s\nSummary: %s\nRecommendation: %s\n\n",
		issue.Title, issue.Severity, issue.Summary, issue.Recommendation)

	if len(relatedRecords) > 0 {
		b.WriteString("Supporting alerts (each prefixed with its sha256 digest):\n")
		writeRecordDigestLines(&b, relatedRecords, len(relatedRecords))
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)

	out, err := a.client.Complete(ctx, b.String(), a.fullModel, 4096, false)
	if err != nil {
		return "", fmt.Errorf("answer issue query: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// writeRecordDigestLines emits up to max records as "digest: rule" lines.
func writeRecordDigestLines(b *strings.Builder, records []types.LogRecord, max int) {
	for i, rec := range records {
		if i >= max {
			fmt.Fprintf(b, "... and %d more\n", len(records)-max)
			return
		}
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		fmt.Fprintf(b, "%s: %s\n", rec.Digest(), data)
	}
}

func writeRecordJSON(b *strings.Builder, records []types.LogRecord) {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
