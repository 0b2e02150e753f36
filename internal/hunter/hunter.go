// Package hunter runs the processing cycle: tail new alerts, embed and store
// the novel ones, retrieve historical context, analyze, and persist the
// resulting issues and dashboard state.
package hunter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threathunter/internal/analysis"
	"threathunter/internal/config"
	"threathunter/internal/metrics"
	"threathunter/internal/persist"
	"threathunter/internal/tailer"
	"threathunter/internal/types"
	"threathunter/internal/vectorstore"
)

// contextCap bounds how many retrieved historical records feed one analysis
// pass, independent of the configured search width.
const contextCap = 300

// trendWindow is how much per-minute ingest history the dashboard keeps.
const trendWindow = 60 * time.Minute

// LogSource is the tailer surface the hunter drives.
type LogSource interface {
	ReadBatch(maxRecords int) (*tailer.Batch, error)
	InitialScan(lastN int) (*tailer.Batch, error)
	CommitOffset(offset int64) error
}

// RecordStore is the vector store surface the hunter drives.
type RecordStore interface {
	Len() int
	FilterNovel(records []types.LogRecord) []types.LogRecord
	Insert(ctx context.Context, records []types.LogRecord) (int, error)
	Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error)
	Get(digest string) (types.LogRecord, bool)
	Persist() error
}

// ReportAnalyzer is the analysis surface the hunter drives.
type ReportAnalyzer interface {
	GenerateRetrievalQueries(ctx context.Context, recent []types.LogRecord) ([]string, error)
	SummarizeLogs(ctx context.Context, records []types.LogRecord) (string, error)
	Analyze(ctx context.Context, recent []types.LogRecord, historicalSummary string, existing []types.Issue, maxOutputTokens int) (*analysis.Report, error)
	AnswerQuery(ctx context.Context, question string, contextRecords []types.LogRecord, issues []types.Issue) (string, error)
	AnswerIssueQuery(ctx context.Context, question string, issue types.Issue, relatedRecords []types.LogRecord) (string, error)
}

// IssueStore is the issue engine surface the hunter drives.
type IssueStore interface {
	Issues() []types.Issue
	Reconcile(candidates []types.IssueCandidate) []types.Issue
	Ignore(id string) error
	SetMaxIssues(n int)
	Persist() error
}

// TrendPoint is one minute of ingest volume.
type TrendPoint struct {
	Minute time.Time `json:"minute"`
	Count  int       `json:"count"`
}

// Snapshot is the dashboard view of the hunter.
type Snapshot struct {
	State            types.CycleState `json:"state"`
	StatusMessage    string           `json:"status_message"`
	CycleID          string           `json:"cycle_id"`
	LastRun          time.Time        `json:"last_run"`
	OverallSummary   string           `json:"overall_summary"`
	TotalLogs        int              `json:"total_logs"`
	NewLogsLastCycle int              `json:"new_logs_last_cycle"`
	LogTrend         []TrendPoint     `json:"log_trend"`
	RuleDistribution map[string]int   `json:"rule_distribution"`
	Issues           []types.Issue    `json:"issues"`
}

// Hunter owns the cycle loop. All exported methods are safe for concurrent
// use; the cycle itself runs on the Run goroutine.
type Hunter struct {
	source   LogSource
	store    RecordStore
	analyzer ReportAnalyzer
	engine   IssueStore
	settings *config.SettingsStore
	metrics  *metrics.Collector
	logger   zerolog.Logger

	dashboardPath string

	mu             sync.Mutex
	state          types.CycleState
	statusMessage  string
	cycleID        string
	lastRun        time.Time
	overallSummary string
	newLogs        int
	trend          map[time.Time]int
	ruleDist       map[string]int

	trigger chan struct{}
	now     func() time.Time
}

// Deps bundles the hunter's collaborators.
type Deps struct {
	Source        LogSource
	Store         RecordStore
	Analyzer      ReportAnalyzer
	Engine        IssueStore
	Settings      *config.SettingsStore
	Metrics       *metrics.Collector
	DashboardPath string
}

// New creates a hunter in the idle state.
func New(deps Deps, logger zerolog.Logger) *Hunter {
	return &Hunter{
		source:        deps.Source,
		store:         deps.Store,
		analyzer:      deps.Analyzer,
		engine:        deps.Engine,
		settings:      deps.Settings,
		metrics:       deps.Metrics,
		logger:        logger.With().Str("component", "hunter").Logger(),
		dashboardPath: deps.DashboardPath,
		state:         types.StateIdle,
		statusMessage: "waiting for first cycle",
		trend:         make(map[time.Time]int),
		ruleDist:      make(map[string]int),
		trigger:       make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Run executes cycles until ctx is done: one immediately, then on every
// interval tick or manual trigger. Cycle failures are reported through the
// dashboard state and never stop the loop.
func (h *Hunter) Run(ctx context.Context) {
	h.logger.Info().Msg("hunter loop starting")
	h.cycle(ctx)

	for {
		interval := time.Duration(h.settings.Get().ProcessingIntervalSec) * time.Second
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.logger.Info().Msg("hunter loop stopping")
			return
		case <-h.trigger:
			timer.Stop()
		case <-timer.C:
		}
		h.cycle(ctx)
	}
}

// TriggerNow requests an immediate cycle. A pending trigger coalesces.
func (h *Hunter) TriggerNow() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// cycle runs one full pass, mapping any failure into the error state.
func (h *Hunter) cycle(ctx context.Context) {
	started := h.now()
	id := uuid.NewString()
	h.mu.Lock()
	h.cycleID = id
	h.mu.Unlock()

	log := h.logger.With().Str("cycle_id", id).Logger()
	log.Info().Msg("cycle starting")

	if err := h.runCycle(ctx, log); err != nil {
		h.setState(types.StateError, fmt.Sprintf("cycle failed: %v", err))
		log.Error().Err(err).Msg("cycle failed")
		// Best effort: the dashboard should show the failure even if the
		// cycle never reached its own persist phase.
		if werr := h.writeDashboard(); werr != nil {
			log.Error().Err(werr).Msg("persisting failure state")
		}
	}

	h.mu.Lock()
	h.lastRun = h.now()
	h.mu.Unlock()
	h.metrics.SetCycleDuration(h.now().Sub(started).Seconds())
	log.Info().Dur("took", h.now().Sub(started)).Msg("cycle finished")
}

func (h *Hunter) runCycle(ctx context.Context, log zerolog.Logger) error {
	settings := h.settings.Get()
	h.engine.SetMaxIssues(settings.MaxIssues)

	// Tail.
	h.setState(types.StateTailing, "reading new alerts")
	var batch *tailer.Batch
	var err error
	if h.store.Len() == 0 {
		batch, err = h.source.InitialScan(settings.InitialScanCount)
	} else {
		batch, err = h.source.ReadBatch(settings.LogBatchSize)
	}
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	if batch.Rotated {
		log.Info().Msg("log file rotated since last cycle")
	}

	novel := h.store.FilterNovel(batch.Records)

	// Embed and store.
	h.setState(types.StateEmbedding, fmt.Sprintf("embedding %d new alerts", len(novel)))
	if _, err := h.store.Insert(ctx, novel); err != nil {
		// Chunks that failed to embed were dropped; their lines stay behind
		// the uncommitted offset only on full failure, so log and move on.
		log.Warn().Err(err).Msg("some alerts could not be embedded this cycle")
	}

	// Commit only after the store has the records.
	if err := h.source.CommitOffset(batch.NewOffset); err != nil {
		log.Error().Err(err).Msg("offset commit failed; records may be re-read next cycle")
	}

	h.noteIngested(batch.Records, len(novel))

	if len(novel) == 0 {
		h.setState(types.StateIdle, "no new alerts")
		log.Info().Msg("nothing new to analyze")
		return h.writeDashboard()
	}

	// Retrieve historical context.
	h.setState(types.StateRetrievingContext, "retrieving historical context")
	historical, err := h.retrieveContext(ctx, novel, settings.AnalysisK, log)
	if err != nil {
		return err
	}
	historicalSummary := ""
	if len(historical) > 0 {
		historicalSummary, err = h.analyzer.SummarizeLogs(ctx, historical)
		if err != nil {
			return fmt.Errorf("summarize context: %w", err)
		}
	}

	// Analyze.
	h.setState(types.StateAnalyzing, fmt.Sprintf("analyzing %d alerts", len(novel)))
	report, err := h.analyzer.Analyze(ctx, novel, historicalSummary, h.engine.Issues(), settings.MaxOutputTokens)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	accepted := h.engine.Reconcile(report.IdentifiedIssues)
	log.Info().Int("reported", len(report.IdentifiedIssues)).Int("accepted", len(accepted)).
		Msg("analysis complete")

	h.mu.Lock()
	h.overallSummary = report.OverallSummary
	h.mu.Unlock()

	// Persist.
	h.setState(types.StatePersisting, "persisting state")
	if err := h.store.Persist(); err != nil {
		log.Error().Err(err).Msg("vector store persist failed")
	}
	if err := h.engine.Persist(); err != nil {
		log.Error().Err(err).Msg("issue store persist failed")
	}

	h.setState(types.StateIdle, fmt.Sprintf("last cycle ingested %d alerts, %d new issues",
		len(novel), len(accepted)))
	return h.writeDashboard()
}

// retrieveContext turns the novel batch into search queries and collects the
// matching historical records, excluding the batch itself.
func (h *Hunter) retrieveContext(ctx context.Context, novel []types.LogRecord, searchK int, log zerolog.Logger) ([]types.LogRecord, error) {
	queries, err := h.analyzer.GenerateRetrievalQueries(ctx, novel)
	if err != nil {
		return nil, fmt.Errorf("retrieval queries: %w", err)
	}
	if len(queries) == 0 {
		return nil, nil
	}

	exclude := make(map[string]struct{}, len(novel))
	for _, rec := range novel {
		exclude[rec.Digest()] = struct{}{}
	}

	seen := make(map[string]struct{})
	var historical []types.LogRecord
	for _, query := range queries {
		results, err := h.store.Search(ctx, query, searchK)
		if err != nil {
			log.Warn().Err(err).Str("query", query).Msg("context search failed")
			continue
		}
		for _, res := range results {
			if _, ok := exclude[res.Digest]; ok {
				continue
			}
			if _, ok := seen[res.Digest]; ok {
				continue
			}
			seen[res.Digest] = struct{}{}
			historical = append(historical, res.Record)
			if len(historical) >= contextCap {
				return historical, nil
			}
		}
	}
	return historical, nil
}

// noteIngested updates the trend buckets and rule distribution.
func (h *Hunter) noteIngested(records []types.LogRecord, novel int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	minute := h.now().Truncate(time.Minute)
	h.trend[minute] += novel
	cutoff := h.now().Add(-trendWindow)
	for bucket := range h.trend {
		if bucket.Before(cutoff) {
			delete(h.trend, bucket)
		}
	}

	for _, rec := range records {
		h.ruleDist[rec.RuleDescription()]++
	}
	h.newLogs = novel
}

func (h *Hunter) setState(state types.CycleState, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	h.statusMessage = message
}

// Snapshot returns the current dashboard view.
func (h *Hunter) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	trend := make([]TrendPoint, 0, len(h.trend))
	for minute, count := range h.trend {
		trend = append(trend, TrendPoint{Minute: minute, Count: count})
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Minute.Before(trend[j].Minute) })

	ruleDist := make(map[string]int, len(h.ruleDist))
	for rule, count := range h.ruleDist {
		ruleDist[rule] = count
	}

	return Snapshot{
		State:            h.state,
		StatusMessage:    h.statusMessage,
		CycleID:          h.cycleID,
		LastRun:          h.lastRun,
		OverallSummary:   h.overallSummary,
		TotalLogs:        h.store.Len(),
		NewLogsLastCycle: h.newLogs,
		LogTrend:         trend,
		RuleDistribution: ruleDist,
		Issues:           h.engine.Issues(),
	}
}

func (h *Hunter) writeDashboard() error {
	if h.dashboardPath == "" {
		return nil
	}
	if err := persist.WriteJSON(h.dashboardPath, h.Snapshot()); err != nil {
		return fmt.Errorf("persist dashboard: %w", err)
	}
	return nil
}

// IgnoreIssue dismisses an issue permanently and refreshes the dashboard.
func (h *Hunter) IgnoreIssue(id string) error {
	if err := h.engine.Ignore(id); err != nil {
		return err
	}
	return h.writeDashboard()
}

// GetLog returns a stored record by digest.
func (h *Hunter) GetLog(digest string) (types.LogRecord, bool) {
	return h.store.Get(digest)
}

// ErrUnknownIssue is returned by QueryIssue for ids not in the active list.
var ErrUnknownIssue = errors.New("unknown issue")

// issueQueryContextCap bounds how many of an issue's supporting alerts feed
// the per-issue query prompt.
const issueQueryContextCap = 10

// QueryIssue answers a question about one active issue, grounded in the
// issue's fields and its supporting alerts.
func (h *Hunter) QueryIssue(ctx context.Context, id, question string) (string, error) {
	var target *types.Issue
	for _, issue := range h.engine.Issues() {
		if issue.ID == id {
			target = &issue
			break
		}
	}
	if target == nil {
		return "", ErrUnknownIssue
	}

	var related []types.LogRecord
	for _, digest := range target.RelatedLogs {
		if len(related) >= issueQueryContextCap {
			break
		}
		if rec, ok := h.store.Get(digest); ok {
			related = append(related, rec)
		}
	}
	return h.analyzer.AnswerIssueQuery(ctx, question, *target, related)
}

// Chat answers an analyst question grounded in the stored corpus and the
// open issue list.
func (h *Hunter) Chat(ctx context.Context, question string) (string, error) {
	var contextRecords []types.LogRecord
	results, err := h.store.Search(ctx, question, h.settings.Get().SearchK)
	if err != nil {
		h.logger.Warn().Err(err).Msg("chat context search failed")
	} else {
		// Keep the prompt bounded even with a deep retrieval setting.
		for _, res := range results[:min(len(results), 20)] {
			contextRecords = append(contextRecords, res.Record)
		}
	}
	return h.analyzer.AnswerQuery(ctx, question, contextRecords, h.engine.Issues())
}
