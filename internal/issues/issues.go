// Package issues deduplicates and persists security findings. Identity is
// content-derived: a short title hash for the id and a coarse
// severity/title/summary signature for near-duplicate suppression.
package issues

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threathunter/internal/persist"
	"threathunter/internal/types"
)

// IssueID derives the stable short identifier for a title.
func IssueID(title string) string {
	sum := sha256.Sum256([]byte(title))
	return hex.EncodeToString(sum[:])[:10]
}

// Signature derives the near-duplicate fingerprint: severity, the first five
// title words, and the first ten summary words, case-folded. Two findings
// that open the same way about the same severity are treated as one.
func Signature(severity types.Severity, title, summary string) string {
	parts := []string{
		strings.ToLower(string(severity)),
		firstWords(title, 5),
		firstWords(summary, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func firstWords(s string, n int) string {
	words := strings.Fields(strings.ToLower(s))
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// Config holds engine configuration.
type Config struct {
	// IssuesPath is where the active issue list is persisted.
	IssuesPath string
	// IgnoredPath is where the ignore set is persisted.
	IgnoredPath string
	// MaxIssues caps the active list; oldest issues fall off.
	MaxIssues int
}

// Engine is the issue store. Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	active  []types.Issue // newest first
	ignored map[string]struct{}

	issuesPath  string
	ignoredPath string
	maxIssues   int
	logger      zerolog.Logger
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	maxIssues := cfg.MaxIssues
	if maxIssues <= 0 {
		maxIssues = 1000
	}
	return &Engine{
		ignored:     make(map[string]struct{}),
		issuesPath:  cfg.IssuesPath,
		ignoredPath: cfg.IgnoredPath,
		maxIssues:   maxIssues,
		logger:      logger.With().Str("component", "issues").Logger(),
	}
}

// SetMaxIssues adjusts the active-list cap at runtime.
func (e *Engine) SetMaxIssues(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxIssues = n
	e.trimLocked()
}

// Issues returns a copy of the active list, newest first.
func (e *Engine) Issues() []types.Issue {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Issue, len(e.active))
	copy(out, e.active)
	return out
}

// Reconcile folds candidates into the active list, rejecting duplicates by
// signature (including within the batch), previously ignored ids, and ids
// already active. Accepted issues are prepended newest first and the list is
// trimmed to the cap. Returns the accepted issues.
func (e *Engine) Reconcile(candidates []types.IssueCandidate) []types.Issue {
	e.mu.Lock()
	defer e.mu.Unlock()

	signatures := make(map[string]struct{}, len(e.active))
	ids := make(map[string]struct{}, len(e.active))
	for _, issue := range e.active {
		signatures[issue.Signature] = struct{}{}
		ids[issue.ID] = struct{}{}
	}

	var accepted []types.Issue
	now := time.Now().UTC()
	for _, cand := range candidates {
		id := IssueID(cand.Title)
		sig := Signature(cand.Severity, cand.Title, cand.Summary)

		if _, ok := e.ignored[id]; ok {
			e.logger.Debug().Str("id", id).Str("title", cand.Title).
				Msg("dropping previously ignored issue")
			continue
		}
		if _, ok := ids[id]; ok {
			continue
		}
		if _, ok := signatures[sig]; ok {
			continue
		}

		issue := types.Issue{
			ID:             id,
			Timestamp:      now,
			Severity:       cand.Severity,
			Title:          cand.Title,
			Summary:        cand.Summary,
			Recommendation: cand.Recommendation,
			RelatedLogs:    cleanRelatedLogs(cand.RelatedLogs),
			Signature:      sig,
		}
		ids[id] = struct{}{}
		signatures[sig] = struct{}{}
		accepted = append(accepted, issue)
	}

	if len(accepted) > 0 {
		e.active = append(accepted, e.active...)
		e.trimLocked()
		e.logger.Info().Int("accepted", len(accepted)).Int("active", len(e.active)).
			Msg("issues reconciled")
	}
	return accepted
}

// cleanRelatedLogs keeps only plausible digest references.
func cleanRelatedLogs(refs []string) []string {
	var out []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if len(ref) >= 8 {
			out = append(out, ref)
		}
	}
	return out
}

func (e *Engine) trimLocked() {
	if len(e.active) > e.maxIssues {
		e.active = e.active[:e.maxIssues]
	}
}

// Ignore removes id from the active list and records it in the persisted
// ignore set, so analysis never resurfaces it.
func (e *Engine) Ignore(id string) error {
	e.mu.Lock()
	found := false
	for i, issue := range e.active {
		if issue.ID == id {
			e.active = append(e.active[:i], e.active[i+1:]...)
			found = true
			break
		}
	}
	e.ignored[id] = struct{}{}
	ignoredList := e.ignoredListLocked()
	e.mu.Unlock()

	if !found {
		e.logger.Warn().Str("id", id).Msg("ignoring id not in active list")
	}
	// The ignore set is persisted immediately; losing it would resurrect
	// dismissed findings on the next cycle.
	if err := persist.WriteJSON(e.ignoredPath, ignoredList); err != nil {
		return fmt.Errorf("persist ignore set: %w", err)
	}
	return nil
}

// IsIgnored reports whether id has been dismissed.
func (e *Engine) IsIgnored(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ignored[id]
	return ok
}

func (e *Engine) ignoredListLocked() []string {
	out := make([]string, 0, len(e.ignored))
	for id := range e.ignored {
		out = append(out, id)
	}
	return out
}

// Persist writes the active list. The ignore set is persisted on each
// Ignore call; it is rewritten here too so both files stay current.
func (e *Engine) Persist() error {
	e.mu.Lock()
	activeCopy := make([]types.Issue, len(e.active))
	copy(activeCopy, e.active)
	ignoredList := e.ignoredListLocked()
	e.mu.Unlock()

	if err := persist.WriteJSON(e.issuesPath, activeCopy); err != nil {
		return fmt.Errorf("persist issues: %w", err)
	}
	if err := persist.WriteJSON(e.ignoredPath, ignoredList); err != nil {
		return fmt.Errorf("persist ignore set: %w", err)
	}
	return nil
}

// Load restores the active list and ignore set. Missing files leave the
// engine empty; a corrupt file is an error.
func (e *Engine) Load() error {
	var active []types.Issue
	if err := persist.ReadJSON(e.issuesPath, &active); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load issues: %w", err)
	}
	var ignoredList []string
	if err := persist.ReadJSON(e.ignoredPath, &ignoredList); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load ignore set: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = active
	e.ignored = make(map[string]struct{}, len(ignoredList))
	for _, id := range ignoredList {
		e.ignored[id] = struct{}{}
	}
	e.trimLocked()
	e.logger.Info().Int("active", len(e.active)).Int("ignored", len(e.ignored)).
		Msg("issue store loaded")
	return nil
}
