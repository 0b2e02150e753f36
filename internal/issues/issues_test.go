package issues

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threathunter/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	return NewEngine(Config{
		IssuesPath:  filepath.Join(dir, "issues.json"),
		IgnoredPath: filepath.Join(dir, "ignored_issues.json"),
		MaxIssues:   1000,
	}, zerolog.Nop())
}

func candidate(title, summary string) types.IssueCandidate {
	return types.IssueCandidate{
		Severity:       types.SeverityHigh,
		Title:          title,
		Summary:        summary,
		Recommendation: "investigate",
	}
}

func TestIssueIDStable(t *testing.T) {
	a := IssueID("Repeated SSH failures from 10.0.0.5")
	b := IssueID("Repeated SSH failures from 10.0.0.5")
	assert.Equal(t, a, b)
	assert.Len(t, a, 10)
	assert.NotEqual(t, a, IssueID("Different title"))
}

func TestSignatureMatchesOnPrefixWords(t *testing.T) {
	// Only the first 5 title words and first 10 summary words matter.
	a := Signature(types.SeverityHigh,
		"Repeated SSH failures from alpha",
		"Multiple failed login attempts were observed against the bastion host today")
	b := Signature(types.SeverityHigh,
		"Repeated SSH failures from beta host",
		"Multiple failed login attempts were observed against the bastion host yesterday evening")
	assert.NotEqual(t, a, b) // fifth title word differs

	c := Signature(types.SeverityHigh,
		"Repeated SSH Failures From Host alpha trailing words",
		"multiple failed login attempts were observed against the bastion host EXTRA TAIL")
	d := Signature(types.SeverityHigh,
		"repeated ssh failures from host",
		"Multiple failed login attempts were observed against the bastion host")
	assert.Equal(t, c, d)
	assert.Len(t, c, 16)

	e := Signature(types.SeverityLow,
		"repeated ssh failures from host",
		"Multiple failed login attempts were observed against the bastion host")
	assert.NotEqual(t, d, e) // severity is part of the signature
}

func TestReconcileAcceptsNovel(t *testing.T) {
	engine := newTestEngine(t)
	accepted := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins from one source"),
		candidate("privilege escalation via sudo", "unexpected sudo to root"),
	})
	require.Len(t, accepted, 2)
	assert.Len(t, engine.Issues(), 2)
	for _, issue := range accepted {
		assert.NoError(t, issue.Validate())
		assert.NotEmpty(t, issue.Signature)
	}
	// Newest first: the second batch lands ahead of the first.
	more := engine.Reconcile([]types.IssueCandidate{
		candidate("web shell upload detected", "suspicious php file written"),
	})
	require.Len(t, more, 1)
	assert.Equal(t, more[0].ID, engine.Issues()[0].ID)
}

func TestReconcileRejectsDuplicateSignature(t *testing.T) {
	engine := newTestEngine(t)
	engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd from host alpha", "failed logins from one source address were observed on the bastion"),
	})

	// Same opening words, different tail: same signature, rejected.
	accepted := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd from host beta", "failed logins from one source address were observed on the bastion host today"),
	})
	assert.Empty(t, accepted)
	assert.Len(t, engine.Issues(), 1)
}

func TestReconcileRejectsIntraBatchDuplicate(t *testing.T) {
	engine := newTestEngine(t)
	accepted := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins"),
		candidate("brute force on sshd", "failed logins"),
	})
	assert.Len(t, accepted, 1)
}

func TestIgnoreSuppressesResurfacing(t *testing.T) {
	engine := newTestEngine(t)
	accepted := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins"),
	})
	require.Len(t, accepted, 1)
	id := accepted[0].ID

	require.NoError(t, engine.Ignore(id))
	assert.Empty(t, engine.Issues())
	assert.True(t, engine.IsIgnored(id))

	// The same finding reported again stays suppressed.
	again := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins"),
	})
	assert.Empty(t, again)
}

func TestIgnoreSurvivesReload(t *testing.T) {
	engine := newTestEngine(t)
	accepted := engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins"),
	})
	require.NoError(t, engine.Ignore(accepted[0].ID))
	require.NoError(t, engine.Persist())

	reloaded := NewEngine(Config{
		IssuesPath:  engine.issuesPath,
		IgnoredPath: engine.ignoredPath,
		MaxIssues:   1000,
	}, zerolog.Nop())
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.IsIgnored(accepted[0].ID))
	assert.Empty(t, reloaded.Issues())
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	engine.Reconcile([]types.IssueCandidate{
		candidate("brute force on sshd", "failed logins"),
		candidate("privilege escalation via sudo", "unexpected sudo to root"),
	})
	require.NoError(t, engine.Persist())

	reloaded := NewEngine(Config{
		IssuesPath:  engine.issuesPath,
		IgnoredPath: engine.ignoredPath,
		MaxIssues:   1000,
	}, zerolog.Nop())
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Issues(), 2)
	assert.Equal(t, engine.Issues(), reloaded.Issues())
}

func TestMaxIssuesTrim(t *testing.T) {
	engine := newTestEngine(t)
	engine.SetMaxIssues(3)

	for i := 0; i < 5; i++ {
		engine.Reconcile([]types.IssueCandidate{
			candidate(fmt.Sprintf("finding number %d entirely distinct", i),
				fmt.Sprintf("summary body %d with its own words", i)),
		})
	}
	issues := engine.Issues()
	require.Len(t, issues, 3)
	// Oldest findings fell off.
	assert.True(t, strings.Contains(issues[0].Title, "4"))
	assert.True(t, strings.Contains(issues[2].Title, "2"))
}

func TestRelatedLogsCleaned(t *testing.T) {
	engine := newTestEngine(t)
	cand := candidate("brute force on sshd", "failed logins")
	cand.RelatedLogs = []string{"a1b2c3d4e5f6", "  short ", "x", "deadbeefdeadbeef"}

	accepted := engine.Reconcile([]types.IssueCandidate{cand})
	require.Len(t, accepted, 1)
	assert.Equal(t, []string{"a1b2c3d4e5f6", "deadbeefdeadbeef"}, accepted[0].RelatedLogs)
}
