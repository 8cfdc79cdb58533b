// Package session implements the session manager: spawning agents into
// isolated workspaces and the operations on running sessions.
package session

import (
	"regexp"
	"strings"
	"time"

	"github.com/agentor/agentor/internal/metadata"
)

// Status is a session's position in the lifecycle DAG.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusErrored          Status = "errored"
	StatusKilled           Status = "killed"
	StatusTerminated       Status = "terminated"
	StatusDone             Status = "done"
)

// Terminal reports whether the status ends the session's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusErrored, StatusKilled, StatusTerminated, StatusDone:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle DAG. Used when reconciling the
// in-memory tracked status with the persisted one: the greater wins.
func Rank(s Status) int {
	switch s {
	case StatusSpawning:
		return 0
	case StatusWorking, StatusNeedsInput, StatusStuck:
		return 1
	case StatusPROpen:
		return 2
	case StatusCIFailed, StatusReviewPending:
		return 3
	case StatusChangesRequested, StatusApproved:
		return 4
	case StatusMergeable:
		return 5
	case StatusMerged, StatusErrored, StatusKilled, StatusTerminated, StatusDone:
		return 6
	}
	return 0
}

// PRP phase values carried in session metadata.
const (
	PhaseInvestigating    = "investigating"
	PhasePlanning         = "planning"
	PhasePlanningComplete = "planning_complete"
	PhasePlanGate         = "plan_gate"
	PhaseImplementing     = "implementing"
)

// Session is one long-lived attempt by one agent on one issue.
type Session struct {
	ID             string
	ProjectID      string
	Status         Status
	Branch         string
	WorkspacePath  string
	RuntimeHandle  string
	RuntimeName    string // runtime plugin name
	AgentName      string // agent plugin name
	IssueID        string
	PR             string
	PRPPhase       string
	Metadata       map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// FromMetadata builds a Session from a parsed metadata map.
func FromMetadata(id string, m map[string]string) *Session {
	s := &Session{
		ID:            id,
		ProjectID:     m[metadata.KeyProject],
		Status:        Status(m[metadata.KeyStatus]),
		Branch:        m[metadata.KeyBranch],
		WorkspacePath: m[metadata.KeyWorktree],
		RuntimeHandle: m[metadata.KeyRuntimeName],
		RuntimeName:   m[metadata.KeyRuntime],
		AgentName:     m[metadata.KeyAgent],
		IssueID:       m[metadata.KeyIssue],
		PR:            m[metadata.KeyPR],
		PRPPhase:      m[metadata.KeyPRPPhase],
		Metadata:      m,
	}
	if t, err := time.Parse(time.RFC3339, m[metadata.KeyCreated]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m[metadata.KeyLastActivity]); err == nil {
		s.LastActivityAt = t
	}
	return s
}

var nonBranchChars = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)

// SanitizeBranch turns an arbitrary identifier into a usable git branch
// fragment.
func SanitizeBranch(s string) string {
	s = nonBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/.")
	if s == "" {
		return "work"
	}
	return s
}

// IssueNumber extracts the trailing numeric component of an issue id or
// issue URL, or "" when there is none.
var trailingNumber = regexp.MustCompile(`(\d+)\s*$`)

func IssueNumber(issueID string) string {
	m := trailingNumber.FindStringSubmatch(strings.TrimRight(issueID, "/"))
	if m == nil {
		return ""
	}
	return m[1]
}

// MatchesIssue reports whether a session's issue reference refers to the
// given issue number or id.
func (s *Session) MatchesIssue(issueRef string) bool {
	if s.IssueID == "" || issueRef == "" {
		return false
	}
	if s.IssueID == issueRef {
		return true
	}
	num := IssueNumber(issueRef)
	return num != "" && IssueNumber(s.IssueID) == num
}
