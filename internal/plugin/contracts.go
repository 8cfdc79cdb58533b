// Package plugin defines the orchestrator's plugin slots and their
// capability sets, plus the registry that resolves (slot, name) pairs to
// implementations.
package plugin

import (
	"context"

	"github.com/agentor/agentor/internal/common/config"
)

// Slot identifies a plugin capability set.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
)

// StartSpec describes an agent process to launch under a runtime.
type StartSpec struct {
	SessionID string
	Command   []string
	Env       map[string]string
	Dir       string
}

// Runtime hosts a running agent process and exposes terminal-level access to
// it. Handles are opaque; for the tmux runtime they are session names.
type Runtime interface {
	// Start launches the command and returns an opaque handle.
	Start(ctx context.Context, spec StartSpec) (handle string, err error)
	// IsAlive reports whether the handle still refers to a live process.
	IsAlive(ctx context.Context, handle string) (bool, error)
	// Output returns the last lastN lines of terminal output (all output
	// when lastN <= 0).
	Output(ctx context.Context, handle string, lastN int) (string, error)
	// Send delivers text to the process's terminal.
	Send(ctx context.Context, handle string, text string) error
	// Stop terminates the process.
	Stop(ctx context.Context, handle string) error
}

// ActivityState classifies what an agent appears to be doing based on its
// terminal tail.
type ActivityState string

const (
	ActivityActive       ActivityState = "active"
	ActivityIdle         ActivityState = "idle"
	ActivityWaitingInput ActivityState = "waiting_input"
	ActivityBlocked      ActivityState = "blocked"
	ActivityReady        ActivityState = "ready"
)

// LaunchSpec carries the options for building an agent launch command.
type LaunchSpec struct {
	SystemPromptFile string
	Model            string
	Permissions      []string
}

// Agent knows how to launch and observe one kind of coding agent.
type Agent interface {
	// BuildLaunchCommand returns the argv to start the agent.
	BuildLaunchCommand(spec LaunchSpec) []string
	// DetectActivity classifies the agent's state from its terminal tail.
	DetectActivity(terminalTail string) ActivityState
	// IsProcessRunning reports whether the agent process itself (as
	// opposed to its hosting runtime) is still running.
	IsProcessRunning(ctx context.Context, handle string) (bool, error)
	// PostLaunchSetup installs in-workspace hooks after launch. The hook
	// writes detected facts (branch, PR url, PRP artifacts) into the
	// session's metadata file.
	PostLaunchSetup(ctx context.Context, workspacePath, sessionID, metadataPath string) error
}

// WorkspaceSpec describes the isolated checkout to create for a session.
type WorkspaceSpec struct {
	Project   *config.Project
	Branch    string
	SessionID string
}

// Workspace creates and destroys isolated checkouts.
type Workspace interface {
	Create(ctx context.Context, spec WorkspaceSpec) (path string, err error)
	Destroy(ctx context.Context, path string) error
}

// Issue is the tracker-neutral issue representation.
type Issue struct {
	ID          string
	Number      int
	Title       string
	Description string
	State       string
	URL         string
	Labels      []string
	Assignees   []string
}

// IssueUpdate carries a tracker writeback. Empty fields are not applied.
type IssueUpdate struct {
	Comment string
	Status  string
}

// Tracker integrates one issue tracker.
type Tracker interface {
	GetIssue(ctx context.Context, id string, project *config.Project) (*Issue, error)
	IsCompleted(ctx context.Context, id string, project *config.Project) (bool, error)
	IssueURL(id string, project *config.Project) string
	BranchName(ctx context.Context, id string, project *config.Project) (string, error)
	GeneratePrompt(ctx context.Context, id string, project *config.Project) (string, error)
	UpdateIssue(ctx context.Context, id string, update IssueUpdate, project *config.Project) error
}

// PR state, CI and review summaries as reported by the SCM.
const (
	PRStateOpen   = "open"
	PRStateMerged = "merged"
	PRStateClosed = "closed"

	CIPassing = "passing"
	CIFailing = "failing"
	CIPending = "pending"

	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

// SCM probes and acts on pull request state for a project's source host.
type SCM interface {
	PRState(ctx context.Context, prURL string) (string, error)
	CISummary(ctx context.Context, prURL string) (string, error)
	ReviewDecision(ctx context.Context, prURL string) (string, error)
	Mergeability(ctx context.Context, prURL string) (bool, error)
	Merge(ctx context.Context, prURL string) error
}

// Notification is a human-facing message routed by priority band.
type Notification struct {
	Event     string
	Priority  string
	Title     string
	Body      string
	SessionID string
	ProjectID string
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
