// Package events defines the bus subjects and event types emitted by the
// orchestrator.
package events

// Lifecycle transition event types. Each corresponds to a status transition
// observed by the lifecycle poll.
const (
	PRCreated               = "pr.created"
	CIFailing               = "ci.failing"
	ReviewPending           = "review.pending"
	ReviewChangesRequested  = "review.changes_requested"
	ReviewApproved          = "review.approved"
	MergeReady              = "merge.ready"
	MergeCompleted          = "merge.completed"
	SessionNeedsInput       = "session.needs_input"
	SessionStuck            = "session.stuck"
	SessionErrored          = "session.errored"
	SessionKilled           = "session.killed"
)

// Spawn pipeline and reaction event types.
const (
	SessionSpawned      = "session.spawned"
	SessionsAllComplete = "sessions.all_complete"
	ReactionTriggered   = "reaction.triggered"
	ReactionEscalated   = "reaction.escalated"
	PRPPlanGate         = "prp.plan_gate"
	PRPPhaseChanged     = "prp.phase_changed"
)

// Notification priority bands, highest first.
const (
	PriorityUrgent  = "urgent"
	PriorityAction  = "action"
	PriorityWarning = "warning"
	PriorityInfo    = "info"
)
