// Package claudeagent implements the agent plugin slot for the Claude Code
// CLI: launch command construction, terminal-tail activity heuristics, and
// the post-launch hook that merges detected facts back into the session's
// metadata file.
package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "claude"

const hookScriptName = "agentor-hook.sh"

// Agent drives the claude CLI.
type Agent struct {
	logger *logger.Logger
}

// New creates a Claude agent plugin.
func New(log *logger.Logger) *Agent {
	if log == nil {
		log = logger.Default()
	}
	return &Agent{logger: log.WithFields(zap.String("component", "claude-agent"))}
}

// BuildLaunchCommand implements plugin.Agent.
func (a *Agent) BuildLaunchCommand(spec plugin.LaunchSpec) []string {
	argv := []string{"claude"}
	if spec.SystemPromptFile != "" {
		argv = append(argv, "--append-system-prompt-file", spec.SystemPromptFile)
	}
	if spec.Model != "" {
		argv = append(argv, "--model", spec.Model)
	}
	if len(spec.Permissions) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(spec.Permissions, ","))
	}
	return argv
}

// Markers recognized in the terminal tail. The tail is the rendered TUI, so
// matching is substring-based and case-insensitive.
var (
	waitingMarkers = []string{
		"do you want",
		"would you like",
		"(y/n)",
		"waiting for your input",
		"permission required",
	}
	blockedMarkers = []string{
		"usage limit reached",
		"rate limit",
		"credit balance",
		"api error",
		"invalid api key",
	}
	activeMarkers = []string{
		"esc to interrupt",
		"tokens",
	}
)

// DetectActivity implements plugin.Agent by scanning the tail for TUI
// markers. Waiting beats blocked beats active: a visible question is the
// agent's current state regardless of what scrolled past earlier.
func (a *Agent) DetectActivity(terminalTail string) plugin.ActivityState {
	tail := strings.ToLower(terminalTail)
	for _, m := range waitingMarkers {
		if strings.Contains(tail, m) {
			return plugin.ActivityWaitingInput
		}
	}
	for _, m := range blockedMarkers {
		if strings.Contains(tail, m) {
			return plugin.ActivityBlocked
		}
	}
	for _, m := range activeMarkers {
		if strings.Contains(tail, m) {
			return plugin.ActivityActive
		}
	}
	return plugin.ActivityIdle
}

// handlePrefixes are the session-id prefixes the local runtimes use in
// their handles.
var handlePrefixes = []string{"agentor-", "pty-"}

// sessionIDFromHandle recovers the session id from a local runtime handle.
// Container runtimes use opaque handles the agent cannot map back.
func sessionIDFromHandle(handle string) (string, bool) {
	for _, prefix := range handlePrefixes {
		if id, ok := strings.CutPrefix(handle, prefix); ok {
			return id, true
		}
	}
	return "", false
}

// IsProcessRunning implements plugin.Agent by scanning /proc for a process
// carrying the session's AGENTOR_SESSION_ID environment entry. Opaque
// handles report running; for those the runtime's own liveness check is
// authoritative, since the container dies with its entry process.
func (a *Agent) IsProcessRunning(ctx context.Context, handle string) (bool, error) {
	id, ok := sessionIDFromHandle(handle)
	if !ok {
		return true, nil
	}
	needle := []byte("AGENTOR_SESSION_ID=" + id + "\x00")

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, fmt.Errorf("scan processes: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		environ, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "environ"))
		if err != nil {
			// Process exited or is not ours to inspect.
			continue
		}
		if strings.Contains(string(environ)+"\x00", string(needle)) {
			return true, nil
		}
	}
	return false, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hookSettings is the shape of the settings file the agent reads hooks from.
type hookSettings struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// PostLaunchSetup implements plugin.Agent. It installs a workspace-local
// hook script plus a settings.local.json wiring it to the Stop and
// PostToolUse events. On each firing the script merges freshly detected
// facts (branch, PR url, methodology phase) as key=value lines into the
// session's metadata file, staged in a temp file and renamed into place.
func (a *Agent) PostLaunchSetup(ctx context.Context, workspacePath, sessionID, metadataPath string) error {
	claudeDir := filepath.Join(workspacePath, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		return fmt.Errorf("create .claude directory: %w", err)
	}

	scriptPath := filepath.Join(claudeDir, hookScriptName)
	if err := os.WriteFile(scriptPath, []byte(hookScript(workspacePath, metadataPath)), 0o755); err != nil {
		return fmt.Errorf("write hook script: %w", err)
	}

	settings := hookSettings{
		Hooks: map[string][]hookMatcher{
			"Stop": {{
				Hooks: []hookEntry{{Type: "command", Command: scriptPath}},
			}},
			"PostToolUse": {{
				Matcher: "Bash",
				Hooks:   []hookEntry{{Type: "command", Command: scriptPath}},
			}},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write hook settings: %w", err)
	}

	a.logger.Debug("installed post-launch hooks",
		zap.String("session_id", sessionID),
		zap.String("workspace", workspacePath))
	return nil
}

// hookScript renders the fact-collection script. It uses the same
// merge-into-temp-then-rename discipline as the orchestrator's own metadata
// writer, so a concurrent merge never observes a partial file. The
// methodology phase is taken from the workspace marker the plugin's commands
// maintain, but never while the orchestrator holds the session at a gate.
func hookScript(workspacePath, metadataPath string) string {
	return fmt.Sprintf(`#!/bin/sh
# Installed by agentor; merges detected session facts into the metadata file.
ws=%q
meta=%q

[ -f "$meta" ] || exit 0
tmp="${meta}.hook.$$"
cp "$meta" "$tmp" 2>/dev/null || exit 0

put() {
  grep -v "^$1=" "$tmp" > "$tmp.new" || :
  mv "$tmp.new" "$tmp"
  printf '%%s=%%s\n' "$1" "$2" >> "$tmp"
}

branch=$(git -C "$ws" rev-parse --abbrev-ref HEAD 2>/dev/null)
if [ -n "$branch" ] && [ "$branch" != "HEAD" ]; then
  put branch "$branch"
fi

pr=$(cd "$ws" && gh pr view --json url --jq .url 2>/dev/null)
if [ -n "$pr" ]; then
  put pr "$pr"
fi

if [ -f "$ws/.claude/PRPs/phase" ]; then
  phase=$(head -n1 "$ws/.claude/PRPs/phase" | tr -d '[:space:]')
  cur=$(grep '^prpPhase=' "$tmp" | tail -n1 | cut -d= -f2)
  case "$cur" in
    plan_gate|implementing) ;;
    *)
      if [ -n "$phase" ] && [ "$phase" != "$cur" ]; then
        put prpPhase "$phase"
      fi
      ;;
  esac
fi

mv "$tmp" "$meta"
exit 0
`, workspacePath, metadataPath)
}
