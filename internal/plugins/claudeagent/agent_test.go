package claudeagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/plugin"
)

func TestBuildLaunchCommand(t *testing.T) {
	a := New(nil)

	assert.Equal(t, []string{"claude"}, a.BuildLaunchCommand(plugin.LaunchSpec{}))

	argv := a.BuildLaunchCommand(plugin.LaunchSpec{
		SystemPromptFile: "/ws/.claude/system-prompt.md",
		Model:            "claude-sonnet-4-5",
		Permissions:      []string{"Bash(git:*)", "Edit"},
	})
	assert.Equal(t, []string{
		"claude",
		"--append-system-prompt-file", "/ws/.claude/system-prompt.md",
		"--model", "claude-sonnet-4-5",
		"--allowedTools", "Bash(git:*),Edit",
	}, argv)
}

func TestDetectActivity(t *testing.T) {
	a := New(nil)

	tests := []struct {
		name string
		tail string
		want plugin.ActivityState
	}{
		{"question prompt", "Do you want to run this command? (y/n)", plugin.ActivityWaitingInput},
		{"rate limited", "API Error: rate limit exceeded, retrying", plugin.ActivityBlocked},
		{"working", "Running tests... (esc to interrupt)", plugin.ActivityActive},
		{"quiet prompt", "\n> ", plugin.ActivityIdle},
		{"waiting beats stale activity", "esc to interrupt\nDo you want to proceed?", plugin.ActivityWaitingInput},
		{"waiting beats error scrollback", "api error earlier\nWould you like me to continue?", plugin.ActivityWaitingInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.DetectActivity(tt.tail))
		})
	}
}

func TestPostLaunchSetupWritesHooks(t *testing.T) {
	a := New(nil)
	ws := t.TempDir()
	meta := filepath.Join(t.TempDir(), "app-1")

	require.NoError(t, a.PostLaunchSetup(context.Background(), ws, "app-1", meta))

	script, err := os.ReadFile(filepath.Join(ws, ".claude", hookScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), meta)
	assert.Contains(t, string(script), "prpPhase=")

	info, err := os.Stat(filepath.Join(ws, ".claude", hookScriptName))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "hook script must be executable")

	raw, err := os.ReadFile(filepath.Join(ws, ".claude", "settings.local.json"))
	require.NoError(t, err)
	var settings hookSettings
	require.NoError(t, json.Unmarshal(raw, &settings))
	require.Len(t, settings.Hooks["Stop"], 1)
	assert.Equal(t, filepath.Join(ws, ".claude", hookScriptName), settings.Hooks["Stop"][0].Hooks[0].Command)
	require.Len(t, settings.Hooks["PostToolUse"], 1)
	assert.Equal(t, "Bash", settings.Hooks["PostToolUse"][0].Matcher)
}

func TestSessionIDFromHandle(t *testing.T) {
	id, ok := sessionIDFromHandle("agentor-app-1")
	assert.True(t, ok)
	assert.Equal(t, "app-1", id)

	id, ok = sessionIDFromHandle("pty-app-2")
	assert.True(t, ok)
	assert.Equal(t, "app-2", id)

	_, ok = sessionIDFromHandle("8f2c1d9e0a")
	assert.False(t, ok)
}

func TestIsProcessRunningOpaqueHandle(t *testing.T) {
	a := New(nil)
	running, err := a.IsProcessRunning(context.Background(), "8f2c1d9e0a")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestHookScriptNeverOverridesGatePhases(t *testing.T) {
	script := hookScript("/ws", "/state/app-1")
	assert.Contains(t, script, "plan_gate|implementing")
}

func TestHookScriptMergesViaRename(t *testing.T) {
	script := hookScript("/ws", "/state/app-1")

	// Facts are staged into a temp copy and renamed over the metadata
	// file; the live file is never appended to directly.
	assert.Contains(t, script, `tmp="${meta}.hook.$$"`)
	assert.Contains(t, script, `mv "$tmp" "$meta"`)
	assert.NotContains(t, script, `>> "$meta"`)
}
