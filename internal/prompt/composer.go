// Package prompt builds agent prompts in layers: a fixed base, the
// tracker-derived issue context, project extras, and (for PRP projects) a
// system prompt file plus methodology symlinks.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// basePrompt establishes the agent's role. It is always the first layer.
const basePrompt = `You are an autonomous software engineer working on one issue in an isolated workspace.
Work the issue end to end: understand it, implement it on the session branch, keep the build and tests green, and open a pull request when done.
Commit in small steps. If you are blocked on a decision only a human can make, say so clearly and wait.`

// Composer builds layered prompts and PRP system prompt files.
type Composer struct {
	scratchRoot string // per-project system prompt files live underneath
	logger      *logger.Logger
}

// NewComposer creates a Composer writing scratch files under scratchRoot.
func NewComposer(scratchRoot string, log *logger.Logger) *Composer {
	if log == nil {
		log = logger.Default()
	}
	return &Composer{
		scratchRoot: scratchRoot,
		logger:      log.WithFields(zap.String("component", "prompt-composer")),
	}
}

// Compose builds the agent prompt: base + issue context + project extras.
// An explicit prompt, when given, replaces the issue context layer.
func (c *Composer) Compose(ctx context.Context, tracker plugin.Tracker, project *config.Project, issueID, explicit string) (string, error) {
	layers := []string{basePrompt}

	switch {
	case explicit != "":
		layers = append(layers, explicit)
	case issueID != "" && tracker != nil:
		issueContext, err := tracker.GeneratePrompt(ctx, issueID, project)
		if err != nil {
			return "", fmt.Errorf("generate issue prompt: %w", err)
		}
		if issueContext != "" {
			layers = append(layers, issueContext)
		}
	}

	for _, extra := range project.Prompts {
		if extra != "" {
			layers = append(layers, extra)
		}
	}

	return strings.Join(layers, "\n\n"), nil
}

// SystemPromptPath returns where the PRP system prompt file for a session is
// written.
func (c *Composer) SystemPromptPath(projectID, sessionID string) string {
	return filepath.Join(c.scratchRoot, projectID, fmt.Sprintf("system-%s.md", sessionID))
}

// WriteSystemPromptFile composes the PRP system prompt for a session and
// writes it into the project's scratch directory, returning its path.
func (c *Composer) WriteSystemPromptFile(project *config.Project, sessionID string, issue *plugin.Issue) (string, error) {
	if !project.PRPEnabled() {
		return "", fmt.Errorf("project %s does not have PRP enabled", project.ID)
	}

	path := c.SystemPromptPath(project.ID, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}

	content := composeSystemPrompt(project.PRP, issue)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write system prompt file: %w", err)
	}

	c.logger.Debug("wrote system prompt file",
		zap.String("session_id", sessionID),
		zap.String("path", path))
	return path, nil
}

func composeSystemPrompt(prp *config.PRPConfig, issue *plugin.Issue) string {
	var b strings.Builder

	b.WriteString(`# Working method

You follow a structured delivery lifecycle with five mandatory steps, in order:

1. **Investigate** the issue and the codebase before touching anything.
2. **Plan** the change and record the plan as a plan document.
3. **Implement** the plan, running your own validation loop (build, tests, lint) until green.
4. **Open a pull request** describing the change.
5. **Self-review** the diff and address what you find.

Never skip a step and never reorder them.
`)

	b.WriteString("\n## This issue\n\n")
	if issue != nil {
		fmt.Fprintf(&b, "You are working on: %s (%s)\n\n", issue.Title, issue.URL)
	}
	b.WriteString(`Run these commands in order, completing each before starting the next:

1. /prp:investigate
2. /prp:plan
3. /prp:implement
4. /prp:pr
5. /prp:review
`)

	if prp.Gates.Plan {
		b.WriteString(`
## Plan gate

After the plan document is written, STOP. Do not start implementation.
A human will review the plan on the issue and reply with an approval comment.
You will receive a message when you may proceed.
`)
	}
	if prp.Gates.PR {
		b.WriteString(`
## PR gate

After opening the pull request, STOP. Do not merge or continue.
Wait for a human to review and respond on the pull request.
`)
	}

	return b.String()
}
