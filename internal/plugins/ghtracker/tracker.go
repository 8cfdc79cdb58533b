// Package ghtracker implements the tracker plugin slot against GitHub
// Issues through the gh CLI, reusing its stored authentication.
package ghtracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "github"

const commandTimeout = 30 * time.Second

// Tracker talks to GitHub Issues via gh.
type Tracker struct {
	logger *logger.Logger
}

// New creates a GitHub tracker.
func New(log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{logger: log.WithFields(zap.String("component", "github-tracker"))}
}

// Available reports whether the gh CLI is installed.
func Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

func (t *Tracker) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ghIssue is the JSON shape returned by gh issue view.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

// GetIssue implements plugin.Tracker.
func (t *Tracker) GetIssue(ctx context.Context, id string, project *config.Project) (*plugin.Issue, error) {
	out, err := t.run(ctx, "issue", "view", id,
		"--repo", project.Repo,
		"--json", "number,title,body,state,url,labels,assignees")
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}

	issue := &plugin.Issue{
		ID:          id,
		Number:      raw.Number,
		Title:       raw.Title,
		Description: raw.Body,
		State:       strings.ToLower(raw.State),
		URL:         raw.URL,
	}
	for _, l := range raw.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, a := range raw.Assignees {
		issue.Assignees = append(issue.Assignees, a.Login)
	}
	return issue, nil
}

// IsCompleted implements plugin.Tracker.
func (t *Tracker) IsCompleted(ctx context.Context, id string, project *config.Project) (bool, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return false, err
	}
	return issue.State == "closed", nil
}

// IssueURL implements plugin.Tracker.
func (t *Tracker) IssueURL(id string, project *config.Project) string {
	return fmt.Sprintf("https://github.com/%s/issues/%s", project.Repo, id)
}

// BranchName implements plugin.Tracker with the gh-style convention:
// {number}-{slugified-title}.
func (t *Tracker) BranchName(ctx context.Context, id string, project *config.Project) (string, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", issue.Number, slugify(issue.Title)), nil
}

// GeneratePrompt implements plugin.Tracker: the issue rendered as the
// agent's work order.
func (t *Tracker) GeneratePrompt(ctx context.Context, id string, project *config.Project) (string, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are working on GitHub issue #%d: %s\n%s\n", issue.Number, issue.Title, issue.URL)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if issue.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Description)
	}
	return b.String(), nil
}

// UpdateIssue implements plugin.Tracker. Empty update fields are skipped.
func (t *Tracker) UpdateIssue(ctx context.Context, id string, update plugin.IssueUpdate, project *config.Project) error {
	if update.Comment != "" {
		if _, err := t.run(ctx, "issue", "comment", id,
			"--repo", project.Repo,
			"--body", update.Comment); err != nil {
			return fmt.Errorf("comment on issue %s: %w", id, err)
		}
	}
	if update.Status == "closed" {
		if _, err := t.run(ctx, "issue", "close", id, "--repo", project.Repo); err != nil {
			return fmt.Errorf("close issue %s: %w", id, err)
		}
	}
	return nil
}

// slugify lowercases a title into a branch-safe fragment, capped at a
// readable length.
func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 50 {
		out = strings.Trim(out[:50], "-")
	}
	if out == "" {
		return "issue"
	}
	return out
}
