// Package ghscm implements the SCM plugin slot against GitHub pull
// requests through the gh CLI.
package ghscm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "github"

const commandTimeout = 30 * time.Second

// SCM probes and merges GitHub pull requests.
type SCM struct {
	logger *logger.Logger
}

// New creates a GitHub SCM client.
func New(log *logger.Logger) *SCM {
	if log == nil {
		log = logger.Default()
	}
	return &SCM{logger: log.WithFields(zap.String("component", "github-scm"))}
}

func (s *SCM) run(ctx context.Context, args ...string) (string, error) {
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

// ghPR is the JSON shape returned by gh pr view.
type ghPR struct {
	State          string `json:"state"`     // OPEN, MERGED, CLOSED
	Mergeable      string `json:"mergeable"` // MERGEABLE, CONFLICTING, UNKNOWN
	ReviewDecision string `json:"reviewDecision"`
	Checks         []struct {
		Status     string `json:"status"`     // COMPLETED, IN_PROGRESS, QUEUED
		Conclusion string `json:"conclusion"` // SUCCESS, FAILURE, NEUTRAL, SKIPPED, ...
		State      string `json:"state"`      // statuses use state instead
	} `json:"statusCheckRollup"`
}

func (s *SCM) view(ctx context.Context, prURL string) (*ghPR, error) {
	out, err := s.run(ctx, "pr", "view", prURL,
		"--json", "state,mergeable,reviewDecision,statusCheckRollup")
	if err != nil {
		return nil, fmt.Errorf("view pr %s: %w", prURL, err)
	}
	var pr ghPR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("parse pr response: %w", err)
	}
	return &pr, nil
}

// PRState implements plugin.SCM.
func (s *SCM) PRState(ctx context.Context, prURL string) (string, error) {
	pr, err := s.view(ctx, prURL)
	if err != nil {
		return "", err
	}
	switch pr.State {
	case "MERGED":
		return plugin.PRStateMerged, nil
	case "CLOSED":
		return plugin.PRStateClosed, nil
	default:
		return plugin.PRStateOpen, nil
	}
}

// CISummary implements plugin.SCM by collapsing the check rollup: any
// failure wins, then any in-flight check, then passing. No checks at all
// reads as passing.
func (s *SCM) CISummary(ctx context.Context, prURL string) (string, error) {
	pr, err := s.view(ctx, prURL)
	if err != nil {
		return "", err
	}
	return summarizeChecks(pr), nil
}

func summarizeChecks(pr *ghPR) string {
	pending := false
	for _, c := range pr.Checks {
		switch {
		case c.Conclusion == "FAILURE" || c.Conclusion == "TIMED_OUT" || c.Conclusion == "CANCELLED" || c.State == "FAILURE" || c.State == "ERROR":
			return plugin.CIFailing
		case c.Status == "IN_PROGRESS" || c.Status == "QUEUED" || c.State == "PENDING":
			pending = true
		}
	}
	if pending {
		return plugin.CIPending
	}
	return plugin.CIPassing
}

// ReviewDecision implements plugin.SCM.
func (s *SCM) ReviewDecision(ctx context.Context, prURL string) (string, error) {
	pr, err := s.view(ctx, prURL)
	if err != nil {
		return "", err
	}
	switch pr.ReviewDecision {
	case "APPROVED":
		return plugin.ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested, nil
	default:
		// REVIEW_REQUIRED or repos without required reviews.
		return plugin.ReviewPending, nil
	}
}

// Mergeability implements plugin.SCM: merge conflicts only, CI and reviews
// are summarized separately.
func (s *SCM) Mergeability(ctx context.Context, prURL string) (bool, error) {
	pr, err := s.view(ctx, prURL)
	if err != nil {
		return false, err
	}
	return pr.Mergeable == "MERGEABLE", nil
}

// Merge implements plugin.SCM with a squash merge, deleting the head branch.
func (s *SCM) Merge(ctx context.Context, prURL string) error {
	if _, err := s.run(ctx, "pr", "merge", prURL, "--squash", "--delete-branch"); err != nil {
		return fmt.Errorf("merge pr %s: %w", prURL, err)
	}
	s.logger.Info("merged pull request", zap.String("pr_url", prURL))
	return nil
}
