// Package worktreews implements the workspace plugin slot with git
// worktrees: one worktree per session, on its own branch, sharing the
// project's object store.
package worktreews

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "worktree"

// gitTimeout bounds one git invocation; clones of large repos are not
// involved, worktree adds are cheap.
const gitTimeout = 60 * time.Second

// Provider creates and destroys git worktrees under a common root.
type Provider struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-repo; git worktree metadata is not concurrency-safe
}

// New creates a worktree provider rooted at root (default
// ~/.agentor/worktrees).
func New(root string, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Default()
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".agentor", "worktrees")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	return &Provider{
		root:   root,
		locks:  make(map[string]*sync.Mutex),
		logger: log.WithFields(zap.String("component", "worktree-workspace")),
	}, nil
}

func (p *Provider) repoLock(repoPath string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[repoPath] = lock
	}
	return lock
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Create implements plugin.Workspace: a new worktree on the session branch,
// based on the project's default branch. An existing branch of the same name
// is reused rather than recreated.
func (p *Provider) Create(ctx context.Context, spec plugin.WorkspaceSpec) (string, error) {
	repo := spec.Project.Path
	lock := p.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(p.root, spec.Project.ID, spec.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	_, err := runGit(ctx, repo, "worktree", "add", "-b", spec.Branch, path, spec.Project.DefaultBranch)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", err
		}
		// Branch survives from an earlier session; check it out instead.
		if _, err := runGit(ctx, repo, "worktree", "add", path, spec.Branch); err != nil {
			return "", err
		}
	}

	p.logger.Debug("created worktree",
		zap.String("session_id", spec.SessionID),
		zap.String("branch", spec.Branch),
		zap.String("path", path))
	return path, nil
}

// Destroy implements plugin.Workspace. The owning repository is resolved
// from the worktree itself, then the removal runs against the main checkout.
func (p *Provider) Destroy(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	commonDir, err := runGit(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		// Not a live worktree anymore; just take the directory away.
		return os.RemoveAll(path)
	}
	repo := filepath.Dir(strings.TrimSpace(commonDir))

	lock := p.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	if _, err := runGit(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	if _, err := runGit(ctx, repo, "worktree", "prune"); err != nil {
		p.logger.Warn("worktree prune failed", zap.String("repo", repo), zap.Error(err))
	}
	p.logger.Debug("removed worktree", zap.String("path", path))
	return nil
}
