package worktreews

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func newProvider(t *testing.T) *Provider {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	p, err := New(t.TempDir(), log)
	require.NoError(t, err)
	return p
}

func TestCreateAndDestroyWorktree(t *testing.T) {
	gitOrSkip(t)
	repo := initRepo(t)
	p := newProvider(t)
	project := &config.Project{ID: "app", Path: repo, DefaultBranch: "main"}

	path, err := p.Create(context.Background(), plugin.WorkspaceSpec{
		Project: project, Branch: "feat/42", SessionID: "app-1",
	})
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.FileExists(t, filepath.Join(path, "README.md"))

	// The worktree is on the session branch.
	out, err := exec.Command("git", "-C", path, "rev-parse", "--abbrev-ref", "HEAD").Output()
	require.NoError(t, err)
	assert.Equal(t, "feat/42", strings.TrimSpace(string(out)))

	require.NoError(t, p.Destroy(context.Background(), path))
	assert.NoDirExists(t, path)
}

func TestCreateReusesSurvivingBranch(t *testing.T) {
	gitOrSkip(t)
	repo := initRepo(t)
	p := newProvider(t)
	project := &config.Project{ID: "app", Path: repo, DefaultBranch: "main"}

	path, err := p.Create(context.Background(), plugin.WorkspaceSpec{
		Project: project, Branch: "feat/42", SessionID: "app-1",
	})
	require.NoError(t, err)
	require.NoError(t, p.Destroy(context.Background(), path))

	// The branch outlives the worktree; a new session on the same issue
	// picks it back up.
	path2, err := p.Create(context.Background(), plugin.WorkspaceSpec{
		Project: project, Branch: "feat/42", SessionID: "app-2",
	})
	require.NoError(t, err)
	assert.DirExists(t, path2)
}

func TestDestroyMissingPathIsNoop(t *testing.T) {
	p := newProvider(t)
	assert.NoError(t, p.Destroy(context.Background(), filepath.Join(t.TempDir(), "nope")))
}
