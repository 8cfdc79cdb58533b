// Package tmuxrt implements the runtime plugin slot on top of tmux. Each
// session runs its agent inside a detached tmux session; the handle is the
// tmux session name.
package tmuxrt

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "tmux"

// commandTimeout bounds one tmux invocation.
const commandTimeout = 30 * time.Second

// Runtime shells out to tmux. Commands are invoked argv-style, never through
// a shell.
type Runtime struct {
	tmuxBin string
	logger  *logger.Logger
}

// New creates a tmux runtime.
func New(log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		tmuxBin: "tmux",
		logger:  log.WithFields(zap.String("component", "tmux-runtime")),
	}
}

func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.tmuxBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Start implements plugin.Runtime. The tmux session name doubles as the
// handle; the agent command runs in the workspace directory with the spec's
// environment prepended.
func (r *Runtime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("empty command for session %s", spec.SessionID)
	}
	name := "agentor-" + spec.SessionID

	args := []string{"new-session", "-d", "-s", name}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Command...)

	if _, err := r.run(ctx, args...); err != nil {
		return "", err
	}
	r.logger.Debug("started tmux session",
		zap.String("session_id", spec.SessionID),
		zap.String("tmux_name", name))
	return name, nil
}

// IsAlive implements plugin.Runtime via tmux has-session. A non-zero exit is
// "not alive", not an error; tmux reports missing sessions that way.
func (r *Runtime) IsAlive(ctx context.Context, handle string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.tmuxBin, "has-session", "-t", handle)
	if err := cmd.Run(); err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return false, nil
		}
		return false, fmt.Errorf("tmux has-session: %w", err)
	}
	return true, nil
}

// Output implements plugin.Runtime via capture-pane.
func (r *Runtime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", handle}
	if lastN > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lastN))
	} else {
		args = append(args, "-S", "-")
	}
	return r.run(ctx, args...)
}

// Send implements plugin.Runtime via send-keys. The text goes in literally,
// followed by a separate Enter so tmux never interprets the payload as key
// names.
func (r *Runtime) Send(ctx context.Context, handle string, text string) error {
	if _, err := r.run(ctx, "send-keys", "-t", handle, "-l", text); err != nil {
		return err
	}
	_, err := r.run(ctx, "send-keys", "-t", handle, "Enter")
	return err
}

// Stop implements plugin.Runtime via kill-session. Stopping an already-dead
// session is not an error.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	alive, err := r.IsAlive(ctx, handle)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}
	_, err = r.run(ctx, "kill-session", "-t", handle)
	return err
}
