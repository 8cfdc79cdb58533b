// Package ptyrt implements the runtime plugin slot on a local pty: the
// agent runs as a direct child with its terminal emulated in-process. Useful
// on hosts without tmux, at the cost of sessions not surviving orchestrator
// restarts.
package ptyrt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "pty"

const (
	termCols = 120
	termRows = 40
)

// proc is one running agent under a pty.
type proc struct {
	cmd  *exec.Cmd
	tty  *os.File
	term vt10x.Terminal

	mu     sync.Mutex
	exited bool
}

// Runtime hosts agent processes on local ptys.
type Runtime struct {
	mu     sync.Mutex
	procs  map[string]*proc
	logger *logger.Logger
}

// New creates a pty runtime.
func New(log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		procs:  make(map[string]*proc),
		logger: log.WithFields(zap.String("component", "pty-runtime")),
	}
}

// Start implements plugin.Runtime.
func (r *Runtime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("empty command for session %s", spec.SessionID)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: termCols, Rows: termRows})
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	p := &proc{
		cmd:  cmd,
		tty:  tty,
		term: vt10x.New(vt10x.WithSize(termCols, termRows)),
	}
	handle := "pty-" + spec.SessionID

	r.mu.Lock()
	r.procs[handle] = p
	r.mu.Unlock()

	// Pump pty output through the terminal emulator so Output can render
	// what a human attached to the tty would see.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				p.mu.Lock()
				_, _ = p.term.Write(buf[:n])
				p.mu.Unlock()
			}
			if err != nil {
				break
			}
		}
		_ = cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
	}()

	r.logger.Debug("started pty process",
		zap.String("session_id", spec.SessionID),
		zap.Int("pid", cmd.Process.Pid))
	return handle, nil
}

func (r *Runtime) get(handle string) (*proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown pty handle %q", handle)
	}
	return p, nil
}

// IsAlive implements plugin.Runtime.
func (r *Runtime) IsAlive(_ context.Context, handle string) (bool, error) {
	p, err := r.get(handle)
	if err != nil {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited, nil
}

// Output implements plugin.Runtime by rendering the emulated screen.
func (r *Runtime) Output(_ context.Context, handle string, lastN int) (string, error) {
	p, err := r.get(handle)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	screen := p.term.String()
	p.mu.Unlock()
	if lastN <= 0 {
		return screen, nil
	}
	return lastLines(screen, lastN), nil
}

// Send implements plugin.Runtime; a carriage return submits the text.
func (r *Runtime) Send(_ context.Context, handle string, text string) error {
	p, err := r.get(handle)
	if err != nil {
		return err
	}
	_, err = p.tty.Write([]byte(text + "\r"))
	return err
}

// Stop implements plugin.Runtime: SIGTERM, then close the pty.
func (r *Runtime) Stop(_ context.Context, handle string) error {
	p, err := r.get(handle)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if !exited && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	_ = p.tty.Close()

	r.mu.Lock()
	delete(r.procs, handle)
	r.mu.Unlock()
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
