// Package dockerrt implements the runtime plugin slot on Docker: each agent
// runs in its own container with the workspace bind-mounted. The handle is
// the container id.
package dockerrt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Name is the registry name of this plugin.
const Name = "docker"

// workspaceTarget is where the session workspace is mounted inside the
// container.
const workspaceTarget = "/workspace"

const stopTimeout = 10 * time.Second

// Runtime hosts agent processes in containers.
type Runtime struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// New creates a Docker runtime.
func New(cfg config.DockerConfig, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Default()
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

// Close releases the underlying client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Start implements plugin.Runtime. The container runs with a TTY and open
// stdin so Send can attach and type at the agent.
func (r *Runtime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("empty command for session %s", spec.SessionID)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: workspaceTarget,
		Tty:        true,
		OpenStdin:  true,
		Labels: map[string]string{
			"agentor.session": spec.SessionID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
	}
	if spec.Dir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: workspaceTarget,
		}}
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "agentor-"+spec.SessionID)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	r.logger.Debug("started agent container",
		zap.String("session_id", spec.SessionID),
		zap.String("container_id", resp.ID))
	return resp.ID, nil
}

// IsAlive implements plugin.Runtime via inspect. A missing container is
// "not alive", not an error.
func (r *Runtime) IsAlive(ctx context.Context, handle string) (bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Output implements plugin.Runtime via the container log tail. With a TTY
// the log stream is raw terminal output, no stream multiplexing.
func (r *Runtime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if lastN > 0 {
		opts.Tail = strconv.Itoa(lastN)
	}
	reader, err := r.cli.ContainerLogs(ctx, handle, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return string(data), nil
}

// Send implements plugin.Runtime by attaching to the container's stdin.
func (r *Runtime) Send(ctx context.Context, handle string, text string) error {
	attach, err := r.cli.ContainerAttach(ctx, handle, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return fmt.Errorf("attach to container: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write([]byte(text + "\r")); err != nil {
		return fmt.Errorf("write to container stdin: %w", err)
	}
	return nil
}

// Stop implements plugin.Runtime: graceful stop, then remove.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	seconds := int(stopTimeout.Seconds())
	if err := r.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &seconds}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("stop container: %w", err)
		}
		return nil
	}
	if err := r.cli.ContainerRemove(ctx, handle, container.RemoveOptions{RemoveVolumes: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}
