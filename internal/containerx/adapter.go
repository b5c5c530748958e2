// Package containerx implements the L1 container adapter: given a
// container name, it delegates command and file operations to the SSH
// transport with the proper `docker exec` / `docker cp` wrapping.
package containerx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/sshx"
	dockercontainer "github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// ContainerError reports that the named container is not running, or
// that docker exec/cp itself failed for a reason unrelated to the SSH
// transport underneath it.
type ContainerError struct {
	Container string
	Op        string
	Err       error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("containerx: %s on %s: %v", e.Op, e.Container, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// Retriable reports whether a container error is worth an orchestrator
// retry. Transient docker exec failures are; "container not running" is
// not, since retrying without operator intervention will not help.
func (e *ContainerError) Retriable() bool {
	return !strings.Contains(e.Err.Error(), "not running")
}

// Adapter wraps an sshx.Transport to target a single named Docker
// container on the remote host.
type Adapter struct {
	transport *sshx.Transport
	container string
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// New creates an Adapter bound to containerName, reachable via transport.
func New(transport *sshx.Transport, containerName string, logger *observability.Logger, metrics *observability.Metrics) *Adapter {
	return &Adapter{transport: transport, container: containerName, logger: logger, metrics: metrics}
}

// inspectState is the subset of `docker inspect` output this adapter
// needs, decoded with the upstream Docker API types so the JSON shape
// matches exactly what the remote `docker inspect` CLI emits.
type inspectState struct {
	State dockercontainer.State `json:"State"`
}

// EnsureRunning inspects the container and fails with ContainerError if
// it is not in the running state.
func (a *Adapter) EnsureRunning(ctx context.Context) error {
	cmd := fmt.Sprintf("docker inspect %s", shellQuote(a.container))
	stdout, stderr, exit, err := a.transport.Run(ctx, cmd, nil, 15*time.Second)
	if err != nil {
		return &ContainerError{Container: a.container, Op: "inspect", Err: err}
	}
	if exit != 0 {
		return &ContainerError{Container: a.container, Op: "inspect", Err: fmt.Errorf("not running: %s", strings.TrimSpace(string(stderr)))}
	}

	var states []inspectState
	if err := json.Unmarshal(stdout, &states); err != nil || len(states) == 0 {
		return &ContainerError{Container: a.container, Op: "inspect", Err: fmt.Errorf("could not parse docker inspect output")}
	}

	if !states[0].State.Running {
		return &ContainerError{Container: a.container, Op: "inspect", Err: fmt.Errorf("not running: status=%s", states[0].State.Status)}
	}
	return nil
}

// Exec runs cmd inside the container via `docker exec`, optionally
// feeding stdin, and returns stdout, stderr, and the exit code.
func (a *Adapter) Exec(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	start := time.Now()
	wrapped := fmt.Sprintf("docker exec -i %s sh -c %s", shellQuote(a.container), shellQuote(cmd))
	stdout, stderr, exitCode, err = a.transport.Run(ctx, wrapped, stdin, timeout)
	duration := time.Since(start)

	if err != nil {
		a.logger.ErrorRedacted("container exec failed",
			zap.String("container", a.container),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, nil, -1, &ContainerError{Container: a.container, Op: "exec", Err: err}
	}
	return stdout, stderr, exitCode, nil
}

// CopyIn writes localBytes into remotePath inside the container via
// `docker cp` staged through a remote temp file (docker cp cannot read
// from a local stdin stream, so the transport's CopyIn lands the bytes
// on the host first).
func (a *Adapter) CopyIn(ctx context.Context, localBytes []byte, containerPath string) error {
	hostTmp := fmt.Sprintf("/tmp/j2o_stage_%x", time.Now().UnixNano())
	if err := a.transport.CopyIn(ctx, localBytes, hostTmp); err != nil {
		return &ContainerError{Container: a.container, Op: "copy_in", Err: err}
	}
	defer a.transport.Run(ctx, fmt.Sprintf("rm -f %s", shellQuote(hostTmp)), nil, 10*time.Second)

	cmd := fmt.Sprintf("docker cp %s %s:%s", shellQuote(hostTmp), shellQuote(a.container), shellQuote(containerPath))
	_, stderr, exit, err := a.transport.Run(ctx, cmd, nil, 60*time.Second)
	if err != nil {
		return &ContainerError{Container: a.container, Op: "copy_in", Err: err}
	}
	if exit != 0 {
		return &ContainerError{Container: a.container, Op: "copy_in", Err: fmt.Errorf("docker cp failed: %s", strings.TrimSpace(string(stderr)))}
	}
	return nil
}

// CopyOut reads containerPath out of the container via `docker cp` staged
// through a remote temp file.
func (a *Adapter) CopyOut(ctx context.Context, containerPath string) ([]byte, error) {
	hostTmp := fmt.Sprintf("/tmp/j2o_stage_%x", time.Now().UnixNano())
	cmd := fmt.Sprintf("docker cp %s:%s %s", shellQuote(a.container), shellQuote(containerPath), shellQuote(hostTmp))
	_, stderr, exit, err := a.transport.Run(ctx, cmd, nil, 60*time.Second)
	if err != nil {
		return nil, &ContainerError{Container: a.container, Op: "copy_out", Err: err}
	}
	if exit != 0 {
		return nil, &ContainerError{Container: a.container, Op: "copy_out", Err: fmt.Errorf("docker cp failed: %s", strings.TrimSpace(string(stderr)))}
	}
	defer a.transport.Run(ctx, fmt.Sprintf("rm -f %s", shellQuote(hostTmp)), nil, 10*time.Second)

	data, err := a.transport.CopyOut(ctx, hostTmp)
	if err != nil {
		return nil, &ContainerError{Container: a.container, Op: "copy_out", Err: err}
	}
	return data, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
