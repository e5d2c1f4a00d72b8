package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	containerapi "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mazubot/mazuadm/pkg/log"
)

const (
	// MaxOutputBytes caps the combined stdout+stderr captured per exec.
	MaxOutputBytes = 256 * 1024

	execPollInterval = 100 * time.Millisecond
	pidPollInterval  = 50 * time.Millisecond
	pidPollTimeout   = 5 * time.Second
)

// errOutputLimit aborts the copy loop once the capture budget is spent.
var errOutputLimit = errors.New("output limit exceeded")

// ExecSpec describes a command to run inside a pool container.
type ExecSpec struct {
	Cmd []string
	Env []string
}

// ExecResult is the outcome of one exploit execution. Stdout and Stderr hold
// at most MaxOutputBytes combined.
type ExecResult struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	TimedOut     bool
	OutputCapped bool
	Duration     time.Duration
}

// Execute runs a command in a container and captures its output.
//
// The combined capture is capped at MaxOutputBytes; hitting the cap stops
// reading but leaves the process running until it exits or the timeout
// fires. On timeout or ctx cancellation the process is SIGKILLed inside the
// container. A non-nil result accompanies a ctx error so callers can persist
// partial output.
func (d *Docker) Execute(ctx context.Context, containerID string, spec ExecSpec, timeout time.Duration) (*ExecResult, error) {
	created, err := d.api.ContainerExecCreate(ctx, containerID, containerapi.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := d.api.ContainerExecAttach(ctx, created.ID, containerapi.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	budget := newOutputBudget(MaxOutputBytes)
	stdout := &cappedWriter{budget: budget}
	stderr := &cappedWriter{budget: budget}

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	}()

	var (
		start    = time.Now()
		deadline = start.Add(timeout)
		result   = &ExecResult{}
		exitCode int
		exited   bool
		stopErr  error
	)

	for {
		inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			resp.Close()
			<-copyDone
			return nil, fmt.Errorf("failed to inspect exec: %w", err)
		}

		if !inspect.Running {
			exitCode = inspect.ExitCode
			exited = true
			break
		}

		if time.Now().After(deadline) {
			result.TimedOut = true
			break
		}

		select {
		case <-ctx.Done():
			stopErr = ctx.Err()
		case <-time.After(execPollInterval):
		}
		if stopErr != nil {
			break
		}
	}

	// The process survives the output cap but not the clock: whatever is
	// still running once we stop waiting gets killed in its namespace.
	if !exited {
		if err := d.killExecProcess(containerID, created.ID); err != nil {
			log.WithContainerID(containerID).Warn().Err(err).Msg("failed to kill exec process")
		}
	}

	resp.Close()
	<-copyDone

	result.Duration = time.Since(start)
	result.OutputCapped = budget.exceeded()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.ExitCode = mapExitCode(result.OutputCapped, result.TimedOut, exitCode, exited)
	return result, stopErr
}

// killExecProcess SIGKILLs the process behind an exec. The engine has no
// exec-kill endpoint, so this resolves the exec's host PID, translates it
// into the container's PID namespace via /proc, and runs kill(1) as root
// inside the container. Runs on its own context: the caller's may already
// be canceled.
func (d *Docker) killExecProcess(containerID, execID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*pidPollTimeout)
	defer cancel()

	pid, err := d.waitExecPid(ctx, execID)
	if err != nil {
		return err
	}

	target := pid
	if nspid, ok := nspidForPid(pid); ok {
		target = nspid
	} else {
		log.WithContainerID(containerID).Debug().Int("pid", pid).Msg("pid translation failed, using host pid")
	}

	return d.execDetached(ctx, containerID, "root", []string{"sh", "-c", fmt.Sprintf("kill -9 %d", target)})
}

// waitExecPid polls exec inspect until the daemon reports the process PID.
func (d *Docker) waitExecPid(ctx context.Context, execID string) (int, error) {
	deadline := time.Now().Add(pidPollTimeout)
	for {
		inspect, err := d.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if inspect.Pid > 0 {
			return inspect.Pid, nil
		}
		if !inspect.Running {
			return 0, errors.New("exec already finished")
		}
		if time.Now().After(deadline) {
			return 0, errors.New("timed out waiting for exec pid")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pidPollInterval):
		}
	}
}

// execDetached opens a fire-and-forget exec.
func (d *Docker) execDetached(ctx context.Context, containerID, user string, cmd []string) error {
	created, err := d.api.ContainerExecCreate(ctx, containerID, containerapi.ExecOptions{
		User:   user,
		Detach: true,
		Cmd:    cmd,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}
	if err := d.api.ContainerExecStart(ctx, created.ID, containerapi.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("failed to start exec: %w", err)
	}
	return nil
}

// nspidForPid reads /proc/<pid>/status and extracts the innermost namespace
// PID. Linux only; callers fall back on the host PID when it fails.
func nspidForPid(pid int) (int, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	return parseNSpid(data)
}

// parseNSpid extracts the last NSpid column from a /proc status blob.
func parseNSpid(status []byte) (int, bool) {
	for _, line := range strings.Split(string(status), "\n") {
		rest, ok := strings.CutPrefix(line, "NSpid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}

// mapExitCode folds cap and timeout outcomes into the recorded exit code.
func mapExitCode(capped, timedOut bool, engineCode int, exited bool) int {
	switch {
	case capped:
		return -2
	case timedOut:
		return -1
	case exited:
		return engineCode
	default:
		return -1
	}
}

// outputBudget is the shared capture allowance across one exec's stdout and
// stderr streams.
type outputBudget struct {
	mu        sync.Mutex
	remaining int
	capped    bool
}

func newOutputBudget(limit int) *outputBudget {
	return &outputBudget{remaining: limit}
}

// take reserves up to n bytes and reports how many may be kept. Only a short
// reservation marks the budget capped: filling it exactly does not.
func (b *outputBudget) take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= b.remaining {
		b.remaining -= n
		return n
	}
	keep := b.remaining
	b.remaining = 0
	b.capped = true
	return keep
}

func (b *outputBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capped
}

// cappedWriter buffers stream bytes until the shared budget runs out, then
// fails the copy so no further bytes are read.
type cappedWriter struct {
	budget *outputBudget
	buf    bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	keep := w.budget.take(len(p))
	w.buf.Write(p[:keep])
	if keep < len(p) {
		return keep, errOutputLimit
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	return w.buf.String()
}
