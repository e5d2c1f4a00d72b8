/*
Package engine provides Docker Engine integration for mazuadm's exploit containers.

The engine package wraps the Docker Engine API client with the small set of
operations the container pool needs: creating persistent idle containers,
running exploits as execs inside them with output caps and timeouts, and
killing processes that outlive their budget. It deliberately stays
mechanical; placement, affinity, and counter policy live in pkg/pool.

# Architecture

	┌────────────────── ENGINE LAYER ───────────────────┐
	│                                                   │
	│  ┌─────────────────────────────────────────┐      │
	│  │           Docker (wrapper)              │      │
	│  │  - Container lifecycle (create/start/   │      │
	│  │    inspect/remove/restart/kill)         │      │
	│  │  - Exec lifecycle (create/attach/       │      │
	│  │    inspect/detached start)              │      │
	│  │  - Image presence checks                │      │
	│  └───────────────────┬─────────────────────┘      │
	│                      │                            │
	│  ┌───────────────────▼─────────────────────┐      │
	│  │           API (interface)               │      │
	│  │  Subset of *client.Client, declared     │      │
	│  │  as an interface for fake-backed tests  │      │
	│  └───────────────────┬─────────────────────┘      │
	│                      │                            │
	│  ┌───────────────────▼─────────────────────┐      │
	│  │           Docker daemon                 │      │
	│  │  - Host networking pool containers      │      │
	│  │  - Hijacked exec streams (stdcopy)      │      │
	│  └─────────────────────────────────────────┘      │
	└───────────────────────────────────────────────────┘

# Core Components

Docker:
  - Thin wrapper over the Docker Engine API client
  - Connects via DOCKER_* environment variables or an explicit host
  - API version negotiation for daemon compatibility

Execute:
  - Opens an exec with stdout/stderr attached
  - Demultiplexes the hijacked stream via stdcopy
  - Polls exec inspect every 100ms for completion
  - Enforces the wall-clock timeout and the 256 KiB output cap

Output budget:
  - stdout and stderr share one MaxOutputBytes allowance
  - Filling the budget exactly is not a cap; one byte more is
  - Hitting the cap stops reading but does not kill the process

Kill path:
  - The engine API cannot signal an exec directly
  - Resolves the exec's host PID (inspect poll, up to 5s at 50ms)
  - Translates it via /proc/<pid>/status NSpid to the innermost
    namespace PID, falling back on the host PID
  - Runs `sh -c "kill -9 <pid>"` as root inside the container

# Exec Outcomes

An ExecResult distinguishes three abnormal endings:

  - TimedOut: the wall clock expired first; the process was killed.
    Recorded exit code -1.
  - OutputCapped: combined output exceeded 256 KiB; the process was
    left to finish (or time out). Recorded exit code -2.
  - ctx canceled: an operator stopped the job; the process was killed
    and the partial result is returned alongside the ctx error.

# Usage

Creating a pool container:

	d, err := engine.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.CreateContainer(ctx, engine.ContainerSpec{
		Name:  "mazuadm-web-01-deadbeef",
		Image: "exploits/web:latest",
		Env:   []string{"API_KEY=..."},
	})
	if err != nil {
		return err
	}
	if err := d.StartContainer(ctx, id); err != nil {
		return err
	}

Running an exploit:

	result, err := d.Execute(ctx, id, engine.ExecSpec{
		Cmd: []string{"/exploit", "10.60.4.1", "3255", "team-4"},
		Env: []string{"TARGET_HOST=10.60.4.1", "TARGET_PORT=3255"},
	}, 60*time.Second)
	if err != nil && result == nil {
		return err // engine failure, nothing captured
	}
	// result.Stdout / result.Stderr / result.ExitCode / result.TimedOut

Health probing:

	if !d.IsRunning(ctx, id) {
		// pool marks the container dead and respawns
	}

# Integration Points

This package integrates with:

  - pkg/pool: The only caller; owns container rows and placement
  - pkg/scheduler: Receives ExecResult via the pool
  - Docker daemon: Engine API over unix socket or TCP

# Design Patterns

Narrow client interface:
  - API lists exactly the daemon calls the engine makes
  - Tests script responses with a fake instead of a daemon
  - NewWithAPI injects the fake; New dials the real client

Persistent containers:
  - Containers idle on `sh -c "while true; do sleep 3600; done"`
  - Exploit images must ship sh; the kill path also depends on it
  - Host networking, so exploits reach targets without NAT

Partial results:
  - Execute returns a non-nil result with a ctx error whenever the
    exec was created, so the caller can persist what was captured

# Troubleshooting

Exec never finishes:
  - Symptom: jobs always end status=timeout
  - Check: exploit blocks on stdin (execs attach no stdin)
  - Check: target unreachable and exploit lacks its own timeout

Kill path warnings:
  - Symptom: "failed to kill exec process" in logs
  - Cause: process exited between timeout and kill, or image lacks sh
  - Effect: none if the process already exited; otherwise the
    container keeps a stray process until the pool recycles it

Output looks truncated:
  - Captured stdout+stderr is capped at 256 KiB combined
  - The job carries status=ole (or timeout) when that happened

# See Also

  - Docker Engine API: https://docs.docker.com/engine/api/
  - stdcopy stream format: https://pkg.go.dev/github.com/docker/docker/pkg/stdcopy
  - pkg/pool for placement and lifecycle policy
*/
package engine
