/*
Package types defines the core data structures used throughout mazuadm.

This package contains all fundamental types that represent mazuadm's domain
model: the attack catalog (challenges, teams, relations, exploits,
exploit-runs), the execution state (rounds, jobs, flags) and the container
fleet (containers, runners). These types are used by all other packages for
persistence, scheduling decisions, API payloads and event broadcasting.

# Architecture

The types package is the foundation of mazuadm's data model. It defines:

  - Catalog entities (challenges, teams, relations, exploits, exploit-runs)
  - Round and job lifecycle (statuses, terminal-state rules)
  - Flag capture records and their uniqueness key
  - Container fleet records (containers, runner affinity bindings)
  - Priority computation and clamping
  - Connection-info resolution (relation overrides over defaults)

All types are designed to be:
  - Serializable (JSON for the HTTP API and the event bus)
  - Plain data (no hidden state; mutations go through pkg/store)
  - Validated (typed string enums, clamping helpers)

# Core Types

Catalog:
  - Challenge: a vulnerable game service with default port, priority and
    an optional flag regex
  - Team: an opposing team with its external team_id and default IP
  - Relation: per-(challenge, team) address/port overrides
  - Exploit: a container image attacking one challenge, with per-container
    concurrency and lifetime budgets
  - ExploitRun: the (exploit × challenge × team) assignment with sequence
    and optional priority override

Execution:
  - Round: one scheduling epoch (pending → running → finished/skipped)
  - Job: one attempted exec of an exploit-run inside a round
  - JobStatus: pending, running, flag, success, failed, timeout, ole,
    error, stopped, skipped
  - JobSummary: the Job projection without stdout/stderr, used on the
    event bus
  - Flag: one captured flag, unique per (round, challenge, team, value)

Fleet:
  - Container: a persistent exploit container with an exec budget counter
  - Runner: the sticky binding from an exploit-run to its container

# Priority Model

Generated jobs are ordered by a composite key covering three domains:

	priority = challenge.priority*10_000 + team.priority*100 + run.sequence

computed by JobPriority. An exploit-run may carry an override that replaces
the whole composite. Challenge and team priorities are clamped into [0, 99]
on write (ClampPriority), so the composite compares lexicographically over
(challenge, team, sequence) when no override is present.

# Usage

Creating an exploit and its run:

	exploit := &types.Exploit{
		Name:            "rippem",
		ChallengeID:     challenge.ID,
		DockerImage:     "registry.local/rippem:latest",
		Enabled:         true,
		MaxPerContainer: 4,
		MaxContainers:   2,
		TimeoutSecs:     30,
		DefaultCounter:  100,
	}

	run := &types.ExploitRun{
		ExploitID:   exploit.ID,
		ChallengeID: challenge.ID,
		TeamID:      team.ID,
		Sequence:    0,
		Enabled:     true,
	}

Resolving where a job connects:

	info, ok := types.ResolveConnection(rel, team, challenge)
	if !ok && !exploit.IgnoreConnectionInfo {
		// finish the job as error: no connection info
	}

Computing the exec timeout:

	timeout := exploit.EffectiveTimeout(settings.WorkerTimeout)

# Job State Machine

Jobs follow a state machine with a single non-terminal transition:

	pending → running → {flag, success, failed, timeout, ole, error, stopped}
	pending → skipped

Terminal states are absorbing; JobStatus.Terminal reports them. Only
pending jobs may be re-prioritized, and a restart flips any job left in
running to stopped (see pkg/store ResetStaleJobs).

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type JobStatus string
	  const (
	      JobStatusPending JobStatus = "pending"
	      JobStatusRunning JobStatus = "running"
	  )

Optional Fields:

	Nullable columns map to pointers or zero-value sentinels:
	  - ExploitRun.Priority *int: nil = computed composite
	  - Relation.Port int: 0 = unset (ports are 1..65535)
	  - Job.FinishedAt *time.Time: nil = not finished

Projection Pattern:

	Job.Summary() strips stdout/stderr before broadcasting; the bus never
	carries log payloads.

# Integration Points

This package integrates with:

  - pkg/store: persists all types to PostgreSQL
  - pkg/scheduler: uses priorities and statuses for dispatch decisions
  - pkg/pool: tracks Container and Runner rows for affinity
  - pkg/events: broadcasts entities (jobs as JobSummary)
  - pkg/server: serializes entities over the HTTP/WS API

# Validation

Key validation rules:

Challenges/Teams:
  - Priority clamped into [0, 99] on every write
  - Name (challenge) and team_id (team) unique

Exploit-runs:
  - UNIQUE(exploit_id, challenge_id, team_id)
  - Sequence may be negative (runs before sequence 0)

Flags:
  - Value non-empty, at most MaxFlagLength bytes
  - UNIQUE(round_id, challenge_id, team_id, flag_value)

# Thread Safety

All types in this package are plain data:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers

The store owns persisted state; the scheduler and pool keep their own
synchronized in-memory indexes keyed by id.

# See Also

  - pkg/store for the persistence layer
  - pkg/scheduler for how priorities drive dispatch
  - pkg/pool for container/runner lifecycle
*/
package types
