/*
Package scheduler drives mazuadm's attack rounds from catalog to terminal
job states.

A round is a snapshot: creating one expands the enabled catalog into jobs
with frozen priorities, and running one executes those jobs against the
container pool under the settings read at start. The scheduler owns that
whole lifecycle plus the operator verbs that poke at it mid-flight (stop a
job, bump a job, rerun a round, re-throw unflagged targets) and the flag
submission window.

# Architecture

One goroutine consumes a command queue and pumps the active round; jobs fan
out as goroutines of their own:

	 RunRound / RerunRound / StopJob          RefreshJob / RunJobNow /
	            │ (queued)                    RerunUnflagged (store + wake)
	            ▼                                       │
	┌──────────────────────────────┐                    │
	│          command loop        │◄───────────────────┘
	│  - active round + backlog    │        wake
	│  - pending-job pump          │◄──────────────────┐
	│  - semaphore (concurrent     │                   │
	│    limit, TryAcquire only)   │                   │
	└──────────┬───────────────────┘                   │
	           │ launch                                │
	           ▼                                       │
	    job goroutines  ──────────── finish ───────────┘
	    (pool.GetOrAssign, Execute,
	     flag extraction, persist)

The loop never blocks on a job: dispatch uses TryAcquire, and every job
completion wakes the loop to pump again. Commands that only reorder or
reset pending rows skip the queue entirely, they write to the store and
wake the loop, which re-reads pending jobs on every step anyway.

# Round Execution

Each pump step re-reads the round's pending jobs in priority order and
dispatches the first eligible one:

 1. skip_on_flag: a target that already has a flag this round is finished
    with status skipped before it costs a semaphore slot.
 2. sequential_per_target: a candidate whose (challenge, team) pair is
    already in flight stays pending and the step tries the next candidate.
 3. Otherwise the job takes a slot and launches.

The round is finished when no pending jobs remain and nothing is in
flight. Rounds commanded while another is active queue up in arrival
order and start back to back.

Settings are resolved once per round at start. Mid-round settings edits
apply from the next round; the handles of launched jobs carry the snapshot
they were dispatched under.

# Job Execution

A job goroutine walks its job to a terminal status: mark running, load the
exploit/challenge/team/relation rows, resolve connection info, check
enablement, get a container from the pool, exec, extract flags, persist.
References deleted after job generation finish the job as error with a
message naming what vanished; disabled exploits and teams finish as
skipped.

Flags come from stdout via the challenge's flag_regex (the default pattern
when unset, and again the default when the custom one does not compile),
deduplicated in first-seen order and capped by max_flags_per_job.
Extraction runs before the status decision, so even stopped and timed-out
jobs keep the flags they printed. Status precedence after extraction:

	exec error > timeout > flag > ole > exit 0 (success) > failed

An operator stop overrides all of that: the job finishes stopped (or flag,
when one landed) with the stop reason bracketed into stderr.

Terminal writes always run on a fresh background context. The job's own
context is the one StopJob and shutdown cancel, and a canceled job must
still get its outcome recorded.

# Shutdown

Stop drains in two phases: the command loop exits first, then in-flight
jobs get a grace period (worker_timeout of the active round, or the
default when no round is active). Jobs still running after the grace are
stopped with reason "server shutdown", which cancels their execs and
persists them like any operator stop. Jobs that were never dispatched stay
pending and are swept to stopped by the restart recovery in pkg/store.

# Usage

	s := scheduler.New(st, pl, settings.NewResolver(st), bus)
	s.Start()
	defer s.Stop()

	round, _ := s.CreateRound(ctx)
	_ = s.RunRound(ctx, round.ID)

	// Operator verbs while the round runs.
	_ = s.StopJob(ctx, jobID, "manual stop")
	_ = s.RunJobNow(ctx, laggardID)
	n, _ := s.RerunUnflagged(ctx, round.ID)

	// Off-round flag entry.
	flag, _ := s.SubmitFlag(ctx, challengeID, teamID, value, "")

Validation failures (wrong status, no running round, oversized flag) come
back as ErrValidation; missing rows pass through as store.ErrNotFound, and
duplicate flags as store.ErrConflict wrapped with context.

# Integration Points

  - pkg/pool: HealthCheck and PreWarm at round start, GetOrAssign and
    Execute per job
  - pkg/settings: the per-round settings snapshot
  - pkg/store: rounds, jobs, flags, and the catalog rows jobs resolve
  - pkg/events: round_*, job_* and flag_created broadcasts
  - pkg/metrics: executed-job and extracted-flag counters, exec duration
    histogram

# Design Patterns

Single-consumer queue: RunRound, RerunRound and StopJob serialize through
the loop goroutine, so round state transitions never race each other.
RerunRound in particular resets jobs on the loop itself, which is what
makes "rerun the round that is finishing right now" safe.

StopJob replies with the job's finished channel instead of blocking the
loop: the caller waits for the terminal write, the loop moves on.

Shared state between loop and job goroutines is confined to the in-flight
map and the per-target locks under one mutex. Everything else the loop
owns outright.

# Troubleshooting

A round sits in running with pending jobs: every candidate is blocked by
sequential_per_target or the semaphore is full. Both clear as in-flight
jobs finish; check the pool if jobs themselves hang.

Jobs finish error with "No connection info": the team has no default IP
and no relation override for the challenge, and the exploit does not set
ignore_connection_info.

RerunUnflagged clones nothing: every job of the round already produced a
flag, or the round is not running.

# See Also

  - pkg/pool for container assignment and exec semantics
  - pkg/settings for the keys read at round start
  - pkg/server for the HTTP verbs that call into this package
*/
package scheduler
