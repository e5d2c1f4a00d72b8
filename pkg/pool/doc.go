/*
Package pool manages mazuadm's fleet of persistent exploit containers.

Exploit containers are not one-shot: each one idles between rounds and hosts
many execs over its lifetime, so the expensive create/start path is paid
rarely and attack latency stays low. The pool owns everything between "a job
needs a container" and "the exec finished": spawning, affinity-based
assignment, per-container concurrency limits, exec budgets, health repair
and teardown.

# Architecture

	┌─────────────────── POOL LAYER ────────────────────┐
	│                                                   │
	│   scheduler                                       │
	│      │ GetOrAssign / Execute                      │
	│      ▼                                            │
	│  ┌─────────────────────────────────────────┐      │
	│  │                 Pool                    │      │
	│  │  - sticky runner bindings               │      │
	│  │  - live exec slots (in memory)          │      │
	│  │  - exec budgets (store counters)        │      │
	│  │  - capacity wait queue                  │      │
	│  └────────┬───────────────────┬────────────┘      │
	│           │                   │                   │
	│           ▼                   ▼                   │
	│     store.Store          pool.Engine              │
	│  (rows + runners)     (Docker lifecycle)          │
	│                                                   │
	└───────────────────────────────────────────────────┘

The store holds the durable half: container rows (engine handle, status,
remaining budget) and runner bindings (which container hosts which
exploit-run). The pool adds the volatile half nobody should persist: how
many execs are in flight on each container right now.

# Core Components

Pool: the manager. One instance per process, shared by the scheduler and
the API layer.

Engine: the runtime interface the pool drives. *engine.Docker satisfies it;
tests substitute a fake.

Runner bindings: a run that executed on a container is bound to it, and
later execs of the same run go back there. Warm containers accumulate the
state exploits like to keep (sessions, caches, leaked addresses), so
affinity is worth more than spreading load.

Exec budgets: every container starts with its exploit's default_counter and
spends one unit per exec. A drained container is destroyed together with
its bindings the moment its last exec finishes, and the next assignment
spawns a fresh replacement. This recycles containers that accumulate junk
without any explicit TTL handling.

# Assignment

GetOrAssign resolves a container for one exec of one run, in order:

 1. The run's existing binding, when its container is running and still has
    budget. A saturated binding blocks until a slot frees; affinity is not
    traded away for throughput.
 2. The running container with the most bindings that has budget and a free
    exec slot. Packing keeps warm containers busy and lets idle ones drain.
 3. A fresh spawn, while the exploit's fleet is under max_containers
    (zero means unlimited).
 4. Otherwise the caller blocks until capacity changes, or its context is
    canceled.

The returned container carries a reserved exec slot. Callers hand it back
through Execute (the normal path, which also spends budget) or ReleaseSlot
(the error path between assignment and exec).

# Health Repair

HealthCheck sweeps every row the store believes is running and asks the
engine. A lost container is marked dead and, when its exploit is still
enabled, replaced immediately; all runner bindings move to the replacement
so affinity survives daemon restarts and OOM kills. Bindings of disabled
exploits are dropped instead.

# Usage

	p := pool.New(st, dockerEngine, bus)

	// Before a round.
	p.HealthCheck(ctx)
	p.PreWarm(ctx, settings.ConcurrentLimit)

	// Per job.
	c, err := p.GetOrAssign(ctx, run, exploit)
	if err != nil {
		return err
	}
	res, err := p.Execute(ctx, c, engine.ExecSpec{Cmd: cmd, Env: env}, timeout)

	// Operator actions.
	p.EnsureContainers(ctx, exploit)
	p.RestartContainer(ctx, id, &graceSecs, false)
	p.DestroyExploitContainers(ctx, exploit.ID)

# Integration Points

  - pkg/engine: container and exec lifecycle against the Docker daemon
  - pkg/store: container rows, runner bindings, budget counters
  - pkg/events: container_created / container_updated / container_deleted
  - pkg/metrics: spawn counter and in-flight exec gauge
  - pkg/scheduler: the only caller of GetOrAssign and Execute

# Design Patterns

Placement decisions are serialized under one mutex, store reads included.
Assignment is cheap compared to an exec, and serializing it is what makes
"live execs per container never exceed max_per_container" easy to trust.

Waiting is a closed-channel broadcast: every capacity change (slot
released, container spawned, container destroyed) closes the current wait
channel and installs a fresh one. Waiters retry the full assignment, so no
callback list has to know why capacity changed.

Teardown never wedges on the daemon: DestroyContainer logs engine removal
failures and deletes the row anyway. A follow-up health sweep catches
anything the daemon resurrects.

# Troubleshooting

Assignments hang: every container of the exploit is saturated and at
max_containers, or every container has zero budget and in-flight execs.
Both resolve when execs finish; raise max_containers or max_per_container
if they recur.

Containers churn after every exec: the exploit's default_counter is one,
so every container's budget drains on its first exec. Unset counters fall
back to a hundred execs, not one.

Dead rows accumulate: rows marked dead are kept for inspection and are
ignored by assignment. They disappear when destroyed explicitly or when
their exploit's fleet is torn down.

# See Also

  - pkg/engine for exec semantics (timeouts, output caps, kill path)
  - pkg/scheduler for when HealthCheck and PreWarm run
  - pkg/store for the container and runner schema
*/
package pool
