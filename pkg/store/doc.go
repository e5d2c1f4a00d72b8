/*
Package store provides PostgreSQL-backed persistence for mazuadm's catalog
and execution state.

The store is the sole owner of persisted entities: challenges, teams,
relations, exploits, exploit-runs, rounds, jobs, flags, containers, runners
and settings. Everything else in the system holds only transient state (the
scheduler's in-flight map, the pool's exec slots) and reconstructs itself
from this package after a restart.

# Architecture

	┌──────────────────── STORAGE LAYER ──────────────────────┐
	│                                                          │
	│  Store interface (this package)                          │
	│        │                                                 │
	│        ▼                                                 │
	│  Postgres (pgx/v5 connection pool)                       │
	│        │                                                 │
	│        ├── static SQL for CRUD and scheduler queries      │
	│        ├── squirrel for the dynamic list filters          │
	│        └── transactions for multi-row invariants          │
	│                                                          │
	│  Schema: applied idempotently by Migrate() on startup    │
	└──────────────────────────────────────────────────────────┘

The Store interface exists so the scheduler, pool and server can be tested
against fakes; Postgres is the only production implementation.

# Scheduler Queries

Beyond per-entity CRUD, the store carries the composite queries the round
engine depends on:

  - GetActiveRounds: pending and running rounds, oldest first
  - GetPendingJobs: the dispatch queue, ordered (priority DESC, id ASC)
  - ReorderJobs: atomic, and only for jobs still pending
  - ResetJobsForRound: full rerun (everything back to pending)
  - ResetUnflaggedJobsForRound / CloneUnflaggedJobsForRound: partial reruns
    driven by which (round, challenge, team) triples have no flag yet
  - ResetStaleJobs: restart reconciliation; running jobs become stopped with
    StaleJobTrailer appended to stderr
  - DecrementContainerCounter: atomic exec-budget accounting
  - ReassignRunners: affinity repair when a container is replaced

# Invariants Enforced Here

  - Challenge/team priorities are clamped into [0, 99] on every write
  - (exploit, challenge, team) unique for exploit-runs
  - (challenge, team) unique for relations, auto-created as the cross
    product whenever either side is inserted
  - (round, challenge, team, flag_value) unique for flags; CreateFlag uses
    ON CONFLICT DO NOTHING and reports whether the row was inserted
  - (container, exploit_run) unique for runners; CreateRunner is idempotent
  - Bulk job inserts preserve slice order so ids serve as the tie-break

# Error Handling

Driver errors are mapped onto two sentinels:

	store.ErrNotFound  // pgx.ErrNoRows, zero rows affected
	store.ErrConflict  // unique violation (SQLSTATE 23505)

Callers branch with errors.Is; anything else is a storage error to be
surfaced, never blindly retried.

# Usage

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	challenge := &types.Challenge{Name: "auth-svc", Enabled: true, DefaultPort: 1337}
	if err := st.CreateChallenge(ctx, challenge); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// name taken
		}
	}

	pending, err := st.GetPendingJobs(ctx, roundID)

# Transactions

The core holds no long transactions. Multi-statement operations (relation
cross-product on create, reorder batches, runner reassignment, bulk job
insert) each run inside one short transaction; everything else is a single
statement relying on row-level atomicity.

# Integration Points

  - pkg/scheduler: rounds, jobs, flags, settings reads
  - pkg/pool: containers, runners, counters
  - pkg/settings: typed reads over GetSetting
  - pkg/server: CRUD passthrough for the HTTP API
  - cmd/mazuadm: Migrate on server startup

# See Also

  - schema.go for the full DDL
  - pkg/types for the entity definitions
*/
package store
