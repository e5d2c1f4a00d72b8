/*
Package log provides structured logging for mazuadm using zerolog.

The log package wraps zerolog with a simple global-logger API and a small set
of helpers that attach the fields the rest of the codebase logs by: the
component name, the round, the job and the container. All packages depend on
this one for their logging; none import zerolog directly for configuration.

# Architecture

One global logger, configured once at process start:

	┌──────────────────── LOGGING PIPELINE ───────────────────┐
	│                                                          │
	│  log.Init(Config) ─── sets global level + output format  │
	│         │                                                │
	│         ▼                                                │
	│  log.Logger (zerolog.Logger)                             │
	│         │                                                │
	│         ├── WithComponent("scheduler") ── child logger   │
	│         ├── WithRoundID(42)           ── child logger    │
	│         ├── WithJobID(1337)           ── child logger    │
	│         └── WithContainerID("ab12..") ── child logger    │
	│                                                          │
	│  Output: JSON (production) or console (development)      │
	└──────────────────────────────────────────────────────────┘

Child loggers are cheap value copies; components create them once at
construction and keep them for their lifetime.

# Log Levels

Four levels, mapped onto zerolog's:

  - debug: per-exec detail (queue pulls, container picks, exec inspects)
  - info:  lifecycle transitions (round started, job finished, container
    spawned)
  - warn:  repaired anomalies (dead container replaced, engine removal
    failed but row deleted)
  - error: failures that affected a job or an operation

The level comes from configuration (log_level) and defaults to info.

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("pool")
	logger.Info().
		Int64("exploit_id", exploit.ID).
		Str("name", name).
		Msg("Container spawned")

Per-job context:

	logger := log.WithJobID(job.ID)
	logger.Error().Err(err).Msg("Exec failed")

Quick helpers for one-off messages:

	log.Info("Scheduler started")
	log.Errorf("Failed to load config", err)

# Field Conventions

  - component: which subsystem wrote the line (scheduler, pool, store,
    events, server)
  - round_id / job_id: int64 catalog ids
  - container_id: the engine handle (12-char short form where logged
    manually)
  - err: attached with .Err(err), never interpolated into the message

# Integration Points

  - cmd/mazuadm: calls Init from the server command using the config file's
    log_level and log_json keys
  - every pkg/* package: creates component child loggers
  - gin's request logging is separate (pkg/server); this package carries
    application events only

# See Also

  - pkg/config for where Level/JSONOutput come from
  - https://github.com/rs/zerolog for the underlying library
*/
package log
