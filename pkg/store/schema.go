package store

// schema is applied on startup by Migrate. Every statement is idempotent so
// the server can run it unconditionally. bigserial ids give insertion order
// the same direction as id order, which the pending-job tie-break relies on.
const schema = `
CREATE TABLE IF NOT EXISTS challenges (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	default_port INTEGER NOT NULL DEFAULT 0,
	priority     INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 99),
	flag_regex   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS teams (
	id         BIGSERIAL PRIMARY KEY,
	team_id    TEXT NOT NULL UNIQUE,
	team_name  TEXT NOT NULL,
	default_ip TEXT NOT NULL DEFAULT '',
	priority   INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 99),
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relations (
	challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
	team_id      BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	addr         TEXT NOT NULL DEFAULT '',
	port         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (challenge_id, team_id)
);

CREATE TABLE IF NOT EXISTS exploits (
	id                     BIGSERIAL PRIMARY KEY,
	name                   TEXT NOT NULL,
	challenge_id           BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
	docker_image           TEXT NOT NULL,
	entrypoint             TEXT NOT NULL DEFAULT '',
	enabled                BOOLEAN NOT NULL DEFAULT TRUE,
	max_per_container      INTEGER NOT NULL DEFAULT 1 CHECK (max_per_container >= 1),
	max_containers         INTEGER NOT NULL DEFAULT 0 CHECK (max_containers >= 0),
	timeout_secs           INTEGER NOT NULL DEFAULT 0,
	default_counter        INTEGER NOT NULL DEFAULT 100,
	ignore_connection_info BOOLEAN NOT NULL DEFAULT FALSE,
	env                    TEXT[] NOT NULL DEFAULT '{}',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS exploit_runs (
	id           BIGSERIAL PRIMARY KEY,
	exploit_id   BIGINT NOT NULL REFERENCES exploits(id) ON DELETE CASCADE,
	challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
	team_id      BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	priority     INTEGER,
	sequence     INTEGER NOT NULL DEFAULT 0,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (exploit_id, challenge_id, team_id)
);

CREATE TABLE IF NOT EXISTS rounds (
	id          BIGSERIAL PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending'
	            CHECK (status IN ('pending', 'running', 'finished', 'skipped')),
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS jobs (
	id             BIGSERIAL PRIMARY KEY,
	round_id       BIGINT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
	exploit_run_id BIGINT REFERENCES exploit_runs(id) ON DELETE SET NULL,
	team_id        BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	priority       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending'
	               CHECK (status IN ('pending', 'running', 'flag', 'success', 'failed',
	                                 'timeout', 'ole', 'error', 'stopped', 'skipped')),
	container_id   TEXT NOT NULL DEFAULT '',
	stdout         TEXT NOT NULL DEFAULT '',
	stderr         TEXT NOT NULL DEFAULT '',
	create_reason  TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	schedule_at    TIMESTAMPTZ,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_round_status_idx ON jobs (round_id, status);
CREATE INDEX IF NOT EXISTS jobs_pending_order_idx ON jobs (round_id, priority DESC, id ASC)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS flags (
	id           BIGSERIAL PRIMARY KEY,
	job_id       BIGINT REFERENCES jobs(id) ON DELETE SET NULL,
	round_id     BIGINT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
	challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
	team_id      BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	flag_value   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'raw',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (round_id, challenge_id, team_id, flag_value)
);

CREATE INDEX IF NOT EXISTS flags_job_idx ON flags (job_id);

CREATE TABLE IF NOT EXISTS containers (
	id           BIGSERIAL PRIMARY KEY,
	exploit_id   BIGINT NOT NULL REFERENCES exploits(id) ON DELETE CASCADE,
	container_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'dead')),
	counter      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS containers_exploit_idx ON containers (exploit_id);

CREATE TABLE IF NOT EXISTS runners (
	id             BIGSERIAL PRIMARY KEY,
	container_id   BIGINT NOT NULL REFERENCES containers(id) ON DELETE CASCADE,
	exploit_run_id BIGINT NOT NULL REFERENCES exploit_runs(id) ON DELETE CASCADE,
	team_id        BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	UNIQUE (container_id, exploit_run_id)
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
`
