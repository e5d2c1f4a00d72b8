package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mazubot/mazuadm/pkg/types"
)

const (
	roundCols = "id, status, started_at, finished_at"
	jobCols   = "id, round_id, exploit_run_id, team_id, priority, status, container_id, stdout, stderr, create_reason, duration_ms, schedule_at, started_at, finished_at"
	flagCols  = "id, job_id, round_id, challenge_id, team_id, flag_value, status, submitted_at"
)

func scanRound(r row) (*types.Round, error) {
	var rd types.Round
	if err := r.Scan(&rd.ID, &rd.Status, &rd.StartedAt, &rd.FinishedAt); err != nil {
		return nil, mapError(err)
	}
	return &rd, nil
}

func scanJob(r row) (*types.Job, error) {
	var j types.Job
	err := r.Scan(&j.ID, &j.RoundID, &j.ExploitRunID, &j.TeamID, &j.Priority,
		&j.Status, &j.ContainerID, &j.Stdout, &j.Stderr, &j.CreateReason,
		&j.DurationMS, &j.ScheduleAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &j, nil
}

func scanFlag(r row) (*types.Flag, error) {
	var f types.Flag
	err := r.Scan(&f.ID, &f.JobID, &f.RoundID, &f.ChallengeID, &f.TeamID,
		&f.FlagValue, &f.Status, &f.SubmittedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &f, nil
}

// ---- Rounds ----

func (p *Postgres) CreateRound(ctx context.Context) (*types.Round, error) {
	return scanRound(p.pool.QueryRow(ctx,
		`INSERT INTO rounds DEFAULT VALUES RETURNING `+roundCols))
}

func (p *Postgres) GetRound(ctx context.Context, id int64) (*types.Round, error) {
	return scanRound(p.pool.QueryRow(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE id = $1`, id))
}

// GetActiveRounds returns pending and running rounds, oldest first.
func (p *Postgres) GetActiveRounds(ctx context.Context) ([]*types.Round, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+roundCols+` FROM rounds
		WHERE status IN ('pending', 'running')
		ORDER BY id ASC`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRounds(ctx context.Context, sort Order, limit int) ([]*types.Round, error) {
	q := psql.Select("id", "status", "started_at", "finished_at").From("rounds")
	if sort == OrderAsc {
		q = q.OrderBy("id ASC")
	} else {
		q = q.OrderBy("id DESC")
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SetRoundStatus(ctx context.Context, id int64, status types.RoundStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE rounds
		SET status = $2,
		    finished_at = CASE WHEN $2 IN ('finished', 'skipped') THEN now() ELSE finished_at END
		WHERE id = $1`, id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Jobs ----

func (p *Postgres) CreateJob(ctx context.Context, j *types.Job) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO jobs (round_id, exploit_run_id, team_id, priority, status, create_reason, schedule_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		j.RoundID, j.ExploitRunID, j.TeamID, j.Priority,
		orPending(j.Status), j.CreateReason, j.ScheduleAt,
	).Scan(&j.ID)
	return mapError(err)
}

func orPending(s types.JobStatus) types.JobStatus {
	if s == "" {
		return types.JobStatusPending
	}
	return s
}

// CreateJobs bulk-inserts jobs in slice order so their ids encode the
// insertion order used for priority tie-breaks.
func (p *Postgres) CreateJobs(ctx context.Context, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, j := range jobs {
		err := tx.QueryRow(ctx, `
			INSERT INTO jobs (round_id, exploit_run_id, team_id, priority, status, create_reason, schedule_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			j.RoundID, j.ExploitRunID, j.TeamID, j.Priority,
			orPending(j.Status), j.CreateReason, j.ScheduleAt,
		).Scan(&j.ID)
		if err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	return scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

func (p *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	query, args, err := buildJobQuery(filter)
	if err != nil {
		return nil, err
	}
	return p.queryJobs(ctx, query, args...)
}

func buildJobQuery(filter JobFilter) (string, []any, error) {
	q := psql.Select("id", "round_id", "exploit_run_id", "team_id", "priority",
		"status", "container_id", "stdout", "stderr", "create_reason",
		"duration_ms", "schedule_at", "started_at", "finished_at").
		From("jobs")
	if filter.RoundID != nil {
		q = q.Where(sq.Eq{"round_id": *filter.RoundID})
	}
	if filter.Status != nil {
		q = q.Where(sq.Eq{"status": *filter.Status})
	}
	if filter.Sort == OrderAsc {
		q = q.OrderBy("id ASC")
	} else {
		q = q.OrderBy("id DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q.ToSql()
}

// GetPendingJobs returns the dispatch queue of a round: pending jobs by
// (priority DESC, id ASC).
func (p *Postgres) GetPendingJobs(ctx context.Context, roundID int64) ([]*types.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE round_id = $1 AND status = 'pending'
		ORDER BY priority DESC, id ASC`, roundID)
}

func (p *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]*types.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) MaxPendingPriority(ctx context.Context, roundID int64) (int, error) {
	var max int
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(priority), 0) FROM jobs
		WHERE round_id = $1 AND status = 'pending'`, roundID).Scan(&max)
	if err != nil {
		return 0, mapError(err)
	}
	return max, nil
}

func (p *Postgres) UpdateJob(ctx context.Context, j *types.Job) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, container_id = $3, stdout = $4, stderr = $5,
		    priority = $6, duration_ms = $7, schedule_at = $8,
		    started_at = $9, finished_at = $10
		WHERE id = $1`,
		j.ID, j.Status, j.ContainerID, j.Stdout, j.Stderr,
		j.Priority, j.DurationMS, j.ScheduleAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderJobs updates priorities atomically, touching only jobs that are
// still pending.
func (p *Postgres) ReorderJobs(ctx context.Context, updates []PriorityUpdate) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET priority = $2
			WHERE id = $1 AND status = 'pending'`, u.ID, u.Priority); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

// ResetJobsForRound flips every job of the round back to pending, clearing
// all run-time fields. Used by RerunRound.
func (p *Postgres) ResetJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', container_id = '', stdout = '', stderr = '',
		    duration_ms = 0, schedule_at = NULL, started_at = NULL, finished_at = NULL
		WHERE round_id = $1`, roundID)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// ResetUnflaggedJobsForRound re-pends dispatched jobs whose (round,
// challenge, team) triple still has no flag. Running jobs are left alone;
// their exec is in flight.
func (p *Postgres) ResetUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs j
		SET status = 'pending', container_id = '', stdout = '', stderr = '',
		    duration_ms = 0, schedule_at = NULL, started_at = NULL, finished_at = NULL
		FROM exploit_runs r
		WHERE j.round_id = $1
		  AND j.exploit_run_id = r.id
		  AND j.status NOT IN ('flag', 'skipped', 'pending', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM flags f
			WHERE f.round_id = j.round_id
			  AND f.challenge_id = r.challenge_id
			  AND f.team_id = j.team_id)`, roundID)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// CloneUnflaggedJobsForRound inserts fresh pending copies of every
// dispatched job whose triple still has no flag. Distinct targets are cloned
// once even if they were dispatched several times.
func (p *Postgres) CloneUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (round_id, exploit_run_id, team_id, priority, create_reason)
		SELECT DISTINCT j.round_id, j.exploit_run_id, j.team_id, j.priority, 'rerun unflagged'
		FROM jobs j
		JOIN exploit_runs r ON r.id = j.exploit_run_id
		WHERE j.round_id = $1
		  AND j.status NOT IN ('flag', 'skipped', 'pending')
		  AND NOT EXISTS (
			SELECT 1 FROM flags f
			WHERE f.round_id = j.round_id
			  AND f.challenge_id = r.challenge_id
			  AND f.team_id = j.team_id)`, roundID)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// ResetStaleJobs reconciles jobs orphaned by a crash or restart: anything
// left in running becomes stopped with a trailer on stderr.
func (p *Postgres) ResetStaleJobs(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'stopped',
		    stderr = CASE WHEN stderr = '' THEN $1 ELSE stderr || E'\n' || $1 END,
		    finished_at = now()
		WHERE status = 'running'`, StaleJobTrailer)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// ---- Flags ----

// CreateFlag inserts a flag row, returning false when the (round, challenge,
// team, value) tuple already exists.
func (p *Postgres) CreateFlag(ctx context.Context, f *types.Flag) (bool, error) {
	if f.Status == "" {
		f.Status = types.FlagStatusRaw
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO flags (job_id, round_id, challenge_id, team_id, flag_value, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round_id, challenge_id, team_id, flag_value) DO NOTHING
		RETURNING id, submitted_at`,
		f.JobID, f.RoundID, f.ChallengeID, f.TeamID, f.FlagValue, f.Status,
	).Scan(&f.ID, &f.SubmittedAt)
	if err != nil {
		if mapError(err) == ErrNotFound {
			// Conflict target hit: the row already exists.
			return false, nil
		}
		return false, mapError(err)
	}
	return true, nil
}

func (p *Postgres) ListFlags(ctx context.Context, filter FlagFilter) ([]*types.Flag, error) {
	q := psql.Select("id", "job_id", "round_id", "challenge_id", "team_id",
		"flag_value", "status", "submitted_at").
		From("flags")
	if filter.RoundID != nil {
		q = q.Where(sq.Eq{"round_id": *filter.RoundID})
	}
	if filter.ChallengeID != nil {
		q = q.Where(sq.Eq{"challenge_id": *filter.ChallengeID})
	}
	if filter.TeamID != nil {
		q = q.Where(sq.Eq{"team_id": *filter.TeamID})
	}
	if filter.Sort == OrderAsc {
		q = q.OrderBy("id ASC")
	} else {
		q = q.OrderBy("id DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) HasFlag(ctx context.Context, roundID, challengeID, teamID int64) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM flags
			WHERE round_id = $1 AND challenge_id = $2 AND team_id = $3)`,
		roundID, challengeID, teamID).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (p *Postgres) HasJobFlag(ctx context.Context, jobID int64) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM flags WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (p *Postgres) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) CountFlags(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM flags`).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}
