package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazubot/mazuadm/pkg/types"
)

// psql builds the dynamic list queries with $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the schema. Safe to run on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database liveness.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// mapError converts driver errors into the store's sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// row is the subset of pgx result types the scan helpers accept.
type row interface {
	Scan(dest ...any) error
}

func scanChallenge(r row) (*types.Challenge, error) {
	var c types.Challenge
	err := r.Scan(&c.ID, &c.Name, &c.Enabled, &c.DefaultPort, &c.Priority,
		&c.FlagRegex, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func scanTeam(r row) (*types.Team, error) {
	var t types.Team
	err := r.Scan(&t.ID, &t.TeamID, &t.TeamName, &t.DefaultIP, &t.Priority,
		&t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func scanExploit(r row) (*types.Exploit, error) {
	var e types.Exploit
	err := r.Scan(&e.ID, &e.Name, &e.ChallengeID, &e.DockerImage, &e.Entrypoint,
		&e.Enabled, &e.MaxPerContainer, &e.MaxContainers, &e.TimeoutSecs,
		&e.DefaultCounter, &e.IgnoreConnectionInfo, &e.Env, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

func scanExploitRun(r row) (*types.ExploitRun, error) {
	var er types.ExploitRun
	err := r.Scan(&er.ID, &er.ExploitID, &er.ChallengeID, &er.TeamID,
		&er.Priority, &er.Sequence, &er.Enabled)
	if err != nil {
		return nil, mapError(err)
	}
	return &er, nil
}

const (
	challengeCols  = "id, name, enabled, default_port, priority, flag_regex, created_at, updated_at"
	teamCols       = "id, team_id, team_name, default_ip, priority, enabled, created_at, updated_at"
	exploitCols    = "id, name, challenge_id, docker_image, entrypoint, enabled, max_per_container, max_containers, timeout_secs, default_counter, ignore_connection_info, env, created_at, updated_at"
	exploitRunCols = "id, exploit_id, challenge_id, team_id, priority, sequence, enabled"
)

// ---- Challenges ----

func (p *Postgres) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	c.Priority = types.ClampPriority(c.Priority)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO challenges (name, enabled, default_port, priority, flag_regex)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		c.Name, c.Enabled, c.DefaultPort, c.Priority, c.FlagRegex,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return mapError(err)
	}

	// Relations are implicit: one row per challenge x team pair.
	_, err = tx.Exec(ctx, `
		INSERT INTO relations (challenge_id, team_id)
		SELECT $1, id FROM teams
		ON CONFLICT DO NOTHING`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to create relations: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) GetChallenge(ctx context.Context, id int64) (*types.Challenge, error) {
	return scanChallenge(p.pool.QueryRow(ctx,
		`SELECT `+challengeCols+` FROM challenges WHERE id = $1`, id))
}

func (p *Postgres) GetChallengeByName(ctx context.Context, name string) (*types.Challenge, error) {
	return scanChallenge(p.pool.QueryRow(ctx,
		`SELECT `+challengeCols+` FROM challenges WHERE name = $1`, name))
}

func (p *Postgres) ListChallenges(ctx context.Context) ([]*types.Challenge, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+challengeCols+` FROM challenges ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateChallenge(ctx context.Context, c *types.Challenge) error {
	c.Priority = types.ClampPriority(c.Priority)
	err := p.pool.QueryRow(ctx, `
		UPDATE challenges
		SET name = $2, enabled = $3, default_port = $4, priority = $5,
		    flag_regex = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Name, c.Enabled, c.DefaultPort, c.Priority, c.FlagRegex,
	).Scan(&c.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) SetChallengeEnabled(ctx context.Context, id int64, enabled bool) (*types.Challenge, error) {
	return scanChallenge(p.pool.QueryRow(ctx, `
		UPDATE challenges SET enabled = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+challengeCols, id, enabled))
}

func (p *Postgres) DeleteChallenge(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Teams ----

func (p *Postgres) CreateTeam(ctx context.Context, t *types.Team) error {
	t.Priority = types.ClampPriority(t.Priority)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO teams (team_id, team_name, default_ip, priority, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		t.TeamID, t.TeamName, t.DefaultIP, t.Priority, t.Enabled,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO relations (challenge_id, team_id)
		SELECT id, $1 FROM challenges
		ON CONFLICT DO NOTHING`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to create relations: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) GetTeam(ctx context.Context, id int64) (*types.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx,
		`SELECT `+teamCols+` FROM teams WHERE id = $1`, id))
}

func (p *Postgres) GetTeamByExternalID(ctx context.Context, teamID string) (*types.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx,
		`SELECT `+teamCols+` FROM teams WHERE team_id = $1`, teamID))
}

func (p *Postgres) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+teamCols+` FROM teams ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTeam(ctx context.Context, t *types.Team) error {
	t.Priority = types.ClampPriority(t.Priority)
	err := p.pool.QueryRow(ctx, `
		UPDATE teams
		SET team_id = $2, team_name = $3, default_ip = $4, priority = $5,
		    enabled = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.TeamID, t.TeamName, t.DefaultIP, t.Priority, t.Enabled,
	).Scan(&t.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) DeleteTeam(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Relations ----

func (p *Postgres) GetRelation(ctx context.Context, challengeID, teamID int64) (*types.Relation, error) {
	var r types.Relation
	err := p.pool.QueryRow(ctx, `
		SELECT challenge_id, team_id, addr, port
		FROM relations WHERE challenge_id = $1 AND team_id = $2`,
		challengeID, teamID,
	).Scan(&r.ChallengeID, &r.TeamID, &r.Addr, &r.Port)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (p *Postgres) ListRelationsByChallenge(ctx context.Context, challengeID int64) ([]*types.Relation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT challenge_id, team_id, addr, port
		FROM relations WHERE challenge_id = $1 ORDER BY team_id`, challengeID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Relation
	for rows.Next() {
		var r types.Relation
		if err := rows.Scan(&r.ChallengeID, &r.TeamID, &r.Addr, &r.Port); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRelation(ctx context.Context, r *types.Relation) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE relations SET addr = $3, port = $4
		WHERE challenge_id = $1 AND team_id = $2`,
		r.ChallengeID, r.TeamID, r.Addr, r.Port)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Exploits ----

func (p *Postgres) CreateExploit(ctx context.Context, e *types.Exploit) error {
	if e.MaxPerContainer < 1 {
		e.MaxPerContainer = 1
	}
	if e.DefaultCounter < 1 {
		e.DefaultCounter = types.DefaultExecBudget
	}
	if e.Env == nil {
		e.Env = []string{}
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO exploits (name, challenge_id, docker_image, entrypoint, enabled,
		                      max_per_container, max_containers, timeout_secs,
		                      default_counter, ignore_connection_info, env)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		e.Name, e.ChallengeID, e.DockerImage, e.Entrypoint, e.Enabled,
		e.MaxPerContainer, e.MaxContainers, e.TimeoutSecs,
		e.DefaultCounter, e.IgnoreConnectionInfo, e.Env,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) GetExploit(ctx context.Context, id int64) (*types.Exploit, error) {
	return scanExploit(p.pool.QueryRow(ctx,
		`SELECT `+exploitCols+` FROM exploits WHERE id = $1`, id))
}

func (p *Postgres) ListExploits(ctx context.Context) ([]*types.Exploit, error) {
	return p.queryExploits(ctx, `SELECT `+exploitCols+` FROM exploits ORDER BY id`)
}

func (p *Postgres) ListExploitsByChallenge(ctx context.Context, challengeID int64) ([]*types.Exploit, error) {
	return p.queryExploits(ctx,
		`SELECT `+exploitCols+` FROM exploits WHERE challenge_id = $1 ORDER BY id`, challengeID)
}

func (p *Postgres) queryExploits(ctx context.Context, query string, args ...any) ([]*types.Exploit, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Exploit
	for rows.Next() {
		e, err := scanExploit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateExploit(ctx context.Context, e *types.Exploit) error {
	if e.MaxPerContainer < 1 {
		e.MaxPerContainer = 1
	}
	if e.DefaultCounter < 1 {
		e.DefaultCounter = types.DefaultExecBudget
	}
	if e.Env == nil {
		e.Env = []string{}
	}
	err := p.pool.QueryRow(ctx, `
		UPDATE exploits
		SET name = $2, challenge_id = $3, docker_image = $4, entrypoint = $5,
		    enabled = $6, max_per_container = $7, max_containers = $8,
		    timeout_secs = $9, default_counter = $10, ignore_connection_info = $11,
		    env = $12, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.Name, e.ChallengeID, e.DockerImage, e.Entrypoint,
		e.Enabled, e.MaxPerContainer, e.MaxContainers,
		e.TimeoutSecs, e.DefaultCounter, e.IgnoreConnectionInfo, e.Env,
	).Scan(&e.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) DeleteExploit(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM exploits WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Exploit runs ----

func (p *Postgres) CreateExploitRun(ctx context.Context, r *types.ExploitRun) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO exploit_runs (exploit_id, challenge_id, team_id, priority, sequence, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.ExploitID, r.ChallengeID, r.TeamID, r.Priority, r.Sequence, r.Enabled,
	).Scan(&r.ID)
	return mapError(err)
}

func (p *Postgres) GetExploitRun(ctx context.Context, id int64) (*types.ExploitRun, error) {
	return scanExploitRun(p.pool.QueryRow(ctx,
		`SELECT `+exploitRunCols+` FROM exploit_runs WHERE id = $1`, id))
}

// ListExploitRuns filters by challenge and team when given; results are
// ordered by sequence ascending.
func (p *Postgres) ListExploitRuns(ctx context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error) {
	query, args, err := buildExploitRunQuery(challengeID, teamID)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.ExploitRun
	for rows.Next() {
		r, err := scanExploitRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func buildExploitRunQuery(challengeID, teamID *int64) (string, []any, error) {
	q := psql.Select("id", "exploit_id", "challenge_id", "team_id", "priority", "sequence", "enabled").
		From("exploit_runs").
		OrderBy("sequence ASC", "id ASC")
	if challengeID != nil {
		q = q.Where(sq.Eq{"challenge_id": *challengeID})
	}
	if teamID != nil {
		q = q.Where(sq.Eq{"team_id": *teamID})
	}
	return q.ToSql()
}

func (p *Postgres) ListExploitRunsByExploit(ctx context.Context, exploitID int64) ([]*types.ExploitRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+exploitRunCols+` FROM exploit_runs WHERE exploit_id = $1 ORDER BY sequence, id`,
		exploitID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.ExploitRun
	for rows.Next() {
		r, err := scanExploitRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateExploitRun(ctx context.Context, r *types.ExploitRun) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE exploit_runs
		SET exploit_id = $2, challenge_id = $3, team_id = $4, priority = $5,
		    sequence = $6, enabled = $7
		WHERE id = $1`,
		r.ID, r.ExploitID, r.ChallengeID, r.TeamID, r.Priority, r.Sequence, r.Enabled)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderExploitRuns applies all sequence updates in one transaction.
func (p *Postgres) ReorderExploitRuns(ctx context.Context, updates []SequenceUpdate) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		if _, err := tx.Exec(ctx,
			`UPDATE exploit_runs SET sequence = $2 WHERE id = $1`, u.ID, u.Sequence); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DeleteExploitRun(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM exploit_runs WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Settings ----

func (p *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", mapError(err)
	}
	return value, nil
}

func (p *Postgres) ListSettings(ctx context.Context) ([]*types.Setting, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Setting
	for rows.Next() {
		var s types.Setting
		if err := rows.Scan(&s.Key, &s.Value); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return mapError(err)
}
