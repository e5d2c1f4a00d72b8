package store

import (
	"context"
	"fmt"

	"github.com/mazubot/mazuadm/pkg/types"
)

const containerCols = "id, exploit_id, container_id, name, status, counter"

func scanContainer(r row) (*types.Container, error) {
	var c types.Container
	err := r.Scan(&c.ID, &c.ExploitID, &c.ContainerID, &c.Name, &c.Status, &c.Counter)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// ---- Containers ----

func (p *Postgres) CreateContainer(ctx context.Context, c *types.Container) error {
	if c.Status == "" {
		c.Status = types.ContainerStatusRunning
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO containers (exploit_id, container_id, name, status, counter)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		c.ExploitID, c.ContainerID, c.Name, c.Status, c.Counter,
	).Scan(&c.ID)
	return mapError(err)
}

func (p *Postgres) GetContainer(ctx context.Context, id int64) (*types.Container, error) {
	return scanContainer(p.pool.QueryRow(ctx,
		`SELECT `+containerCols+` FROM containers WHERE id = $1`, id))
}

func (p *Postgres) GetContainerByEngineID(ctx context.Context, engineID string) (*types.Container, error) {
	return scanContainer(p.pool.QueryRow(ctx,
		`SELECT `+containerCols+` FROM containers WHERE container_id = $1`, engineID))
}

func (p *Postgres) ListContainers(ctx context.Context) ([]*types.Container, error) {
	return p.queryContainers(ctx, `SELECT `+containerCols+` FROM containers ORDER BY id`)
}

func (p *Postgres) ListContainersByExploit(ctx context.Context, exploitID int64) ([]*types.Container, error) {
	return p.queryContainers(ctx,
		`SELECT `+containerCols+` FROM containers WHERE exploit_id = $1 ORDER BY id`, exploitID)
}

func (p *Postgres) queryContainers(ctx context.Context, query string, args ...any) ([]*types.Container, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) SetContainerStatus(ctx context.Context, id int64, status types.ContainerStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE containers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementContainerCounter atomically decrements the exec budget and
// returns the new value. The budget never goes below zero even when
// concurrent execs race past the last slot.
func (p *Postgres) DecrementContainerCounter(ctx context.Context, id int64) (int, error) {
	var counter int
	err := p.pool.QueryRow(ctx,
		`UPDATE containers SET counter = GREATEST(counter - 1, 0) WHERE id = $1 RETURNING counter`,
		id).Scan(&counter)
	if err != nil {
		return 0, mapError(err)
	}
	return counter, nil
}

func (p *Postgres) DeleteContainer(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM containers WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Runners ----

// CreateRunner records the affinity binding. Idempotent: an existing
// (container, run) binding is left untouched.
func (p *Postgres) CreateRunner(ctx context.Context, r *types.Runner) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO runners (container_id, exploit_run_id, team_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (container_id, exploit_run_id) DO NOTHING
		RETURNING id`,
		r.ContainerID, r.ExploitRunID, r.TeamID,
	).Scan(&r.ID)
	if mapError(err) == ErrNotFound {
		// Binding already present.
		return nil
	}
	return mapError(err)
}

// GetRunnerByRun returns the newest binding of the run, if any.
func (p *Postgres) GetRunnerByRun(ctx context.Context, exploitRunID int64) (*types.Runner, error) {
	var r types.Runner
	err := p.pool.QueryRow(ctx, `
		SELECT id, container_id, exploit_run_id, team_id
		FROM runners WHERE exploit_run_id = $1
		ORDER BY id DESC LIMIT 1`, exploitRunID,
	).Scan(&r.ID, &r.ContainerID, &r.ExploitRunID, &r.TeamID)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (p *Postgres) ListRunnersByContainer(ctx context.Context, containerID int64) ([]*types.Runner, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, container_id, exploit_run_id, team_id
		FROM runners WHERE container_id = $1 ORDER BY id`, containerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*types.Runner
	for rows.Next() {
		var r types.Runner
		if err := rows.Scan(&r.ID, &r.ContainerID, &r.ExploitRunID, &r.TeamID); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReassignRunners moves every binding from one container to another,
// dropping bindings the target already holds. Used by health repair when a
// dead container is replaced.
func (p *Postgres) ReassignRunners(ctx context.Context, fromContainerID, toContainerID int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM runners a
		WHERE a.container_id = $1
		  AND EXISTS (
			SELECT 1 FROM runners b
			WHERE b.container_id = $2 AND b.exploit_run_id = a.exploit_run_id)`,
		fromContainerID, toContainerID)
	if err != nil {
		return mapError(err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE runners SET container_id = $2 WHERE container_id = $1`,
		fromContainerID, toContainerID)
	if err != nil {
		return mapError(err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) DeleteRunnersByContainer(ctx context.Context, containerID int64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM runners WHERE container_id = $1`, containerID)
	return mapError(err)
}
