package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/log"
	"github.com/mazubot/mazuadm/pkg/metrics"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

const (
	// namePrefix marks every container the pool manages.
	namePrefix = "mazuadm-"

	// maxSlugLen bounds the exploit-derived part of a container name.
	maxSlugLen = 20

	// opTimeout bounds the background bookkeeping that runs after an exec,
	// where the job's own context may already be canceled.
	opTimeout = 30 * time.Second
)

// Engine is the slice of the container runtime the pool drives. It is
// satisfied by *engine.Docker and faked in tests.
type Engine interface {
	CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	IsRunning(ctx context.Context, id string) bool
	RemoveContainer(ctx context.Context, id string, force bool) error
	RestartContainer(ctx context.Context, id string, timeout *int, force bool) error
	HasImage(ctx context.Context, image string) bool
	Execute(ctx context.Context, containerID string, spec engine.ExecSpec, timeout time.Duration) (*engine.ExecResult, error)
}

// Pool manages the persistent exploit containers: spawning, affinity-based
// assignment, exec budgets, health repair and teardown. The store is the
// source of truth for rows and runner bindings; the pool adds the in-memory
// view of in-flight execs that capacity decisions need.
type Pool struct {
	store  store.Store
	engine Engine
	bus    *events.Bus
	logger zerolog.Logger

	mu     sync.Mutex
	live   map[int64]int // containers.id -> in-flight execs
	waitCh chan struct{} // closed and replaced on every capacity change
}

// New creates a pool over the given store and runtime.
func New(st store.Store, eng Engine, bus *events.Bus) *Pool {
	return &Pool{
		store:  st,
		engine: eng,
		bus:    bus,
		logger: log.WithComponent("pool"),
		live:   make(map[int64]int),
		waitCh: make(chan struct{}),
	}
}

// notifyLocked wakes every goroutine blocked on a capacity change. Callers
// hold p.mu.
func (p *Pool) notifyLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

func (p *Pool) notify() {
	p.mu.Lock()
	p.notifyLocked()
	p.mu.Unlock()
}

// LiveExecs reports the in-flight exec count of a container.
func (p *Pool) LiveExecs(containerID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[containerID]
}

// EnsureContainers guarantees at least one running container for an enabled
// exploit. Disabled exploits are a no-op.
func (p *Pool) EnsureContainers(ctx context.Context, exploit *types.Exploit) error {
	if !exploit.Enabled {
		return nil
	}
	containers, err := p.store.ListContainersByExploit(ctx, exploit.ID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Status == types.ContainerStatusRunning {
			return nil
		}
	}
	if _, err := p.spawn(ctx, exploit); err != nil {
		return err
	}
	p.notify()
	return nil
}

// GetOrAssign picks the container that will host one exec of the given run,
// reserving an exec slot on it. The caller must hand the slot back through
// Execute or ReleaseSlot. Blocks until capacity frees up when the exploit's
// fleet is saturated; cancel the context to give up.
//
// Selection order: the run's existing binding if it is still usable, then
// the running container with the most bindings that has budget and a free
// slot, then a fresh spawn while under max_containers.
func (p *Pool) GetOrAssign(ctx context.Context, run *types.ExploitRun, exploit *types.Exploit) (*types.Container, error) {
	for {
		p.mu.Lock()
		wait := p.waitCh
		c, err := p.assignLocked(ctx, run, exploit)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if c != nil {
			p.live[c.ID]++
			p.notifyLocked()
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pool) assignLocked(ctx context.Context, run *types.ExploitRun, exploit *types.Exploit) (*types.Container, error) {
	maxPer := exploit.MaxPerContainer
	if maxPer < 1 {
		maxPer = 1
	}

	// Sticky binding first: a run goes back to its container as long as the
	// container is alive and has budget. A saturated binding means wait, not
	// fan-out.
	runner, err := p.store.GetRunnerByRun(ctx, run.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if runner != nil {
		c, err := p.store.GetContainer(ctx, runner.ContainerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Stale binding, fall through to a fresh pick.
		case err != nil:
			return nil, err
		case c.Status == types.ContainerStatusRunning && c.Counter > 0:
			if p.live[c.ID] < maxPer {
				return c, nil
			}
			return nil, nil
		}
	}

	containers, err := p.store.ListContainersByExploit(ctx, exploit.ID)
	if err != nil {
		return nil, err
	}
	var running []*types.Container
	for _, c := range containers {
		if c.Status == types.ContainerStatusRunning {
			running = append(running, c)
		}
	}

	c, err := p.pickLocked(ctx, running, maxPer)
	if err != nil {
		return nil, err
	}
	if c == nil && (exploit.MaxContainers == 0 || len(running) < exploit.MaxContainers) {
		c, err = p.spawn(ctx, exploit)
		if err != nil {
			return nil, err
		}
	}
	if c == nil {
		// Fleet at capacity; the caller waits for a slot.
		return nil, nil
	}

	if err := p.bind(ctx, run, c); err != nil {
		return nil, err
	}
	return c, nil
}

// pickLocked chooses among running containers with remaining budget and a
// free exec slot, preferring the one hosting the most runner bindings so
// execs stay packed on warmed-up containers.
func (p *Pool) pickLocked(ctx context.Context, candidates []*types.Container, maxPer int) (*types.Container, error) {
	var best *types.Container
	bestBindings := -1
	for _, c := range candidates {
		if c.Counter <= 0 || p.live[c.ID] >= maxPer {
			continue
		}
		runners, err := p.store.ListRunnersByContainer(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if len(runners) > bestBindings {
			best = c
			bestBindings = len(runners)
		}
	}
	return best, nil
}

func (p *Pool) bind(ctx context.Context, run *types.ExploitRun, c *types.Container) error {
	return p.store.CreateRunner(ctx, &types.Runner{
		ContainerID:  c.ID,
		ExploitRunID: run.ID,
		TeamID:       run.TeamID,
	})
}

// Execute runs one exec on an assigned container and hands the slot back
// when it finishes. The container's exec budget is decremented afterwards; a
// drained container with no other in-flight execs is destroyed.
func (p *Pool) Execute(ctx context.Context, c *types.Container, spec engine.ExecSpec, timeout time.Duration) (*engine.ExecResult, error) {
	metrics.ExecsInFlight.Inc()
	res, err := p.engine.Execute(ctx, c.ContainerID, spec, timeout)
	metrics.ExecsInFlight.Dec()
	p.finishExec(c)
	return res, err
}

// ReleaseSlot returns an assignment that never reached Execute. The exec
// budget is not touched.
func (p *Pool) ReleaseSlot(containerID int64) {
	p.mu.Lock()
	p.live[containerID]--
	if p.live[containerID] <= 0 {
		delete(p.live, containerID)
	}
	p.notifyLocked()
	p.mu.Unlock()
}

// finishExec releases the exec slot and spends one unit of budget. Runs on
// its own context: the job's may already be canceled.
func (p *Pool) finishExec(c *types.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	counter, err := p.store.DecrementContainerCounter(ctx, c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to decrement exec budget")
	}

	p.mu.Lock()
	p.live[c.ID]--
	if p.live[c.ID] <= 0 {
		delete(p.live, c.ID)
	}
	drained := err == nil && counter <= 0 && p.live[c.ID] == 0
	p.notifyLocked()
	p.mu.Unlock()

	if drained {
		p.logger.Info().Str("container", c.Name).Msg("exec budget drained, recycling container")
		if err := p.DestroyContainer(ctx, c.ID); err != nil {
			p.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to recycle container")
		}
	}
}

// spawn creates, starts and records one container for the exploit.
func (p *Pool) spawn(ctx context.Context, exploit *types.Exploit) (*types.Container, error) {
	if !p.engine.HasImage(ctx, exploit.DockerImage) {
		return nil, fmt.Errorf("docker image %q not found", exploit.DockerImage)
	}

	name := containerName(exploit.Name)
	engineID, err := p.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:  name,
		Image: exploit.DockerImage,
		Env:   exploit.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.engine.StartContainer(ctx, engineID); err != nil {
		p.removeHandle(ctx, engineID, name)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	c := &types.Container{
		ExploitID:   exploit.ID,
		ContainerID: engineID,
		Name:        name,
		Status:      types.ContainerStatusRunning,
		Counter:     execBudget(exploit.DefaultCounter),
	}
	if err := p.store.CreateContainer(ctx, c); err != nil {
		p.removeHandle(ctx, engineID, name)
		return nil, fmt.Errorf("failed to record container: %w", err)
	}

	metrics.ContainerSpawns.Inc()
	p.bus.Publish(events.EventContainerCreated, c)
	p.logger.Info().
		Str("container", name).
		Str("image", exploit.DockerImage).
		Int64("exploit_id", exploit.ID).
		Int("counter", c.Counter).
		Msg("container spawned")
	return c, nil
}

func (p *Pool) removeHandle(ctx context.Context, engineID, name string) {
	if err := p.engine.RemoveContainer(ctx, engineID, true); err != nil {
		p.logger.Warn().Err(err).Str("container", name).Msg("failed to remove engine handle")
	}
}

// DestroyContainer force-removes a container and deletes its row and runner
// bindings. Engine failures are logged and the row is dropped regardless, so
// a wedged daemon cannot pin dead state in the catalog.
func (p *Pool) DestroyContainer(ctx context.Context, id int64) error {
	c, err := p.store.GetContainer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	p.removeHandle(ctx, c.ContainerID, c.Name)

	if err := p.store.DeleteRunnersByContainer(ctx, id); err != nil {
		return err
	}
	if err := p.store.DeleteContainer(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	p.mu.Lock()
	delete(p.live, id)
	p.notifyLocked()
	p.mu.Unlock()

	p.bus.Publish(events.EventContainerDeleted, c)
	p.logger.Info().Str("container", c.Name).Msg("container destroyed")
	return nil
}

// DestroyExploitContainers tears down the whole fleet of one exploit.
func (p *Pool) DestroyExploitContainers(ctx context.Context, exploitID int64) error {
	containers, err := p.store.ListContainersByExploit(ctx, exploitID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := p.DestroyContainer(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// RestartContainer restarts the engine container behind a row. A row that
// was marked dead goes back to running when the restart succeeds.
func (p *Pool) RestartContainer(ctx context.Context, id int64, timeout *int, force bool) error {
	c, err := p.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if err := p.engine.RestartContainer(ctx, c.ContainerID, timeout, force); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	if c.Status != types.ContainerStatusRunning {
		if err := p.store.SetContainerStatus(ctx, id, types.ContainerStatusRunning); err != nil {
			return err
		}
		c.Status = types.ContainerStatusRunning
		p.bus.Publish(events.EventContainerUpdated, c)
		p.notify()
	}
	return nil
}

// HealthCheck sweeps every container the store believes is running and
// repairs the ones the engine lost: the row is marked dead and, when the
// exploit is still enabled, a replacement inherits all runner bindings.
func (p *Pool) HealthCheck(ctx context.Context) error {
	containers, err := p.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Status != types.ContainerStatusRunning {
			continue
		}
		if p.engine.IsRunning(ctx, c.ContainerID) {
			continue
		}
		p.repair(ctx, c)
	}
	return nil
}

func (p *Pool) repair(ctx context.Context, c *types.Container) {
	logger := p.logger.With().Str("container", c.Name).Logger()
	logger.Warn().Msg("container lost, repairing")

	if err := p.store.SetContainerStatus(ctx, c.ID, types.ContainerStatusDead); err != nil {
		logger.Error().Err(err).Msg("failed to mark container dead")
		return
	}
	c.Status = types.ContainerStatusDead
	p.bus.Publish(events.EventContainerUpdated, c)

	// The handle may survive as an exited container; clear it.
	p.removeHandle(ctx, c.ContainerID, c.Name)

	p.mu.Lock()
	delete(p.live, c.ID)
	p.notifyLocked()
	p.mu.Unlock()

	exploit, err := p.store.GetExploit(ctx, c.ExploitID)
	if err != nil || !exploit.Enabled {
		if derr := p.store.DeleteRunnersByContainer(ctx, c.ID); derr != nil {
			logger.Error().Err(derr).Msg("failed to delete runner bindings")
		}
		return
	}

	replacement, err := p.spawn(ctx, exploit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to spawn replacement")
		if derr := p.store.DeleteRunnersByContainer(ctx, c.ID); derr != nil {
			logger.Error().Err(derr).Msg("failed to delete runner bindings")
		}
		return
	}
	if err := p.store.ReassignRunners(ctx, c.ID, replacement.ID); err != nil {
		logger.Error().Err(err).Msg("failed to reassign runner bindings")
	}
	p.notify()
	logger.Info().Str("replacement", replacement.Name).Msg("container replaced")
}

// PreWarm spawns containers ahead of a round so the first wave of jobs does
// not pay the cold-start cost. Each enabled exploit is raised to
// ceil(min(enabled runs, concurrent limit) / max_per_container) containers,
// bounded by its max_containers. Failures are logged, never fatal.
func (p *Pool) PreWarm(ctx context.Context, concurrentLimit int) {
	exploits, err := p.store.ListExploits(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("pre-warm skipped")
		return
	}
	for _, exploit := range exploits {
		if !exploit.Enabled {
			continue
		}
		runs, err := p.store.ListExploitRunsByExploit(ctx, exploit.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("exploit", exploit.Name).Msg("pre-warm skipped for exploit")
			continue
		}
		enabled := 0
		for _, r := range runs {
			if r.Enabled {
				enabled++
			}
		}
		target := prewarmTarget(enabled, concurrentLimit, exploit.MaxPerContainer)
		if exploit.MaxContainers > 0 && target > exploit.MaxContainers {
			target = exploit.MaxContainers
		}
		if target == 0 {
			continue
		}

		containers, err := p.store.ListContainersByExploit(ctx, exploit.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("exploit", exploit.Name).Msg("pre-warm skipped for exploit")
			continue
		}
		running := 0
		for _, c := range containers {
			if c.Status == types.ContainerStatusRunning {
				running++
			}
		}
		spawned := false
		for i := running; i < target; i++ {
			if _, err := p.spawn(ctx, exploit); err != nil {
				p.logger.Warn().Err(err).Str("exploit", exploit.Name).Msg("pre-warm spawn failed")
				break
			}
			spawned = true
		}
		if spawned {
			p.notify()
		}
	}
}

// execBudget clamps the configured counter so a fresh container is always
// assignable at least once.
func execBudget(defaultCounter int) int {
	if defaultCounter < 1 {
		return 1
	}
	return defaultCounter
}

// prewarmTarget computes how many containers one exploit needs to host its
// first dispatch wave.
func prewarmTarget(runs, concurrentLimit, maxPerContainer int) int {
	if maxPerContainer < 1 {
		maxPerContainer = 1
	}
	n := min(runs, concurrentLimit)
	if n <= 0 {
		return 0
	}
	return (n + maxPerContainer - 1) / maxPerContainer
}

// slugify lowercases a name and folds anything outside [a-z0-9] to '-',
// truncated to maxSlugLen.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	s := b.String()
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return s
}

// containerName builds the unique engine name for a spawned container.
func containerName(exploitName string) string {
	return namePrefix + slugify(exploitName) + "-" + uuid.NewString()[:8]
}
