package pool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// fakeEngine tracks lifecycle calls and serves scripted exec results.
type fakeEngine struct {
	mu        sync.Mutex
	seq       int
	created   []engine.ContainerSpec
	started   []string
	removed   []string
	restarted []string
	running   map[string]bool
	images    map[string]bool
	createErr error
	execFn    func(ctx context.Context, containerID string, spec engine.ExecSpec, timeout time.Duration) (*engine.ExecResult, error)
}

func newFakeEngine(images ...string) *fakeEngine {
	f := &fakeEngine{
		running: make(map[string]bool),
		images:  make(map[string]bool),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("eng-%d", f.seq)
	f.created = append(f.created, spec)
	f.running[id] = false
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.running[id] = true
	return nil
}

func (f *fakeEngine) IsRunning(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) RestartContainer(_ context.Context, id string, _ *int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	f.running[id] = true
	return nil
}

func (f *fakeEngine) HasImage(_ context.Context, image string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image]
}

func (f *fakeEngine) Execute(ctx context.Context, containerID string, spec engine.ExecSpec, timeout time.Duration) (*engine.ExecResult, error) {
	f.mu.Lock()
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, containerID, spec, timeout)
	}
	return &engine.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeEngine) setRunning(id string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = running
}

// fixture wires a pool over the in-memory store and a fake engine with one
// challenge, one team and one enabled exploit.
type fixture struct {
	pool    *Pool
	store   *store.Memory
	engine  *fakeEngine
	bus     *events.Bus
	exploit *types.Exploit
	team    *types.Team
}

func newFixture(t *testing.T, mutate func(e *types.Exploit)) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	ch := &types.Challenge{Name: "web1", Enabled: true, DefaultPort: 1337}
	require.NoError(t, st.CreateChallenge(ctx, ch))
	team := &types.Team{TeamID: "t1", TeamName: "one", DefaultIP: "10.0.0.1", Enabled: true}
	require.NoError(t, st.CreateTeam(ctx, team))

	exploit := &types.Exploit{
		Name:            "sploit",
		ChallengeID:     ch.ID,
		DockerImage:     "img",
		Enabled:         true,
		MaxPerContainer: 1,
		DefaultCounter:  10,
	}
	if mutate != nil {
		mutate(exploit)
	}
	require.NoError(t, st.CreateExploit(ctx, exploit))

	eng := newFakeEngine("img")
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	return &fixture{
		pool:    New(st, eng, bus),
		store:   st,
		engine:  eng,
		bus:     bus,
		exploit: exploit,
		team:    team,
	}
}

func (fx *fixture) newRun(t *testing.T, sequence int) *types.ExploitRun {
	t.Helper()
	r := &types.ExploitRun{
		ExploitID:   fx.exploit.ID,
		ChallengeID: fx.exploit.ChallengeID,
		TeamID:      fx.team.ID,
		Sequence:    sequence,
		Enabled:     true,
	}
	// One run per (exploit, challenge, team): fan extra runs out over fresh
	// teams.
	if sequence > 0 {
		team := &types.Team{TeamID: fmt.Sprintf("t%d", sequence+1), TeamName: "x", DefaultIP: "10.0.0.2", Enabled: true}
		require.NoError(t, fx.store.CreateTeam(context.Background(), team))
		r.TeamID = team.ID
	}
	require.NoError(t, fx.store.CreateExploitRun(context.Background(), r))
	return r
}

// TestEnsureContainersSpawnsOnce tests that an enabled exploit without a
// running container gets exactly one
func TestEnsureContainersSpawnsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	require.NoError(t, fx.pool.EnsureContainers(ctx, fx.exploit))

	containers, err := fx.store.ListContainersByExploit(ctx, fx.exploit.ID)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, types.ContainerStatusRunning, containers[0].Status)
	assert.Equal(t, 10, containers[0].Counter)
	assert.Regexp(t, regexp.MustCompile(`^mazuadm-sploit-[0-9a-f]{8}$`), containers[0].Name)
	assert.Equal(t, []string{"eng-1"}, fx.engine.started)

	// Idempotent while the container is alive.
	require.NoError(t, fx.pool.EnsureContainers(ctx, fx.exploit))
	assert.Equal(t, 1, fx.engine.createdCount())
}

// TestEnsureContainersDisabled tests the disabled no-op
func TestEnsureContainersDisabled(t *testing.T) {
	fx := newFixture(t, func(e *types.Exploit) { e.Enabled = false })

	require.NoError(t, fx.pool.EnsureContainers(context.Background(), fx.exploit))
	assert.Zero(t, fx.engine.createdCount())
}

// TestEnsureContainersMissingImage tests that a missing image fails the
// spawn instead of creating a broken container
func TestEnsureContainersMissingImage(t *testing.T) {
	fx := newFixture(t, func(e *types.Exploit) { e.DockerImage = "ghost" })

	err := fx.pool.EnsureContainers(context.Background(), fx.exploit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Zero(t, fx.engine.createdCount())
}

// TestGetOrAssignSpawnsAndBinds tests the cold-start path: no containers
// yet, so one is spawned and the run is bound to it
func TestGetOrAssignSpawnsAndBinds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	run := fx.newRun(t, 0)

	sub := fx.bus.Subscribe("container")

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	assert.Equal(t, fx.exploit.ID, c.ExploitID)
	assert.Equal(t, 1, fx.pool.LiveExecs(c.ID))

	runner, err := fx.store.GetRunnerByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, runner.ContainerID)
	assert.Equal(t, run.TeamID, runner.TeamID)

	evCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := sub.Next(evCtx)
	require.NoError(t, err)
	assert.Equal(t, events.EventContainerCreated, ev.Type)
}

// TestGetOrAssignSticky tests that a run keeps going back to its bound
// container
func TestGetOrAssignSticky(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	run := fx.newRun(t, 0)

	first, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	fx.pool.ReleaseSlot(first.ID)

	second, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, fx.engine.createdCount())
}

// TestGetOrAssignPrefersBoundHost tests that a fresh run lands on the
// container already hosting bindings rather than an empty one
func TestGetOrAssignPrefersBoundHost(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) { e.MaxPerContainer = 4 })

	warm := &types.Container{ExploitID: fx.exploit.ID, ContainerID: "eng-a", Name: "a", Counter: 5}
	cold := &types.Container{ExploitID: fx.exploit.ID, ContainerID: "eng-b", Name: "b", Counter: 5}
	require.NoError(t, fx.store.CreateContainer(ctx, warm))
	require.NoError(t, fx.store.CreateContainer(ctx, cold))
	fx.engine.setRunning("eng-a", true)
	fx.engine.setRunning("eng-b", true)

	other := fx.newRun(t, 1)
	require.NoError(t, fx.store.CreateRunner(ctx, &types.Runner{ContainerID: warm.ID, ExploitRunID: other.ID, TeamID: other.TeamID}))

	run := fx.newRun(t, 0)
	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	assert.Equal(t, warm.ID, c.ID)
	assert.Zero(t, fx.engine.createdCount())
}

// TestGetOrAssignWaitsAtCapacity tests backpressure: a saturated fleet
// blocks assignment until a slot frees up
func TestGetOrAssignWaitsAtCapacity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) {
		e.MaxPerContainer = 1
		e.MaxContainers = 1
	})

	first, err := fx.pool.GetOrAssign(ctx, fx.newRun(t, 0), fx.exploit)
	require.NoError(t, err)

	type result struct {
		c   *types.Container
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := fx.pool.GetOrAssign(ctx, fx.newRun(t, 1), fx.exploit)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("assignment returned %+v before a slot freed", r)
	case <-time.After(50 * time.Millisecond):
	}

	fx.pool.ReleaseSlot(first.ID)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, first.ID, r.c.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("assignment did not wake after the slot freed")
	}
}

// TestGetOrAssignCanceled tests that a waiting assignment honors context
// cancellation
func TestGetOrAssignCanceled(t *testing.T) {
	fx := newFixture(t, func(e *types.Exploit) {
		e.MaxPerContainer = 1
		e.MaxContainers = 1
	})

	_, err := fx.pool.GetOrAssign(context.Background(), fx.newRun(t, 0), fx.exploit)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fx.pool.GetOrAssign(ctx, fx.newRun(t, 1), fx.exploit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestExecuteSpendsBudget tests the budget decrement on a container that
// still has execs left
func TestExecuteSpendsBudget(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) { e.DefaultCounter = 3 })
	run := fx.newRun(t, 0)

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)

	res, err := fx.pool.Execute(ctx, c, engine.ExecSpec{Cmd: []string{"/exploit"}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Zero(t, fx.pool.LiveExecs(c.ID))

	got, err := fx.store.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counter)
}

// TestExecuteRecyclesDrainedContainer tests that the last budget unit tears
// the container down together with its bindings
func TestExecuteRecyclesDrainedContainer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) { e.DefaultCounter = 1 })
	run := fx.newRun(t, 0)

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)

	_, err = fx.pool.Execute(ctx, c, engine.ExecSpec{Cmd: []string{"/exploit"}}, time.Second)
	require.NoError(t, err)

	_, err = fx.store.GetContainer(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = fx.store.GetRunnerByRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, fx.engine.removed, c.ContainerID)
}

// TestExecutePropagatesFailure tests that an exec error still releases the
// slot and spends budget
func TestExecutePropagatesFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) { e.DefaultCounter = 5 })
	run := fx.newRun(t, 0)

	execErr := errors.New("exec blew up")
	fx.engine.execFn = func(context.Context, string, engine.ExecSpec, time.Duration) (*engine.ExecResult, error) {
		return nil, execErr
	}

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)

	_, err = fx.pool.Execute(ctx, c, engine.ExecSpec{}, time.Second)
	assert.ErrorIs(t, err, execErr)
	assert.Zero(t, fx.pool.LiveExecs(c.ID))

	got, err := fx.store.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Counter)
}

// TestHealthCheckReplaces tests dead-container repair: mark dead, spawn a
// replacement and move the bindings over
func TestHealthCheckReplaces(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	run := fx.newRun(t, 0)

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	fx.pool.ReleaseSlot(c.ID)

	fx.engine.setRunning(c.ContainerID, false)
	require.NoError(t, fx.pool.HealthCheck(ctx))

	dead, err := fx.store.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusDead, dead.Status)

	runner, err := fx.store.GetRunnerByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, runner.ContainerID)

	replacement, err := fx.store.GetContainer(ctx, runner.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, replacement.Status)
	assert.Equal(t, 2, fx.engine.createdCount())
}

// TestHealthCheckDisabledExploit tests that a dead container of a disabled
// exploit is not replaced and its bindings are dropped
func TestHealthCheckDisabledExploit(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	run := fx.newRun(t, 0)

	c, err := fx.pool.GetOrAssign(ctx, run, fx.exploit)
	require.NoError(t, err)
	fx.pool.ReleaseSlot(c.ID)

	fx.exploit.Enabled = false
	require.NoError(t, fx.store.UpdateExploit(ctx, fx.exploit))

	fx.engine.setRunning(c.ContainerID, false)
	require.NoError(t, fx.pool.HealthCheck(ctx))

	_, err = fx.store.GetRunnerByRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, fx.engine.createdCount())
}

// TestDestroyExploitContainers tests fleet teardown
func TestDestroyExploitContainers(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) {
		e.MaxPerContainer = 1
	})

	a, err := fx.pool.GetOrAssign(ctx, fx.newRun(t, 0), fx.exploit)
	require.NoError(t, err)
	b, err := fx.pool.GetOrAssign(ctx, fx.newRun(t, 1), fx.exploit)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	fx.pool.ReleaseSlot(a.ID)
	fx.pool.ReleaseSlot(b.ID)

	require.NoError(t, fx.pool.DestroyExploitContainers(ctx, fx.exploit.ID))

	containers, err := fx.store.ListContainersByExploit(ctx, fx.exploit.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)
	assert.Len(t, fx.engine.removed, 2)
}

// TestRestartContainer tests that restarting a dead row revives it
func TestRestartContainer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	require.NoError(t, fx.pool.EnsureContainers(ctx, fx.exploit))
	containers, err := fx.store.ListContainersByExploit(ctx, fx.exploit.ID)
	require.NoError(t, err)
	c := containers[0]

	require.NoError(t, fx.store.SetContainerStatus(ctx, c.ID, types.ContainerStatusDead))

	grace := 5
	require.NoError(t, fx.pool.RestartContainer(ctx, c.ID, &grace, false))
	assert.Equal(t, []string{c.ContainerID}, fx.engine.restarted)

	got, err := fx.store.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, got.Status)

	assert.ErrorIs(t, fx.pool.RestartContainer(ctx, 999, nil, true), store.ErrNotFound)
}

// TestPreWarm tests that the fleet is raised to the first-wave target and
// no further
func TestPreWarm(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, func(e *types.Exploit) { e.MaxPerContainer = 2 })

	for i := 0; i < 5; i++ {
		fx.newRun(t, i)
	}

	// min(5 runs, limit 3) = 3 execs over 2 per container -> 2 containers.
	fx.pool.PreWarm(ctx, 3)
	assert.Equal(t, 2, fx.engine.createdCount())

	// Already at target.
	fx.pool.PreWarm(ctx, 3)
	assert.Equal(t, 2, fx.engine.createdCount())
}

// TestPreWarmHonorsMaxContainers tests the per-exploit fleet cap
func TestPreWarmHonorsMaxContainers(t *testing.T) {
	fx := newFixture(t, func(e *types.Exploit) {
		e.MaxPerContainer = 1
		e.MaxContainers = 2
	})

	for i := 0; i < 5; i++ {
		fx.newRun(t, i)
	}

	fx.pool.PreWarm(context.Background(), 10)
	assert.Equal(t, 2, fx.engine.createdCount())
}

// TestPrewarmTarget tests the sizing arithmetic
func TestPrewarmTarget(t *testing.T) {
	tests := []struct {
		name            string
		runs            int
		concurrentLimit int
		maxPerContainer int
		want            int
	}{
		{"fewer runs than limit", 3, 10, 2, 2},
		{"limit caps runs", 50, 10, 4, 3},
		{"exact division", 8, 8, 4, 2},
		{"single slot containers", 5, 3, 1, 3},
		{"no runs", 0, 10, 2, 0},
		{"zero limit", 5, 0, 2, 0},
		{"degenerate max per container", 4, 4, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prewarmTarget(tt.runs, tt.concurrentLimit, tt.maxPerContainer))
		})
	}
}

// TestSlugify tests name folding and truncation
func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sploit", "sploit"},
		{"My Sploit v2", "my-sploit-v2"},
		{"sql_injection!", "sql-injection-"},
		{"averyveryverylongexploitname", "averyveryverylongexp"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, slugify(tt.in))
		})
	}
}

// TestContainerName tests the generated name shape and suffix uniqueness
func TestContainerName(t *testing.T) {
	pattern := regexp.MustCompile(`^mazuadm-pwn-it-[0-9a-f]{8}$`)

	a := containerName("Pwn It")
	b := containerName("Pwn It")
	assert.Regexp(t, pattern, a)
	assert.Regexp(t, pattern, b)
	assert.NotEqual(t, a, b)
}

// TestExecBudget tests the floor on configured counters
func TestExecBudget(t *testing.T) {
	assert.Equal(t, 1, execBudget(0))
	assert.Equal(t, 1, execBudget(-3))
	assert.Equal(t, 60, execBudget(60))
}
