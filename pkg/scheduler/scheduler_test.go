package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/pool"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// fakeEngine satisfies pool.Engine with canned containers and a pluggable
// exec function.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	images  map[string]bool
	running map[string]bool
	specs   []engine.ExecSpec
	execFn  func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error)
}

func newFakeEngine(images ...string) *fakeEngine {
	e := &fakeEngine{
		images:  make(map[string]bool),
		running: make(map[string]bool),
	}
	for _, img := range images {
		e.images[img] = true
	}
	return e
}

func (e *fakeEngine) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("eng-%d", e.seq), nil
}

func (e *fakeEngine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = true
	return nil
}

func (e *fakeEngine) IsRunning(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

func (e *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	return nil
}

func (e *fakeEngine) RestartContainer(ctx context.Context, id string, timeout *int, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = true
	return nil
}

func (e *fakeEngine) HasImage(ctx context.Context, image string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[image]
}

func (e *fakeEngine) Execute(ctx context.Context, containerID string, spec engine.ExecSpec, timeout time.Duration) (*engine.ExecResult, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	fn := e.execFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, containerID, spec)
	}
	return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (e *fakeEngine) execCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.specs)
}

func (e *fakeEngine) execSpecs() []engine.ExecSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.ExecSpec(nil), e.specs...)
}

type fixture struct {
	t         *testing.T
	sched     *Scheduler
	store     *store.Memory
	engine    *fakeEngine
	bus       *events.Bus
	challenge *types.Challenge
	team      *types.Team
	exploit   *types.Exploit
	run       *types.ExploitRun
}

// newFixture seeds one enabled challenge, team, exploit and run. Tests add
// more targets as needed.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	eng := newFakeEngine("busybox")
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	f := &fixture{
		t:      t,
		store:  st,
		engine: eng,
		bus:    bus,
		sched:  New(st, pool.New(st, eng, bus), settings.NewResolver(st), bus),
	}

	f.challenge = &types.Challenge{Name: "web1", Enabled: true, DefaultPort: 1337, Priority: 5}
	require.NoError(t, st.CreateChallenge(ctx, f.challenge))
	f.team = &types.Team{TeamID: "t1", TeamName: "alpha", DefaultIP: "10.0.0.1", Priority: 3, Enabled: true}
	require.NoError(t, st.CreateTeam(ctx, f.team))
	f.exploit = &types.Exploit{
		Name:            "sploit",
		ChallengeID:     f.challenge.ID,
		DockerImage:     "busybox",
		Enabled:         true,
		MaxPerContainer: 4,
		TimeoutSecs:     5,
		DefaultCounter:  100,
	}
	require.NoError(t, st.CreateExploit(ctx, f.exploit))
	f.run = f.addRun(f.team)
	return f
}

// start runs the command loop for the duration of the test.
func (f *fixture) start() {
	f.sched.Start()
	f.t.Cleanup(f.sched.Stop)
}

func (f *fixture) addTeam(externalID string, priority int) *types.Team {
	f.t.Helper()
	team := &types.Team{TeamID: externalID, TeamName: externalID, DefaultIP: "10.0.0.1", Priority: priority, Enabled: true}
	require.NoError(f.t, f.store.CreateTeam(context.Background(), team))
	return team
}

func (f *fixture) addRun(team *types.Team) *types.ExploitRun {
	f.t.Helper()
	run := &types.ExploitRun{
		ExploitID:   f.exploit.ID,
		ChallengeID: f.challenge.ID,
		TeamID:      team.ID,
		Sequence:    1,
		Enabled:     true,
	}
	require.NoError(f.t, f.store.CreateExploitRun(context.Background(), run))
	return run
}

func (f *fixture) setSetting(key, value string) {
	f.t.Helper()
	require.NoError(f.t, f.store.SetSetting(context.Background(), key, value))
}

func (f *fixture) waitRoundFinished(id int64) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		round, err := f.store.GetRound(context.Background(), id)
		return err == nil && round.Status == types.RoundStatusFinished
	}, 5*time.Second, 10*time.Millisecond, "round %d never finished", id)
}

func (f *fixture) roundJobs(roundID int64) []*types.Job {
	f.t.Helper()
	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{RoundID: &roundID})
	require.NoError(f.t, err)
	return jobs
}

// TestCreateRoundGeneratesJobs tests the cross-product generation: enabled
// challenges against every team, one job per enabled run, ordered by the
// composite priority.
func TestCreateRoundGeneratesJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bravo := f.addTeam("t2", 9)
	f.addRun(bravo)

	// A disabled run and a disabled challenge must not generate jobs.
	disabledRun := f.addRun(f.addTeam("t3", 1))
	disabledRun.Enabled = false
	require.NoError(t, f.store.UpdateExploitRun(ctx, disabledRun))

	dark := &types.Challenge{Name: "dark", Enabled: false, DefaultPort: 9000}
	require.NoError(t, f.store.CreateChallenge(ctx, dark))

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoundStatusPending, round.Status)

	jobs := f.roundJobs(round.ID)
	require.Len(t, jobs, 2)

	// Bravo outranks alpha: 5*10_000 + 9*100 + 1 over 5*10_000 + 3*100 + 1.
	pending, err := f.store.GetPendingJobs(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, bravo.ID, pending[0].TeamID)
	assert.Equal(t, 50901, pending[0].Priority)
	assert.Equal(t, f.team.ID, pending[1].TeamID)
	assert.Equal(t, 50301, pending[1].Priority)
	for _, j := range pending {
		assert.Equal(t, "round created", j.CreateReason)
	}
}

// TestCreateRoundPriorityOverride tests that a run-level override replaces
// the composite priority wholesale.
func TestCreateRoundPriorityOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	override := 7
	f.run.Priority = &override
	require.NoError(t, f.store.UpdateExploitRun(ctx, f.run))

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)

	jobs := f.roundJobs(round.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, 7, jobs[0].Priority)
}

// TestCreateRoundEmptyCatalog tests that an empty catalog still yields a
// round, just with nothing to do.
func TestCreateRoundEmptyCatalog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)
	s := New(st, pool.New(st, newFakeEngine(), bus), settings.NewResolver(st), bus)

	round, err := s.CreateRound(ctx)
	require.NoError(t, err)
	jobs, err := st.ListJobs(ctx, store.JobFilter{RoundID: &round.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// TestRunRoundLifecycle tests a full round: both jobs execute with the
// resolved connection info, succeed and the round finishes.
func TestRunRoundLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRun(f.addTeam("t2", 1))
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	assert.Equal(t, 2, f.engine.execCount())
	for _, job := range f.roundJobs(round.ID) {
		assert.Equal(t, types.JobStatusSuccess, job.Status)
		assert.NotEmpty(t, job.ContainerID)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.FinishedAt)
	}

	spec := f.engine.execSpecs()[0]
	require.Len(t, spec.Cmd, 4)
	assert.Equal(t, "/exploit", spec.Cmd[0])
	assert.Equal(t, "10.0.0.1", spec.Cmd[1])
	assert.Equal(t, "1337", spec.Cmd[2])
	assert.Contains(t, spec.Env, "TARGET_HOST=10.0.0.1")
	assert.Contains(t, spec.Env, "TARGET_PORT=1337")
	assert.Contains(t, spec.Env, "TERM=xterm")
}

// TestRunRoundValidatesStatus tests that finished rounds and unknown ids
// are rejected up front.
func TestRunRoundValidatesStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.SetRoundStatus(ctx, round.ID, types.RoundStatusFinished))

	err = f.sched.RunRound(ctx, round.ID)
	require.ErrorIs(t, err, ErrValidation)

	err = f.sched.RunRound(ctx, 404)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestRunRoundPriorityOrder tests that with a single slot, jobs dispatch
// strictly in priority order.
func TestRunRoundPriorityOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRun(f.addTeam("t2", 9))
	f.addRun(f.addTeam("t3", 6))
	f.setSetting(settings.KeyConcurrentLimit, "1")
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	var order []string
	for _, spec := range f.engine.execSpecs() {
		order = append(order, spec.Cmd[3])
	}
	assert.Equal(t, []string{"t2", "t3", "t1"}, order)
}

// TestRunRoundSkipsDisabledTargets tests the dispatch-time eligibility
// checks: jobs against a disabled team finish as skipped with a reason.
func TestRunRoundSkipsDisabledTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	lazy := f.addTeam("t2", 1)
	lazy.Enabled = false
	require.NoError(t, f.store.UpdateTeam(ctx, lazy))
	f.addRun(lazy)
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	byTeam := make(map[int64]*types.Job)
	for _, j := range f.roundJobs(round.ID) {
		byTeam[j.TeamID] = j
	}
	assert.Equal(t, types.JobStatusSuccess, byTeam[f.team.ID].Status)
	require.Equal(t, types.JobStatusSkipped, byTeam[lazy.ID].Status)
	assert.Equal(t, "Team disabled", byTeam[lazy.ID].Stderr)
	assert.Equal(t, 1, f.engine.execCount())
}

// TestRunRoundNoConnectionInfo tests that a target with no resolvable
// address errors out unless the exploit opts out of connection info.
func TestRunRoundNoConnectionInfo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ghost := &types.Team{TeamID: "t2", TeamName: "ghost", Priority: 1, Enabled: true}
	require.NoError(t, f.store.CreateTeam(ctx, ghost))
	f.addRun(ghost)
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	byTeam := make(map[int64]*types.Job)
	for _, j := range f.roundJobs(round.ID) {
		byTeam[j.TeamID] = j
	}
	require.Equal(t, types.JobStatusError, byTeam[ghost.ID].Status)
	assert.Equal(t, "No connection info", byTeam[ghost.ID].Stderr)
	assert.Equal(t, types.JobStatusSuccess, byTeam[f.team.ID].Status)
}

// TestRunRoundOrphanJob tests that a job with no run reference is finished
// as an error instead of wedging the queue.
func TestRunRoundOrphanJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start()

	round, err := f.store.CreateRound(ctx)
	require.NoError(t, err)
	orphan := &types.Job{RoundID: round.ID, TeamID: f.team.ID, Priority: 1}
	require.NoError(t, f.store.CreateJobs(ctx, []*types.Job{orphan}))

	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	job, err := f.store.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusError, job.Status)
	assert.Equal(t, "Exploit run deleted", job.Stderr)
}

// TestSkipOnFlag tests that targets whose round triple already has a flag
// are skipped instead of dispatched.
func TestSkipOnFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fresh := f.addTeam("t2", 9)
	f.addRun(fresh)
	f.setSetting(settings.KeySkipOnFlag, "true")
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	_, err = f.store.CreateFlag(ctx, &types.Flag{
		RoundID:     round.ID,
		ChallengeID: f.challenge.ID,
		TeamID:      f.team.ID,
		FlagValue:   strings.Repeat("A", 31) + "=",
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	byTeam := make(map[int64]*types.Job)
	for _, j := range f.roundJobs(round.ID) {
		byTeam[j.TeamID] = j
	}
	require.Equal(t, types.JobStatusSkipped, byTeam[f.team.ID].Status)
	assert.Equal(t, "flag already found", byTeam[f.team.ID].Stderr)
	assert.Equal(t, types.JobStatusSuccess, byTeam[fresh.ID].Status)
	assert.Equal(t, 1, f.engine.execCount())
}

// TestSequentialPerTarget tests that two jobs against the same (challenge,
// team) never overlap when the setting is on.
func TestSequentialPerTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	second := &types.Exploit{
		Name:            "sploit2",
		ChallengeID:     f.challenge.ID,
		DockerImage:     "busybox",
		Enabled:         true,
		MaxPerContainer: 4,
		TimeoutSecs:     5,
		DefaultCounter:  100,
	}
	require.NoError(t, f.store.CreateExploit(ctx, second))
	require.NoError(t, f.store.CreateExploitRun(ctx, &types.ExploitRun{
		ExploitID:   second.ID,
		ChallengeID: f.challenge.ID,
		TeamID:      f.team.ID,
		Sequence:    2,
		Enabled:     true,
	}))
	f.setSetting(settings.KeySequentialPerTarget, "true")

	var mu sync.Mutex
	current, peak := 0, 0
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
	}
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)

	assert.Equal(t, 2, f.engine.execCount())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "same-target jobs overlapped")
}

// TestStopJob tests the kill path: the exec is canceled, partial output is
// kept and the reason lands bracketed on stderr.
func TestStopJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	execStarted := make(chan struct{}, 1)
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		execStarted <- struct{}{}
		<-ctx.Done()
		return &engine.ExecResult{ExitCode: -1, Stdout: "partial", Stderr: "killed", Duration: 20 * time.Millisecond}, ctx.Err()
	}
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	<-execStarted

	jobID := f.roundJobs(round.ID)[0].ID
	require.NoError(t, f.sched.StopJob(ctx, jobID, "manual stop"))

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusStopped, job.Status)
	assert.Equal(t, "partial", job.Stdout)
	assert.Equal(t, "killed\n[manual stop]", job.Stderr)
	f.waitRoundFinished(round.ID)
}

// TestStopJobKeepsFlagStatus tests that stopping a job which already
// produced a flag finishes it as flag, not stopped.
func TestStopJobKeepsFlagStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	flag := strings.Repeat("B", 31) + "="
	execStarted := make(chan struct{}, 1)
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		execStarted <- struct{}{}
		<-ctx.Done()
		return &engine.ExecResult{ExitCode: -1, Stdout: flag, Duration: time.Millisecond}, ctx.Err()
	}
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	<-execStarted

	jobID := f.roundJobs(round.ID)[0].ID
	require.NoError(t, f.sched.StopJob(ctx, jobID, "cut short"))

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFlag, job.Status)
	assert.Contains(t, job.Stderr, "[cut short]")

	flags, err := f.store.ListFlags(ctx, store.FlagFilter{RoundID: &round.ID})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, flag, flags[0].FlagValue)
}

// TestStopJobValidation tests the non-running cases: pending jobs are
// rejected, unknown ids surface not-found.
func TestStopJobValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	jobID := f.roundJobs(round.ID)[0].ID

	err = f.sched.StopJob(ctx, jobID, "too early")
	require.ErrorIs(t, err, ErrValidation)

	err = f.sched.StopJob(ctx, 404, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestStopStaleJob tests stopping a job that is running in the store but
// has no exec in this process, as happens after a crash.
func TestStopStaleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	job := f.roundJobs(round.ID)[0]
	job.Status = types.JobStatusRunning
	require.NoError(t, f.store.UpdateJob(ctx, job))

	require.NoError(t, f.sched.StopJob(ctx, job.ID, "orphaned"))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusStopped, got.Status)
	assert.Equal(t, "[orphaned]", got.Stderr)
}

// TestRunJobNow tests the priority bump: above every pending sibling, with
// schedule_at stamped.
func TestRunJobNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRun(f.addTeam("t2", 9))

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)

	pending, err := f.store.GetPendingJobs(ctx, round.ID)
	require.NoError(t, err)
	last := pending[len(pending)-1]

	require.NoError(t, f.sched.RunJobNow(ctx, last.ID))

	job, err := f.store.GetJob(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, 50902, job.Priority)
	require.NotNil(t, job.ScheduleAt)

	reordered, err := f.store.GetPendingJobs(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, reordered[0].ID)

	// Only pending jobs can be bumped.
	job.Status = types.JobStatusSuccess
	require.NoError(t, f.store.UpdateJob(ctx, job))
	require.ErrorIs(t, f.sched.RunJobNow(ctx, job.ID), ErrValidation)
}

// TestRerunRound tests the full-reset rerun: every job runs again and the
// round finishes a second time.
func TestRerunRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRun(f.addTeam("t2", 1))
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	f.waitRoundFinished(round.ID)
	require.Equal(t, 2, f.engine.execCount())

	require.NoError(t, f.sched.RerunRound(ctx, round.ID))
	require.Eventually(t, func() bool {
		return f.engine.execCount() == 4
	}, 5*time.Second, 10*time.Millisecond, "jobs never re-executed")
	f.waitRoundFinished(round.ID)
	for _, j := range f.roundJobs(round.ID) {
		assert.Equal(t, types.JobStatusSuccess, j.Status)
	}
}

// TestRerunUnflagged tests requeueing the flagless jobs of a running round
// while it is still executing.
func TestRerunUnflagged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gate := make(chan struct{})
	execStarted := make(chan struct{}, 4)
	var mu sync.Mutex
	calls := 0
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		execStarted <- struct{}{}
		if first {
			<-gate
		}
		return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
	}
	f.start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)

	// Before the round runs, the command is rejected.
	_, err = f.sched.RerunUnflagged(ctx, round.ID)
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	<-execStarted

	cloned, err := f.sched.RerunUnflagged(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cloned)

	close(gate)
	f.waitRoundFinished(round.ID)

	jobs := f.roundJobs(round.ID)
	require.Len(t, jobs, 2)
	reasons := []string{jobs[0].CreateReason, jobs[1].CreateReason}
	assert.Contains(t, reasons, "rerun unflagged")
	for _, j := range jobs {
		assert.Equal(t, types.JobStatusSuccess, j.Status)
	}
}

// TestBackloggedRounds tests that a round queued behind a running one is
// executed after it, not rejected.
func TestBackloggedRounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gate := make(chan struct{})
	execStarted := make(chan struct{}, 4)
	var once sync.Once
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		execStarted <- struct{}{}
		var wait bool
		once.Do(func() { wait = true })
		if wait {
			<-gate
		}
		return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
	}
	f.start()

	first, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	second, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)

	require.NoError(t, f.sched.RunRound(ctx, first.ID))
	<-execStarted
	require.NoError(t, f.sched.RunRound(ctx, second.ID))

	close(gate)
	f.waitRoundFinished(first.ID)
	f.waitRoundFinished(second.ID)
	assert.Equal(t, 2, f.engine.execCount())
}

// TestGracefulShutdown tests that Stop kills in-flight execs after the
// grace period and persists them as stopped.
func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setSetting(settings.KeyWorkerTimeout, "1")

	execStarted := make(chan struct{}, 1)
	f.engine.execFn = func(ctx context.Context, containerID string, spec engine.ExecSpec) (*engine.ExecResult, error) {
		execStarted <- struct{}{}
		<-ctx.Done()
		return &engine.ExecResult{ExitCode: -1, Duration: time.Second}, ctx.Err()
	}
	f.sched.Start()

	round, err := f.sched.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.RunRound(ctx, round.ID))
	<-execStarted

	f.sched.Stop()

	job := f.roundJobs(round.ID)[0]
	assert.Equal(t, types.JobStatusStopped, job.Status)
	assert.Equal(t, "[server shutdown]", job.Stderr)
}

// TestSubmitFlag tests manual submission: defaults, window enforcement,
// validation and duplicate handling.
func TestSubmitFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Without a running round nothing is accepted.
	_, err := f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, "AAAA", "")
	require.ErrorIs(t, err, ErrValidation)

	var rounds []*types.Round
	for i := 0; i < 7; i++ {
		r, err := f.store.CreateRound(ctx)
		require.NoError(t, err)
		rounds = append(rounds, r)
	}
	require.NoError(t, f.store.SetRoundStatus(ctx, rounds[6].ID, types.RoundStatusRunning))

	flag, err := f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, "FLAG{one}", "")
	require.NoError(t, err)
	assert.Equal(t, rounds[6].ID, flag.RoundID)
	assert.Equal(t, types.FlagStatusManual, flag.Status)

	// Round 2 is the oldest accepted with the default window of 5.
	_, err = f.sched.SubmitFlag(ctx, &rounds[1].ID, f.challenge.ID, f.team.ID, "FLAG{two}", "")
	require.NoError(t, err)
	_, err = f.sched.SubmitFlag(ctx, &rounds[0].ID, f.challenge.ID, f.team.ID, "FLAG{three}", "")
	require.ErrorIs(t, err, ErrValidation)

	future := rounds[6].ID + 10
	_, err = f.sched.SubmitFlag(ctx, &future, f.challenge.ID, f.team.ID, "FLAG{four}", "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, "", "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, strings.Repeat("x", types.MaxFlagLength+1), "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.sched.SubmitFlag(ctx, nil, 404, f.team.ID, "FLAG{five}", "")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.sched.SubmitFlag(ctx, nil, f.challenge.ID, 404, "FLAG{six}", "")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Duplicates conflict; an explicit status is preserved.
	_, err = f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, "FLAG{one}", "")
	require.ErrorIs(t, err, store.ErrConflict)
	kept, err := f.sched.SubmitFlag(ctx, nil, f.challenge.ID, f.team.ID, "FLAG{seven}", "submitted")
	require.NoError(t, err)
	assert.Equal(t, types.FlagStatus("submitted"), kept.Status)
}
