package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/pool"
	"github.com/mazubot/mazuadm/pkg/scheduler"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// fakeEngine satisfies pool.Engine so handlers can drive the pool without a
// Docker daemon. Execs complete instantly with exit 0.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	images  map[string]bool
	running map[string]bool
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
	return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

type fixture struct {
	t     *testing.T
	srv   *Server
	store *store.Memory
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemory()
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	pl := pool.New(st, newFakeEngine("busybox"), bus)
	res := settings.NewResolver(st)
	sched := scheduler.New(st, pl, res, bus)
	sched.Start()
	t.Cleanup(sched.Stop)

	srv := New(st, sched, pl, res, bus, Info{
		Version:   "1.2.3",
		Commit:    "abcdef0",
		BuildTime: "2026-01-01T00:00:00Z",
	})
	return &fixture{t: t, srv: srv, store: st, bus: bus}
}

type catalog struct {
	challenge *types.Challenge
	team      *types.Team
	exploit   *types.Exploit
	run       *types.ExploitRun
}

// seedCatalog writes one enabled challenge, team, exploit and run straight
// into the store.
func (f *fixture) seedCatalog() *catalog {
	f.t.Helper()
	ctx := context.Background()

	cat := &catalog{
		challenge: &types.Challenge{Name: "web1", Enabled: true, DefaultPort: 1337, Priority: 5},
		team:      &types.Team{TeamID: "t1", TeamName: "alpha", DefaultIP: "10.0.0.1", Priority: 3, Enabled: true},
	}
	require.NoError(f.t, f.store.CreateChallenge(ctx, cat.challenge))
	require.NoError(f.t, f.store.CreateTeam(ctx, cat.team))

	cat.exploit = &types.Exploit{
		Name:            "sploit",
		ChallengeID:     cat.challenge.ID,
		DockerImage:     "busybox",
		Enabled:         true,
		MaxPerContainer: 4,
		TimeoutSecs:     5,
		DefaultCounter:  100,
	}
	require.NoError(f.t, f.store.CreateExploit(ctx, cat.exploit))

	cat.run = &types.ExploitRun{
		ExploitID:   cat.exploit.ID,
		ChallengeID: cat.challenge.ID,
		TeamID:      cat.team.ID,
		Sequence:    1,
		Enabled:     true,
	}
	require.NoError(f.t, f.store.CreateExploitRun(ctx, cat.run))
	return cat
}

func (f *fixture) addTeam(externalID string, priority int) *types.Team {
	f.t.Helper()
	team := &types.Team{TeamID: externalID, TeamName: externalID, DefaultIP: "10.0.0.2", Priority: priority, Enabled: true}
	require.NoError(f.t, f.store.CreateTeam(context.Background(), team))
	return team
}

func (f *fixture) addRun(cat *catalog, team *types.Team) *types.ExploitRun {
	f.t.Helper()
	run := &types.ExploitRun{
		ExploitID:   cat.exploit.ID,
		ChallengeID: cat.challenge.ID,
		TeamID:      team.ID,
		Sequence:    1,
		Enabled:     true,
	}
	require.NoError(f.t, f.store.CreateExploitRun(context.Background(), run))
	return run
}

// do runs one request through the full middleware chain. A string body is
// sent verbatim; anything else is marshaled to JSON.
func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(f.t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// createRound provisions a round through the API and returns it.
func (f *fixture) createRound() *types.Round {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/rounds", nil)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*types.Round](f.t, w)
}

// TestVersionAndHealth tests the two unauthenticated probes.
func TestVersionAndHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Info{Version: "1.2.3", Commit: "abcdef0", BuildTime: "2026-01-01T00:00:00Z"}, decode[Info](t, w))

	w = f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

// TestUnknownRoute tests that unmatched paths answer JSON, not the gin
// default.
func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/bogus", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "/api/bogus not found")
}

// TestChallengeCRUD tests the full lifecycle of a challenge through the
// API, including the enabled toggle.
func TestChallengeCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/challenges", &types.Challenge{Name: "web1", DefaultPort: 1337, Priority: 5, Enabled: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[*types.Challenge](t, w)
	require.NotZero(t, created.ID)

	w = f.do(http.MethodGet, "/api/challenges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]*types.Challenge](t, w), 1)

	created.Name = "web1-fixed"
	w = f.do(http.MethodPut, fmt.Sprintf("/api/challenges/%d", created.ID), created)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web1-fixed", decode[*types.Challenge](t, w).Name)

	w = f.do(http.MethodPut, fmt.Sprintf("/api/challenges/%d/enabled/false", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[*types.Challenge](t, w).Enabled)

	w = f.do(http.MethodDelete, fmt.Sprintf("/api/challenges/%d", created.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, decode[[]*types.Challenge](t, f.do(http.MethodGet, "/api/challenges", nil)))
}

// TestChallengeValidation tests the error mapping on the challenge family:
// 400 for malformed input, 404 for unknown rows, 409 for name collisions.
func TestChallengeValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/challenges", &types.Challenge{Name: "dup"})
	require.Equal(t, http.StatusCreated, w.Code)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
		errMsg string
	}{
		{"create without name", http.MethodPost, "/api/challenges", gin.H{"default_port": 1}, http.StatusBadRequest, "name is required"},
		{"create with bad body", http.MethodPost, "/api/challenges", "{not json", http.StatusBadRequest, "invalid request body"},
		{"duplicate name", http.MethodPost, "/api/challenges", gin.H{"name": "dup"}, http.StatusConflict, ""},
		{"update with bad id", http.MethodPut, "/api/challenges/abc", gin.H{"name": "x"}, http.StatusBadRequest, "invalid id"},
		{"update unknown", http.MethodPut, "/api/challenges/999", gin.H{"name": "x"}, http.StatusNotFound, ""},
		{"delete unknown", http.MethodDelete, "/api/challenges/999", nil, http.StatusNotFound, ""},
		{"bad enabled flag", http.MethodPut, "/api/challenges/999/enabled/maybe", nil, http.StatusBadRequest, "invalid enabled value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			if tc.errMsg != "" {
				assert.Contains(t, w.Body.String(), tc.errMsg)
			}
		})
	}
}

// TestTeamEndpoints tests team CRUD and its required-field check.
func TestTeamEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/teams", &types.Team{TeamID: "t1", TeamName: "alpha", DefaultIP: "10.0.0.1", Priority: 3, Enabled: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	team := decode[*types.Team](t, w)
	require.NotZero(t, team.ID)

	w = f.do(http.MethodPost, "/api/teams", gin.H{"team_name": "no external id"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "team_id is required")

	team.TeamName = "alpha-renamed"
	w = f.do(http.MethodPut, fmt.Sprintf("/api/teams/%d", team.ID), team)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alpha-renamed", decode[*types.Team](t, w).TeamName)

	w = f.do(http.MethodDelete, fmt.Sprintf("/api/teams/%d", team.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodDelete, fmt.Sprintf("/api/teams/%d", team.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// TestRelationRoundTrip tests that the per-target connection override can
// be written and read back. Relations exist implicitly for every
// challenge/team pair.
func TestRelationRoundTrip(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	base := fmt.Sprintf("/api/relations/%d/%d", cat.challenge.ID, cat.team.ID)

	w := f.do(http.MethodPut, base, &types.Relation{Addr: "10.60.4.2", Port: 1338})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rel := decode[*types.Relation](t, w)
	assert.Equal(t, cat.challenge.ID, rel.ChallengeID)
	assert.Equal(t, cat.team.ID, rel.TeamID)

	w = f.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rel = decode[*types.Relation](t, w)
	assert.Equal(t, "10.60.4.2", rel.Addr)
	assert.Equal(t, 1338, rel.Port)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/relations/%d", cat.challenge.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*types.Relation](t, w), 1)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/relations/%d/999", cat.challenge.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// TestSettingsRoundTrip tests writing and listing runtime settings.
func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/settings", &types.Setting{Key: settings.KeyConcurrentLimit, Value: "8"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]*types.Setting](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, settings.KeyConcurrentLimit, list[0].Key)
	assert.Equal(t, "8", list[0].Value)

	w = f.do(http.MethodPost, "/api/settings", gin.H{"value": "8"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "key is required")
}

// TestSortValidation tests that every list endpoint rejects unknown sort
// orders and malformed limits before touching the store.
func TestSortValidation(t *testing.T) {
	f := newFixture(t)

	bad := []string{
		"/api/rounds?sort=up",
		"/api/jobs?sort=up",
		"/api/flags?sort=up",
		"/api/rounds?limit=x",
		"/api/jobs?limit=-1",
		"/api/flags?team_id=abc",
	}
	for _, path := range bad {
		w := f.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	good := []string{
		"/api/rounds?sort=asc",
		"/api/jobs?sort=desc&limit=10",
		"/api/flags?sort=",
	}
	for _, path := range good {
		w := f.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

// TestListJobsStatusFilter tests the status whitelist on the job listing.
func TestListJobsStatusFilter(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	round := f.createRound()

	w := f.do(http.MethodGet, "/api/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `invalid status "bogus"`)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d&status=pending", round.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*types.Job](t, w), 1)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d&status=success", round.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*types.Job](t, w))
}

// TestExploitValidation tests the reference checks on exploit creation.
func TestExploitValidation(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()

	w := f.do(http.MethodPost, "/api/exploits", gin.H{"name": "no-image", "challenge_id": cat.challenge.ID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name and docker_image are required")

	w = f.do(http.MethodPost, "/api/exploits", gin.H{"name": "orphan", "docker_image": "busybox", "challenge_id": 999})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/exploits", gin.H{"name": "ok", "docker_image": "busybox", "challenge_id": cat.challenge.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotZero(t, decode[*types.Exploit](t, w).ID)
}

// TestExploitAutoAdd tests the auto_add fan-out: one enabled run per team
// at sequence 0.
func TestExploitAutoAdd(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	bravo := f.addTeam("t2", 9)

	w := f.do(http.MethodPost, "/api/exploits", gin.H{
		"name":         "sprayer",
		"challenge_id": cat.challenge.ID,
		"docker_image": "busybox",
		"enabled":      true,
		"auto_add":     true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exploit := decode[*types.Exploit](t, w)

	runs, err := f.store.ListExploitRunsByExploit(context.Background(), exploit.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	var teamIDs []int64
	for _, run := range runs {
		assert.True(t, run.Enabled)
		assert.Equal(t, 0, run.Sequence)
		assert.Equal(t, cat.challenge.ID, run.ChallengeID)
		teamIDs = append(teamIDs, run.TeamID)
	}
	assert.ElementsMatch(t, []int64{cat.team.ID, bravo.ID}, teamIDs)
}

// TestExploitRunEndpoints tests run creation with challenge defaulting,
// reordering and deletion.
func TestExploitRunEndpoints(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	ctx := context.Background()

	// challenge_id omitted: inherited from the exploit
	w := f.do(http.MethodPost, "/api/exploit-runs", gin.H{
		"exploit_id": cat.exploit.ID,
		"team_id":    cat.team.ID,
		"sequence":   2,
		"enabled":    true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[*types.ExploitRun](t, w)
	assert.Equal(t, cat.challenge.ID, run.ChallengeID)

	w = f.do(http.MethodPost, "/api/exploit-runs", gin.H{"exploit_id": 999, "team_id": cat.team.ID})
	require.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, "/api/exploit-runs", gin.H{"exploit_id": cat.exploit.ID, "team_id": 999})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/exploit-runs?challenge_id=%d&team_id=%d", cat.challenge.ID, cat.team.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*types.ExploitRun](t, w), 2)

	w = f.do(http.MethodPost, "/api/exploit-runs/reorder", []store.SequenceUpdate{{ID: run.ID, Sequence: 7}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := f.store.GetExploitRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Sequence)

	w = f.do(http.MethodDelete, fmt.Sprintf("/api/exploit-runs/%d", run.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodDelete, fmt.Sprintf("/api/exploit-runs/%d", run.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// TestRoundLifecycle tests the create/run happy path end to end: the round
// is accepted asynchronously and finishes against the fake engine.
func TestRoundLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()

	round := f.createRound()
	assert.Equal(t, types.RoundStatusPending, round.Status)

	w := f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d", round.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]*types.Job](t, w), 1)

	w = f.do(http.MethodPost, fmt.Sprintf("/api/rounds/%d/run", round.ID), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[map[string]any](t, w)
	assert.Equal(t, float64(round.ID), accepted["round_id"])
	assert.Equal(t, "accepted", accepted["status"])

	require.Eventually(t, func() bool {
		got, err := f.store.GetRound(context.Background(), round.ID)
		return err == nil && got.Status == types.RoundStatusFinished
	}, 5*time.Second, 10*time.Millisecond, "round never finished")

	w = f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d", round.ID), nil)
	jobs := decode[[]*types.Job](t, w)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusSuccess, jobs[0].Status)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/rounds/%d", round.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.RoundStatusFinished, decode[*types.Round](t, w).Status)
}

// TestRunRoundValidation tests the launch preconditions.
func TestRunRoundValidation(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()

	w := f.do(http.MethodPost, "/api/rounds/999/run", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/rounds/abc/run", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	round := f.createRound()
	require.NoError(t, f.store.SetRoundStatus(context.Background(), round.ID, types.RoundStatusFinished))
	w = f.do(http.MethodPost, fmt.Sprintf("/api/rounds/%d/run", round.ID), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not runnable")
}

// TestEnqueueJob tests ad-hoc insertion into the running round, including
// the computed composite priority.
func TestEnqueueJob(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	ctx := context.Background()

	w := f.do(http.MethodPost, "/api/jobs/enqueue", gin.H{"exploit_run_id": cat.run.ID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no running round")

	round := f.createRound()
	require.NoError(t, f.store.SetRoundStatus(ctx, round.ID, types.RoundStatusRunning))

	w = f.do(http.MethodPost, "/api/jobs/enqueue", gin.H{"exploit_run_id": cat.run.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[*types.Job](t, w)
	assert.Equal(t, round.ID, job.RoundID)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "manual enqueue", job.CreateReason)
	assert.Equal(t, types.JobPriority(cat.challenge.Priority, cat.team.Priority, cat.run.Sequence, nil), job.Priority)
	assert.NotNil(t, job.ScheduleAt)

	w = f.do(http.MethodPost, "/api/jobs/enqueue", gin.H{"exploit_run_id": 999})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/jobs/enqueue", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRunJobNowAndStopValidation tests the priority bump and the stop
// precondition on jobs that never started.
func TestRunJobNowAndStopValidation(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	round := f.createRound()

	jobs := decode[[]*types.Job](t, f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d", round.ID), nil))
	require.Len(t, jobs, 1)

	w := f.do(http.MethodPost, fmt.Sprintf("/api/jobs/%d/enqueue", jobs[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bumped := decode[*types.Job](t, w)
	assert.Greater(t, bumped.Priority, jobs[0].Priority)
	assert.NotNil(t, bumped.ScheduleAt)

	w = f.do(http.MethodPost, fmt.Sprintf("/api/jobs/%d/stop", jobs[0].ID), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not running")

	w = f.do(http.MethodPost, "/api/jobs/999/stop", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// TestReorderJobs tests bulk priority updates through the API.
func TestReorderJobs(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	f.addRun(cat, f.addTeam("t2", 9))
	round := f.createRound()
	ctx := context.Background()

	jobs := decode[[]*types.Job](t, f.do(http.MethodGet, fmt.Sprintf("/api/jobs?round_id=%d", round.ID), nil))
	require.Len(t, jobs, 2)

	w := f.do(http.MethodPost, "/api/jobs/reorder", []store.PriorityUpdate{
		{ID: jobs[0].ID, Priority: 1},
		{ID: jobs[1].ID, Priority: 2},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	first, err := f.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Priority)
	second, err := f.store.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Priority)
}

// TestFlagSubmission tests manual capture in both single and batch form,
// plus the duplicate conflict.
func TestFlagSubmission(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	ctx := context.Background()

	entry := submitFlagRequest{ChallengeID: cat.challenge.ID, TeamID: cat.team.ID, FlagValue: "FLAG{solo}"}

	w := f.do(http.MethodPost, "/api/flags", entry)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no running round")

	round := f.createRound()
	require.NoError(t, f.store.SetRoundStatus(ctx, round.ID, types.RoundStatusRunning))

	w = f.do(http.MethodPost, "/api/flags", entry)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	flag := decode[*types.Flag](t, w)
	assert.Equal(t, round.ID, flag.RoundID)
	assert.Equal(t, types.FlagStatusManual, flag.Status)
	assert.Equal(t, "FLAG{solo}", flag.FlagValue)

	w = f.do(http.MethodPost, "/api/flags", entry)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/flags", []submitFlagRequest{
		{ChallengeID: cat.challenge.ID, TeamID: cat.team.ID, FlagValue: "FLAG{two}"},
		{ChallengeID: cat.challenge.ID, TeamID: cat.team.ID, FlagValue: "FLAG{three}"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, decode[[]*types.Flag](t, w), 2)

	w = f.do(http.MethodPost, "/api/flags", submitFlagRequest{ChallengeID: cat.challenge.ID, TeamID: cat.team.ID, FlagValue: "  "})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/flags?round_id=%d", round.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*types.Flag](t, w), 3)
}

// TestContainerEndpoints tests the operator container actions against
// seeded rows.
func TestContainerEndpoints(t *testing.T) {
	f := newFixture(t)
	cat := f.seedCatalog()
	ctx := context.Background()

	running := &types.Container{ExploitID: cat.exploit.ID, ContainerID: "eng-run", Name: "mazu-1", Status: types.ContainerStatusRunning, Counter: 10}
	require.NoError(t, f.store.CreateContainer(ctx, running))
	dead := &types.Container{ExploitID: cat.exploit.ID, ContainerID: "eng-dead", Name: "mazu-2", Status: types.ContainerStatusDead, Counter: 0}
	require.NoError(t, f.store.CreateContainer(ctx, dead))

	w := f.do(http.MethodGet, "/api/containers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*types.Container](t, w), 2)

	// restart revives the dead row
	w = f.do(http.MethodPost, fmt.Sprintf("/api/containers/%d/restart", dead.ID), gin.H{"force": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.ContainerStatusRunning, decode[*types.Container](t, w).Status)

	w = f.do(http.MethodPost, "/api/containers/restart-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["restarted"])

	w = f.do(http.MethodPost, "/api/containers/999/restart", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// destroy is idempotent: a second delete of the same row is still 204
	w = f.do(http.MethodDelete, fmt.Sprintf("/api/containers/%d", running.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodDelete, fmt.Sprintf("/api/containers/%d", running.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, "/api/containers/remove-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["removed"])
	assert.Empty(t, decode[[]*types.Container](t, f.do(http.MethodGet, "/api/containers", nil)))
}

// TestDeriveClientIP tests the header walk order, comma splitting and the
// socket fallback.
func TestDeriveClientIP(t *testing.T) {
	cases := []struct {
		name       string
		headers    map[string]string
		configured []string
		remoteAddr string
		want       string
	}{
		{
			name:       "no headers configured",
			headers:    map[string]string{"X-Real-IP": "1.1.1.1"},
			remoteAddr: "192.0.2.10:5555",
			want:       "192.0.2.10",
		},
		{
			name:       "first configured header wins",
			headers:    map[string]string{"X-Real-IP": "9.9.9.9", "X-Forwarded-For": "8.8.8.8"},
			configured: []string{"X-Real-IP", "X-Forwarded-For"},
			remoteAddr: "192.0.2.10:5555",
			want:       "9.9.9.9",
		},
		{
			name:       "forwarded chain takes the origin",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1, 10.0.0.2"},
			configured: []string{"X-Forwarded-For"},
			remoteAddr: "192.0.2.10:5555",
			want:       "203.0.113.7",
		},
		{
			name:       "missing header falls through",
			headers:    map[string]string{"X-Forwarded-For": "7.7.7.7"},
			configured: []string{"X-Real-IP", "X-Forwarded-For"},
			remoteAddr: "192.0.2.10:5555",
			want:       "7.7.7.7",
		},
		{
			name:       "blank first token falls through",
			headers:    map[string]string{"X-Real-IP": "  ,", "X-Forwarded-For": "6.6.6.6"},
			configured: []string{"X-Real-IP", "X-Forwarded-For"},
			remoteAddr: "192.0.2.10:5555",
			want:       "6.6.6.6",
		},
		{
			name:       "no match falls back to the peer",
			configured: []string{"X-Real-IP"},
			remoteAddr: "198.51.100.2:9",
			want:       "198.51.100.2",
		},
		{
			name:       "peer without port returned verbatim",
			remoteAddr: "@",
			want:       "@",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			get := func(name string) string { return tc.headers[name] }
			assert.Equal(t, tc.want, deriveClientIP(get, tc.configured, tc.remoteAddr))
		})
	}
}
