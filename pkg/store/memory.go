package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mazubot/mazuadm/pkg/types"
)

// Memory implements Store on process-local maps. It backs tests and local
// development where no PostgreSQL server is available. Semantics mirror the
// Postgres implementation: relation fan-out on challenge and team creation,
// cascading deletes, flag deduplication and the pending-queue ordering.
type Memory struct {
	mu  sync.RWMutex
	ids map[string]int64

	challenges map[int64]*types.Challenge
	teams      map[int64]*types.Team
	relations  map[relKey]*types.Relation
	exploits   map[int64]*types.Exploit
	runs       map[int64]*types.ExploitRun
	rounds     map[int64]*types.Round
	jobs       map[int64]*types.Job
	flags      map[int64]*types.Flag
	containers map[int64]*types.Container
	runners    map[int64]*types.Runner
	settings   map[string]string
}

type relKey struct {
	challengeID int64
	teamID      int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ids:        make(map[string]int64),
		challenges: make(map[int64]*types.Challenge),
		teams:      make(map[int64]*types.Team),
		relations:  make(map[relKey]*types.Relation),
		exploits:   make(map[int64]*types.Exploit),
		runs:       make(map[int64]*types.ExploitRun),
		rounds:     make(map[int64]*types.Round),
		jobs:       make(map[int64]*types.Job),
		flags:      make(map[int64]*types.Flag),
		containers: make(map[int64]*types.Container),
		runners:    make(map[int64]*types.Runner),
		settings:   make(map[string]string),
	}
}

func (m *Memory) next(table string) int64 {
	m.ids[table]++
	return m.ids[table]
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneChallenge(c *types.Challenge) *types.Challenge {
	cp := *c
	return &cp
}

func cloneTeam(t *types.Team) *types.Team {
	cp := *t
	return &cp
}

func cloneExploit(e *types.Exploit) *types.Exploit {
	cp := *e
	cp.Env = append([]string(nil), e.Env...)
	return &cp
}

func cloneRun(r *types.ExploitRun) *types.ExploitRun {
	cp := *r
	cp.Priority = cloneIntPtr(r.Priority)
	return &cp
}

func cloneRound(r *types.Round) *types.Round {
	cp := *r
	cp.FinishedAt = cloneTimePtr(r.FinishedAt)
	return &cp
}

func cloneJob(j *types.Job) *types.Job {
	cp := *j
	cp.ExploitRunID = cloneInt64Ptr(j.ExploitRunID)
	cp.ScheduleAt = cloneTimePtr(j.ScheduleAt)
	cp.StartedAt = cloneTimePtr(j.StartedAt)
	cp.FinishedAt = cloneTimePtr(j.FinishedAt)
	return &cp
}

func cloneFlag(f *types.Flag) *types.Flag {
	cp := *f
	cp.JobID = cloneInt64Ptr(f.JobID)
	return &cp
}

func cloneContainer(c *types.Container) *types.Container {
	cp := *c
	return &cp
}

func cloneRunner(r *types.Runner) *types.Runner {
	cp := *r
	return &cp
}

// ---- Challenges ----

func (m *Memory) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.challenges {
		if other.Name == c.Name {
			return ErrConflict
		}
	}

	c.ID = m.next("challenges")
	c.Priority = types.ClampPriority(c.Priority)
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.challenges[c.ID] = cloneChallenge(c)

	for teamID := range m.teams {
		k := relKey{c.ID, teamID}
		m.relations[k] = &types.Relation{ChallengeID: c.ID, TeamID: teamID}
	}
	return nil
}

func (m *Memory) GetChallenge(ctx context.Context, id int64) (*types.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChallenge(c), nil
}

func (m *Memory) GetChallengeByName(ctx context.Context, name string) (*types.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.challenges {
		if c.Name == name {
			return cloneChallenge(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListChallenges(ctx context.Context) ([]*types.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := lo.Map(lo.Values(m.challenges), func(c *types.Challenge, _ int) *types.Challenge {
		return cloneChallenge(c)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateChallenge(ctx context.Context, c *types.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.challenges[c.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.challenges {
		if other.ID != c.ID && other.Name == c.Name {
			return ErrConflict
		}
	}
	c.Priority = types.ClampPriority(c.Priority)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now()
	m.challenges[c.ID] = cloneChallenge(c)
	return nil
}

func (m *Memory) SetChallengeEnabled(ctx context.Context, id int64, enabled bool) (*types.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.Enabled = enabled
	c.UpdatedAt = time.Now()
	return cloneChallenge(c), nil
}

func (m *Memory) DeleteChallenge(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[id]; !ok {
		return ErrNotFound
	}
	delete(m.challenges, id)

	for k := range m.relations {
		if k.challengeID == id {
			delete(m.relations, k)
		}
	}
	for eid, e := range m.exploits {
		if e.ChallengeID == id {
			m.deleteExploitLocked(eid)
		}
	}
	for rid, r := range m.runs {
		if r.ChallengeID == id {
			m.deleteRunLocked(rid)
		}
	}
	for fid, f := range m.flags {
		if f.ChallengeID == id {
			delete(m.flags, fid)
		}
	}
	return nil
}

// ---- Teams ----

func (m *Memory) CreateTeam(ctx context.Context, t *types.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.teams {
		if other.TeamID == t.TeamID {
			return ErrConflict
		}
	}

	t.ID = m.next("teams")
	t.Priority = types.ClampPriority(t.Priority)
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.teams[t.ID] = cloneTeam(t)

	for challengeID := range m.challenges {
		k := relKey{challengeID, t.ID}
		m.relations[k] = &types.Relation{ChallengeID: challengeID, TeamID: t.ID}
	}
	return nil
}

func (m *Memory) GetTeam(ctx context.Context, id int64) (*types.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTeam(t), nil
}

func (m *Memory) GetTeamByExternalID(ctx context.Context, teamID string) (*types.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.teams {
		if t.TeamID == teamID {
			return cloneTeam(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListTeams(ctx context.Context) ([]*types.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := lo.Map(lo.Values(m.teams), func(t *types.Team, _ int) *types.Team {
		return cloneTeam(t)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateTeam(ctx context.Context, t *types.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.teams[t.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.teams {
		if other.ID != t.ID && other.TeamID == t.TeamID {
			return ErrConflict
		}
	}
	t.Priority = types.ClampPriority(t.Priority)
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now()
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *Memory) DeleteTeam(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.teams[id]; !ok {
		return ErrNotFound
	}
	delete(m.teams, id)

	for k := range m.relations {
		if k.teamID == id {
			delete(m.relations, k)
		}
	}
	for rid, r := range m.runs {
		if r.TeamID == id {
			m.deleteRunLocked(rid)
		}
	}
	for jid, j := range m.jobs {
		if j.TeamID == id {
			m.deleteJobLocked(jid)
		}
	}
	for fid, f := range m.flags {
		if f.TeamID == id {
			delete(m.flags, fid)
		}
	}
	for rid, r := range m.runners {
		if r.TeamID == id {
			delete(m.runners, rid)
		}
	}
	return nil
}

// ---- Relations ----

func (m *Memory) GetRelation(ctx context.Context, challengeID, teamID int64) (*types.Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.relations[relKey{challengeID, teamID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRelationsByChallenge(ctx context.Context, challengeID int64) ([]*types.Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Relation
	for k, r := range m.relations {
		if k.challengeID == challengeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (m *Memory) UpdateRelation(ctx context.Context, r *types.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.relations[relKey{r.ChallengeID, r.TeamID}]
	if !ok {
		return ErrNotFound
	}
	cur.Addr = r.Addr
	cur.Port = r.Port
	return nil
}

// ---- Exploits ----

func (m *Memory) CreateExploit(ctx context.Context, e *types.Exploit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.MaxPerContainer < 1 {
		e.MaxPerContainer = 1
	}
	if e.DefaultCounter < 1 {
		e.DefaultCounter = types.DefaultExecBudget
	}
	if e.Env == nil {
		e.Env = []string{}
	}
	e.ID = m.next("exploits")
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	m.exploits[e.ID] = cloneExploit(e)
	return nil
}

func (m *Memory) GetExploit(ctx context.Context, id int64) (*types.Exploit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.exploits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExploit(e), nil
}

func (m *Memory) ListExploits(ctx context.Context) ([]*types.Exploit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExploitsLocked(func(*types.Exploit) bool { return true }), nil
}

func (m *Memory) ListExploitsByChallenge(ctx context.Context, challengeID int64) ([]*types.Exploit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExploitsLocked(func(e *types.Exploit) bool { return e.ChallengeID == challengeID }), nil
}

func (m *Memory) listExploitsLocked(keep func(*types.Exploit) bool) []*types.Exploit {
	var out []*types.Exploit
	for _, e := range m.exploits {
		if keep(e) {
			out = append(out, cloneExploit(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) UpdateExploit(ctx context.Context, e *types.Exploit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.exploits[e.ID]
	if !ok {
		return ErrNotFound
	}
	if e.MaxPerContainer < 1 {
		e.MaxPerContainer = 1
	}
	if e.DefaultCounter < 1 {
		e.DefaultCounter = types.DefaultExecBudget
	}
	if e.Env == nil {
		e.Env = []string{}
	}
	e.CreatedAt = cur.CreatedAt
	e.UpdatedAt = time.Now()
	m.exploits[e.ID] = cloneExploit(e)
	return nil
}

func (m *Memory) DeleteExploit(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.exploits[id]; !ok {
		return ErrNotFound
	}
	m.deleteExploitLocked(id)
	return nil
}

func (m *Memory) deleteExploitLocked(id int64) {
	delete(m.exploits, id)
	for rid, r := range m.runs {
		if r.ExploitID == id {
			m.deleteRunLocked(rid)
		}
	}
	for cid, c := range m.containers {
		if c.ExploitID == id {
			m.deleteContainerLocked(cid)
		}
	}
}

// ---- Exploit runs ----

func (m *Memory) CreateExploitRun(ctx context.Context, r *types.ExploitRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.runs {
		if other.ExploitID == r.ExploitID && other.ChallengeID == r.ChallengeID && other.TeamID == r.TeamID {
			return ErrConflict
		}
	}
	r.ID = m.next("exploit_runs")
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *Memory) GetExploitRun(ctx context.Context, id int64) (*types.ExploitRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *Memory) ListExploitRuns(ctx context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listRunsLocked(func(r *types.ExploitRun) bool {
		if challengeID != nil && r.ChallengeID != *challengeID {
			return false
		}
		if teamID != nil && r.TeamID != *teamID {
			return false
		}
		return true
	}), nil
}

func (m *Memory) ListExploitRunsByExploit(ctx context.Context, exploitID int64) ([]*types.ExploitRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRunsLocked(func(r *types.ExploitRun) bool { return r.ExploitID == exploitID }), nil
}

func (m *Memory) listRunsLocked(keep func(*types.ExploitRun) bool) []*types.ExploitRun {
	var out []*types.ExploitRun
	for _, r := range m.runs {
		if keep(r) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) UpdateExploitRun(ctx context.Context, r *types.ExploitRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	for _, other := range m.runs {
		if other.ID != r.ID && other.ExploitID == r.ExploitID &&
			other.ChallengeID == r.ChallengeID && other.TeamID == r.TeamID {
			return ErrConflict
		}
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *Memory) ReorderExploitRuns(ctx context.Context, updates []SequenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		if r, ok := m.runs[u.ID]; ok {
			r.Sequence = u.Sequence
		}
	}
	return nil
}

func (m *Memory) DeleteExploitRun(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return ErrNotFound
	}
	m.deleteRunLocked(id)
	return nil
}

func (m *Memory) deleteRunLocked(id int64) {
	delete(m.runs, id)
	// Jobs outlive their run; only the reference is cleared.
	for _, j := range m.jobs {
		if j.ExploitRunID != nil && *j.ExploitRunID == id {
			j.ExploitRunID = nil
		}
	}
	for rid, r := range m.runners {
		if r.ExploitRunID == id {
			delete(m.runners, rid)
		}
	}
}

func (m *Memory) deleteJobLocked(id int64) {
	delete(m.jobs, id)
	for _, f := range m.flags {
		if f.JobID != nil && *f.JobID == id {
			f.JobID = nil
		}
	}
}

// ---- Rounds ----

func (m *Memory) CreateRound(ctx context.Context) (*types.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &types.Round{
		ID:        m.next("rounds"),
		Status:    types.RoundStatusPending,
		StartedAt: time.Now(),
	}
	m.rounds[r.ID] = r
	return cloneRound(r), nil
}

func (m *Memory) GetRound(ctx context.Context, id int64) (*types.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRound(r), nil
}

func (m *Memory) GetActiveRounds(ctx context.Context) ([]*types.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Round
	for _, r := range m.rounds {
		if r.Status == types.RoundStatusPending || r.Status == types.RoundStatusRunning {
			out = append(out, cloneRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRounds(ctx context.Context, sortOrder Order, limit int) ([]*types.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := lo.Map(lo.Values(m.rounds), func(r *types.Round, _ int) *types.Round {
		return cloneRound(r)
	})
	sort.Slice(out, func(i, j int) bool {
		if sortOrder == OrderAsc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetRoundStatus(ctx context.Context, id int64, status types.RoundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if status == types.RoundStatusFinished || status == types.RoundStatusSkipped {
		now := time.Now()
		r.FinishedAt = &now
	}
	return nil
}

// ---- Jobs ----

func (m *Memory) CreateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertJobLocked(j)
	return nil
}

func (m *Memory) CreateJobs(ctx context.Context, jobs []*types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range jobs {
		m.insertJobLocked(j)
	}
	return nil
}

// insertJobLocked persists only the columns an insert carries; run-time
// fields always start zeroed.
func (m *Memory) insertJobLocked(j *types.Job) {
	j.ID = m.next("jobs")
	if j.Status == "" {
		j.Status = types.JobStatusPending
	}
	stored := &types.Job{
		ID:           j.ID,
		RoundID:      j.RoundID,
		ExploitRunID: cloneInt64Ptr(j.ExploitRunID),
		TeamID:       j.TeamID,
		Priority:     j.Priority,
		Status:       j.Status,
		CreateReason: j.CreateReason,
		ScheduleAt:   cloneTimePtr(j.ScheduleAt),
	}
	m.jobs[stored.ID] = stored
}

func (m *Memory) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Job
	for _, j := range m.jobs {
		if filter.RoundID != nil && j.RoundID != *filter.RoundID {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Sort == OrderAsc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) GetPendingJobs(ctx context.Context, roundID int64) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Job
	for _, j := range m.jobs {
		if j.RoundID == roundID && j.Status == types.JobStatusPending {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MaxPendingPriority(ctx context.Context, roundID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := 0
	for _, j := range m.jobs {
		if j.RoundID == roundID && j.Status == types.JobStatusPending && j.Priority > max {
			max = j.Priority
		}
	}
	return max, nil
}

func (m *Memory) UpdateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = j.Status
	cur.ContainerID = j.ContainerID
	cur.Stdout = j.Stdout
	cur.Stderr = j.Stderr
	cur.Priority = j.Priority
	cur.DurationMS = j.DurationMS
	cur.ScheduleAt = cloneTimePtr(j.ScheduleAt)
	cur.StartedAt = cloneTimePtr(j.StartedAt)
	cur.FinishedAt = cloneTimePtr(j.FinishedAt)
	return nil
}

func (m *Memory) ReorderJobs(ctx context.Context, updates []PriorityUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		if j, ok := m.jobs[u.ID]; ok && j.Status == types.JobStatusPending {
			j.Priority = u.Priority
		}
	}
	return nil
}

func resetJobLocked(j *types.Job) {
	j.Status = types.JobStatusPending
	j.ContainerID = ""
	j.Stdout = ""
	j.Stderr = ""
	j.DurationMS = 0
	j.ScheduleAt = nil
	j.StartedAt = nil
	j.FinishedAt = nil
}

func (m *Memory) ResetJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.RoundID == roundID {
			resetJobLocked(j)
			n++
		}
	}
	return n, nil
}

// tripleFlaggedLocked reports whether the (round, challenge, team) triple of
// a job already captured a flag.
func (m *Memory) tripleFlaggedLocked(roundID, challengeID, teamID int64) bool {
	for _, f := range m.flags {
		if f.RoundID == roundID && f.ChallengeID == challengeID && f.TeamID == teamID {
			return true
		}
	}
	return false
}

func (m *Memory) ResetUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.RoundID != roundID || j.ExploitRunID == nil {
			continue
		}
		switch j.Status {
		case types.JobStatusFlag, types.JobStatusSkipped, types.JobStatusPending, types.JobStatusRunning:
			continue
		}
		r, ok := m.runs[*j.ExploitRunID]
		if !ok {
			continue
		}
		if m.tripleFlaggedLocked(j.RoundID, r.ChallengeID, j.TeamID) {
			continue
		}
		resetJobLocked(j)
		n++
	}
	return n, nil
}

func (m *Memory) CloneUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type target struct {
		runID    int64
		teamID   int64
		priority int
	}
	seen := make(map[target]struct{})

	ids := lo.Keys(m.jobs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var n int64
	for _, id := range ids {
		j := m.jobs[id]
		if j.RoundID != roundID || j.ExploitRunID == nil {
			continue
		}
		switch j.Status {
		case types.JobStatusFlag, types.JobStatusSkipped, types.JobStatusPending:
			continue
		}
		r, ok := m.runs[*j.ExploitRunID]
		if !ok {
			continue
		}
		if m.tripleFlaggedLocked(j.RoundID, r.ChallengeID, j.TeamID) {
			continue
		}
		t := target{*j.ExploitRunID, j.TeamID, j.Priority}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		m.insertJobLocked(&types.Job{
			RoundID:      roundID,
			ExploitRunID: cloneInt64Ptr(j.ExploitRunID),
			TeamID:       j.TeamID,
			Priority:     j.Priority,
			CreateReason: "rerun unflagged",
		})
		n++
	}
	return n, nil
}

func (m *Memory) ResetStaleJobs(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status != types.JobStatusRunning {
			continue
		}
		j.Status = types.JobStatusStopped
		if j.Stderr == "" {
			j.Stderr = StaleJobTrailer
		} else {
			j.Stderr = j.Stderr + "\n" + StaleJobTrailer
		}
		finished := now
		j.FinishedAt = &finished
		n++
	}
	return n, nil
}

// ---- Flags ----

func (m *Memory) CreateFlag(ctx context.Context, f *types.Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Status == "" {
		f.Status = types.FlagStatusRaw
	}
	for _, other := range m.flags {
		if other.RoundID == f.RoundID && other.ChallengeID == f.ChallengeID &&
			other.TeamID == f.TeamID && other.FlagValue == f.FlagValue {
			return false, nil
		}
	}
	f.ID = m.next("flags")
	f.SubmittedAt = time.Now()
	m.flags[f.ID] = cloneFlag(f)
	return true, nil
}

func (m *Memory) ListFlags(ctx context.Context, filter FlagFilter) ([]*types.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Flag
	for _, f := range m.flags {
		if filter.RoundID != nil && f.RoundID != *filter.RoundID {
			continue
		}
		if filter.ChallengeID != nil && f.ChallengeID != *filter.ChallengeID {
			continue
		}
		if filter.TeamID != nil && f.TeamID != *filter.TeamID {
			continue
		}
		out = append(out, cloneFlag(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Sort == OrderAsc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) HasFlag(ctx context.Context, roundID, challengeID, teamID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tripleFlaggedLocked(roundID, challengeID, teamID), nil
}

func (m *Memory) HasJobFlag(ctx context.Context, jobID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.flags {
		if f.JobID != nil && *f.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[types.JobStatus]int64)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *Memory) CountFlags(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.flags)), nil
}

// ---- Containers ----

func (m *Memory) CreateContainer(ctx context.Context, c *types.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Status == "" {
		c.Status = types.ContainerStatusRunning
	}
	c.ID = m.next("containers")
	m.containers[c.ID] = cloneContainer(c)
	return nil
}

func (m *Memory) GetContainer(ctx context.Context, id int64) (*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContainer(c), nil
}

func (m *Memory) GetContainerByEngineID(ctx context.Context, engineID string) (*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.containers {
		if c.ContainerID == engineID {
			return cloneContainer(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListContainers(ctx context.Context) ([]*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listContainersLocked(func(*types.Container) bool { return true }), nil
}

func (m *Memory) ListContainersByExploit(ctx context.Context, exploitID int64) ([]*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listContainersLocked(func(c *types.Container) bool { return c.ExploitID == exploitID }), nil
}

func (m *Memory) listContainersLocked(keep func(*types.Container) bool) []*types.Container {
	var out []*types.Container
	for _, c := range m.containers {
		if keep(c) {
			out = append(out, cloneContainer(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SetContainerStatus(ctx context.Context, id int64, status types.ContainerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *Memory) DecrementContainerCounter(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return 0, ErrNotFound
	}
	if c.Counter > 0 {
		c.Counter--
	}
	return c.Counter, nil
}

func (m *Memory) DeleteContainer(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[id]; !ok {
		return ErrNotFound
	}
	m.deleteContainerLocked(id)
	return nil
}

func (m *Memory) deleteContainerLocked(id int64) {
	delete(m.containers, id)
	for rid, r := range m.runners {
		if r.ContainerID == id {
			delete(m.runners, rid)
		}
	}
}

// ---- Runners ----

func (m *Memory) CreateRunner(ctx context.Context, r *types.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.runners {
		if other.ContainerID == r.ContainerID && other.ExploitRunID == r.ExploitRunID {
			return nil
		}
	}
	r.ID = m.next("runners")
	m.runners[r.ID] = cloneRunner(r)
	return nil
}

func (m *Memory) GetRunnerByRun(ctx context.Context, exploitRunID int64) (*types.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *types.Runner
	for _, r := range m.runners {
		if r.ExploitRunID == exploitRunID && (newest == nil || r.ID > newest.ID) {
			newest = r
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return cloneRunner(newest), nil
}

func (m *Memory) ListRunnersByContainer(ctx context.Context, containerID int64) ([]*types.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Runner
	for _, r := range m.runners {
		if r.ContainerID == containerID {
			out = append(out, cloneRunner(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReassignRunners(ctx context.Context, fromContainerID, toContainerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := make(map[int64]struct{})
	for _, r := range m.runners {
		if r.ContainerID == toContainerID {
			taken[r.ExploitRunID] = struct{}{}
		}
	}
	for rid, r := range m.runners {
		if r.ContainerID != fromContainerID {
			continue
		}
		if _, dup := taken[r.ExploitRunID]; dup {
			delete(m.runners, rid)
			continue
		}
		r.ContainerID = toContainerID
	}
	return nil
}

func (m *Memory) DeleteRunnersByContainer(ctx context.Context, containerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for rid, r := range m.runners {
		if r.ContainerID == containerID {
			delete(m.runners, rid)
		}
	}
	return nil
}

// ---- Settings ----

func (m *Memory) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) ListSettings(ctx context.Context) ([]*types.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := lo.Keys(m.settings)
	sort.Strings(keys)

	out := make([]*types.Setting, 0, len(keys))
	for _, k := range keys {
		out = append(out, &types.Setting{Key: k, Value: m.settings[k]})
	}
	return out, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// ---- Utility ----

func (m *Memory) Migrate(ctx context.Context) error { return nil }

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
