package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/log"
	"github.com/mazubot/mazuadm/pkg/pool"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// ErrValidation marks a command rejected before it reached the queue: bad
// round state, bad flag value, unknown references. The API layer maps it to
// a 400.
var ErrValidation = errors.New("validation failed")

// ErrStopped is returned by commands sent after Stop.
var ErrStopped = errors.New("scheduler stopped")

// opTimeout bounds store writes that run on a background context, such as
// persisting a job whose own context was canceled by StopJob.
const opTimeout = 30 * time.Second

// createReasonRound tags jobs generated by round creation.
const createReasonRound = "round created"

type cmdKind int

const (
	cmdRun cmdKind = iota
	cmdRerun
	cmdStop
)

// command is one queue entry. run carries a round id; stop carries a job id,
// a reason and a reply channel the caller blocks on.
type command struct {
	kind    cmdKind
	roundID int64
	jobID   int64
	reason  string
	reply   chan stopReply
}

// stopReply tells a StopJob caller how to wait: either the command failed
// outright, or done carries the channel closed once the job row is terminal.
type stopReply struct {
	done <-chan struct{}
	err  error
}

// targetKey identifies a (challenge, team) pair for sequential-per-target
// locking.
type targetKey struct {
	challengeID int64
	teamID      int64
}

// Scheduler is the round engine: it generates rounds, drives the dispatch
// loop and owns the command queue every in-flight mutation goes through.
// One goroutine consumes the queue; job executions fan out from it.
type Scheduler struct {
	store    store.Store
	pool     *pool.Pool
	settings *settings.Resolver
	bus      *events.Bus
	logger   zerolog.Logger

	cmdCh  chan command
	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	// Round state below is owned by the loop goroutine.
	round   *types.Round
	cfg     *settings.Settings
	sem     *semaphore.Weighted
	backlog []int64

	mu       sync.Mutex
	inflight map[int64]*jobHandle
	targets  map[targetKey]int64

	wg sync.WaitGroup
}

// New creates a scheduler over the given store, pool and bus. Call Start to
// begin consuming commands.
func New(st store.Store, pl *pool.Pool, res *settings.Resolver, bus *events.Bus) *Scheduler {
	return &Scheduler{
		store:    st,
		pool:     pl,
		settings: res,
		bus:      bus,
		logger:   log.WithComponent("scheduler"),
		cmdCh:    make(chan command, 64),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		inflight: make(map[int64]*jobHandle),
		targets:  make(map[targetKey]int64),
	}
}

// Start begins the command loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop shuts the loop down gracefully: no further commands are accepted,
// in-flight execs get up to the configured worker timeout to finish, then
// survivors are killed and persisted as stopped.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh

	grace := settings.DefaultWorkerTimeout
	if s.cfg != nil {
		grace = s.cfg.WorkerTimeout
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("grace period expired, killing in-flight jobs")
		s.killAll("server shutdown")
		<-done
	}
}

// send queues a command, refusing once the scheduler is stopped.
func (s *Scheduler) send(ctx context.Context, cmd command) error {
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wake nudges the loop to re-read the pending queue. Safe from any
// goroutine; coalesces when a nudge is already pending.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// CreateRound inserts a pending round and generates its jobs: every enabled
// challenge crossed with every team, one job per enabled exploit-run,
// ordered by priority so insertion order breaks ties on equal priorities.
// Disabled teams still get jobs; dispatch skips them with a reason.
func (s *Scheduler) CreateRound(ctx context.Context) (*types.Round, error) {
	round, err := s.store.CreateRound(ctx)
	if err != nil {
		return nil, err
	}

	challenges, err := s.store.ListChallenges(ctx)
	if err != nil {
		return nil, err
	}
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}

	var jobs []*types.Job
	for _, ch := range challenges {
		if !ch.Enabled {
			continue
		}
		for _, team := range teams {
			runs, err := s.store.ListExploitRuns(ctx, &ch.ID, &team.ID)
			if err != nil {
				return nil, err
			}
			for _, run := range runs {
				if !run.Enabled {
					continue
				}
				runID := run.ID
				jobs = append(jobs, &types.Job{
					RoundID:      round.ID,
					ExploitRunID: &runID,
					TeamID:       team.ID,
					Priority:     types.JobPriority(ch.Priority, team.Priority, run.Sequence, run.Priority),
					Status:       types.JobStatusPending,
					CreateReason: createReasonRound,
				})
			}
		}
	}

	sortJobsByPriority(jobs)
	if err := s.store.CreateJobs(ctx, jobs); err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventRoundCreated, round)
	for _, j := range jobs {
		s.bus.Publish(events.EventJobCreated, j.Summary())
	}
	s.logger.Info().Int64("round_id", round.ID).Int("jobs", len(jobs)).Msg("round created")
	return round, nil
}

// RunRound queues a pending or running round for execution. It returns once
// the command is accepted; progress is observable through round and job
// events.
func (s *Scheduler) RunRound(ctx context.Context, id int64) error {
	round, err := s.store.GetRound(ctx, id)
	if err != nil {
		return err
	}
	if round.Status != types.RoundStatusPending && round.Status != types.RoundStatusRunning {
		return fmt.Errorf("%w: round %d is %s, not runnable", ErrValidation, id, round.Status)
	}
	return s.send(ctx, command{kind: cmdRun, roundID: id})
}

// RerunRound resets every job of a round back to pending and queues it for
// another pass. The reset happens on the loop goroutine so it cannot race a
// finishing round; a round that is still executing is left alone.
func (s *Scheduler) RerunRound(ctx context.Context, id int64) error {
	if _, err := s.store.GetRound(ctx, id); err != nil {
		return err
	}
	return s.send(ctx, command{kind: cmdRerun, roundID: id})
}

// RerunUnflagged clones the dispatched-but-flagless jobs of a running round
// back into its pending queue and wakes the loop. Returns the number of
// clones.
func (s *Scheduler) RerunUnflagged(ctx context.Context, id int64) (int64, error) {
	round, err := s.store.GetRound(ctx, id)
	if err != nil {
		return 0, err
	}
	if round.Status != types.RoundStatusRunning {
		return 0, fmt.Errorf("%w: round %d is %s, rerun-unflagged needs a running round", ErrValidation, id, round.Status)
	}
	cloned, err := s.store.CloneUnflaggedJobsForRound(ctx, id)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("round_id", id).Int64("jobs", cloned).Msg("unflagged jobs requeued")
	s.wake()
	return cloned, nil
}

// RefreshJob re-evaluates a job against the current pending ordering. The
// loop re-reads the queue on every nudge, so this only validates and wakes.
func (s *Scheduler) RefreshJob(ctx context.Context, id int64) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	s.wake()
	return nil
}

// RunJobNow bumps a pending job above everything else in its round and
// stamps schedule_at, then wakes the loop to pick it up.
func (s *Scheduler) RunJobNow(ctx context.Context, id int64) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusPending {
		return fmt.Errorf("%w: job %d is %s, not pending", ErrValidation, id, job.Status)
	}
	max, err := s.store.MaxPendingPriority(ctx, job.RoundID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Priority = max + 1
	job.ScheduleAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
	s.wake()
	return nil
}

// StopJob kills a running job's exec and blocks until the job row is
// terminal. The final status is flag when the job already produced one,
// stopped otherwise; the reason lands in stderr.
func (s *Scheduler) StopJob(ctx context.Context, id int64, reason string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status != types.JobStatusRunning {
		return fmt.Errorf("%w: job %d is %s, not running", ErrValidation, id, job.Status)
	}

	reply := make(chan stopReply, 1)
	if err := s.send(ctx, command{kind: cmdStop, jobID: id, reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		if r.err != nil || r.done == nil {
			return r.err
		}
		select {
		case <-r.done:
			return nil
		case <-s.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureContainers delegates to the pool: at least one running container for
// the exploit.
func (s *Scheduler) EnsureContainers(ctx context.Context, exploitID int64) error {
	exploit, err := s.store.GetExploit(ctx, exploitID)
	if err != nil {
		return err
	}
	return s.pool.EnsureContainers(ctx, exploit)
}

// DestroyExploitContainers delegates to the pool.
func (s *Scheduler) DestroyExploitContainers(ctx context.Context, exploitID int64) error {
	return s.pool.DestroyExploitContainers(ctx, exploitID)
}

// SubmitFlag records a manually captured flag. The round defaults to the
// running one and must fall inside the accepted window behind it; challenge
// and team must exist; duplicates are conflicts.
func (s *Scheduler) SubmitFlag(ctx context.Context, roundID *int64, challengeID, teamID int64, value, status string) (*types.Flag, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: flag value is empty", ErrValidation)
	}
	if len(value) > types.MaxFlagLength {
		return nil, fmt.Errorf("%w: flag value exceeds %d bytes", ErrValidation, types.MaxFlagLength)
	}

	running, err := s.runningRound(ctx)
	if err != nil {
		return nil, err
	}
	if running == nil {
		return nil, fmt.Errorf("%w: no running round to submit against", ErrValidation)
	}
	target := running.ID
	if roundID != nil {
		target = *roundID
	}
	min := types.MinAllowedRound(running.ID, s.settings.PastFlagRounds(ctx))
	if target < min || target > running.ID {
		return nil, fmt.Errorf("%w: round %d is outside the accepted window [%d, %d]", ErrValidation, target, min, running.ID)
	}

	if _, err := s.store.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}

	if status == "" {
		status = string(types.FlagStatusManual)
	}
	flag := &types.Flag{
		RoundID:     target,
		ChallengeID: challengeID,
		TeamID:      teamID,
		FlagValue:   value,
		Status:      types.FlagStatus(status),
	}
	created, err := s.store.CreateFlag(ctx, flag)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: flag already recorded for this target", store.ErrConflict)
	}
	s.bus.Publish(events.EventFlagCreated, flag)
	s.logger.Info().Int64("round_id", target).Int64("challenge_id", challengeID).
		Int64("team_id", teamID).Msg("manual flag submitted")
	return flag, nil
}

// runningRound returns the newest round with status running, or nil.
func (s *Scheduler) runningRound(ctx context.Context) (*types.Round, error) {
	active, err := s.store.GetActiveRounds(ctx)
	if err != nil {
		return nil, err
	}
	var running *types.Round
	for _, r := range active {
		if r.Status == types.RoundStatusRunning {
			running = r
		}
	}
	return running, nil
}

