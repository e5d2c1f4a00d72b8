package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// loop is the single consumer of the command queue. Between commands it
// pumps the active round: dispatching pending jobs while capacity lasts and
// finishing the round when both the queue and the in-flight set drain.
func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ctx := context.Background()
	for {
		s.pump(ctx)
		select {
		case cmd := <-s.cmdCh:
			s.handle(ctx, cmd)
		case <-s.wakeCh:
		case <-s.stopCh:
			return
		}
	}
}

// handle executes one queued command on the loop goroutine. Handlers never
// block on job completion; StopJob callers wait on the handle's channel
// instead.
func (s *Scheduler) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdRun:
		s.enqueueRound(ctx, cmd.roundID)
	case cmdRerun:
		s.rerunRound(ctx, cmd.roundID)
	case cmdStop:
		cmd.reply <- s.stopInFlight(ctx, cmd.jobID, cmd.reason)
	}
}

// enqueueRound starts the round immediately when the loop is idle, else
// parks it on the backlog behind the active one.
func (s *Scheduler) enqueueRound(ctx context.Context, id int64) {
	if s.round != nil {
		if s.round.ID == id {
			return
		}
		for _, queued := range s.backlog {
			if queued == id {
				return
			}
		}
		s.backlog = append(s.backlog, id)
		s.logger.Info().Int64("round_id", id).Int("backlog", len(s.backlog)).Msg("round queued behind active round")
		return
	}
	s.startRound(ctx, id)
}

// rerunRound resets a round's jobs and requeues it. Running on the loop
// goroutine keeps the reset from racing the finish bookkeeping of the same
// round; the active round is left alone.
func (s *Scheduler) rerunRound(ctx context.Context, id int64) {
	if s.round != nil && s.round.ID == id {
		s.logger.Warn().Int64("round_id", id).Msg("cannot rerun the round being executed")
		return
	}
	reset, err := s.store.ResetJobsForRound(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Int64("round_id", id).Msg("failed to reset jobs for rerun")
		return
	}
	if err := s.store.SetRoundStatus(ctx, id, types.RoundStatusPending); err != nil {
		s.logger.Error().Err(err).Int64("round_id", id).Msg("failed to reset round status")
		return
	}
	if round, err := s.store.GetRound(ctx, id); err == nil {
		s.bus.Publish(events.EventRoundUpdated, round)
	}
	s.logger.Info().Int64("round_id", id).Int64("jobs", reset).Msg("round reset for rerun")
	s.enqueueRound(ctx, id)
}

// startRound performs the entry sequence: pool health check, settings
// snapshot, pre-warm, then the transition to running. A round that left the
// runnable states while queued is dropped with a warning.
func (s *Scheduler) startRound(ctx context.Context, id int64) {
	round, err := s.store.GetRound(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("round_id", id).Msg("queued round vanished")
		return
	}
	if round.Status != types.RoundStatusPending && round.Status != types.RoundStatusRunning {
		s.logger.Warn().Int64("round_id", id).Str("status", string(round.Status)).Msg("queued round no longer runnable")
		return
	}

	if err := s.pool.HealthCheck(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("pool health check failed, continuing")
	}
	s.cfg = s.settings.Load(ctx)
	s.pool.PreWarm(ctx, s.cfg.ConcurrentLimit)

	if round.Status != types.RoundStatusRunning {
		if err := s.store.SetRoundStatus(ctx, id, types.RoundStatusRunning); err != nil {
			s.logger.Error().Err(err).Int64("round_id", id).Msg("failed to mark round running")
			return
		}
		round.Status = types.RoundStatusRunning
		s.bus.Publish(events.EventRoundUpdated, round)
	}

	s.round = round
	s.sem = semaphore.NewWeighted(int64(s.cfg.ConcurrentLimit))
	s.logger.Info().Int64("round_id", id).
		Int("concurrent_limit", s.cfg.ConcurrentLimit).
		Bool("skip_on_flag", s.cfg.SkipOnFlag).
		Bool("sequential_per_target", s.cfg.SequentialPerTarget).
		Msg("round execution started")
}

// pump advances the active round until it blocks: on capacity, on target
// locks, or on an empty queue with jobs still in flight. Each step re-reads
// the pending queue so reorders and ad-hoc insertions take effect on the
// next selection.
func (s *Scheduler) pump(ctx context.Context) {
	for s.round != nil {
		advanced, err := s.step(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Int64("round_id", s.round.ID).Msg("dispatch step failed")
			return
		}
		if !advanced {
			return
		}
	}
}

// step performs one state change: skip a flagged target, dispatch the first
// eligible pending job, or finish the round. It returns false when nothing
// could advance.
func (s *Scheduler) step(ctx context.Context) (bool, error) {
	jobs, err := s.store.GetPendingJobs(ctx, s.round.ID)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		if s.inflightCount() == 0 {
			s.finishRound(ctx)
			return true, nil
		}
		return false, nil
	}

	for _, job := range jobs {
		run, err := s.jobRun(ctx, job)
		if err != nil {
			return false, err
		}
		if run == nil {
			s.finishDetached(ctx, job)
			return true, nil
		}
		if s.cfg.SkipOnFlag {
			flagged, err := s.store.HasFlag(ctx, job.RoundID, run.ChallengeID, job.TeamID)
			if err != nil {
				return false, err
			}
			if flagged {
				s.skipJob(ctx, job, "flag already found")
				return true, nil
			}
		}
		if s.cfg.SequentialPerTarget && s.targetHeld(run.ChallengeID, job.TeamID) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			return false, nil
		}
		s.launch(job, run)
		return true, nil
	}
	return false, nil
}

// jobRun resolves the job's exploit-run. A nil run with nil error means the
// run row was deleted out from under the job.
func (s *Scheduler) jobRun(ctx context.Context, job *types.Job) (*types.ExploitRun, error) {
	if job.ExploitRunID == nil {
		return nil, nil
	}
	run, err := s.store.GetExploitRun(ctx, *job.ExploitRunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// finishDetached terminates a job whose exploit-run was deleted while it
// waited in the queue.
func (s *Scheduler) finishDetached(ctx context.Context, job *types.Job) {
	now := time.Now().UTC()
	job.Status = types.JobStatusError
	job.Stderr = "Exploit run deleted"
	job.FinishedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to persist detached job")
		return
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
}

// skipJob marks a pending job skipped without dispatching it.
func (s *Scheduler) skipJob(ctx context.Context, job *types.Job, reason string) {
	now := time.Now().UTC()
	job.Status = types.JobStatusSkipped
	job.Stderr = reason
	job.FinishedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to persist skipped job")
		return
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
	s.logger.Debug().Int64("job_id", job.ID).Str("reason", reason).Msg("job skipped")
}

// finishRound closes out the active round and promotes the next backlog
// entry, if any.
func (s *Scheduler) finishRound(ctx context.Context) {
	id := s.round.ID
	if err := s.store.SetRoundStatus(ctx, id, types.RoundStatusFinished); err != nil {
		s.logger.Error().Err(err).Int64("round_id", id).Msg("failed to mark round finished")
	}
	if round, err := s.store.GetRound(ctx, id); err == nil {
		s.bus.Publish(events.EventRoundUpdated, round)
	}
	s.round = nil
	s.sem = nil
	s.logger.Info().Int64("round_id", id).Msg("round finished")

	for len(s.backlog) > 0 && s.round == nil {
		next := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.startRound(ctx, next)
	}
}

// stopInFlight kills the exec behind a running job. When the job is not in
// the in-flight set (a stale row from a previous process), it is finalized
// directly.
func (s *Scheduler) stopInFlight(ctx context.Context, jobID int64, reason string) stopReply {
	s.mu.Lock()
	h := s.inflight[jobID]
	s.mu.Unlock()
	if h != nil {
		h.stop(reason)
		return stopReply{done: h.finished}
	}
	return stopReply{err: s.stopStaleJob(ctx, jobID, reason)}
}

// stopStaleJob finalizes a job that is running in the store but unknown to
// this process.
func (s *Scheduler) stopStaleJob(ctx context.Context, jobID int64, reason string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusRunning {
		return nil
	}
	flagged, err := s.store.HasJobFlag(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if flagged {
		job.Status = types.JobStatusFlag
	} else {
		job.Status = types.JobStatusStopped
	}
	job.Stderr = appendReason(job.Stderr, reason)
	job.FinishedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
	s.logger.Info().Int64("job_id", jobID).Str("reason", reason).Msg("stale running job stopped")
	return nil
}

// killAll cancels every in-flight job with the given reason. Used by
// graceful shutdown after the grace period expires.
func (s *Scheduler) killAll(reason string) {
	s.mu.Lock()
	handles := make([]*jobHandle, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.stop(reason)
	}
}

// inflightCount returns the number of dispatched jobs not yet terminal.
func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// targetHeld reports whether a (challenge, team) pair has a job in flight.
func (s *Scheduler) targetHeld(challengeID, teamID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.targets[targetKey{challengeID: challengeID, teamID: teamID}]
	return held
}

// sortJobsByPriority orders generated jobs descending; the stable sort keeps
// enumeration order for equal priorities so ids break ties deterministically.
func sortJobsByPriority(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Priority > jobs[j].Priority
	})
}
