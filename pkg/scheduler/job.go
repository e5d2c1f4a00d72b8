package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/metrics"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// defaultEntrypoint runs when the exploit does not name one.
const defaultEntrypoint = "/exploit"

var defaultFlagRE = regexp.MustCompile(types.DefaultFlagRegex)

// jobHandle tracks one dispatched job. The loop creates it, the job
// goroutine drives it, and StopJob reaches it through the in-flight map.
// The cfg and sem pointers are snapshots of the round they were dispatched
// under.
type jobHandle struct {
	job *types.Job
	run *types.ExploitRun
	cfg *settings.Settings
	sem *semaphore.Weighted

	cancel   context.CancelFunc
	finished chan struct{}

	mu         sync.Mutex
	stopReason string
}

// stop records the reason and cancels the job's context. The first reason
// wins when stop races with shutdown.
func (h *jobHandle) stop(reason string) {
	h.mu.Lock()
	if h.stopReason == "" {
		h.stopReason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *jobHandle) reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopReason
}

// jobRefs is everything a dispatch needs besides the job and run rows.
type jobRefs struct {
	exploit   *types.Exploit
	challenge *types.Challenge
	team      *types.Team
	relation  *types.Relation
}

// launch registers the handle and starts the job goroutine. The caller has
// already taken a semaphore slot; the goroutine releases it.
func (s *Scheduler) launch(job *types.Job, run *types.ExploitRun) {
	jobCtx, cancel := context.WithCancel(context.Background())
	h := &jobHandle{
		job:      job,
		run:      run,
		cfg:      s.cfg,
		sem:      s.sem,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	s.mu.Lock()
	s.inflight[job.ID] = h
	if s.cfg.SequentialPerTarget {
		s.targets[targetKey{challengeID: run.ChallengeID, teamID: job.TeamID}] = job.ID
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(jobCtx, h)
}

// runJob is the job goroutine: execute, then return the capacity and wake
// the loop. The finished channel closes only after the job row is terminal,
// which is what StopJob callers block on.
func (s *Scheduler) runJob(ctx context.Context, h *jobHandle) {
	defer s.wg.Done()
	defer h.cancel()

	s.executeJob(ctx, h)

	h.sem.Release(1)
	s.clearInFlight(h)
	close(h.finished)
	s.wake()
}

// executeJob walks a dispatched job to a terminal status: mark running,
// resolve the target, check eligibility, assign a container, run the exec,
// extract flags and persist the outcome.
func (s *Scheduler) executeJob(ctx context.Context, h *jobHandle) {
	job := h.job
	logger := s.logger.With().Int64("job_id", job.ID).Int64("round_id", job.RoundID).Logger()

	started := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &started
	if err := s.persistJob(job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}

	refs, failure, err := s.loadRefs(ctx, h.run, job.TeamID)
	if err != nil {
		if h.reason() != "" {
			s.stopFinish(h, "", "", 0)
			return
		}
		s.finishJob(h, types.JobStatusError, "", err.Error(), 0)
		return
	}
	if failure != "" {
		s.finishJob(h, types.JobStatusError, "", failure, 0)
		return
	}

	info, complete := types.ResolveConnection(refs.relation, refs.team, refs.challenge)
	if !complete && !refs.exploit.IgnoreConnectionInfo {
		s.finishJob(h, types.JobStatusError, "", "No connection info", 0)
		return
	}
	if !refs.exploit.Enabled {
		s.finishJob(h, types.JobStatusSkipped, "", "Exploit disabled", 0)
		return
	}
	if !refs.team.Enabled {
		s.finishJob(h, types.JobStatusSkipped, "", "Team disabled", 0)
		return
	}

	container, err := s.pool.GetOrAssign(ctx, h.run, refs.exploit)
	if err != nil {
		if h.reason() != "" {
			s.stopFinish(h, "", "", 0)
			return
		}
		s.finishJob(h, types.JobStatusError, "", err.Error(), 0)
		return
	}
	job.ContainerID = container.ContainerID
	if err := s.persistJob(job); err != nil {
		logger.Warn().Err(err).Msg("failed to record container assignment")
	}

	spec := buildExecSpec(refs.exploit, info, refs.team)
	timeout := refs.exploit.EffectiveTimeout(h.cfg.WorkerTimeout)
	res, execErr := s.pool.Execute(ctx, container, spec, timeout)

	s.completeJob(h, refs.challenge, res, execErr)
}

// completeJob turns an exec outcome into the final job state: flags first,
// then the status precedence timeout > flag > ole > success > failed, with
// an operator stop overriding everything.
func (s *Scheduler) completeJob(h *jobHandle, challenge *types.Challenge, res *engine.ExecResult, execErr error) {
	job := h.job

	var stdout, stderr string
	var duration time.Duration
	if res != nil {
		stdout = res.Stdout
		stderr = res.Stderr
		duration = res.Duration
		metrics.ExecDuration.Observe(duration.Seconds())
	}

	re, err := flagPattern(challenge)
	if err != nil {
		s.logger.Warn().Err(err).Int64("challenge_id", challenge.ID).
			Msg("invalid flag regex, using default")
		re = defaultFlagRE
	}
	values := extractFlags(stdout, re, h.cfg.MaxFlagsPerJob)
	s.recordFlags(job, challenge.ID, values)

	if reason := h.reason(); reason != "" {
		s.stopFinish(h, stdout, stderr, duration.Milliseconds())
		return
	}

	var status types.JobStatus
	switch {
	case execErr != nil:
		status = types.JobStatusError
		stderr = appendLine(stderr, execErr.Error())
	case res.TimedOut:
		status = types.JobStatusTimeout
	case len(values) > 0:
		status = types.JobStatusFlag
	case res.OutputCapped:
		status = types.JobStatusOLE
	case res.ExitCode == 0:
		status = types.JobStatusSuccess
	default:
		status = types.JobStatusFailed
	}
	s.finishJob(h, status, stdout, stderr, duration.Milliseconds())
}

// stopFinish finalizes a stopped job: status flag when any flag is attached
// to it, stopped otherwise, with the stop reason appended to stderr.
func (s *Scheduler) stopFinish(h *jobHandle, stdout, stderr string, durationMS int64) {
	ctx, cancel := opContext()
	defer cancel()

	status := types.JobStatusStopped
	if flagged, err := s.store.HasJobFlag(ctx, h.job.ID); err == nil && flagged {
		status = types.JobStatusFlag
	}
	s.finishJob(h, status, stdout, appendReason(stderr, h.reason()), durationMS)
}

// finishJob persists the terminal state and broadcasts it. Store writes run
// on a background context so a canceled job still gets recorded.
func (s *Scheduler) finishJob(h *jobHandle, status types.JobStatus, stdout, stderr string, durationMS int64) {
	ctx, cancel := opContext()
	defer cancel()

	job := h.job
	now := time.Now().UTC()
	job.Status = status
	job.Stdout = stdout
	job.Stderr = stderr
	job.DurationMS = durationMS
	job.FinishedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to persist job outcome")
		return
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
	metrics.JobsExecuted.WithLabelValues(string(status)).Inc()
	s.logger.Info().Int64("job_id", job.ID).Int64("round_id", job.RoundID).
		Str("status", string(status)).Int64("duration_ms", durationMS).Msg("job finished")
}

// persistJob writes the job row and broadcasts the log-free summary.
func (s *Scheduler) persistJob(job *types.Job) error {
	ctx, cancel := opContext()
	defer cancel()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.bus.Publish(events.EventJobUpdated, job.Summary())
	return nil
}

// loadRefs fetches the rows a dispatch needs. A non-empty failure string
// names a reference deleted since the job was generated; err reports store
// trouble.
func (s *Scheduler) loadRefs(ctx context.Context, run *types.ExploitRun, teamID int64) (*jobRefs, string, error) {
	exploit, err := s.store.GetExploit(ctx, run.ExploitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "Exploit deleted", nil
	}
	if err != nil {
		return nil, "", err
	}
	challenge, err := s.store.GetChallenge(ctx, run.ChallengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "Challenge deleted", nil
	}
	if err != nil {
		return nil, "", err
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "Team deleted", nil
	}
	if err != nil {
		return nil, "", err
	}
	relation, err := s.store.GetRelation(ctx, run.ChallengeID, teamID)
	if errors.Is(err, store.ErrNotFound) {
		relation = nil
	} else if err != nil {
		return nil, "", err
	}
	return &jobRefs{exploit: exploit, challenge: challenge, team: team, relation: relation}, "", nil
}

// recordFlags inserts extracted flags, skipping values another job already
// landed for the same round triple.
func (s *Scheduler) recordFlags(job *types.Job, challengeID int64, values []string) {
	if len(values) == 0 {
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	for _, v := range values {
		jobID := job.ID
		flag := &types.Flag{
			JobID:       &jobID,
			RoundID:     job.RoundID,
			ChallengeID: challengeID,
			TeamID:      job.TeamID,
			FlagValue:   v,
			Status:      types.FlagStatusRaw,
		}
		created, err := s.store.CreateFlag(ctx, flag)
		if err != nil {
			s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to record flag")
			continue
		}
		if created {
			metrics.FlagsExtracted.Inc()
			s.bus.Publish(events.EventFlagCreated, flag)
		}
	}
	s.logger.Info().Int64("job_id", job.ID).Int("flags", len(values)).Msg("flags extracted")
}

// clearInFlight drops the handle from the in-flight map and releases its
// target lock.
func (s *Scheduler) clearInFlight(h *jobHandle) {
	s.mu.Lock()
	delete(s.inflight, h.job.ID)
	key := targetKey{challengeID: h.run.ChallengeID, teamID: h.job.TeamID}
	if s.targets[key] == h.job.ID {
		delete(s.targets, key)
	}
	s.mu.Unlock()
}

// flagPattern compiles the challenge's flag regex, defaulting when unset.
func flagPattern(challenge *types.Challenge) (*regexp.Regexp, error) {
	if challenge.FlagRegex == "" {
		return defaultFlagRE, nil
	}
	return regexp.Compile(challenge.FlagRegex)
}

// extractFlags pulls every regex match out of the exec output, deduplicated
// by value in first-seen order and truncated to max when max is positive.
func extractFlags(stdout string, re *regexp.Regexp, max int) []string {
	matches := re.FindAllString(stdout, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// buildExecSpec assembles the exec command and environment. The target
// address, port and external team id ride both as positional args and as
// TARGET_* variables so exploits can pick either convention.
func buildExecSpec(exploit *types.Exploit, info types.ConnectionInfo, team *types.Team) engine.ExecSpec {
	entrypoint := exploit.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoint
	}
	port := strconv.Itoa(info.Port)
	env := make([]string, 0, len(exploit.Env)+4)
	env = append(env,
		"TARGET_HOST="+info.Addr,
		"TARGET_PORT="+port,
		"TARGET_TEAM_ID="+team.TeamID,
		"TERM=xterm",
	)
	env = append(env, exploit.Env...)
	return engine.ExecSpec{
		Cmd: []string{entrypoint, info.Addr, port, team.TeamID},
		Env: env,
	}
}

// appendReason appends "[reason]" to output, newline-separated when output
// already has content.
func appendReason(output, reason string) string {
	return appendLine(output, "["+reason+"]")
}

func appendLine(output, line string) string {
	if output == "" {
		return line
	}
	return output + "\n" + line
}

// opContext returns a background context for store writes that must outlive
// the job's own context.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}
