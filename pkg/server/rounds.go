package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/scheduler"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

func (s *Server) listRounds(c *gin.Context) {
	sort, err := queryOrder(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	rounds, err := s.store.ListRounds(c.Request.Context(), sort, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rounds)
}

func (s *Server) createRound(c *gin.Context) {
	round, err := s.sched.CreateRound(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, round)
}

func (s *Server) getRound(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	round, err := s.store.GetRound(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

// runRound and rerunRound hand the round to the command queue and return
// once accepted; progress is observed over the event stream.
func (s *Server) runRound(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.sched.RunRound(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"round_id": id, "status": "accepted"})
}

func (s *Server) rerunRound(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.sched.RerunRound(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"round_id": id, "status": "accepted"})
}

func (s *Server) rerunUnflagged(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cloned, err := s.sched.RerunUnflagged(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round_id": id, "cloned": cloned})
}

func (s *Server) listJobs(c *gin.Context) {
	roundID, err := queryInt64(c, "round_id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	sort, err := queryOrder(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	filter := store.JobFilter{RoundID: roundID, Sort: sort, Limit: limit}
	if raw := c.Query("status"); raw != "" {
		status := types.JobStatus(raw)
		if !lo.Contains(types.JobStatuses, status) {
			badRequest(c, fmt.Sprintf("invalid status %q", raw))
			return
		}
		filter.Status = &status
	}

	jobs, err := s.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// enqueueJob inserts an ad-hoc job for one exploit-run into the running
// round.
func (s *Server) enqueueJob(c *gin.Context) {
	var req struct {
		ExploitRunID int64 `json:"exploit_run_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ExploitRunID <= 0 {
		badRequest(c, "exploit_run_id is required")
		return
	}

	ctx := c.Request.Context()
	run, err := s.store.GetExploitRun(ctx, req.ExploitRunID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	round, err := s.runningRound(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	challenge, err := s.store.GetChallenge(ctx, run.ChallengeID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	team, err := s.store.GetTeam(ctx, run.TeamID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	now := time.Now().UTC()
	runID := run.ID
	job := &types.Job{
		RoundID:      round.ID,
		ExploitRunID: &runID,
		TeamID:       run.TeamID,
		Priority:     types.JobPriority(challenge.Priority, team.Priority, run.Sequence, run.Priority),
		CreateReason: "manual enqueue",
		ScheduleAt:   &now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventJobCreated, job.Summary())
	s.refreshJob(ctx, job.ID)
	c.JSON(http.StatusCreated, job)
}

func (s *Server) reorderJobs(c *gin.Context) {
	var updates []store.PriorityUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ctx := c.Request.Context()
	if err := s.store.ReorderJobs(ctx, updates); err != nil {
		s.respondError(c, err)
		return
	}
	for _, u := range updates {
		if job, err := s.store.GetJob(ctx, u.ID); err == nil {
			s.bus.Publish(events.EventJobUpdated, job.Summary())
		}
		s.refreshJob(ctx, u.ID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// refreshJob nudges the scheduler after a reorder or insertion. Failures
// are logged and swallowed: the next dispatch step re-reads the queue
// anyway.
func (s *Server) refreshJob(ctx context.Context, id int64) {
	if err := s.sched.RefreshJob(ctx, id); err != nil {
		s.logger.Debug().Err(err).Int64("job_id", id).Msg("refresh job skipped")
	}
}

func (s *Server) runJobNow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.sched.RunJobNow(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) stopJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual stop"
	}

	ctx := c.Request.Context()
	if err := s.sched.StopJob(ctx, id, req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listFlags(c *gin.Context) {
	roundID, err := queryInt64(c, "round_id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	challengeID, err := queryInt64(c, "challenge_id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	teamID, err := queryInt64(c, "team_id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	sort, err := queryOrder(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	flags, err := s.store.ListFlags(c.Request.Context(), store.FlagFilter{
		RoundID:     roundID,
		ChallengeID: challengeID,
		TeamID:      teamID,
		Sort:        sort,
		Limit:       limit,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

// submitFlagRequest is one manual flag entry; the endpoint accepts a single
// object or an array of them.
type submitFlagRequest struct {
	RoundID     *int64 `json:"round_id,omitempty"`
	ChallengeID int64  `json:"challenge_id"`
	TeamID      int64  `json:"team_id"`
	FlagValue   string `json:"flag_value"`
	Status      string `json:"status,omitempty"`
}

func (s *Server) submitFlags(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "invalid request body")
		return
	}

	var reqs []submitFlagRequest
	single := true
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		single = false
		if err := json.Unmarshal(body, &reqs); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	} else {
		var one submitFlagRequest
		if err := json.Unmarshal(body, &one); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		reqs = []submitFlagRequest{one}
	}

	ctx := c.Request.Context()
	flags := make([]*types.Flag, 0, len(reqs))
	for _, req := range reqs {
		flag, err := s.sched.SubmitFlag(ctx, req.RoundID, req.ChallengeID, req.TeamID, req.FlagValue, req.Status)
		if err != nil {
			s.respondError(c, err)
			return
		}
		flags = append(flags, flag)
	}
	if single {
		c.JSON(http.StatusCreated, flags[0])
		return
	}
	c.JSON(http.StatusCreated, flags)
}

// runningRound resolves the round manual operations default to.
func (s *Server) runningRound(ctx context.Context) (*types.Round, error) {
	rounds, err := s.store.GetActiveRounds(ctx)
	if err != nil {
		return nil, err
	}
	var running *types.Round
	for _, r := range rounds {
		if r.Status == types.RoundStatusRunning {
			running = r
		}
	}
	if running == nil {
		return nil, fmt.Errorf("%w: no running round", scheduler.ErrValidation)
	}
	return running, nil
}
