package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

func (s *Server) listExploits(c *gin.Context) {
	ctx := c.Request.Context()
	challengeID, err := queryInt64(c, "challenge_id")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	var exploits []*types.Exploit
	if challengeID != nil {
		exploits, err = s.store.ListExploitsByChallenge(ctx, *challengeID)
	} else {
		exploits, err = s.store.ListExploits(ctx)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exploits)
}

// createExploitRequest optionally fans the new exploit out to every team as
// enabled runs at sequence 0.
type createExploitRequest struct {
	types.Exploit
	AutoAdd bool `json:"auto_add,omitempty"`
}

func (s *Server) createExploit(c *gin.Context) {
	var req createExploitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Name == "" || req.DockerImage == "" {
		badRequest(c, "name and docker_image are required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetChallenge(ctx, req.ChallengeID); err != nil {
		s.respondError(c, err)
		return
	}
	exploit := req.Exploit
	if err := s.store.CreateExploit(ctx, &exploit); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitCreated, &exploit)

	if req.AutoAdd {
		s.autoAddRuns(c, &exploit)
	}
	c.JSON(http.StatusCreated, &exploit)
}

// autoAddRuns creates an enabled run for every team. Individual failures
// are logged and skipped so one bad team does not abort the fan-out.
func (s *Server) autoAddRuns(c *gin.Context, exploit *types.Exploit) {
	ctx := c.Request.Context()
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int64("exploit_id", exploit.ID).Msg("auto_add: listing teams failed")
		return
	}
	for _, team := range teams {
		run := &types.ExploitRun{
			ExploitID:   exploit.ID,
			ChallengeID: exploit.ChallengeID,
			TeamID:      team.ID,
			Sequence:    0,
			Enabled:     true,
		}
		if err := s.store.CreateExploitRun(ctx, run); err != nil {
			s.logger.Warn().Err(err).
				Int64("exploit_id", exploit.ID).Int64("team_id", team.ID).
				Msg("auto_add: run creation failed")
			continue
		}
		s.bus.Publish(events.EventExploitRunCreated, run)
	}
}

func (s *Server) updateExploit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var exploit types.Exploit
	if err := c.ShouldBindJSON(&exploit); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	exploit.ID = id
	if err := s.store.UpdateExploit(c.Request.Context(), &exploit); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitUpdated, &exploit)
	c.JSON(http.StatusOK, &exploit)
}

func (s *Server) deleteExploit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	exploit, err := s.store.GetExploit(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.DeleteExploit(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitDeleted, exploit)
	c.Status(http.StatusNoContent)
}

func (s *Server) ensureExploitContainers(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.sched.EnsureContainers(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) destroyExploitContainers(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.sched.DestroyExploitContainers(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listExploitRuns(c *gin.Context) {
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
	runs, err := s.store.ListExploitRuns(c.Request.Context(), challengeID, teamID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) createExploitRun(c *gin.Context) {
	var run types.ExploitRun
	if err := c.ShouldBindJSON(&run); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	exploit, err := s.store.GetExploit(ctx, run.ExploitID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if run.ChallengeID == 0 {
		run.ChallengeID = exploit.ChallengeID
	}
	if _, err := s.store.GetTeam(ctx, run.TeamID); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.CreateExploitRun(ctx, &run); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitRunCreated, &run)
	c.JSON(http.StatusCreated, &run)
}

func (s *Server) reorderExploitRuns(c *gin.Context) {
	var updates []store.SequenceUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ctx := c.Request.Context()
	if err := s.store.ReorderExploitRuns(ctx, updates); err != nil {
		s.respondError(c, err)
		return
	}
	for _, u := range updates {
		if run, err := s.store.GetExploitRun(ctx, u.ID); err == nil {
			s.bus.Publish(events.EventExploitRunUpdated, run)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) updateExploitRun(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var run types.ExploitRun
	if err := c.ShouldBindJSON(&run); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	run.ID = id
	if err := s.store.UpdateExploitRun(c.Request.Context(), &run); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitRunUpdated, &run)
	c.JSON(http.StatusOK, &run)
}

func (s *Server) deleteExploitRun(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := s.store.GetExploitRun(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.DeleteExploitRun(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventExploitRunDeleted, run)
	c.Status(http.StatusNoContent)
}
