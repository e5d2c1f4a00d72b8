package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/types"
)

func (s *Server) listChallenges(c *gin.Context) {
	challenges, err := s.store.ListChallenges(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenges)
}

func (s *Server) createChallenge(c *gin.Context) {
	var challenge types.Challenge
	if err := c.ShouldBindJSON(&challenge); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if challenge.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if err := s.store.CreateChallenge(c.Request.Context(), &challenge); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventChallengeCreated, &challenge)
	c.JSON(http.StatusCreated, &challenge)
}

func (s *Server) updateChallenge(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var challenge types.Challenge
	if err := c.ShouldBindJSON(&challenge); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	challenge.ID = id
	if err := s.store.UpdateChallenge(c.Request.Context(), &challenge); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventChallengeUpdated, &challenge)
	c.JSON(http.StatusOK, &challenge)
}

func (s *Server) deleteChallenge(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	challenge, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.DeleteChallenge(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventChallengeDeleted, challenge)
	c.Status(http.StatusNoContent)
}

func (s *Server) setChallengeEnabled(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	enabled, err := strconv.ParseBool(c.Param("enabled"))
	if err != nil {
		badRequest(c, "invalid enabled value")
		return
	}
	challenge, err := s.store.SetChallengeEnabled(c.Request.Context(), id, enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventChallengeUpdated, challenge)
	c.JSON(http.StatusOK, challenge)
}

func (s *Server) listTeams(c *gin.Context) {
	teams, err := s.store.ListTeams(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, teams)
}

func (s *Server) createTeam(c *gin.Context) {
	var team types.Team
	if err := c.ShouldBindJSON(&team); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if team.TeamID == "" {
		badRequest(c, "team_id is required")
		return
	}
	if err := s.store.CreateTeam(c.Request.Context(), &team); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventTeamCreated, &team)
	c.JSON(http.StatusCreated, &team)
}

func (s *Server) updateTeam(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var team types.Team
	if err := c.ShouldBindJSON(&team); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	team.ID = id
	if err := s.store.UpdateTeam(c.Request.Context(), &team); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventTeamUpdated, &team)
	c.JSON(http.StatusOK, &team)
}

func (s *Server) deleteTeam(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	team, err := s.store.GetTeam(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.DeleteTeam(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventTeamDeleted, team)
	c.Status(http.StatusNoContent)
}

func (s *Server) listRelations(c *gin.Context) {
	challengeID, ok := pathID(c, "challenge_id")
	if !ok {
		return
	}
	relations, err := s.store.ListRelationsByChallenge(c.Request.Context(), challengeID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, relations)
}

func (s *Server) getRelation(c *gin.Context) {
	challengeID, ok := pathID(c, "challenge_id")
	if !ok {
		return
	}
	teamID, ok := pathID(c, "team_id")
	if !ok {
		return
	}
	relation, err := s.store.GetRelation(c.Request.Context(), challengeID, teamID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, relation)
}

func (s *Server) updateRelation(c *gin.Context) {
	challengeID, ok := pathID(c, "challenge_id")
	if !ok {
		return
	}
	teamID, ok := pathID(c, "team_id")
	if !ok {
		return
	}
	var relation types.Relation
	if err := c.ShouldBindJSON(&relation); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	relation.ChallengeID = challengeID
	relation.TeamID = teamID
	if err := s.store.UpdateRelation(c.Request.Context(), &relation); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventConnectionInfoUpdated, &relation)
	c.JSON(http.StatusOK, &relation)
}

func (s *Server) listSettings(c *gin.Context) {
	list, err := s.store.ListSettings(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) setSetting(c *gin.Context) {
	var setting types.Setting
	if err := c.ShouldBindJSON(&setting); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if setting.Key == "" {
		badRequest(c, "key is required")
		return
	}
	if err := s.store.SetSetting(c.Request.Context(), setting.Key, setting.Value); err != nil {
		s.respondError(c, err)
		return
	}
	s.bus.Publish(events.EventSettingUpdated, &setting)
	c.JSON(http.StatusOK, &setting)
}
