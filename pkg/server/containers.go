package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mazubot/mazuadm/pkg/types"
)

func (s *Server) listContainers(c *gin.Context) {
	containers, err := s.store.ListContainers(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, containers)
}

func (s *Server) deleteContainer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.pool.DestroyContainer(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) restartContainer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Timeout *int `json:"timeout,omitempty"`
		Force   bool `json:"force,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	if err := s.pool.RestartContainer(ctx, id, req.Timeout, req.Force); err != nil {
		s.respondError(c, err)
		return
	}
	container, err := s.store.GetContainer(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, container)
}

// restartAllContainers restarts every running container, skipping over
// per-container failures.
func (s *Server) restartAllContainers(c *gin.Context) {
	ctx := c.Request.Context()
	containers, err := s.store.ListContainers(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	restarted := 0
	for _, container := range containers {
		if container.Status != types.ContainerStatusRunning {
			continue
		}
		if err := s.pool.RestartContainer(ctx, container.ID, nil, false); err != nil {
			s.logger.Warn().Err(err).Int64("container_id", container.ID).Msg("restart failed")
			continue
		}
		restarted++
	}
	c.JSON(http.StatusOK, gin.H{"restarted": restarted})
}

func (s *Server) removeAllContainers(c *gin.Context) {
	ctx := c.Request.Context()
	containers, err := s.store.ListContainers(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	removed := 0
	for _, container := range containers {
		if err := s.pool.DestroyContainer(ctx, container.ID); err != nil {
			s.logger.Warn().Err(err).Int64("container_id", container.ID).Msg("remove failed")
			continue
		}
		removed++
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
