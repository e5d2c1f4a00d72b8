package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/log"
	"github.com/mazubot/mazuadm/pkg/metrics"
	"github.com/mazubot/mazuadm/pkg/pool"
	"github.com/mazubot/mazuadm/pkg/scheduler"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
)

// Info is the build identity served by /api/version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Server exposes the HTTP/JSON API and the websocket event stream.
type Server struct {
	store    store.Store
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	settings *settings.Resolver
	bus      *events.Bus
	logger   zerolog.Logger
	info     Info

	engine *gin.Engine
	http   *http.Server

	wsMu    sync.Mutex
	wsConns map[string]*wsClient
}

// New builds the server and its route table. Start actually listens.
func New(st store.Store, sched *scheduler.Scheduler, pl *pool.Pool, res *settings.Resolver, bus *events.Bus, info Info) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:    st,
		sched:    sched,
		pool:     pl,
		settings: res,
		bus:      bus,
		logger:   log.WithComponent("server"),
		info:     info,
		wsConns:  make(map[string]*wsClient),
	}

	s.engine = gin.New()
	s.engine.Use(s.clientIP(), s.observe(), gin.Recovery())
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": c.Request.URL.Path + " not found"})
	})
	s.routes()

	s.http = &http.Server{Handler: s.engine}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	s.engine.GET("/readyz", gin.WrapF(metrics.ReadyHandler()))
	s.engine.GET("/livez", gin.WrapF(metrics.LivenessHandler()))
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.engine.GET("/ws", s.handleWS)

	api := s.engine.Group("/api")
	{
		api.GET("/version", s.handleVersion)

		api.GET("/challenges", s.listChallenges)
		api.POST("/challenges", s.createChallenge)
		api.PUT("/challenges/:id", s.updateChallenge)
		api.DELETE("/challenges/:id", s.deleteChallenge)
		api.PUT("/challenges/:id/enabled/:enabled", s.setChallengeEnabled)

		api.GET("/teams", s.listTeams)
		api.POST("/teams", s.createTeam)
		api.PUT("/teams/:id", s.updateTeam)
		api.DELETE("/teams/:id", s.deleteTeam)

		api.GET("/exploits", s.listExploits)
		api.POST("/exploits", s.createExploit)
		api.PUT("/exploits/:id", s.updateExploit)
		api.DELETE("/exploits/:id", s.deleteExploit)
		api.POST("/exploits/:id/containers", s.ensureExploitContainers)
		api.DELETE("/exploits/:id/containers", s.destroyExploitContainers)

		api.GET("/exploit-runs", s.listExploitRuns)
		api.POST("/exploit-runs", s.createExploitRun)
		api.POST("/exploit-runs/reorder", s.reorderExploitRuns)
		api.PUT("/exploit-runs/:id", s.updateExploitRun)
		api.DELETE("/exploit-runs/:id", s.deleteExploitRun)

		api.GET("/rounds", s.listRounds)
		api.POST("/rounds", s.createRound)
		api.GET("/rounds/:id", s.getRound)
		api.POST("/rounds/:id/run", s.runRound)
		api.POST("/rounds/:id/rerun", s.rerunRound)
		api.POST("/rounds/:id/rerun-unflagged", s.rerunUnflagged)

		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.POST("/jobs/enqueue", s.enqueueJob)
		api.POST("/jobs/reorder", s.reorderJobs)
		api.POST("/jobs/:id/enqueue", s.runJobNow)
		api.POST("/jobs/:id/stop", s.stopJob)

		api.GET("/flags", s.listFlags)
		api.POST("/flags", s.submitFlags)

		api.GET("/settings", s.listSettings)
		api.POST("/settings", s.setSetting)

		api.GET("/containers", s.listContainers)
		api.DELETE("/containers/:id", s.deleteContainer)
		api.POST("/containers/:id/restart", s.restartContainer)
		api.POST("/containers/restart-all", s.restartAllContainers)
		api.POST("/containers/remove-all", s.removeAllContainers)

		api.GET("/relations/:challenge_id", s.listRelations)
		api.GET("/relations/:challenge_id/:team_id", s.getRelation)
		api.PUT("/relations/:challenge_id/:team_id", s.updateRelation)

		api.GET("/ws-connections", s.listWSConnections)
	}
}

// Start listens on addr and serves until Stop. It returns nil after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the listener down, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, s.info)
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pathID parses a positive integer path parameter, answering 400 itself on
// failure.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &n, nil
}

// queryInt parses an optional integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// queryOrder validates the sort query parameter.
func queryOrder(c *gin.Context) (store.Order, error) {
	return store.ParseOrder(c.Query("sort"))
}
