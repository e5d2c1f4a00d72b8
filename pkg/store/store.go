package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mazubot/mazuadm/pkg/types"
)

// Sentinel errors every implementation maps its driver errors onto. The HTTP
// layer turns them into 404/409; the scheduler treats them as per-job fatal.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Order is a validated sort direction for list queries.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder validates a user-supplied sort value. Empty defaults to
// descending (newest first).
func ParseOrder(s string) (Order, error) {
	switch s {
	case "":
		return OrderDesc, nil
	case string(OrderAsc):
		return OrderAsc, nil
	case string(OrderDesc):
		return OrderDesc, nil
	default:
		return "", fmt.Errorf("invalid sort %q: must be asc or desc", s)
	}
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	RoundID *int64
	Status  *types.JobStatus
	Sort    Order
	Limit   int
}

// FlagFilter selects flags for listing.
type FlagFilter struct {
	RoundID     *int64
	ChallengeID *int64
	TeamID      *int64
	Sort        Order
	Limit       int
}

// SequenceUpdate reorders one exploit-run.
type SequenceUpdate struct {
	ID       int64 `json:"id"`
	Sequence int   `json:"sequence"`
}

// PriorityUpdate reprioritizes one pending job.
type PriorityUpdate struct {
	ID       int64 `json:"id"`
	Priority int   `json:"priority"`
}

// StaleJobTrailer is appended to stderr when a restart reconciles jobs left
// in running.
const StaleJobTrailer = "[stopped by server restart]"

// Store defines the interface for catalog and execution state storage,
// implemented by PostgreSQL-backed storage.
type Store interface {
	// Challenges
	CreateChallenge(ctx context.Context, c *types.Challenge) error
	GetChallenge(ctx context.Context, id int64) (*types.Challenge, error)
	GetChallengeByName(ctx context.Context, name string) (*types.Challenge, error)
	ListChallenges(ctx context.Context) ([]*types.Challenge, error)
	UpdateChallenge(ctx context.Context, c *types.Challenge) error
	SetChallengeEnabled(ctx context.Context, id int64, enabled bool) (*types.Challenge, error)
	DeleteChallenge(ctx context.Context, id int64) error

	// Teams
	CreateTeam(ctx context.Context, t *types.Team) error
	GetTeam(ctx context.Context, id int64) (*types.Team, error)
	GetTeamByExternalID(ctx context.Context, teamID string) (*types.Team, error)
	ListTeams(ctx context.Context) ([]*types.Team, error)
	UpdateTeam(ctx context.Context, t *types.Team) error
	DeleteTeam(ctx context.Context, id int64) error

	// Relations
	GetRelation(ctx context.Context, challengeID, teamID int64) (*types.Relation, error)
	ListRelationsByChallenge(ctx context.Context, challengeID int64) ([]*types.Relation, error)
	UpdateRelation(ctx context.Context, r *types.Relation) error

	// Exploits
	CreateExploit(ctx context.Context, e *types.Exploit) error
	GetExploit(ctx context.Context, id int64) (*types.Exploit, error)
	ListExploits(ctx context.Context) ([]*types.Exploit, error)
	ListExploitsByChallenge(ctx context.Context, challengeID int64) ([]*types.Exploit, error)
	UpdateExploit(ctx context.Context, e *types.Exploit) error
	DeleteExploit(ctx context.Context, id int64) error

	// Exploit runs
	CreateExploitRun(ctx context.Context, r *types.ExploitRun) error
	GetExploitRun(ctx context.Context, id int64) (*types.ExploitRun, error)
	ListExploitRuns(ctx context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error)
	ListExploitRunsByExploit(ctx context.Context, exploitID int64) ([]*types.ExploitRun, error)
	UpdateExploitRun(ctx context.Context, r *types.ExploitRun) error
	ReorderExploitRuns(ctx context.Context, updates []SequenceUpdate) error
	DeleteExploitRun(ctx context.Context, id int64) error

	// Rounds
	CreateRound(ctx context.Context) (*types.Round, error)
	GetRound(ctx context.Context, id int64) (*types.Round, error)
	GetActiveRounds(ctx context.Context) ([]*types.Round, error)
	ListRounds(ctx context.Context, sort Order, limit int) ([]*types.Round, error)
	SetRoundStatus(ctx context.Context, id int64, status types.RoundStatus) error

	// Jobs
	CreateJob(ctx context.Context, j *types.Job) error
	CreateJobs(ctx context.Context, jobs []*types.Job) error
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	GetPendingJobs(ctx context.Context, roundID int64) ([]*types.Job, error)
	MaxPendingPriority(ctx context.Context, roundID int64) (int, error)
	UpdateJob(ctx context.Context, j *types.Job) error
	ReorderJobs(ctx context.Context, updates []PriorityUpdate) error
	ResetJobsForRound(ctx context.Context, roundID int64) (int64, error)
	ResetUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error)
	CloneUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error)
	ResetStaleJobs(ctx context.Context) (int64, error)

	// Flags
	CreateFlag(ctx context.Context, f *types.Flag) (bool, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]*types.Flag, error)
	HasFlag(ctx context.Context, roundID, challengeID, teamID int64) (bool, error)
	HasJobFlag(ctx context.Context, jobID int64) (bool, error)

	// Aggregates for the metrics collector
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int64, error)
	CountFlags(ctx context.Context) (int64, error)

	// Containers
	CreateContainer(ctx context.Context, c *types.Container) error
	GetContainer(ctx context.Context, id int64) (*types.Container, error)
	GetContainerByEngineID(ctx context.Context, engineID string) (*types.Container, error)
	ListContainers(ctx context.Context) ([]*types.Container, error)
	ListContainersByExploit(ctx context.Context, exploitID int64) ([]*types.Container, error)
	SetContainerStatus(ctx context.Context, id int64, status types.ContainerStatus) error
	DecrementContainerCounter(ctx context.Context, id int64) (int, error)
	DeleteContainer(ctx context.Context, id int64) error

	// Runners
	CreateRunner(ctx context.Context, r *types.Runner) error
	GetRunnerByRun(ctx context.Context, exploitRunID int64) (*types.Runner, error)
	ListRunnersByContainer(ctx context.Context, containerID int64) ([]*types.Runner, error)
	ReassignRunners(ctx context.Context, fromContainerID, toContainerID int64) error
	DeleteRunnersByContainer(ctx context.Context, containerID int64) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	ListSettings(ctx context.Context) ([]*types.Setting, error)
	SetSetting(ctx context.Context, key, value string) error

	// Utility
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}
