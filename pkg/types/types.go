package types

import (
	"time"
)

// Priority bounds for challenges and teams. Values outside the range are
// clamped on write, never rejected.
const (
	MinPriority = 0
	MaxPriority = 99
)

// DefaultFlagRegex matches flags of the classic A/D format: 31 alphanumeric
// characters followed by '='. Used when a challenge does not set its own
// pattern.
const DefaultFlagRegex = `[A-Za-z0-9]{31}=`

// Challenge represents one vulnerable service of the game.
type Challenge struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	DefaultPort int       `json:"default_port"`
	Priority    int       `json:"priority"`
	FlagRegex   string    `json:"flag_regex,omitempty"` // empty = DefaultFlagRegex
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Team represents one opposing team. TeamID is the external identifier the
// game infrastructure uses; it is handed to exploits as an argument.
type Team struct {
	ID        int64     `json:"id"`
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name"`
	DefaultIP string    `json:"default_ip,omitempty"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Relation carries per-(challenge, team) connection overrides. A row exists
// for every challenge × team pair; Addr and Port are optional overrides over
// the team's default IP and the challenge's default port.
type Relation struct {
	ChallengeID int64  `json:"challenge_id"`
	TeamID      int64  `json:"team_id"`
	Addr        string `json:"addr,omitempty"`
	Port        int    `json:"port,omitempty"` // 0 = unset
}

// DefaultExecBudget is the exec counter new containers start with when the
// exploit does not set default_counter.
const DefaultExecBudget = 100

// Exploit is a container image that attacks one challenge.
type Exploit struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	ChallengeID          int64     `json:"challenge_id"`
	DockerImage          string    `json:"docker_image"`
	Entrypoint           string    `json:"entrypoint,omitempty"` // empty = /exploit
	Enabled              bool      `json:"enabled"`
	MaxPerContainer      int       `json:"max_per_container"` // >= 1
	MaxContainers        int       `json:"max_containers"`    // 0 = unlimited
	TimeoutSecs          int       `json:"timeout_secs"`
	DefaultCounter       int       `json:"default_counter"`
	IgnoreConnectionInfo bool      `json:"ignore_connection_info"`
	Env                  []string  `json:"env,omitempty"` // KEY=VALUE pairs
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// EffectiveTimeout returns the exec timeout for this exploit: its own
// timeout when positive, the given fallback otherwise.
func (e *Exploit) EffectiveTimeout(fallback time.Duration) time.Duration {
	if e.TimeoutSecs > 0 {
		return time.Duration(e.TimeoutSecs) * time.Second
	}
	return fallback
}

// ExploitRun assigns an exploit to a (challenge, team) target with an
// ordering sequence and an optional priority override.
type ExploitRun struct {
	ID          int64 `json:"id"`
	ExploitID   int64 `json:"exploit_id"`
	ChallengeID int64 `json:"challenge_id"`
	TeamID      int64 `json:"team_id"`
	Priority    *int  `json:"priority,omitempty"` // nil = computed from challenge/team/sequence
	Sequence    int   `json:"sequence"`           // may be negative
	Enabled     bool  `json:"enabled"`
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundStatusPending  RoundStatus = "pending"
	RoundStatusRunning  RoundStatus = "running"
	RoundStatusFinished RoundStatus = "finished"
	RoundStatusSkipped  RoundStatus = "skipped"
)

// Round is a single scheduling epoch.
type Round struct {
	ID         int64       `json:"id"`
	Status     RoundStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// JobStatus is the state of one exploit job. Jobs leave pending exactly once
// and terminal states are absorbing.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusFlag    JobStatus = "flag"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusTimeout JobStatus = "timeout"
	JobStatusOLE     JobStatus = "ole"
	JobStatusError   JobStatus = "error"
	JobStatusStopped JobStatus = "stopped"
	JobStatusSkipped JobStatus = "skipped"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusFlag,
	JobStatusSuccess,
	JobStatusFailed,
	JobStatusTimeout,
	JobStatusOLE,
	JobStatusError,
	JobStatusStopped,
	JobStatusSkipped,
}

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s != JobStatusPending && s != JobStatusRunning
}

// Job is a single attempted exec of an exploit-run inside a round.
type Job struct {
	ID           int64      `json:"id"`
	RoundID      int64      `json:"round_id"`
	ExploitRunID *int64     `json:"exploit_run_id,omitempty"`
	TeamID       int64      `json:"team_id"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	ContainerID  string     `json:"container_id,omitempty"` // engine handle
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	CreateReason string     `json:"create_reason,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	ScheduleAt   *time.Time `json:"schedule_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobSummary is the event-bus projection of a Job: identical fields minus
// the stdout/stderr payloads, which can run to 256 KiB each. Full logs are
// fetched per job over the API.
type JobSummary struct {
	ID           int64      `json:"id"`
	RoundID      int64      `json:"round_id"`
	ExploitRunID *int64     `json:"exploit_run_id,omitempty"`
	TeamID       int64      `json:"team_id"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	ContainerID  string     `json:"container_id,omitempty"`
	CreateReason string     `json:"create_reason,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	ScheduleAt   *time.Time `json:"schedule_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Summary returns the log-free projection broadcast on the event bus.
func (j *Job) Summary() *JobSummary {
	return &JobSummary{
		ID:           j.ID,
		RoundID:      j.RoundID,
		ExploitRunID: j.ExploitRunID,
		TeamID:       j.TeamID,
		Priority:     j.Priority,
		Status:       j.Status,
		ContainerID:  j.ContainerID,
		CreateReason: j.CreateReason,
		DurationMS:   j.DurationMS,
		ScheduleAt:   j.ScheduleAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}

// FlagStatus tracks what happened to a captured flag. The store treats it as
// an opaque string so external submitters can record their own states.
type FlagStatus string

const (
	FlagStatusRaw    FlagStatus = "raw"    // extracted from job output
	FlagStatusManual FlagStatus = "manual" // submitted by an operator
)

// Flag is one captured flag string, unique per (round, challenge, team,
// value).
type Flag struct {
	ID          int64      `json:"id"`
	JobID       *int64     `json:"job_id,omitempty"`
	RoundID     int64      `json:"round_id"`
	ChallengeID int64      `json:"challenge_id"`
	TeamID      int64      `json:"team_id"`
	FlagValue   string     `json:"flag_value"`
	Status      FlagStatus `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// MaxFlagLength bounds manually submitted flag values.
const MaxFlagLength = 512

// ContainerStatus is the pool's view of a container: running means the last
// health check saw it alive.
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusDead    ContainerStatus = "dead"
)

// Container is one persistent exploit container. Counter is the remaining
// exec budget; the pool destroys the container when it reaches zero.
type Container struct {
	ID          int64           `json:"id"`
	ExploitID   int64           `json:"exploit_id"`
	ContainerID string          `json:"container_id"` // engine handle
	Name        string          `json:"name"`
	Status      ContainerStatus `json:"status"`
	Counter     int             `json:"counter"`
}

// Runner binds an exploit-run to the container that hosts its execs. The
// binding is persistent so a restart reattaches runs without re-spawning.
type Runner struct {
	ID           int64 `json:"id"`
	ContainerID  int64 `json:"container_id"` // containers.id, not the engine handle
	ExploitRunID int64 `json:"exploit_run_id"`
	TeamID       int64 `json:"team_id"`
}

// Setting is one key/value row; values are strings typed by the reader.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ClampPriority forces a challenge or team priority into [MinPriority,
// MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// JobPriority computes the dispatch priority for a generated job. The
// override, when present, replaces the whole composite key.
func JobPriority(challengePriority, teamPriority, sequence int, override *int) int {
	if override != nil {
		return *override
	}
	return challengePriority*10_000 + teamPriority*100 + sequence
}

// MinAllowedRound returns the oldest round id that still accepts manual flag
// submissions, saturating at zero.
func MinAllowedRound(runningRound, pastRounds int64) int64 {
	if pastRounds >= runningRound {
		return 0
	}
	return runningRound - pastRounds
}

// ConnectionInfo is the resolved target address for one job.
type ConnectionInfo struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// ResolveConnection merges the relation overrides with the team and
// challenge defaults. Complete reports whether both halves resolved.
func ResolveConnection(rel *Relation, team *Team, challenge *Challenge) (info ConnectionInfo, complete bool) {
	if rel != nil && rel.Addr != "" {
		info.Addr = rel.Addr
	} else {
		info.Addr = team.DefaultIP
	}
	if rel != nil && rel.Port != 0 {
		info.Port = rel.Port
	} else {
		info.Port = challenge.DefaultPort
	}
	return info, info.Addr != "" && info.Port != 0
}
