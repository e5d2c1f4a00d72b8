package settings

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mazubot/mazuadm/pkg/store"
)

// Recognized setting keys. Unknown keys are stored and served verbatim but
// have no effect on the scheduler.
const (
	KeyConcurrentLimit     = "concurrent_limit"
	KeyWorkerTimeout       = "worker_timeout"
	KeyMaxFlagsPerJob      = "max_flags_per_job"
	KeySkipOnFlag          = "skip_on_flag"
	KeySequentialPerTarget = "sequential_per_target"
	KeyPastFlagRounds      = "past_flag_rounds"
	KeyIPHeaders           = "ip_headers"
)

// Defaults applied when a key is absent or unparseable.
const (
	DefaultConcurrentLimit = 10
	DefaultWorkerTimeout   = 60 * time.Second
	DefaultMaxFlagsPerJob  = 50
	DefaultPastFlagRounds  = 5
)

// Settings is one consistent snapshot of the tunables the round engine
// reads. The engine loads a snapshot once per round so mid-round edits
// apply from the next round on.
type Settings struct {
	ConcurrentLimit     int
	WorkerTimeout       time.Duration
	MaxFlagsPerJob      int
	SkipOnFlag          bool
	SequentialPerTarget bool
	PastFlagRounds      int64
	IPHeaders           []string
}

// Resolver reads typed settings through the store. Malformed values never
// error: readers fall back to the default so a bad edit cannot stall a
// round.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Load reads every recognized key into one snapshot.
func (r *Resolver) Load(ctx context.Context) *Settings {
	return &Settings{
		ConcurrentLimit:     r.ConcurrentLimit(ctx),
		WorkerTimeout:       r.WorkerTimeout(ctx),
		MaxFlagsPerJob:      r.MaxFlagsPerJob(ctx),
		SkipOnFlag:          r.boolSetting(ctx, KeySkipOnFlag, false),
		SequentialPerTarget: r.boolSetting(ctx, KeySequentialPerTarget, false),
		PastFlagRounds:      r.PastFlagRounds(ctx),
		IPHeaders:           r.IPHeaders(ctx),
	}
}

// ConcurrentLimit returns the global in-flight job cap. Values below 1
// would stall the dispatcher, so they fall back to the default.
func (r *Resolver) ConcurrentLimit(ctx context.Context) int {
	n := r.intSetting(ctx, KeyConcurrentLimit, DefaultConcurrentLimit)
	if n < 1 {
		return DefaultConcurrentLimit
	}
	return n
}

// WorkerTimeout returns the fallback exec timeout.
func (r *Resolver) WorkerTimeout(ctx context.Context) time.Duration {
	secs := r.intSetting(ctx, KeyWorkerTimeout, int(DefaultWorkerTimeout/time.Second))
	if secs < 1 {
		secs = int(DefaultWorkerTimeout / time.Second)
	}
	return time.Duration(secs) * time.Second
}

// MaxFlagsPerJob returns the extraction cap per job.
func (r *Resolver) MaxFlagsPerJob(ctx context.Context) int {
	n := r.intSetting(ctx, KeyMaxFlagsPerJob, DefaultMaxFlagsPerJob)
	if n < 1 {
		return DefaultMaxFlagsPerJob
	}
	return n
}

// PastFlagRounds returns how many past rounds accept manual flags.
func (r *Resolver) PastFlagRounds(ctx context.Context) int64 {
	n := r.intSetting(ctx, KeyPastFlagRounds, DefaultPastFlagRounds)
	if n < 0 {
		return DefaultPastFlagRounds
	}
	return int64(n)
}

// SkipOnFlag reports whether pending jobs are skipped once their triple has
// a flag.
func (r *Resolver) SkipOnFlag(ctx context.Context) bool {
	return r.boolSetting(ctx, KeySkipOnFlag, false)
}

// SequentialPerTarget reports whether at most one job per (challenge, team)
// may be in flight.
func (r *Resolver) SequentialPerTarget(ctx context.Context) bool {
	return r.boolSetting(ctx, KeySequentialPerTarget, false)
}

// IPHeaders returns the header names consulted for client IP derivation, in
// order.
func (r *Resolver) IPHeaders(ctx context.Context) []string {
	raw, err := r.store.GetSetting(ctx, KeyIPHeaders)
	if err != nil {
		return nil
	}
	return SplitCSV(raw)
}

func (r *Resolver) intSetting(ctx context.Context, key string, def int) int {
	raw, err := r.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

func (r *Resolver) boolSetting(ctx context.Context, key string, def bool) bool {
	raw, err := r.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return b
}

// SplitCSV splits a comma-separated value into trimmed, non-empty tokens.
func SplitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if token := strings.TrimSpace(part); token != "" {
			out = append(out, token)
		}
	}
	return out
}
