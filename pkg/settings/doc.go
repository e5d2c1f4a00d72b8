/*
Package settings provides typed, defaulting access to the settings table.

Settings are the runtime tunables of the round engine: concurrency, timeout
fallback, flag extraction caps and the submission window. They live in the
database rather than the config file so operators can adjust them between
rounds over the API without restarting the server.

# Keys

	| key                   | type    | default | effect                                     |
	|-----------------------|---------|---------|--------------------------------------------|
	| concurrent_limit      | int     | 10      | global in-flight job cap                   |
	| worker_timeout        | seconds | 60      | fallback exec timeout                      |
	| max_flags_per_job     | int     | 50      | flag matches extracted per job             |
	| skip_on_flag          | bool    | false   | skip pending jobs once triple has a flag   |
	| sequential_per_target | bool    | false   | one job in flight per (challenge, team)    |
	| past_flag_rounds      | int     | 5       | manual-flag submission window              |
	| ip_headers            | csv     | ""      | headers consulted for client IP derivation |

Unknown keys are stored verbatim and ignored by the engine.

# Failure Mode

Reads never fail. A missing key, a storage error or an unparseable value all
yield the default: a typo'd setting must not be able to stall a running
round. concurrent_limit additionally refuses values below 1, which would
deadlock the dispatcher.

# Usage

The round engine takes one snapshot per round:

	s := resolver.Load(ctx)
	sem := semaphore.NewWeighted(int64(s.ConcurrentLimit))

The HTTP layer reads ip_headers per request:

	headers := resolver.IPHeaders(c.Request.Context())

The effective exec timeout combines an exploit's own timeout with the
snapshot:

	timeout := exploit.EffectiveTimeout(s.WorkerTimeout)

# See Also

  - pkg/store for the underlying key/value rows
  - pkg/scheduler for how the snapshot drives a round
*/
package settings
