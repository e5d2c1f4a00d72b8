/*
Package server exposes mazuadm's control surface: an HTTP/JSON API over the
catalog, rounds, jobs, flags and containers, plus a websocket stream of bus
events for live dashboards.

Every mutation flows through here on its way to the store or the scheduler,
and every mutation that succeeds is published on the event bus, so an API
client and a websocket listener always agree on what just happened.

# Architecture

	┌──────────────────── API LAYER ─────────────────────┐
	│                                                    │
	│    CLI / UI / scripts                              │
	│      │ HTTP/JSON            │ websocket            │
	│      ▼                      ▼                      │
	│  ┌──────────────┐     ┌─────────────┐              │
	│  │  gin engine  │     │   ws hub    │              │
	│  │  /api/...    │     │   /ws       │              │
	│  └──────┬───────┘     └──────┬──────┘              │
	│         │                    │ Subscribe/Next      │
	│         ▼                    ▼                     │
	│   store  scheduler  pool   events.Bus              │
	│                                                    │
	└────────────────────────────────────────────────────┘

Handlers are thin: they validate input, call one store or scheduler method,
publish the resulting event and encode the response. Anything with actual
logic (priority computation, container placement, flag extraction) lives
behind those calls, not here.

# Request Handling

Errors map onto statuses by taxon: validation failures are 400, missing
rows are 404, uniqueness collisions are 409, a stopped scheduler is 503,
and everything else is a logged 500 with the detail kept out of the body.

The client address comes from the ip_headers setting: the first configured
header that yields a value wins, taking the first comma-separated token so
proxy chains report the origin. With no match the socket peer is used.
The derived address feeds the access log and each websocket connection's
registry entry.

Round and job launches return 202 before the work runs. The API hands the
command to the scheduler's queue and the caller follows progress over the
event stream, so a slow round never holds an HTTP worker hostage.

# Event Stream

GET /ws upgrades to a websocket. The user query parameter (3-16
alphanumerics) identifies the operator, client names the program, and
events optionally narrows the feed to a comma-separated set of categories.
A category is the event type up to its last underscore, and a token covers
everything nested under it: "exploit" receives exploit_created as well as
exploit_run_created. An empty filter means everything.

A connected peer can retarget its filter without reconnecting:

	{"action": "subscribe", "events": ["job", "flag"]}
	{"action": "unsubscribe", "events": ["job"]}

Each change is announced to all listeners as ws_subscription_updated, and
connects and disconnects broadcast a ws_connections roster. A peer that
reads too slowly overflows its ring buffer; it receives a single synthetic
lagged event carrying the drop count instead of stalling the bus.

# Usage

	srv := server.New(st, sched, pl, resolver, bus, server.Info{
		Version: version, Commit: commit, BuildTime: buildTime,
	})

	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	// On shutdown signal.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(ctx)

# Integration Points

  - pkg/store: catalog CRUD, job and flag queries, health ping
  - pkg/scheduler: round launches, job control, flag submission
  - pkg/pool: container destroy and restart endpoints
  - pkg/settings: ip_headers resolution per request
  - pkg/events: publication of mutation events, websocket subscriptions
  - pkg/metrics: request counters, latency histograms, /metrics plus the
    component health probes on /health, /readyz and /livez

# Design Patterns

Deletes fetch before removing so the published event carries the full
entity, letting listeners render what disappeared without a second lookup.

The websocket registry keeps each connection's identity immutable and reads
its filter set live from the subscription, so the roster endpoint never
races the reader goroutine that mutates filters.

Request metrics skip /ws and /metrics. A websocket's elapsed time is its
connection lifetime, which would drown the latency histogram.

# Troubleshooting

404 on a path that looks right: IDs must be positive integers, and
relations take /relations/:challenge_id/:team_id with both IDs numeric.

Websocket closes immediately after connect: the user parameter failed
validation, or the HTTP upgrade was answered before the hub registered the
peer. The 400 body names the parameter at fault.

Missing events on a filtered connection: filters are categories, not full
type strings, so "flag_created" as a token matches nothing while "flag"
matches everything. Check GET /api/ws-connections for the filter set the
hub actually holds.

# See Also

  - pkg/events for event types and subscription semantics
  - pkg/scheduler for what run/rerun/stop actually do
  - pkg/client for the Go consumer of this API
*/
package server
