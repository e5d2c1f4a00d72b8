/*
Package events provides the in-memory broadcast bus for mazuadm's pub/sub
messaging.

Every state transition in the system (catalog edits, round lifecycle, job
progress, captured flags, container churn) is published here and fanned out
to N subscribers: websocket connections, the metrics layer and tests. The
bus guarantees that a slow subscriber can never block the scheduler.

# Architecture

	┌──────────────────── EVENT BUS ───────────────────────────┐
	│                                                           │
	│  Publish(type, data)                                      │
	│       │                                                   │
	│       ▼                                                   │
	│  central channel (buffer: 100)                            │
	│       │                                                   │
	│  broadcast loop (single goroutine)                        │
	│       │                                                   │
	│       ├──► Subscription A  ── filter ── ring (256)        │
	│       ├──► Subscription B  ── filter ── ring (256)        │
	│       └──► Subscription C  ── filter ── ring (256)        │
	│                                                           │
	│  consumers call Next(ctx); overflow yields LaggedError    │
	└───────────────────────────────────────────────────────────┘

Publishing is non-blocking for the caller: events enter the central channel
and one goroutine distributes them. Each subscription owns a bounded FIFO;
when it overflows, the oldest events are dropped and the consumer is told
how many it missed.

# Categories and Filters

Event types are flat strings like "exploit_run_created". The category of an
event is everything before the last underscore:

	job_created          -> job
	exploit_run_created  -> exploit_run
	ws_connections       -> ws

A subscription carries a set of filter tokens. A token matches its own
category and everything nested below it:

	token "exploit"     matches categories exploit, exploit_run
	token "exploit_run" matches only exploit_run

An empty filter set receives every event. Filters can be adjusted while the
subscription is live (the websocket subscribe/unsubscribe actions map to
Subscription.Subscribe and Subscription.Unsubscribe).

# Lag Semantics

Subscribers are never evicted for being slow. When a ring overflows, the
subscription counts the dropped events; the next call to Next returns a
*LaggedError carrying that count exactly once, then delivery resumes from
the oldest retained event:

	ev, err := sub.Next(ctx)
	var lagged *events.LaggedError
	if errors.As(err, &lagged) {
		log.Warn().Uint64("dropped", lagged.Dropped).Msg("Subscriber lagged")
		continue // next call resumes the stream
	}

# Usage

Wiring at startup:

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

Publishing:

	bus.Publish(events.EventJobUpdated, job.Summary())
	bus.Publish(events.EventFlagCreated, flag)

Consuming:

	sub := bus.Subscribe("job", "flag")
	defer bus.Unsubscribe(sub)
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, events.ErrSubscriptionClosed) {
			return
		}
		...
	}

# Payload Conventions

Events carry {type, data} and nothing else; this struct is serialized
directly onto websockets. Jobs are always published as types.JobSummary so
stdout/stderr (up to 256 KiB combined) never transit the bus.

# Ordering

Delivery order within one subscription follows publish order (single
broadcast goroutine, FIFO rings). No ordering is guaranteed across
subscriptions or after a lag gap.

# Integration Points

  - pkg/scheduler and pkg/server publish state transitions
  - pkg/server consumes per websocket connection
  - cmd/mazuadm events tails the stream over the websocket API

# See Also

  - pkg/server for the websocket bridge
  - pkg/types for JobSummary
*/
package events
