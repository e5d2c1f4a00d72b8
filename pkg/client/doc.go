/*
Package client provides a Go client library for the mazuadm HTTP/JSON API.

The client wraps every API endpoint with a typed method, decodes the
server's error envelope into structured errors, and exposes the websocket
event feed as a callback stream. It is the transport layer behind the
mazuadm CLI and is equally usable from custom tooling.

# Architecture

	┌──────────────────── APPLICATION CODE ───────────────────┐
	│                                                          │
	│  import "github.com/mazubot/mazuadm/pkg/client"          │
	│                                                          │
	│  cli := client.NewClient("http://127.0.0.1:3000")        │
	│  round, err := cli.CreateRound()                         │
	│                                                          │
	└──────────────────┬───────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ───────────────────────┐
	│                                                          │
	│  ┌──────────────────────────────────────────────┐        │
	│  │           Typed Methods                      │        │
	│  │  - One method per endpoint                   │        │
	│  │  - pkg/types entities in and out             │        │
	│  │  - 10s timeout per call                      │        │
	│  └──────────────────┬───────────────────────────┘        │
	│                     │                                    │
	│  ┌──────────────────▼───────────────────────────┐        │
	│  │        HTTP/JSON + WebSocket                 │        │
	│  │  - net/http with idle connection reuse       │        │
	│  │  - {"error": ...} envelope -> *APIError      │        │
	│  │  - gorilla/websocket for /ws                 │        │
	│  └──────────────────┬───────────────────────────┘        │
	└─────────────────────┼────────────────────────────────────┘
	                      │ HTTP (default port 3000)
	                      ▼
	               mazuadm server

# Core Features

Typed operations:
  - Catalog CRUD for challenges, teams, exploits, exploit-runs, relations
  - Round lifecycle: create, run, rerun, rerun-unflagged
  - Job queue: list, enqueue, reorder, run-now, stop
  - Flags: list, single and batch manual submission
  - Container pool: list, restart, destroy, restart-all, remove-all
  - Settings, version, health, websocket registry

Error handling:
  - Non-2xx responses decode into *APIError with status and message
  - NotFound helper for the common 404 check
  - Transport failures stay wrapped standard errors

Event streaming:
  - StreamEvents tails the /ws feed with category filters
  - Blocks until the context is cancelled or the connection drops

# Usage

Catalog setup:

	cli := client.NewClient("http://127.0.0.1:3000")
	defer cli.Close()

	ch, err := cli.CreateChallenge(types.Challenge{
		Name:        "web1",
		Enabled:     true,
		DefaultPort: 1337,
		Priority:    5,
	})
	if err != nil {
		log.Fatal(err)
	}

	_, err = cli.CreateExploit(types.Exploit{
		Name:        "sqli",
		ChallengeID: ch.ID,
		DockerImage: "exploits/sqli:latest",
	}, true) // auto_add: one run per team

Round lifecycle:

	round, err := cli.CreateRound()
	if err != nil {
		log.Fatal(err)
	}
	if err := cli.RunRound(round.ID); err != nil {
		log.Fatal(err)
	}
	// The server answers 202; poll GetRound or watch the event feed.

Error inspection:

	_, err := cli.GetJob(12345)
	if client.NotFound(err) {
		fmt.Println("job is gone")
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Println(apiErr.StatusCode, apiErr.Message)
	}

Tailing events:

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := cli.StreamEvents(ctx, "operator1", "cli", []string{"flag", "round"},
		func(ev events.Event) {
			fmt.Printf("%s: %v\n", ev.Type, ev.Data)
		})

# Error Handling

Every method returns an error as its last value. Server-side rejections
carry the HTTP status and the server's message:

	api error (status 400): exploit_run_id is required
	api error (status 409): flag already recorded for this target

Dial failures, timeouts (each unary call is bounded to 10 seconds) and
decode failures are returned as wrapped transport errors, so *APIError
always means the server answered.

# Integration Points

  - cmd/mazuadm: every CLI command family calls through this package
  - pkg/types: request and response entities
  - pkg/events: Event decoded from the websocket feed
  - pkg/server: the API surface this package mirrors

# Design Patterns

Method per endpoint: each operation is a small typed wrapper over one
shared do helper, so adding an endpoint is a few lines.

Mirror DTOs: shapes that exist only on the wire (FlagSubmission,
SequenceUpdate, VersionInfo, WSConnection) are declared here rather than
importing server internals, keeping the client free of gin and the store.

Caller-owned streaming: StreamEvents takes a context and a callback
instead of returning a channel, so slow consumers exert backpressure on
their own connection and cancellation has exactly one idiom.

# Thread Safety

A Client is safe for concurrent use; it holds no mutable state beyond the
underlying http.Client. Run StreamEvents on its own goroutine per feed.

# Troubleshooting

Connection refused: the server address includes the scheme, e.g.
"http://10.0.0.5:3000". A bare host:port will not parse.

StreamEvents returns immediately with status 400: the user name must be
3-16 alphanumeric characters.

Filters match nothing: websocket filters are category tokens ("flag",
"job", "exploit"), not full event types. "flag_created" as a token never
matches; "flag" matches every flag event.

# See Also

  - pkg/server: API handlers and error envelope
  - pkg/events: event types and category matching
  - cmd/mazuadm: CLI built on this client
*/
package client
