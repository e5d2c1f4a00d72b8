package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/types"
)

// requestTimeout bounds every unary API call.
const requestTimeout = 10 * time.Second

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// NotFound reports whether err is a 404 from the server.
func NotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// SequenceUpdate assigns a new sequence to one exploit-run.
type SequenceUpdate struct {
	ID       int64 `json:"id"`
	Sequence int   `json:"sequence"`
}

// PriorityUpdate assigns a new priority to one queued job.
type PriorityUpdate struct {
	ID       int64 `json:"id"`
	Priority int   `json:"priority"`
}

// FlagQuery filters ListFlags. Nil id fields match everything.
type FlagQuery struct {
	RoundID     *int64
	ChallengeID *int64
	TeamID      *int64
	Sort        string
	Limit       int
}

// FlagSubmission is one manually captured flag. RoundID nil means the
// running round.
type FlagSubmission struct {
	RoundID     *int64 `json:"round_id,omitempty"`
	ChallengeID int64  `json:"challenge_id"`
	TeamID      int64  `json:"team_id"`
	FlagValue   string `json:"flag_value"`
	Status      string `json:"status,omitempty"`
}

// VersionInfo reports the server build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// WSConnection is the registry view of one websocket subscriber.
type WSConnection struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	Client      string    `json:"client,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	Events      []string  `json:"events,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Client wraps the mazuadm HTTP/JSON API for CLI usage.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:3000".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// do issues one API request and decodes the JSON response into out when out
// is non-nil. Non-2xx responses become *APIError.
func (c *Client) do(method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiError decodes the {"error": "..."} envelope, falling back to the raw
// body for non-JSON responses.
func apiError(status int, body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &APIError{StatusCode: status, Message: envelope.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func setID(q url.Values, name string, id *int64) {
	if id != nil {
		q.Set(name, strconv.FormatInt(*id, 10))
	}
}

func setListing(q url.Values, sort string, limit int) {
	if sort != "" {
		q.Set("sort", sort)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

// ListChallenges returns all challenges.
func (c *Client) ListChallenges() ([]types.Challenge, error) {
	var out []types.Challenge
	if err := c.do(http.MethodGet, "/api/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChallenge registers a new challenge.
func (c *Client) CreateChallenge(ch types.Challenge) (*types.Challenge, error) {
	var out types.Challenge
	if err := c.do(http.MethodPost, "/api/challenges", ch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateChallenge replaces the mutable fields of a challenge.
func (c *Client) UpdateChallenge(id int64, ch types.Challenge) (*types.Challenge, error) {
	var out types.Challenge
	if err := c.do(http.MethodPut, fmt.Sprintf("/api/challenges/%d", id), ch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChallenge removes a challenge and everything hanging off it.
func (c *Client) DeleteChallenge(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/challenges/%d", id), nil, nil)
}

// SetChallengeEnabled flips the enabled flag of a challenge.
func (c *Client) SetChallengeEnabled(id int64, enabled bool) (*types.Challenge, error) {
	var out types.Challenge
	path := fmt.Sprintf("/api/challenges/%d/enabled/%s", id, strconv.FormatBool(enabled))
	if err := c.do(http.MethodPut, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTeams returns all teams.
func (c *Client) ListTeams() ([]types.Team, error) {
	var out []types.Team
	if err := c.do(http.MethodGet, "/api/teams", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTeam registers a new team.
func (c *Client) CreateTeam(t types.Team) (*types.Team, error) {
	var out types.Team
	if err := c.do(http.MethodPost, "/api/teams", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTeam replaces the mutable fields of a team.
func (c *Client) UpdateTeam(id int64, t types.Team) (*types.Team, error) {
	var out types.Team
	if err := c.do(http.MethodPut, fmt.Sprintf("/api/teams/%d", id), t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTeam removes a team.
func (c *Client) DeleteTeam(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/teams/%d", id), nil, nil)
}

// ListExploits returns exploits, optionally narrowed to one challenge.
func (c *Client) ListExploits(challengeID *int64) ([]types.Exploit, error) {
	q := url.Values{}
	setID(q, "challenge_id", challengeID)
	var out []types.Exploit
	if err := c.do(http.MethodGet, withQuery("/api/exploits", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExploit registers a new exploit. With autoAdd the server also
// creates an enabled exploit-run for every team.
func (c *Client) CreateExploit(e types.Exploit, autoAdd bool) (*types.Exploit, error) {
	in := struct {
		types.Exploit
		AutoAdd bool `json:"auto_add,omitempty"`
	}{Exploit: e, AutoAdd: autoAdd}
	var out types.Exploit
	if err := c.do(http.MethodPost, "/api/exploits", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateExploit replaces the mutable fields of an exploit.
func (c *Client) UpdateExploit(id int64, e types.Exploit) (*types.Exploit, error) {
	var out types.Exploit
	if err := c.do(http.MethodPut, fmt.Sprintf("/api/exploits/%d", id), e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteExploit removes an exploit and its runs.
func (c *Client) DeleteExploit(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/exploits/%d", id), nil, nil)
}

// EnsureExploitContainers pre-warms the container pool for one exploit.
func (c *Client) EnsureExploitContainers(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/exploits/%d/containers", id), nil, nil)
}

// DestroyExploitContainers tears down all pool containers of one exploit.
func (c *Client) DestroyExploitContainers(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/exploits/%d/containers", id), nil, nil)
}

// ListExploitRuns returns exploit-runs, optionally narrowed by challenge
// and team.
func (c *Client) ListExploitRuns(challengeID, teamID *int64) ([]types.ExploitRun, error) {
	q := url.Values{}
	setID(q, "challenge_id", challengeID)
	setID(q, "team_id", teamID)
	var out []types.ExploitRun
	if err := c.do(http.MethodGet, withQuery("/api/exploit-runs", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExploitRun binds an exploit to one target team.
func (c *Client) CreateExploitRun(run types.ExploitRun) (*types.ExploitRun, error) {
	var out types.ExploitRun
	if err := c.do(http.MethodPost, "/api/exploit-runs", run, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateExploitRun replaces the mutable fields of an exploit-run.
func (c *Client) UpdateExploitRun(id int64, run types.ExploitRun) (*types.ExploitRun, error) {
	var out types.ExploitRun
	if err := c.do(http.MethodPut, fmt.Sprintf("/api/exploit-runs/%d", id), run, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteExploitRun removes one exploit-run.
func (c *Client) DeleteExploitRun(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/exploit-runs/%d", id), nil, nil)
}

// ReorderExploitRuns applies new sequences in one batch.
func (c *Client) ReorderExploitRuns(updates []SequenceUpdate) error {
	return c.do(http.MethodPost, "/api/exploit-runs/reorder", updates, nil)
}

// ListRounds returns rounds, newest first by default.
func (c *Client) ListRounds(sort string, limit int) ([]types.Round, error) {
	q := url.Values{}
	setListing(q, sort, limit)
	var out []types.Round
	if err := c.do(http.MethodGet, withQuery("/api/rounds", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRound generates a pending round with jobs for every enabled
// exploit-run.
func (c *Client) CreateRound() (*types.Round, error) {
	var out types.Round
	if err := c.do(http.MethodPost, "/api/rounds", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRound returns one round.
func (c *Client) GetRound(id int64) (*types.Round, error) {
	var out types.Round
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/rounds/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunRound asks the scheduler to start a pending round. The server accepts
// the request and runs the round in the background.
func (c *Client) RunRound(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/rounds/%d/run", id), nil, nil)
}

// RerunRound resets a finished round's jobs to pending and starts it again.
func (c *Client) RerunRound(id int64) error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/rounds/%d/rerun", id), nil, nil)
}

// RerunUnflagged requeues the jobs of a running round that never produced a
// flag. It returns the number of requeued jobs.
func (c *Client) RerunUnflagged(id int64) (int, error) {
	var out struct {
		RoundID int64 `json:"round_id"`
		Cloned  int   `json:"cloned"`
	}
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/rounds/%d/rerun-unflagged", id), nil, &out); err != nil {
		return 0, err
	}
	return out.Cloned, nil
}

// ListJobs returns jobs, optionally narrowed by round and status.
func (c *Client) ListJobs(roundID *int64, status, sort string, limit int) ([]types.Job, error) {
	q := url.Values{}
	setID(q, "round_id", roundID)
	if status != "" {
		q.Set("status", status)
	}
	setListing(q, sort, limit)
	var out []types.Job
	if err := c.do(http.MethodGet, withQuery("/api/jobs", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob returns one job.
func (c *Client) GetJob(id int64) (*types.Job, error) {
	var out types.Job
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/jobs/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnqueueJob inserts an ad-hoc job for one exploit-run into the running
// round.
func (c *Client) EnqueueJob(exploitRunID int64) (*types.Job, error) {
	in := struct {
		ExploitRunID int64 `json:"exploit_run_id"`
	}{ExploitRunID: exploitRunID}
	var out types.Job
	if err := c.do(http.MethodPost, "/api/jobs/enqueue", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReorderJobs applies new priorities in one batch.
func (c *Client) ReorderJobs(updates []PriorityUpdate) error {
	return c.do(http.MethodPost, "/api/jobs/reorder", updates, nil)
}

// RunJobNow bumps a pending job to the front of the queue.
func (c *Client) RunJobNow(id int64) (*types.Job, error) {
	var out types.Job
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/jobs/%d/enqueue", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopJob kills a running job. An empty reason becomes "manual stop".
func (c *Client) StopJob(id int64, reason string) (*types.Job, error) {
	in := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	var out types.Job
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/jobs/%d/stop", id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFlags returns captured flags matching the query.
func (c *Client) ListFlags(query FlagQuery) ([]types.Flag, error) {
	q := url.Values{}
	setID(q, "round_id", query.RoundID)
	setID(q, "challenge_id", query.ChallengeID)
	setID(q, "team_id", query.TeamID)
	setListing(q, query.Sort, query.Limit)
	var out []types.Flag
	if err := c.do(http.MethodGet, withQuery("/api/flags", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitFlag records one manually captured flag.
func (c *Client) SubmitFlag(sub FlagSubmission) (*types.Flag, error) {
	var out types.Flag
	if err := c.do(http.MethodPost, "/api/flags", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFlags records a batch of manually captured flags. The server stops
// at the first invalid entry, keeping the ones already recorded.
func (c *Client) SubmitFlags(subs []FlagSubmission) ([]types.Flag, error) {
	var out []types.Flag
	if err := c.do(http.MethodPost, "/api/flags", subs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSettings returns all settings.
func (c *Client) ListSettings() ([]types.Setting, error) {
	var out []types.Setting
	if err := c.do(http.MethodGet, "/api/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSetting upserts one setting.
func (c *Client) SetSetting(key, value string) (*types.Setting, error) {
	var out types.Setting
	if err := c.do(http.MethodPost, "/api/settings", types.Setting{Key: key, Value: value}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListContainers returns the container pool state.
func (c *Client) ListContainers() ([]types.Container, error) {
	var out []types.Container
	if err := c.do(http.MethodGet, "/api/containers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DestroyContainer removes one pool container. Unknown ids are fine.
func (c *Client) DestroyContainer(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/containers/%d", id), nil, nil)
}

// RestartContainer restarts one pool container. A nil timeout uses the
// engine default; force kills instead of a graceful stop.
func (c *Client) RestartContainer(id int64, timeout *int, force bool) (*types.Container, error) {
	in := struct {
		Timeout *int `json:"timeout,omitempty"`
		Force   bool `json:"force,omitempty"`
	}{Timeout: timeout, Force: force}
	var out types.Container
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/containers/%d/restart", id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestartAllContainers restarts every running pool container and returns
// how many were restarted.
func (c *Client) RestartAllContainers() (int, error) {
	var out struct {
		Restarted int `json:"restarted"`
	}
	if err := c.do(http.MethodPost, "/api/containers/restart-all", nil, &out); err != nil {
		return 0, err
	}
	return out.Restarted, nil
}

// RemoveAllContainers destroys every pool container and returns how many
// were removed.
func (c *Client) RemoveAllContainers() (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(http.MethodPost, "/api/containers/remove-all", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// ListRelations returns per-team connection info for one challenge.
func (c *Client) ListRelations(challengeID int64) ([]types.Relation, error) {
	var out []types.Relation
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/relations/%d", challengeID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRelation returns the connection info for one challenge/team pair.
func (c *Client) GetRelation(challengeID, teamID int64) (*types.Relation, error) {
	var out types.Relation
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/relations/%d/%d", challengeID, teamID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRelation overrides the connection info for one challenge/team pair.
func (c *Client) UpdateRelation(rel types.Relation) (*types.Relation, error) {
	var out types.Relation
	path := fmt.Sprintf("/api/relations/%d/%d", rel.ChallengeID, rel.TeamID)
	if err := c.do(http.MethodPut, path, rel, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWSConnections returns the live websocket subscriber registry.
func (c *Client) ListWSConnections() ([]WSConnection, error) {
	var out []WSConnection
	if err := c.do(http.MethodGet, "/api/ws-connections", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Version returns the server build info.
func (c *Client) Version() (*VersionInfo, error) {
	var out VersionInfo
	if err := c.do(http.MethodGet, "/api/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server and its store. A degraded store surfaces as an
// *APIError with status 503.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/healthz", nil, nil)
}

// StreamEvents opens the websocket feed and invokes fn for every event
// pushed by the server. Filters are category tokens such as "job" or
// "flag"; an empty list subscribes to everything. The call blocks until
// ctx is cancelled or the connection drops.
func (c *Client) StreamEvents(ctx context.Context, user, clientName string, categories []string, fn func(events.Event)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := url.Values{}
	q.Set("user", user)
	if clientName != "" {
		q.Set("client", clientName)
	}
	if len(categories) > 0 {
		q.Set("events", strings.Join(categories, ","))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			return apiError(resp.StatusCode, data)
		}
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}
		fn(ev)
	}
}
