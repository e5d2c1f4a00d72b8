package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/metrics"
	"github.com/mazubot/mazuadm/pkg/settings"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsUserRE = regexp.MustCompile(`^[A-Za-z0-9]{3,16}$`)

// WSConnection is the registry view of one websocket subscriber.
type WSConnection struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	Client      string    `json:"client,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	Events      []string  `json:"events,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// wsClient pairs the registry entry with its bus subscription. The info is
// immutable after registration; live filters are read from the
// subscription.
type wsClient struct {
	info WSConnection
	sub  *events.Subscription
}

// wsControl is the inbound message adjusting a live subscription.
type wsControl struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// handleWS upgrades the request and streams bus events until either side
// disconnects.
func (s *Server) handleWS(c *gin.Context) {
	user := c.Query("user")
	if !wsUserRE.MatchString(user) {
		badRequest(c, "user must be 3-16 alphanumeric characters")
		return
	}
	clientName := c.Query("client")
	tokens := settings.SplitCSV(c.Query("events"))

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(tokens...)
	defer s.bus.Unsubscribe(sub)

	cl := &wsClient{
		info: WSConnection{
			ID:          uuid.New().String(),
			User:        user,
			Client:      clientName,
			RemoteIP:    requestIP(c),
			Events:      sortedFilters(sub),
			ConnectedAt: time.Now().UTC(),
		},
		sub: sub,
	}
	s.registerWS(cl)
	defer s.unregisterWS(cl.info.ID)

	s.logger.Info().Str("ws_id", cl.info.ID).Str("user", user).
		Str("client", clientName).Str("remote_ip", cl.info.RemoteIP).
		Msg("websocket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsReadLoop(conn, cl, cancel)
	s.wsWriteLoop(ctx, conn, sub)

	s.logger.Info().Str("ws_id", cl.info.ID).Str("user", user).Msg("websocket disconnected")
}

// wsReadLoop consumes subscribe/unsubscribe messages and broadcasts the
// updated registry entry. Any read error ends the connection.
func (s *Server) wsReadLoop(conn *websocket.Conn, cl *wsClient, cancel context.CancelFunc) {
	defer cancel()
	for {
		var msg wsControl
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			cl.sub.Subscribe(msg.Events...)
		case "unsubscribe":
			cl.sub.Unsubscribe(msg.Events...)
		default:
			continue
		}
		info := cl.info
		info.Events = sortedFilters(cl.sub)
		s.bus.Publish(events.EventWSSubscriptionUpdated, info)
	}
}

// wsWriteLoop pushes matching events to the peer. A lag is reported in
// stream as a synthetic event; delivery then resumes from current.
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, sub *events.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		var lagged *events.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			ev = &events.Event{Type: events.EventLagged, Data: gin.H{"dropped": lagged.Dropped}}
		default:
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) registerWS(cl *wsClient) {
	s.wsMu.Lock()
	s.wsConns[cl.info.ID] = cl
	n := len(s.wsConns)
	s.wsMu.Unlock()

	metrics.WSConnections.Set(float64(n))
	s.bus.Publish(events.EventWSConnections, s.wsSnapshot())
}

func (s *Server) unregisterWS(id string) {
	s.wsMu.Lock()
	delete(s.wsConns, id)
	n := len(s.wsConns)
	s.wsMu.Unlock()

	metrics.WSConnections.Set(float64(n))
	s.bus.Publish(events.EventWSConnections, s.wsSnapshot())
}

// wsSnapshot lists registered connections with their live filters, oldest
// first.
func (s *Server) wsSnapshot() []WSConnection {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	out := make([]WSConnection, 0, len(s.wsConns))
	for _, cl := range s.wsConns {
		info := cl.info
		info.Events = sortedFilters(cl.sub)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Server) listWSConnections(c *gin.Context) {
	c.JSON(http.StatusOK, s.wsSnapshot())
}

func sortedFilters(sub *events.Subscription) []string {
	filters := sub.Filters()
	sort.Strings(filters)
	return filters
}
