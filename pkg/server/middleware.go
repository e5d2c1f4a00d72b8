package server

import (
	"net"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mazubot/mazuadm/pkg/metrics"
)

const clientIPKey = "mazuadm_client_ip"

// clientIP resolves the requester's address per the ip_headers setting and
// stashes it on the request context for handlers and the access log.
func (s *Server) clientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		headers := s.settings.IPHeaders(c.Request.Context())
		c.Set(clientIPKey, deriveClientIP(c.GetHeader, headers, c.Request.RemoteAddr))
		c.Next()
	}
}

// deriveClientIP walks the configured header names in order and takes the
// first comma-separated token of the first header that yields one, falling
// back to the socket peer address.
func deriveClientIP(get func(string) string, headers []string, remoteAddr string) string {
	for _, h := range headers {
		v := get(h)
		if v == "" {
			continue
		}
		if token := strings.TrimSpace(strings.Split(v, ",")[0]); token != "" {
			return token
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// requestIP returns the address the clientIP middleware derived.
func requestIP(c *gin.Context) string {
	ip, _ := c.Get(clientIPKey)
	addr, _ := ip.(string)
	return addr
}

// observe records request metrics and the debug access log. Websocket
// upgrades are excluded: their duration is the connection lifetime, not a
// request latency.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/ws" || c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		timer := metrics.NewTimer()
		c.Next()

		status := c.Writer.Status()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Str("client_ip", requestIP(c)).
			Msg("api request")
	}
}
