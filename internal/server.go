package internal

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultWSPath          = "/socket"
	defaultAuthTimeout     = 10 * time.Second
	defaultHandshakeLimit  = 30
	defaultHandshakeWindow = time.Minute
)

// Options tunes the websocket and HTTP surface of a Server.
type Options struct {
	WSPath          string
	AuthTimeout     time.Duration
	SendBuffer      int
	EventBurst      int
	EventWindow     time.Duration
	HandshakeLimit  int
	HandshakeWindow time.Duration
	InternalKey     string
	AllowedOrigins  []string
}

func (o Options) withDefaults() Options {
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if !strings.HasPrefix(o.WSPath, "/") {
		o.WSPath = "/" + o.WSPath
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.EventBurst == 0 {
		o.EventBurst = defaultEventBurst
	}
	if o.EventWindow <= 0 {
		o.EventWindow = defaultEventWindow
	}
	if o.HandshakeLimit <= 0 {
		o.HandshakeLimit = defaultHandshakeLimit
	}
	if o.HandshakeWindow <= 0 {
		o.HandshakeWindow = defaultHandshakeWindow
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	return o
}

// Server exposes the hub over websockets and a small HTTP API.
type Server struct {
	hub              *Hub
	router           *Router
	auth             Authenticator
	metrics          *Metrics
	handshakeLimiter *RateLimiter
	upgrader         websocket.Upgrader
	opts             Options
	logger           zerolog.Logger
}

// NewServer wires a Server around a hub that the caller runs.
func NewServer(hub *Hub, auth Authenticator, directory UserDirectory, metrics *Metrics, opts Options, logger zerolog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	opts = opts.withDefaults()
	server := &Server{
		hub:              hub,
		router:           NewRouter(hub, directory, metrics, logger),
		auth:             auth,
		metrics:          metrics,
		handshakeLimiter: NewRateLimiter(opts.HandshakeLimit, opts.HandshakeWindow),
		opts:             opts,
		logger:           logger.With().Str("component", "server").Logger(),
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}
	return server
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) WSPath() string {
	return s.opts.WSPath
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
