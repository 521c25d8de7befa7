// Package server accepts printer client connections over WebSocket and runs
// one delivery session per connection.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/auth"
	"github.com/adcondev/printomat/internal/dispatch"
)

const (
	DefaultAckTimeout   = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReadLimit fits acknowledgments with long error messages.
	DefaultReadLimit = 1 << 20
)

// Config holds server configuration.
type Config struct {
	// AllowedOrigins are origin patterns accepted for browser clients.
	// Empty enforces same-origin; clients that send no Origin are accepted.
	AllowedOrigins []string
	AckTimeout     time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	// ClientIP extracts the address used for auth lockout. Defaults to the
	// address set by WithClientIP, else the host part of RemoteAddr.
	ClientIP func(*http.Request) string
}

// Server manages printer connections.
type Server struct {
	cfg          Config
	dispatcher   *dispatch.Dispatcher
	auth         *auth.Authenticator
	sessions     *SessionRegistry
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	log          *zap.Logger

	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

// NewServer creates a printer endpoint feeding sessions from d.
func NewServer(cfg Config, d *dispatch.Dispatcher, a *auth.Authenticator, logger *zap.Logger) *Server {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.ClientIP == nil {
		cfg.ClientIP = remoteIP
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		cfg:          cfg,
		dispatcher:   d,
		auth:         a,
		sessions:     NewSessionRegistry(),
		shutdownChan: make(chan struct{}),
		log:          logger,
	}
}

// SessionCount returns the number of open printer connections.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// HandleWebSocket authenticates a printer client and serves it until the
// connection ends. Rejected clients get an HTTP error before any upgrade.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	ip := s.cfg.ClientIP(r)
	if err := s.auth.Authenticate(ip, auth.TokenFromRequest(r)); err != nil {
		if errors.Is(err, auth.ErrLockedOut) {
			s.log.Warn("[WS] printer connection refused, ip locked out", zap.String("ip", ip))
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}
		s.log.Warn("[WS] printer authentication failed", zap.String("ip", ip))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("[WS] error accepting printer client", zap.String("ip", ip), zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	id := uuid.New().String()
	if err := s.dispatcher.Register(id); err != nil {
		s.log.Error("[WS] failed to register session", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	s.sessions.Add(id, conn)
	s.log.Info("[WS] printer connected",
		zap.String("session_id", id), zap.String("ip", ip), zap.Int("total", s.sessions.Count()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	cause := newDeliverySession(id, conn, s.dispatcher, s.cfg, s.log).run(ctx)

	s.dispatcher.Disconnect(id, cause)
	s.sessions.Remove(id)
	_ = conn.Close(websocket.StatusNormalClosure, "disconnected")
	s.log.Info("[WS] printer disconnected",
		zap.String("session_id", id), zap.NamedError("cause", cause), zap.Int("remaining", s.sessions.Count()))
}

// enter registers a running handler unless shutdown has begun.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

// Shutdown refuses new connections, closes the open ones and waits for
// their handlers. Jobs still awaiting an acknowledgment are back in the
// queue when it returns.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		close(s.shutdownChan)
		s.mu.Unlock()

		s.log.Info("[WS] shutting down, disconnecting printers", zap.Int("count", s.sessions.Count()))
		s.sessions.ForEach(func(_ string, conn *websocket.Conn) {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		})
	})
	s.handlers.Wait()
}

type clientIPKey struct{}

// WithClientIP attaches the client address resolved by an outer router,
// which then takes precedence over RemoteAddr.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func remoteIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
