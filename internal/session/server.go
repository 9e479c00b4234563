package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/auth"
	"github.com/statecast/statecast/internal/config"
	"github.com/statecast/statecast/internal/limits"
	"github.com/statecast/statecast/internal/logging"
	"github.com/statecast/statecast/internal/message"
	"github.com/statecast/statecast/internal/metrics"
	"github.com/statecast/statecast/internal/resource"
	"github.com/statecast/statecast/internal/wire"
	"github.com/statecast/statecast/internal/worker"
)

// tokenCookie is the session-cookie carrying a signed login token.
const tokenCookie = "sessionToken"

// Deps are the shared components every connection is served with.
type Deps struct {
	Manager     *resource.Manager
	Authorizer  *auth.Authorizer
	Credentials auth.CredentialStore
	Tokens      auth.TokenVerifier // nil disables cookie logins
	Workers     *worker.Pool
	Guard       *limits.Guard
}

// Server accepts WebSocket connections on /sync and runs one session per
// connection. An optional second listener on localhost serves the same
// endpoints with local-mode semantics.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	semaphore chan struct{}

	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
	closed   bool

	public *http.Server
	local  *http.Server
	wg     sync.WaitGroup
}

// NewServer builds the server shell. Start begins listening.
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logging.Component(logger, "server"),
		semaphore: make(chan struct{}, cfg.MaxConnections),
		sessions:  make(map[int64]*Session),
	}
}

// Start opens the listeners and returns once both accept loops run.
func (s *Server) Start() error {
	ln, err := s.listen(fmt.Sprintf(":%d", s.cfg.Port), s.cfg.Protocol == "wss")
	if err != nil {
		return err
	}
	s.public = s.newHTTPServer(false)
	s.serve(s.public, ln)
	s.logger.Info().
		Str("protocol", s.cfg.Protocol).
		Int("port", s.cfg.Port).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Listening")

	if s.cfg.ExtraLocalPort > 0 {
		localLn, err := s.listen(fmt.Sprintf("127.0.0.1:%d", s.cfg.ExtraLocalPort), false)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.local = s.newHTTPServer(true)
		s.serve(s.local, localLn)
		s.logger.Info().Int("port", s.cfg.ExtraLocalPort).Msg("Local listener up")
	}
	return nil
}

func (s *Server) listen(addr string, useTLS bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: listen on %s: %w", addr, err)
	}
	if !useTLS {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertificatePath, s.cfg.PrivateKeyPath)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("session: load TLS keypair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func (s *Server) newHTTPServer(localListener bool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync(localListener))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()
}

// handleSync admits, authenticates, and upgrades one connection.
func (s *Server) handleSync(localListener bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		if accept, reason := s.deps.Guard.ShouldAccept(); !accept {
			s.logger.Debug().Str("reason", reason).Msg("Connection rejected by resource guard")
			metrics.ConnectionsFailed.Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}

		select {
		case s.semaphore <- struct{}{}:
		case <-time.After(5 * time.Second):
			metrics.ConnectionsFailed.Inc()
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
		release := func() { <-s.semaphore }

		localMode := localListener || s.cfg.LocalMode
		username, err := s.authenticateUpgrade(r, localMode)
		if err != nil {
			release()
			metrics.LoginFailures.Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="statecast"`)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		wsConn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			release()
			metrics.ConnectionsFailed.Inc()
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()
			s.runConnection(wsConn, username, localMode)
		}()
	}
}

// authenticateUpgrade resolves the connection identity before the upgrade.
// Absent credentials mean an anonymous session; presented credentials must
// verify.
func (s *Server) authenticateUpgrade(r *http.Request, localMode bool) (string, error) {
	if localMode {
		return "", nil
	}
	if header := r.Header.Get("Authorization"); header != "" {
		username, password, err := auth.ParseAuthorizationHeader(header)
		if err != nil {
			return "", err
		}
		if err := s.deps.Credentials.Verify(r.Context(), username, password); err != nil {
			return "", err
		}
		return username, nil
	}
	if s.deps.Tokens != nil {
		if cookie, err := r.Cookie(tokenCookie); err == nil {
			return s.deps.Tokens.VerifyToken(cookie.Value)
		}
	}
	return "", nil
}

// runConnection pumps one upgraded connection until it drops.
func (s *Server) runConnection(wsConn net.Conn, username string, localMode bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = wsConn.Close()
		return
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	logger := s.logger.With().Int64("conn_id", id).Logger()
	transport := wire.NewConn(wsConn, id, wire.Options{
		MaxSegmentSize: s.cfg.MaxSegmentSize,
		SendQueueSize:  s.cfg.SendQueueSize,
		Logger:         logger,
	})
	msgConn := message.NewConn(transport, message.Options{
		PoolSize:     s.cfg.PoolSize,
		PoolDelay:    s.cfg.PoolDelay,
		ReplyTimeout: s.cfg.ReplyTimeout,
		Logger:       logger,
	})
	limiter := limits.NewMessageLimiter(s.cfg.MessageRatePerSec, s.cfg.MessageRateBurst)

	sess := New(id, msgConn, Options{
		Manager:          s.deps.Manager,
		Authorizer:       s.deps.Authorizer,
		Credentials:      s.deps.Credentials,
		Workers:          s.deps.Workers,
		LocalMode:        localMode,
		PublicDataAccess: s.cfg.PublicDataAccess,
		Logger:           logger,
	}, func() { transport.Close(metrics.DisconnectReasonShutdown, nil) })
	if username != "" {
		sess.SetUser(username)
	}

	transport.OnMessage = func(m wire.Message) {
		if !limiter.Allow() {
			logger.Warn().Msg("Message rate exceeded")
			sess.Terminate("message rate exceeded")
			return
		}
		if err := msgConn.HandleRaw(m.Payload); err != nil {
			logger.Warn().Err(err).Msg("Rejecting inbound message")
			sess.Terminate("protocol error")
		}
	}
	transport.OnProtocolError = func(err error) {
		logger.Warn().Err(err).Msg("Protocol error")
		sess.Terminate("protocol error")
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	logger.Info().Str("username", username).Bool("local", localMode).Msg("Connection open")

	transport.Start()
	transport.Wait()

	sess.Close()
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.sessions)
	closed := s.closed
	s.mu.Unlock()

	status := "healthy"
	code := http.StatusOK
	if closed {
		status = "shutting down"
		code = http.StatusServiceUnavailable
	}
	health := map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now().Unix(),
		"connections": count,
		"system": map[string]interface{}{
			"goroutines":  runtime.NumGoroutine(),
			"cpu_percent": s.deps.Guard.CPUPercent(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}

// TerminateAll sends a termination notice to every open session.
func (s *Server) TerminateAll(reason string) {
	for _, sess := range s.snapshot() {
		sess.Terminate(reason)
	}
}

// ReloadAll asks every client to reload itself.
func (s *Server) ReloadAll(reason string) {
	for _, sess := range s.snapshot() {
		sess.ReloadApplication(reason)
	}
}

func (s *Server) snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Shutdown stops the listeners, terminates every session, and waits for
// the connection goroutines to drain or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.logger.Info().Msg("Shutting down")

	if s.public != nil {
		_ = s.public.Shutdown(ctx)
	}
	if s.local != nil {
		_ = s.local.Shutdown(ctx)
	}
	s.TerminateAll("server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
