package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
	"github.com/oakmoss/driftpeer/internal/overlay"
)

// Server is the HTTP/JSON facade's Unix socket server: umask-secured
// socket bind, cookie written only after the socket exists, bearer-token
// auth middleware. The route table and handlers serve project, request,
// and source browsing operations.
type Server struct {
	peer       *core.Peer
	control    core.ControlHandle
	browser    *monorepo.Browser
	identity   *identity.Registry
	tracker    *ProjectTracker
	selfPeerID peer.ID

	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	version    string

	metrics *overlay.Metrics
	audit   *overlay.AuditLogger

	logger *slog.Logger
}

// Config assembles the components a Server binds its route table to.
type Config struct {
	Peer       *core.Peer
	Browser    *monorepo.Browser
	Identity   *identity.Registry
	Tracker    *ProjectTracker
	SelfPeerID peer.ID

	SocketPath string
	CookiePath string
	Version    string

	Metrics *overlay.Metrics
	Audit   *overlay.AuditLogger
	Logger  *slog.Logger
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		peer:       cfg.Peer,
		control:    cfg.Peer.Handle(),
		browser:    cfg.Browser,
		identity:   cfg.Identity,
		tracker:    cfg.Tracker,
		selfPeerID: cfg.SelfPeerID,
		socketPath: cfg.SocketPath,
		cookiePath: cfg.CookiePath,
		version:    cfg.Version,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		logger:     logger,
	}
}

// Start creates the Unix socket, writes the cookie file, and starts
// serving. It returns immediately; the server runs in a background
// goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("daemon: generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// Setting umask(0077) around Listen() makes the socket come into
	// existence at 0600 atomically, closing the TOCTOU window a separate
	// Chmod() call would leave open.
	oldUmask := syscall.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("daemon: listen on socket: %w", err)
	}

	// The cookie is written only after the socket is secured, so a client
	// can never read it before the socket is ready to authenticate against.
	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("daemon: write cookie file: %w", err)
	}
	s.logger.Info("daemon cookie written", "path", s.cookiePath)

	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      InstrumentHandler(s.authMiddleware(mux), s.metrics, s.audit),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled: the notifications SSE route streams indefinitely
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("daemon server error", "error", err)
		}
	}()

	s.logger.Info("daemon API listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server and cleans up the socket and
// cookie files.
func (s *Server) Stop() {
	s.logger.Info("daemon server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)

	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
	s.logger.Info("daemon server stopped")
}

// checkStaleSocket removes a socket file left behind by a daemon that is
// no longer running, and refuses to start if one still answers.
func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		s.logger.Info("removing stale daemon socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}

	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrDaemonAlreadyRunning, s.socketPath)
}

func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// authMiddleware checks the Authorization: Bearer <token> header on every
// request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := "Bearer " + s.authToken
		if r.Header.Get("Authorization") != expected {
			respondErrorKind(w, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string { return s.socketPath }

// Listener returns the underlying net.Listener (for health checks).
func (s *Server) Listener() net.Listener { return s.listener }
