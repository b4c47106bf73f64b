package daemon

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakmoss/driftpeer/internal/core"
	"github.com/oakmoss/driftpeer/internal/identity"
	"github.com/oakmoss/driftpeer/internal/monorepo"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	cookiePath := filepath.Join(dir, ".test-cookie")

	p := core.NewPeer(core.PeerConfig{})
	reg, err := identity.NewRegistry(nil)
	require.NoError(t, err)

	srv := NewServer(Config{
		Peer:       p,
		Browser:    &monorepo.Browser{Root: dir},
		Identity:   reg,
		Tracker:    NewProjectTracker(dir, nil),
		SocketPath: socketPath,
		CookiePath: cookiePath,
		Version:    "test-0.1.0",
	})
	return srv, dir
}

func TestGenerateCookie(t *testing.T) {
	token, err := generateCookie()
	require.NoError(t, err)
	require.Len(t, token, 64) // 32 bytes = 64 hex chars

	token2, err := generateCookie()
	require.NoError(t, err)
	require.NotEqual(t, token, token2)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "test-secret-token"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := srv.authMiddleware(inner)

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	req.Header.Set("Authorization", "Bearer test-secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "test-secret-token"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	})
	handler := srv.authMiddleware(inner)

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "test-secret-token"

	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerStartWritesCookieAfterSocket(t *testing.T) {
	srv, dir := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	_, err := os.Stat(srv.SocketPath())
	require.NoError(t, err)

	cookiePath := filepath.Join(dir, ".test-cookie")
	info, err := os.Stat(cookiePath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServerStartRejectsWhenAlreadyRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	dir := t.TempDir()
	second := NewServer(Config{
		Peer:       core.NewPeer(core.PeerConfig{}),
		SocketPath: srv.SocketPath(),
		CookiePath: filepath.Join(dir, ".second-cookie"),
	})
	err := second.Start()
	require.ErrorIs(t, err, ErrDaemonAlreadyRunning)
}

func TestServerStartRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "stale.sock")

	// A listener that's closed leaves a socket file with nothing answering
	// on it; checkStaleSocket should remove it rather than refuse to start.
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	srv := NewServer(Config{
		Peer:       core.NewPeer(core.PeerConfig{}),
		SocketPath: socketPath,
		CookiePath: filepath.Join(dir, ".cookie"),
	})
	require.NoError(t, srv.Start())
	srv.Stop()
}
