// Package control implements the daemon control plane (spec component
// C12): a Unix-domain-socket HTTP/JSON server guarded by a flock'd lock
// file, plus the CLI-side client that talks to it and can auto-start it.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/astigmatism/benchd/internal/imager"
	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/statefabric"
)

const (
	defaultSocketFile = "benchd.sock"
	defaultLockFile   = "benchd.lock"
)

// Backend is every operation the control server routes HTTP requests to.
// It is implemented by the orchestrator's composition root in production
// and by a fake in tests, the same decoupling policygate.Target uses to
// keep this package free of a hard dependency on any one wiring.
type Backend interface {
	Devices(ctx context.Context) (any, error)
	PressKey(ctx context.Context, deviceID string, ev keyboard.KeyEvent) (*opqueue.Handle, error)
	SetHostPower(ctx context.Context, on bool) error
	CancelOps(ctx context.Context, deviceID, reason string) int

	ImageList(ctx context.Context, deviceID, rel string) (imager.Snapshot, error)
	ImageMkdir(ctx context.Context, deviceID, rel string) error
	ImageRename(ctx context.Context, deviceID, fromRel, toRel string) error
	ImageMove(ctx context.Context, deviceID, nameRel, destDirRel string) error
	ImageDelete(ctx context.Context, deviceID, rel string) error
	ImageRead(ctx context.Context, deviceID, devicePath, destDir, destName string) (*opqueue.Handle, error)
	ImageWrite(ctx context.Context, deviceID, cwd, imageName, devicePath string) (*opqueue.Handle, error)

	StateSnapshot(ctx context.Context) (statefabric.Snapshot, error)
	SubscribeState(cb statefabric.Subscriber, emitInitial bool)
}

// Server serves the control plane over a Unix domain socket.
type Server struct {
	AppBaseDir string
	SocketPath string

	backend Backend

	listener net.Listener
	lockFile *os.File
	shutdown chan any
}

// SocketPath returns the Unix socket path a daemon rooted at appBaseDir
// listens on, for callers (the CLI's daemon start/restart probing) that
// need to dial it without constructing a full Server or Client.
func SocketPath(appBaseDir string) string {
	return filepath.Join(appBaseDir, defaultSocketFile)
}

// NewServer constructs a Server bound to appBaseDir's socket path. backend
// may be nil for a Server that only ever constructs a Client (mirroring
// NewMuxServer's nil-boxer client-only use).
func NewServer(appBaseDir string, backend Backend) *Server {
	return &Server{
		AppBaseDir: appBaseDir,
		SocketPath: filepath.Join(appBaseDir, defaultSocketFile),
		backend:    backend,
	}
}

// Serve acquires the daemon lock, listens on the Unix socket, and blocks
// until Shutdown is called or the process receives SIGINT/SIGTERM.
func (s *Server) Serve(ctx context.Context) error {
	lockFilePath := filepath.Join(s.AppBaseDir, defaultLockFile)
	slog.InfoContext(ctx, "control.Serve", "pid", os.Getpid(), "lockFilePath", lockFilePath, "socketPath", s.SocketPath)

	lockFile, err := acquireLock(lockFilePath)
	if err != nil {
		return err
	}
	s.lockFile = lockFile

	os.Remove(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	s.listener = listener
	s.shutdown = make(chan any)

	go s.waitForSignal(ctx)
	go s.serveHTTP(ctx)

	<-s.shutdown
	return nil
}

func (s *Server) waitForSignal(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sigChan:
		s.Shutdown(ctx)
	case <-s.shutdown:
	}
}

// Shutdown closes the listener, removes the socket and lock files, and
// unblocks Serve.
func (s *Server) Shutdown(ctx context.Context) {
	lockFilePath := filepath.Join(s.AppBaseDir, defaultLockFile)
	slog.InfoContext(ctx, "control.Shutdown", "pid", os.Getpid())

	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)

	if s.lockFile != nil {
		syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		s.lockFile.Close()
		if err := os.Remove(lockFilePath); err != nil {
			slog.ErrorContext(ctx, "control.Shutdown removing lockfile", "error", err)
		}
	}

	close(s.shutdown)
}

func (s *Server) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	server := &http.Server{Handler: mux}
	server.Serve(s.listener)
}

func acquireLock(lockFile string) (*os.File, error) {
	file, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("control: daemon already running: %w", err)
	}
	file.Truncate(0)
	fmt.Fprintf(file, "%d", os.Getpid())
	return file, nil
}

// newHTTPClientOver dials a Unix socket for every request, matching how
// an HTTP client over AF_UNIX has no meaningful host/port of its own.
func newHTTPClientOver(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}
