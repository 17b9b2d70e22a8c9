package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/astigmatism/benchd/internal/config"
	"github.com/astigmatism/benchd/internal/control"
	"github.com/astigmatism/benchd/internal/orchestrator"
	"github.com/astigmatism/benchd/internal/statefabric"
	"github.com/astigmatism/benchd/internal/statelog"
	"github.com/astigmatism/benchd/internal/tracing"
	"github.com/astigmatism/benchd/version"
)

// DaemonCmd starts, stops, restarts, or queries the benchd daemon, the way
// the teacher's own daemon subcommand drives its Mux server.
type DaemonCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	switch c.Action {
	case "start":
		return c.start(ctx, cctx)
	case "stop":
		return c.stop(ctx, cctx)
	case "restart":
		return c.restart(ctx, cctx)
	default:
		return c.status(ctx, cctx)
	}
}

func (c *DaemonCmd) status(ctx context.Context, cctx *Context) error {
	if err := cctx.Client().Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

func (c *DaemonCmd) stop(ctx context.Context, cctx *Context) error {
	if err := cctx.Client().Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := cctx.Client().Shutdown(ctx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	fmt.Println("daemon stopped")
	return nil
}

func (c *DaemonCmd) restart(ctx context.Context, cctx *Context) error {
	if err := cctx.Client().Ping(ctx); err == nil {
		if err := cctx.Client().Shutdown(ctx); err != nil {
			return fmt.Errorf("stop daemon: %w", err)
		}
		fmt.Println("daemon stopped")
	}

	cmd := exec.CommandContext(ctx, os.Args[0], "daemon", "start", "--log-file", cctx.LogFile, "--app-base-dir", cctx.AppBaseDir)
	cmd.Stdout, cmd.Stderr, cmd.Stdin = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	socketPath := control.SocketPath(cctx.AppBaseDir)
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			fmt.Println("daemon restarted")
			return nil
		}
	}
	return fmt.Errorf("daemon failed to restart")
}

// start runs the orchestrator and control server in this process, blocking
// until shutdown — the real daemon body, invoked either directly by an
// operator or as the detached child EnsureDaemon/restart spawns.
func (c *DaemonCmd) start(ctx context.Context, cctx *Context) error {
	if conn, err := net.DialTimeout("unix", control.SocketPath(cctx.AppBaseDir), 300*time.Millisecond); err == nil {
		conn.Close()
		fmt.Println("daemon is already running")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logPath := cctx.AppBaseDir + "/connectivity.db"
	connLog, err := statelog.Open(statelog.Config{Path: logPath})
	if err != nil {
		return fmt.Errorf("open connectivity log: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.ServiceInfo{Name: "benchd", Version: version.Get().GitCommit}, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		AppBaseDir:  cctx.AppBaseDir,
		Fabric:      statefabric.New(),
		Log:         connLog,
		TracingStop: shutdownTracing,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	orch.Start(ctx)
	defer orch.Stop()

	server := control.NewServer(cctx.AppBaseDir, orch)
	fmt.Println("daemon starting")
	return server.Serve(ctx)
}
