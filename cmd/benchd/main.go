// Command benchd is both the lab-bench device orchestrator daemon and its
// operator CLI: subcommands either talk to an already-running daemon over
// its Unix control socket, or (daemon start) run the orchestrator itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/astigmatism/benchd/internal/control"
)

// Context is kong's per-command dependency bag: the appBaseDir and a lazily
// dialed control-plane client for the subcommands that talk to the daemon.
type Context struct {
	AppBaseDir string
	LogFile    string
	LogLevel   string
	client     *control.Client
}

// Client returns (dialing lazily) the control-plane client for the running
// daemon.
func (c *Context) Client() *control.Client {
	if c.client == nil {
		c.client = control.NewClient(c.AppBaseDir)
	}
	return c.client
}

// CLI is the full benchd command tree (spec.md §6.7).
type CLI struct {
	AppBaseDir string `placeholder:"<dir>" help:"override the app base directory (default: platform-specific)"`
	LogFile    string `default:"" placeholder:"<log-file-path>" help:"location of log file (default: <app-base-dir>/benchd.log)"`
	LogLevel   string `default:"info" enum:"debug,info,warn,error" help:"logging level"`

	Daemon  DaemonCmd  `cmd:"" help:"start, stop, restart, or query the benchd daemon"`
	Devices DevicesCmd `cmd:"" help:"list known devices and their status"`
	Keys    KeysCmd    `cmd:"" help:"send a key action to the keyboard device"`
	Power   PowerCmd   `cmd:"" help:"turn the keyboard peripheral's power relay on or off"`
	Ops     OpsCmd     `cmd:"" help:"operation-queue management"`
	Image   ImageCmd   `cmd:"" help:"CF-card filesystem and imaging operations"`
	Attach  AttachCmd  `cmd:"" help:"interactive raw session relaying bytes to/from a device's serial port"`
	Layout  LayoutCmd  `cmd:"" help:"layout profile store (local file, no daemon required)"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

const description = `Lab-bench USB device orchestrator: discovers, supervises, and mediates
commands to a keyboard emulator, CF-card reader, and front-panel power
sensor over serial, and fans out authoritative state to remote observers.`

func main() {
	var cli CLI

	appBaseDir, err := appHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to determine app base directory: %v\n", err)
		os.Exit(1)
	}

	yamlConfig := filepath.Join(appBaseDir, "benchd.yaml")
	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, yamlConfig),
		kong.Description(description),
		kong.UsageOnError())
	if err != nil {
		fmt.Fprintf(os.Stderr, "build CLI parser: %v\n", err)
		os.Exit(1)
	}
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if cli.AppBaseDir != "" {
		appBaseDir = cli.AppBaseDir
	}
	if cli.LogFile == "" {
		cli.LogFile = filepath.Join(appBaseDir, "benchd.log")
	}
	if strings.HasPrefix(kctx.Command(), "daemon") {
		cli.LogFile = strings.TrimSuffix(cli.LogFile, ".log") + "-daemon.log"
	}
	initSlog(cli.LogLevel, cli.LogFile)

	if kctx.Command() != "doc" && kctx.Command() != "completion" {
		if err := runPrerequisites(context.Background(), appBaseDir); err != nil {
			fmt.Fprintf(os.Stderr, "prerequisites check failed: %v\n", err)
			os.Exit(1)
		}
	}

	// daemon start runs the orchestrator itself; layout reads/writes
	// layouts.json directly; every other command (apart from doc/completion)
	// needs a daemon to talk to and starts one if necessary.
	if !strings.HasPrefix(kctx.Command(), "daemon") && !strings.HasPrefix(kctx.Command(), "layout") &&
		kctx.Command() != "doc" && kctx.Command() != "completion" {
		if err := control.EnsureDaemon(context.Background(), appBaseDir, cli.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "daemon not running, and failed to start it: %v\n", err)
			os.Exit(1)
		}
	}

	runErr := kctx.Run(&Context{AppBaseDir: appBaseDir, LogFile: cli.LogFile, LogLevel: cli.LogLevel})
	kctx.FatalIfErrorf(runErr)
}

func initSlog(level, logFile string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		panic(err)
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	slog.Info("slog initialized", "logFile", logFile)
}

// appHomeDir returns (creating if necessary) the platform-appropriate
// directory for benchd's lock file, control socket, connectivity journal,
// and layout store.
func appHomeDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(homeDir, "Library", "Application Support", "benchd")
	default:
		dir = filepath.Join(homeDir, ".benchd")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create app base directory: %w", err)
	}
	return dir, nil
}
