package imager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/progressparse"
)

// MediaState is the CF-card media presence, per spec.md §4.6.
type MediaState string

const (
	MediaPresent MediaState = "present"
	MediaNone    MediaState = "none"
	MediaUnknown MediaState = "unknown"
)

// MediaProbe reports the current removable-media state for a device path.
type MediaProbe func(ctx context.Context, devicePath string) (MediaState, uint64, error)

// Config configures a Service.
type Config struct {
	Root           string
	FileOps        FileOps
	MaxEntries     int
	VisibleExts    []string
	ReadScriptPath string // spawned for read_device_to_image
	WriteScriptPath string // spawned for write_image_to_device
	Probe          MediaProbe
	Sink           events.Sink
}

// Service is the CF-card imager service (spec component C8).
type Service struct {
	fs     *FSOps
	cfg    Config
	sink   events.Sink

	mu           sync.Mutex
	imagingBusy  bool
	lastMedia    MediaState
}

// New constructs an imager Service.
func New(cfg Config) *Service {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	fileOps := cfg.FileOps
	if fileOps == nil {
		fileOps = NewDefaultFileOps()
	}
	return &Service{
		fs:        NewFSOps(cfg.Root, fileOps, cfg.MaxEntries, cfg.VisibleExts),
		cfg:       cfg,
		sink:      cfg.Sink,
		lastMedia: MediaUnknown,
	}
}

// FS exposes the filesystem-operations layer for direct use by callers that
// don't need the at-most-one-active-imaging-op enforcement (list/mkdir/etc).
func (s *Service) FS() *FSOps { return s.fs }

// ErrImagingBusy is returned when a second imaging op is attempted while one
// is already active, per spec.md §4.5's at-most-one-active-imaging-op rule.
var ErrImagingBusy = fmt.Errorf("imager: an imaging operation is already active")

// tryAcquireImaging and release implement the single-active-imaging-op gate.
func (s *Service) tryAcquireImaging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imagingBusy {
		return false
	}
	s.imagingBusy = true
	return true
}

func (s *Service) releaseImaging() {
	s.mu.Lock()
	s.imagingBusy = false
	s.mu.Unlock()
}

// ProgressFunc receives each parsed progress sample plus the moving-average
// throughput, as work streams from the spawned script.
type ProgressFunc func(sample progressparse.Sample, avgBytesPerSec float64)

// WriteImageToDevice spawns the configured write script with args
// (imagePath, devicePath), streaming PROGRESS lines to onProgress. Exec
// function suitable for direct use as an opqueue.ExecFunc via a thin
// wrapper at the call site.
func (s *Service) WriteImageToDevice(ctx context.Context, cell *opqueue.CancelCell, imagePath, devicePath string, onProgress ProgressFunc) error {
	if s.cfg.WriteScriptPath == "" {
		return fmt.Errorf("imager: no write script configured")
	}
	return s.runScript(ctx, cell, s.cfg.WriteScriptPath, []string{imagePath, devicePath}, onProgress)
}

// ReadDeviceToImage spawns the configured read script with args
// (devicePath, destImagePath), streaming PROGRESS lines to onProgress.
func (s *Service) ReadDeviceToImage(ctx context.Context, cell *opqueue.CancelCell, devicePath, destImagePath string, onProgress ProgressFunc) error {
	if s.cfg.ReadScriptPath == "" {
		return fmt.Errorf("imager: no read script configured")
	}
	return s.runScript(ctx, cell, s.cfg.ReadScriptPath, []string{devicePath, destImagePath}, onProgress)
}

// runScript spawns path with args, reading its stdout line by line. Lines
// matching the PROGRESS wire format feed a 5-sample moving-average window
// and onProgress; all other lines are logged at debug level. The cancel
// cell is polled once per line and every 20ms by a separate watcher; on a
// strike the child process group is killed.
func (s *Service) runScript(ctx context.Context, cell *opqueue.CancelCell, path string, args []string, onProgress ProgressFunc) error {
	if !s.tryAcquireImaging() {
		return ErrImagingBusy
	}
	defer s.releaseImaging()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "imager.runScript", "path", path, "args", args)
	if err := cmd.Start(); err != nil {
		return err
	}

	window := progressparse.NewWindow(5)
	start := time.Now()
	scanErrCh := make(chan error, 1)
	procDone := make(chan struct{})
	var lastSample progressparse.Sample
	var haveSample bool

	// The cancel cell can flip between PROGRESS lines, including during a
	// long gap with no stdout output (e.g. the child is still writing a
	// single large chunk). Poll independently of the scanner so a
	// cancellation kills the child promptly rather than waiting for its
	// next line.
	var watcherErr error
	var watcherMu sync.Mutex
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-procDone:
				return
			case <-ticker.C:
				if err := cell.Check(); err != nil {
					watcherMu.Lock()
					watcherErr = err
					watcherMu.Unlock()
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
					return
				}
			}
		}
	}()

	go func() {
		sc := bufio.NewScanner(errPipe)
		for sc.Scan() {
			slog.DebugContext(ctx, "imager.script.stderr", "line", sc.Text())
		}
	}()

	go func() {
		sc := bufio.NewScanner(outPipe)
		var checkpointErr error
		for sc.Scan() {
			if checkpointErr == nil {
				if err := cell.Check(); err != nil {
					checkpointErr = err
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
					break
				}
			}
			line := sc.Text()
			if progressparse.IsProgressLine(line) {
				sample, perr := progressparse.Parse(line)
				if perr != nil {
					slog.WarnContext(ctx, "imager.script.badprogress", "line", line, "err", perr)
					continue
				}
				avg := window.Add(time.Since(start).Seconds(), sample.BytesDone)
				lastSample, haveSample = sample, true
				if onProgress != nil {
					onProgress(sample, avg)
				}
				continue
			}
			slog.DebugContext(ctx, "imager.script.stdout", "line", line)
		}
		scanErrCh <- checkpointErr
	}()

	checkpointErr := <-scanErrCh
	waitErr := cmd.Wait()
	close(procDone)

	watcherMu.Lock()
	if watcherErr != nil && checkpointErr == nil {
		checkpointErr = watcherErr
	}
	watcherMu.Unlock()

	if checkpointErr != nil {
		return checkpointErr
	}
	if waitErr != nil {
		return fmt.Errorf("imager: script %s failed: %s", path, exitReason(waitErr))
	}

	// On a clean exit, force a final 100% sample even if the script's last
	// PROGRESS line undershot the total (spec.md §4.5).
	if haveSample && lastSample.BytesTotal > 0 && lastSample.BytesDone != lastSample.BytesTotal {
		final := lastSample
		final.BytesDone = final.BytesTotal
		final.Pct = 100
		avg := window.Add(time.Since(start).Seconds(), final.BytesDone)
		if onProgress != nil {
			onProgress(final, avg)
		}
	}
	return nil
}

// exitReason renders a process wait error as spec.md §4.5's reason strings:
// "exit code N" for a non-zero exit, "signal S" for a signal termination.
func exitReason(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return fmt.Sprintf("signal %s", status.Signal())
			}
			return fmt.Sprintf("exit code %d", status.ExitStatus())
		}
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	return err.Error()
}

// ProbeMedia reports the current removable-media state for devicePath,
// suppressing a media-updated event when the state hasn't changed since the
// last probe (spec.md §4.6).
func (s *Service) ProbeMedia(ctx context.Context, devicePath string) (state MediaState, sizeBytes uint64, changed bool, err error) {
	if s.cfg.Probe == nil {
		return MediaUnknown, 0, false, nil
	}
	state, sizeBytes, err = s.cfg.Probe(ctx, devicePath)
	if err != nil {
		return MediaUnknown, 0, false, err
	}
	s.mu.Lock()
	changed = s.lastMedia != state
	s.lastMedia = state
	s.mu.Unlock()
	if changed {
		s.sink.Emit(ctx, events.Event{Kind: events.KindMediaUpdated, Data: map[string]any{
			"media_state": state, "size_bytes": sizeBytes,
		}})
	}
	return state, sizeBytes, changed, nil
}
