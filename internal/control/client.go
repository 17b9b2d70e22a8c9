package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/astigmatism/benchd/internal/imager"
	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/statefabric"
	"github.com/astigmatism/benchd/version"
)

// Client is the CLI-side handle to a running daemon.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient returns a Client that dials appBaseDir's control socket for
// every request. It does not check that a daemon is listening; call Ping
// or use EnsureDaemon for that.
func NewClient(appBaseDir string) *Client {
	socketPath := filepath.Join(appBaseDir, defaultSocketFile)
	return &Client{socketPath: socketPath, httpClient: newHTTPClientOver(socketPath)}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(raw))
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
	}
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: daemon not running: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("control: HTTP %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodGet, "/ping", nil, &resp)
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var info version.Info
	err := c.doRequest(ctx, http.MethodGet, "/version", nil, &info)
	return info, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	if err := c.doRequest(ctx, http.MethodPost, "/shutdown", nil, &resp); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(c.socketPath); err == nil {
		return fmt.Errorf("control: daemon may not have shut down cleanly")
	}
	return nil
}

func (c *Client) Devices(ctx context.Context) (any, error) {
	var out any
	err := c.doRequest(ctx, http.MethodGet, "/devices", nil, &out)
	return out, err
}

func (c *Client) PressKey(ctx context.Context, req keysRequest) (string, error) {
	var resp struct {
		OpID string `json:"op_id"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/keys", req, &resp)
	return resp.OpID, err
}

// PressKeyEvent is the exported convenience form of PressKey for callers
// outside this package (the CLI), which cannot construct the unexported
// wire request type directly.
func (c *Client) PressKeyEvent(ctx context.Context, deviceID, key, code, action, requestedBy string) (string, error) {
	return c.PressKey(ctx, keysRequest{
		DeviceID:    deviceID,
		Key:         key,
		Code:        code,
		Action:      keyboard.Action(action),
		RequestedBy: requestedBy,
	})
}

func (c *Client) SetPower(ctx context.Context, on bool) error {
	return c.doRequest(ctx, http.MethodPost, "/power", powerRequest{On: on}, nil)
}

func (c *Client) CancelOps(ctx context.Context, deviceID, reason string) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/ops/cancel", opsCancelRequest{DeviceID: deviceID, Reason: reason}, &resp)
	return resp.Cancelled, err
}

func (c *Client) StateSnapshot(ctx context.Context) (statefabric.Snapshot, error) {
	var snap statefabric.Snapshot
	err := c.doRequest(ctx, http.MethodGet, "/state/snapshot", nil, &snap)
	return snap, err
}

func (c *Client) ImageList(ctx context.Context, deviceID, rel string) (imager.Snapshot, error) {
	var snap imager.Snapshot
	path := fmt.Sprintf("/image/list?device_id=%s&rel=%s", url.QueryEscape(deviceID), url.QueryEscape(rel))
	err := c.doRequest(ctx, http.MethodGet, path, nil, &snap)
	return snap, err
}

func (c *Client) ImageMkdir(ctx context.Context, deviceID, rel string) error {
	return c.doRequest(ctx, http.MethodPost, "/image/mkdir", imagePathRequest{DeviceID: deviceID, Rel: rel}, nil)
}

func (c *Client) ImageRename(ctx context.Context, deviceID, fromRel, toRel string) error {
	return c.doRequest(ctx, http.MethodPost, "/image/rename", imageRenameRequest{DeviceID: deviceID, FromRel: fromRel, ToRel: toRel}, nil)
}

func (c *Client) ImageMove(ctx context.Context, deviceID, nameRel, destDirRel string) error {
	return c.doRequest(ctx, http.MethodPost, "/image/move", imageMoveRequest{DeviceID: deviceID, NameRel: nameRel, DestDirRel: destDirRel}, nil)
}

func (c *Client) ImageDelete(ctx context.Context, deviceID, rel string) error {
	return c.doRequest(ctx, http.MethodPost, "/image/delete", imagePathRequest{DeviceID: deviceID, Rel: rel}, nil)
}

func (c *Client) ImageRead(ctx context.Context, deviceID, devicePath, destDir, destName string) (string, error) {
	var resp struct {
		OpID string `json:"op_id"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/image/read", imageReadRequest{DeviceID: deviceID, DevicePath: devicePath, DestDir: destDir, DestName: destName}, &resp)
	return resp.OpID, err
}

func (c *Client) ImageWrite(ctx context.Context, deviceID, cwd, imageName, devicePath string) (string, error) {
	var resp struct {
		OpID string `json:"op_id"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/image/write", imageWriteRequest{DeviceID: deviceID, CWD: cwd, ImageName: imageName, DevicePath: devicePath}, &resp)
	return resp.OpID, err
}

// EnsureDaemon connects to the daemon at appBaseDir's socket, starting one
// in the background if unreachable. If a daemon is already running but
// reports a different version than this binary, it is shut down and
// restarted — mirroring a deploy replacing an in-place stale daemon.
func EnsureDaemon(ctx context.Context, appBaseDir, logFile string) error {
	socketPath := filepath.Join(appBaseDir, defaultSocketFile)
	slog.InfoContext(ctx, "control.EnsureDaemon", "socketPath", socketPath)

	if conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond); err == nil {
		conn.Close()
		if verr := checkDaemonVersion(ctx, appBaseDir); verr != nil {
			slog.InfoContext(ctx, "control.EnsureDaemon", "versionMismatch", verr.Error())
			if serr := shutdownDaemon(appBaseDir); serr != nil {
				slog.WarnContext(ctx, "control.EnsureDaemon", "shutdownError", serr.Error())
			}
		} else {
			return nil
		}
	}

	cmd := exec.Command(os.Args[0], "daemon", "start", "--log-file", logFile, "--app-base-dir", appBaseDir)
	slog.InfoContext(ctx, "control.EnsureDaemon", "cmd", strings.Join(cmd.Args, " "))
	cmd.Stdout, cmd.Stderr, cmd.Stdin = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("control: daemon failed to start")
}

func checkDaemonVersion(ctx context.Context, appBaseDir string) error {
	client := NewClient(appBaseDir)
	daemonVersion, err := client.Version(ctx)
	if err != nil {
		return fmt.Errorf("control: get daemon version: %w", err)
	}
	cliVersion := version.Get()
	if !cliVersion.Equal(daemonVersion) {
		return fmt.Errorf("control: version mismatch: CLI=%s, daemon=%s", cliVersion.GitCommit, daemonVersion.GitCommit)
	}
	return nil
}

func shutdownDaemon(appBaseDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewClient(appBaseDir).Shutdown(ctx)
}
