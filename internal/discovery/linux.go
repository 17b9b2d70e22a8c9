//go:build linux

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/astigmatism/benchd/internal/config"
)

// LinuxEnumerator reads /sys/bus/usb/devices for non-block device kinds and
// shells out to `lsblk -J` for block-device kinds, per spec.md §4.1.
type LinuxEnumerator struct {
	sysBusUSBDevices string // overridable in tests; default "/sys/bus/usb/devices"
	runLsblk         func(ctx context.Context) ([]byte, error)
}

// NewLinuxEnumerator returns an Enumerator reading from the real sysfs tree
// and invoking the real lsblk binary.
func NewLinuxEnumerator() *LinuxEnumerator {
	return &LinuxEnumerator{
		sysBusUSBDevices: "/sys/bus/usb/devices",
		runLsblk: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "lsblk", "-J", "-O").Output()
		},
	}
}

func (e *LinuxEnumerator) Enumerate(ctx context.Context, specs []config.DeviceSpec) ([]Info, error) {
	var out []Info

	blockKinds := map[string]bool{}
	otherSpecs := make([]config.DeviceSpec, 0, len(specs))
	for _, s := range specs {
		if s.Kind == "cf-reader" || s.Kind == "block" {
			blockKinds[s.Kind] = true
			continue
		}
		otherSpecs = append(otherSpecs, s)
	}

	sysInfos, err := e.enumerateSysfs(otherSpecs)
	if err != nil {
		return nil, err
	}
	out = append(out, sysInfos...)

	if len(blockKinds) > 0 {
		blockInfos, err := e.enumerateLsblk(ctx, specs)
		if err != nil {
			return nil, err
		}
		out = append(out, blockInfos...)
	}
	return out, nil
}

func (e *LinuxEnumerator) enumerateSysfs(specs []config.DeviceSpec) ([]Info, error) {
	entries, err := os.ReadDir(e.sysBusUSBDevices)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discovery: read %s: %w", e.sysBusUSBDevices, err)
	}

	var out []Info
	for _, entry := range entries {
		devDir := filepath.Join(e.sysBusUSBDevices, entry.Name())
		vid := readSysAttr(filepath.Join(devDir, "idVendor"))
		pid := readSysAttr(filepath.Join(devDir, "idProduct"))
		if vid == "" || pid == "" {
			continue
		}
		serial := readSysAttr(filepath.Join(devDir, "serial"))

		for _, spec := range specs {
			if !matchesVidPid(spec, vid, pid, serial) {
				continue
			}
			out = append(out, Info{
				Kind:   spec.Kind,
				Path:   devDir,
				VID:    vid,
				PID:    pid,
				Serial: serial,
			})
		}
	}
	return out, nil
}

func readSysAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func matchesVidPid(spec config.DeviceSpec, vid, pid, serial string) bool {
	if spec.VendorID != "" && !strings.EqualFold(spec.VendorID, vid) {
		return false
	}
	if spec.ProductID != "" && !strings.EqualFold(spec.ProductID, pid) {
		return false
	}
	if spec.Serial != "" && spec.Serial != serial {
		return false
	}
	return true
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name   string `json:"name"`
	Tran   string `json:"tran"`
	Type   string `json:"type"`
	Serial string `json:"serial"`
}

func (e *LinuxEnumerator) enumerateLsblk(ctx context.Context, specs []config.DeviceSpec) ([]Info, error) {
	raw, err := e.runLsblk(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: lsblk: %w", err)
	}
	var parsed lsblkOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("discovery: parse lsblk output: %w", err)
	}

	var candidates []lsblkDevice
	for _, d := range parsed.Blockdevices {
		if d.Tran == "usb" && d.Type == "disk" {
			candidates = append(candidates, d)
		}
	}

	var out []Info
	for _, spec := range specs {
		if spec.Kind != "cf-reader" && spec.Kind != "block" {
			continue
		}
		chosen, ok := pickLsblkDevice(candidates, spec)
		if !ok {
			// No USB disk found: no record emitted. pickLsblkDevice never
			// produces a synthetic "unmounted" path, so a reader with no
			// media is not told apart from an absent reader here.
			continue
		}
		out = append(out, Info{
			Kind:   spec.Kind,
			Path:   chosen.path,
			VID:    "",
			PID:    "",
			Serial: chosen.serial,
		})
	}
	return out, nil
}

type lsblkPick struct {
	path   string
	serial string
}

// pickLsblkDevice prefers a serial match; falls back to any USB disk.
func pickLsblkDevice(candidates []lsblkDevice, spec config.DeviceSpec) (lsblkPick, bool) {
	if spec.Serial != "" {
		for _, d := range candidates {
			if d.Serial == spec.Serial {
				return lsblkPick{path: "/dev/" + d.Name, serial: d.Serial}, true
			}
		}
	}
	if len(candidates) > 0 {
		d := candidates[0]
		return lsblkPick{path: "/dev/" + d.Name, serial: d.Serial}, true
	}
	return lsblkPick{}, false
}
