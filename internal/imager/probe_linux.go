//go:build linux

package imager

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LinuxProbe reads /sys/block/<dev>/size (512-byte sectors) to determine
// media presence and size. devicePath is the block device node, e.g.
// "/dev/sdb".
func LinuxProbe(ctx context.Context, devicePath string) (MediaState, uint64, error) {
	dev := filepath.Base(devicePath)
	sizePath := filepath.Join("/sys/block", dev, "size")
	raw, err := os.ReadFile(sizePath)
	if err != nil {
		if os.IsNotExist(err) {
			return MediaNone, 0, nil
		}
		return MediaUnknown, 0, err
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return MediaUnknown, 0, err
	}
	if sectors == 0 {
		return MediaNone, 0, nil
	}
	return MediaPresent, sectors * 512, nil
}
