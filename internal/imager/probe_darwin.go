//go:build darwin

package imager

import (
	"context"
	"os/exec"

	"howett.net/plist"
)

type diskutilInfoSize struct {
	TotalSize uint64 `plist:"TotalSize"`
	Size      uint64 `plist:"Size"`
}

// DarwinProbe shells out to `diskutil info -plist <devicePath>` to determine
// media presence and size.
func DarwinProbe(ctx context.Context, devicePath string) (MediaState, uint64, error) {
	out, err := exec.CommandContext(ctx, "diskutil", "info", "-plist", devicePath).Output()
	if err != nil {
		return MediaNone, 0, nil
	}
	var info diskutilInfoSize
	if err := plist.Unmarshal(out, &info); err != nil {
		return MediaUnknown, 0, err
	}
	size := info.TotalSize
	if size == 0 {
		size = info.Size
	}
	if size == 0 {
		return MediaNone, 0, nil
	}
	return MediaPresent, size, nil
}
