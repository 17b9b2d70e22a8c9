//go:build darwin

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/astigmatism/benchd/internal/config"
)

// DarwinEnumerator parses `system_profiler SPUSBDataType -json` for
// non-block device kinds and `diskutil list -plist` / `diskutil info
// -plist` for block-device kinds, per spec.md §4.1.
type DarwinEnumerator struct {
	runSystemProfiler func(ctx context.Context) ([]byte, error)
	runDiskutilList   func(ctx context.Context) ([]byte, error)
	runDiskutilInfo   func(ctx context.Context, disk string) ([]byte, error)
}

// NewDarwinEnumerator returns an Enumerator invoking the real
// system_profiler/diskutil binaries.
func NewDarwinEnumerator() *DarwinEnumerator {
	return &DarwinEnumerator{
		runSystemProfiler: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "system_profiler", "SPUSBDataType", "-json").Output()
		},
		runDiskutilList: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "diskutil", "list", "-plist").Output()
		},
		runDiskutilInfo: func(ctx context.Context, disk string) ([]byte, error) {
			return exec.CommandContext(ctx, "diskutil", "info", "-plist", disk).Output()
		},
	}
}

type spUSBDataType struct {
	SPUSBDataType []spUSBItem `json:"SPUSBDataType"`
}

type spUSBItem struct {
	Name        string      `json:"_name"`
	VendorID    string      `json:"vendor_id"`
	ProductID   string      `json:"product_id"`
	SerialNum   string      `json:"serial_num"`
	LocationID  string      `json:"location_id"`
	Items       []spUSBItem `json:"_items"`
}

func (e *DarwinEnumerator) Enumerate(ctx context.Context, specs []config.DeviceSpec) ([]Info, error) {
	var out []Info

	var nonBlockSpecs []config.DeviceSpec
	var blockSpecs []config.DeviceSpec
	for _, s := range specs {
		if s.Kind == "cf-reader" || s.Kind == "block" {
			blockSpecs = append(blockSpecs, s)
		} else {
			nonBlockSpecs = append(nonBlockSpecs, s)
		}
	}

	if len(nonBlockSpecs) > 0 {
		raw, err := e.runSystemProfiler(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovery: system_profiler: %w", err)
		}
		var parsed spUSBDataType
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("discovery: parse system_profiler output: %w", err)
		}
		var flat []spUSBItem
		flattenUSBTree(parsed.SPUSBDataType, &flat)
		for _, item := range flat {
			for _, spec := range nonBlockSpecs {
				if !matchesVidPid(spec, item.VendorID, item.ProductID, item.SerialNum) {
					continue
				}
				out = append(out, Info{
					Kind:   spec.Kind,
					Path:   item.LocationID,
					VID:    item.VendorID,
					PID:    item.ProductID,
					Serial: item.SerialNum,
				})
			}
		}
	}

	if len(blockSpecs) > 0 {
		blockInfos, err := e.enumerateDiskutil(ctx, blockSpecs)
		if err != nil {
			return nil, err
		}
		out = append(out, blockInfos...)
	}
	return out, nil
}

func flattenUSBTree(items []spUSBItem, out *[]spUSBItem) {
	for _, item := range items {
		*out = append(*out, item)
		if len(item.Items) > 0 {
			flattenUSBTree(item.Items, out)
		}
	}
}

type diskutilList struct {
	AllDisks []string `plist:"AllDisks"`
}

type diskutilInfo struct {
	BusProtocol string `plist:"BusProtocol"`
	WholeDisk   bool   `plist:"WholeDisk"`
	Internal    bool   `plist:"Internal"`
	DeviceNode  string `plist:"DeviceNode"`
}

// external reports whether the disk is External per diskutil's "Internal"
// plist key (External = !Internal).
func (d diskutilInfo) external() bool { return !d.Internal }

func (e *DarwinEnumerator) enumerateDiskutil(ctx context.Context, specs []config.DeviceSpec) ([]Info, error) {
	listRaw, err := e.runDiskutilList(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: diskutil list: %w", err)
	}
	disks, err := parsePlistAllDisks(listRaw)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse diskutil list: %w", err)
	}

	var matches []string
	for _, disk := range disks {
		infoRaw, err := e.runDiskutilInfo(ctx, disk)
		if err != nil {
			continue
		}
		info, err := parsePlistDiskInfo(infoRaw)
		if err != nil {
			continue
		}
		if info.BusProtocol == "USB" && info.WholeDisk && info.external() {
			matches = append(matches, info.DeviceNode)
		}
	}

	var out []Info
	for _, spec := range specs {
		if len(matches) == 0 {
			continue
		}
		out = append(out, Info{Kind: spec.Kind, Path: matches[0]})
	}
	return out, nil
}

// parsePlistAllDisks and parsePlistDiskInfo are deliberately minimal: they
// defer to the platform's CoreFoundation plist XML schema, which this
// adapter parses just enough of to extract the handful of keys it uses.
// Implemented in plist.go, shared with darwin-only test fixtures.
func parsePlistAllDisks(raw []byte) ([]string, error) {
	return parsePlistStringArray(raw, "AllDisks")
}

func parsePlistDiskInfo(raw []byte) (diskutilInfo, error) {
	return parsePlistDiskInfoXML(raw)
}
