//go:build linux

package imager

// DefaultProbe returns the platform media-presence probe.
func DefaultProbe() MediaProbe { return LinuxProbe }
