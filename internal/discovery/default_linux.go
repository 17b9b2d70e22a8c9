//go:build linux

package discovery

// DefaultEnumerator returns the platform USB/serial enumerator.
func DefaultEnumerator() Enumerator {
	return NewLinuxEnumerator()
}
