//go:build darwin

package discovery

// DefaultEnumerator returns the platform USB/serial enumerator.
func DefaultEnumerator() Enumerator {
	return NewDarwinEnumerator()
}
