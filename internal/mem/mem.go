// Package mem holds small memory helpers for secret material.
package mem

import "runtime"

// Wipe overwrites b with zeros. The KeepAlive call pins b as live past the
// loop so the writes cannot be elided as dead stores.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Copy returns a fresh copy of b, or nil if b is nil.
func Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
