//go:build !linux

package logging

// totalRAM reports no value on platforms without a probe; callers fall
// back to not logging memory.
func totalRAM() (uint64, bool) {
	return 0, false
}
