//go:build linux

package logging

import "golang.org/x/sys/unix"

// totalRAM returns total system memory via sysinfo.
func totalRAM() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	return info.Totalram * uint64(info.Unit), true
}
