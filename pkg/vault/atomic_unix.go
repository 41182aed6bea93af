//go:build unix

package vault

import (
	"os"
	"syscall"
)

// deviceID extracts the filesystem device number from a stat result.
func deviceID(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}
