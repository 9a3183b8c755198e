//go:build linux

package sync

import (
	"io/fs"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func getAccessTime(info fs.FileInfo) time.Time {
	switch stat := info.Sys().(type) {
	case *syscall.Stat_t:
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	case *unix.Stat_t:
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	default:
		// return zero time
		return time.Time{}
	}
}
