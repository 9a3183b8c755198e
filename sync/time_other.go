//go:build !linux && !windows

package sync

import (
	"io/fs"
	"time"
)

func getAccessTime(info fs.FileInfo) time.Time {
	// no portable access time; callers fall back to the modify time
	_ = info
	return time.Time{}
}
