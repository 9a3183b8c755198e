//go:build linux

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize asks the kernel for the size of a block device via ioctl.
// Errors for anything that is not a device node.
func deviceSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return 0, os.ErrInvalid
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}
