//go:build !linux

package file

import "os"

// deviceSize is only implemented for linux block devices; elsewhere the
// caller falls back to Stat().
func deviceSize(_ *os.File) (int64, error) {
	return 0, os.ErrInvalid
}
