package ext2

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the filesystem. Callers match them with
// errors.Is; every layer wraps with context via fmt.Errorf and %w.
var (
	// ErrNoSpace no free block or inode is left to allocate
	ErrNoSpace = errors.New("no space left on device")
	// ErrNotFound the name does not exist in the directory
	ErrNotFound = errors.New("no such file or directory")
	// ErrExists the name already exists in the directory
	ErrExists = errors.New("file exists")
	// ErrNotEmpty rmdir on a directory that still has entries
	ErrNotEmpty = errors.New("directory not empty")
	// ErrNameTooLong name or symlink target exceeds the format limit
	ErrNameTooLong = errors.New("file name too long")
	// ErrInvalid malformed argument, e.g. addressing past the direct blocks
	ErrInvalid = errors.New("invalid argument")
	// ErrIO the device read or write failed
	ErrIO = errors.New("input/output error")
	// ErrCorrupt an on-disk structure failed validation
	ErrCorrupt = errors.New("structure needs cleaning")
	// ErrIsDirectory operation not valid on a directory
	ErrIsDirectory = errors.New("is a directory")
	// ErrNotDirectory operation requires a directory
	ErrNotDirectory = errors.New("not a directory")
)

// fsError reports an on-disk inconsistency and routes it through the
// configured error policy: record ERROR_FS in the superblock, then
// continue, force the mount read-only, or panic. It returns an ErrCorrupt
// wrapping the report, so callers can simply return its result.
func (fs *FileSystem) fsError(function, format string, args ...interface{}) error {
	report := fmt.Sprintf(format, args...)
	fs.logger.Errorf("%s: %s", function, report)

	fs.sbMu.Lock()
	fs.mountState |= stateErrors
	fs.sb.state |= stateErrors
	fs.sbDirty = true
	readOnly := fs.readOnly
	opts := fs.options
	fs.sbMu.Unlock()

	if !readOnly {
		_ = fs.syncSuper(true)
	}

	switch {
	case opts.errorsPanic:
		panic(fmt.Sprintf("ext2 (%s): panic from previous error: %s", function, report))
	case !readOnly && opts.errorsRemountRO:
		fs.logger.Error("error: remounting filesystem read-only")
		fs.sbMu.Lock()
		fs.readOnly = true
		fs.sbMu.Unlock()
	}

	return fmt.Errorf("%s: %s: %w", function, report, ErrCorrupt)
}
