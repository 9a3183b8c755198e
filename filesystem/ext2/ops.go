package ext2

import (
	"fmt"
	"os"
	"time"
)

// Each inode type carries an operation table, selected when the inode is
// read: directories answer namespace operations, regular files answer the
// address-space operations backing file I/O, symlinks answer readlink from
// their inline bytes or their first page, and special files answer only
// attribute operations.

type inodeOps interface {
	// getattr fills file metadata for the inode under the given name
	getattr(in *Inode, name string) os.FileInfo
	// setattr applies attribute changes to the inode
	setattr(in *Inode, a *attrChange) error
}

// symlinkOps is the extra surface of symbolic link inodes.
type symlinkOps interface {
	inodeOps
	readlink(in *Inode) (string, error)
}

// attrChange carries the attribute updates for a setattr; nil fields are
// left alone.
type attrChange struct {
	mode  *os.FileMode
	uid   *int
	gid   *int
	size  *int64
	atime *time.Time
	mtime *time.Time
	ctime *time.Time
}

type directoryOps struct{ fs *FileSystem }
type fileOps struct{ fs *FileSystem }
type symlinkFastOps struct{ fs *FileSystem }
type symlinkPageOps struct{ fs *FileSystem }
type specialOps struct{ fs *FileSystem }

func (o *directoryOps) getattr(in *Inode, name string) os.FileInfo {
	return newFileInfo(in, name)
}

func (o *directoryOps) setattr(in *Inode, a *attrChange) error {
	return applyAttr(o.fs, in, a, true)
}

func (o *fileOps) getattr(in *Inode, name string) os.FileInfo {
	return newFileInfo(in, name)
}

func (o *fileOps) setattr(in *Inode, a *attrChange) error {
	return applyAttr(o.fs, in, a, true)
}

// readFolio reads one page of the file through the block map.
func (o *fileOps) readFolio(in *Inode, n uint64) (*folio, error) {
	return in.pages.readFolio(n)
}

// writeBegin prepares the page covering [pos, pos+length), allocating
// blocks as needed, and returns it locked for the caller to fill.
func (o *fileOps) writeBegin(in *Inode, pos uint64, length int) (*folio, error) {
	f := in.pages.grabFolio(pos >> pageShift)
	f.mu.Lock()
	if !f.uptodate {
		if err := in.pages.fill(f); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	if err := in.pages.prepareChunk(f, pos, length); err != nil {
		f.mu.Unlock()
		// a failed preparation past the current size must not leave
		// half-allocated tail blocks behind
		o.fs.truncateBlocks(in, in.size)
		return nil, err
	}
	return f, nil
}

// writeEnd commits the filled range and unlocks the page.
func (o *fileOps) writeEnd(in *Inode, f *folio, pos uint64, length int) error {
	err := in.pages.commitChunk(f, pos, length)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	now := time.Now()
	in.modifyTime = now
	in.changeTime = now
	in.markDirty()
	return nil
}

// readahead populates the page cache for a span of pages ahead of a
// sequential reader. Read failures are ignored; the real read will report
// them.
func (o *fileOps) readahead(in *Inode, start, count uint64) {
	last := (in.size + pageSize - 1) / pageSize
	for n := start; n < start+count && n < last; n++ {
		if _, err := in.pages.readFolio(n); err != nil {
			return
		}
	}
}

// bmap exposes the logical-to-physical block translation.
func (o *fileOps) bmap(in *Inode, iblock int64) uint32 {
	return o.fs.bmap(in, iblock)
}

// writepages flushes every cached dirty page; with write-through commits
// there is usually nothing left to do beyond the inode itself.
func (o *fileOps) writepages(in *Inode) error {
	return o.fs.writeInodeLocked(in)
}

func (o *symlinkFastOps) getattr(in *Inode, name string) os.FileInfo {
	return newFileInfo(in, name)
}

func (o *symlinkFastOps) setattr(in *Inode, a *attrChange) error {
	return applyAttr(o.fs, in, a, false)
}

// readlink for a fast symlink returns the target stored in the block array.
func (o *symlinkFastOps) readlink(in *Inode) (string, error) {
	if in.size > uint64(blockArraySize) {
		return "", fmt.Errorf("fast symlink %d longer than its inline area: %w", in.number, ErrCorrupt)
	}
	return string(in.data[:in.size]), nil
}

func (o *symlinkPageOps) getattr(in *Inode, name string) os.FileInfo {
	return newFileInfo(in, name)
}

func (o *symlinkPageOps) setattr(in *Inode, a *attrChange) error {
	return applyAttr(o.fs, in, a, true)
}

// readlink for a slow symlink reads the target through the file mapping.
func (o *symlinkPageOps) readlink(in *Inode) (string, error) {
	if in.size > uint64(o.fs.sb.blockSize) {
		return "", fmt.Errorf("symlink %d target longer than a block: %w", in.number, ErrCorrupt)
	}
	f, err := in.pages.readFolio(0)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.data[:in.size]), nil
}

func (o *specialOps) getattr(in *Inode, name string) os.FileInfo {
	return newFileInfo(in, name)
}

func (o *specialOps) setattr(in *Inode, a *attrChange) error {
	return applyAttr(o.fs, in, a, false)
}

// applyAttr is the shared setattr body. Size changes route through the
// truncate path and are refused for types that carry no data blocks.
func applyAttr(fs *FileSystem, in *Inode, a *attrChange, allowSize bool) error {
	if a.size != nil {
		if !allowSize {
			return fmt.Errorf("cannot change size of inode %d: %w", in.number, ErrInvalid)
		}
		if *a.size < 0 {
			return fmt.Errorf("negative size: %w", ErrInvalid)
		}
		if uint64(*a.size) != in.size {
			if err := fs.setSize(in, uint64(*a.size)); err != nil {
				return err
			}
		}
	}
	if a.mode != nil {
		in.perm = osToPerm(*a.mode)
	}
	if a.uid != nil && *a.uid != -1 {
		in.uid = uint16(*a.uid)
	}
	if a.gid != nil && *a.gid != -1 {
		in.gid = uint16(*a.gid)
	}
	if a.atime != nil {
		in.accessTime = *a.atime
	}
	if a.mtime != nil {
		in.modifyTime = *a.mtime
	}
	if a.ctime != nil {
		in.changeTime = *a.ctime
	} else {
		in.changeTime = time.Now()
	}
	in.markDirty()
	return fs.writeInodeLocked(in)
}

// fileInfo is the os.FileInfo view of an inode.
type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	inode   uint32
	links   uint16
}

func newFileInfo(in *Inode, name string) os.FileInfo {
	return &fileInfo{
		name:    name,
		size:    int64(in.size),
		mode:    permToOS(in.fileType, in.perm),
		modTime: in.modifyTime,
		isDir:   in.fileType == fileTypeDirectory,
		inode:   in.number,
		links:   in.links,
	}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }

// Sys returns the inode number.
func (fi *fileInfo) Sys() interface{} { return fi.inode }

// permToOS maps an on-disk type and permission bits to an os.FileMode.
func permToOS(ft fileType, perm uint16) os.FileMode {
	mode := os.FileMode(perm & 0o777)
	switch ft {
	case fileTypeDirectory:
		mode |= os.ModeDir
	case fileTypeSymbolicLink:
		mode |= os.ModeSymlink
	case fileTypeCharacterDevice:
		mode |= os.ModeDevice | os.ModeCharDevice
	case fileTypeBlockDevice:
		mode |= os.ModeDevice
	case fileTypeFifo:
		mode |= os.ModeNamedPipe
	case fileTypeSocket:
		mode |= os.ModeSocket
	}
	if perm&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if perm&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if perm&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// osToPerm maps an os.FileMode to on-disk permission bits.
func osToPerm(mode os.FileMode) uint16 {
	perm := uint16(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

// osToFileType maps an os.FileMode to the on-disk type nibble.
func osToFileType(mode os.FileMode) fileType {
	switch {
	case mode.IsDir():
		return fileTypeDirectory
	case mode&os.ModeSymlink != 0:
		return fileTypeSymbolicLink
	case mode&os.ModeCharDevice != 0:
		return fileTypeCharacterDevice
	case mode&os.ModeDevice != 0:
		return fileTypeBlockDevice
	case mode&os.ModeNamedPipe != 0:
		return fileTypeFifo
	case mode&os.ModeSocket != 0:
		return fileTypeSocket
	default:
		return fileTypeRegularFile
	}
}
