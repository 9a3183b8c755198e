package ext2

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"

	"github.com/diskfs/go-ext2lite/filesystem"
)

// File is an open handle on an inode. Reads and writes go through the
// inode's page mapping; directory handles iterate with a revalidating
// position.
type File struct {
	fs          *FileSystem
	in          *Inode
	name        string
	isReadWrite bool
	isAppend    bool
	offset      int64
	closed      bool
	dirCtx      *DirContext
}

// OpenFile returns a handle to read or write a file. It accepts the
// standard os.OpenFile flags, creates on os.O_CREATE when missing, and
// follows a final symlink to its target.
func (fs *FileSystem) OpenFile(p string, flag int) (filesystem.File, error) {
	return fs.openFileDepth(p, flag, 0)
}

func (fs *FileSystem) openFileDepth(p string, flag int, depth int) (filesystem.File, error) {
	if depth > maxSymlinkDepth {
		return nil, fmt.Errorf("too many levels of symbolic links: %w", ErrInvalid)
	}
	dir, name, err := fs.getParentAndName(p)
	if err != nil {
		return nil, err
	}
	defer fs.iput(dir)

	var in *Inode
	if name == "" {
		// the root directory itself
		in, err = fs.iget(rootInode)
		if err != nil {
			return nil, err
		}
	} else {
		dir.mu.Lock()
		in, err = fs.lookup(dir, name)
		if errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0 {
			if rerr := fs.errReadOnly(); rerr != nil {
				dir.mu.Unlock()
				return nil, rerr
			}
			in, err = fs.create(dir, name, 0o644)
		}
		dir.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("target file %s: %w", p, err)
		}
	}

	// a symlink handle is useless; hand back its target
	if link, ok := in.ops.(symlinkOps); ok {
		target, err := link.readlink(in)
		fs.iput(in)
		if err != nil {
			return nil, err
		}
		if !path.IsAbs(target) {
			target = path.Clean(path.Join(path.Dir(p), target))
		}
		return fs.openFileDepth(target, flag, depth+1)
	}

	isReadWrite := flag&(os.O_RDWR|os.O_WRONLY) != 0
	if isReadWrite {
		if err := fs.errReadOnly(); err != nil {
			fs.iput(in)
			return nil, err
		}
	}
	if flag&os.O_TRUNC != 0 && isReadWrite && in.fileType == fileTypeRegularFile {
		in.mu.Lock()
		err = fs.setSize(in, 0)
		in.mu.Unlock()
		if err != nil {
			fs.iput(in)
			return nil, err
		}
	}

	var offset int64
	if flag&os.O_APPEND != 0 {
		offset = int64(in.size)
	}
	return &File{
		fs:          fs,
		in:          in,
		name:        name,
		isReadWrite: isReadWrite,
		isAppend:    flag&os.O_APPEND != 0,
		offset:      offset,
		dirCtx:      &DirContext{},
	}, nil
}

// Read reads up to len(b) bytes from the file at the current offset.
func (f *File) Read(b []byte) (int, error) {
	if f.closed {
		return 0, iofs.ErrClosed
	}
	if f.in.fileType == fileTypeDirectory {
		return 0, fmt.Errorf("%s: %w", f.name, ErrIsDirectory)
	}

	f.in.mu.Lock()
	defer f.in.mu.Unlock()

	size := int64(f.in.size)
	if f.offset >= size {
		return 0, io.EOF
	}
	want := int64(len(b))
	if f.offset+want > size {
		want = size - f.offset
	}

	var read int64
	for read < want {
		pageIndex := uint64(f.offset+read) >> pageShift
		pageOff := (f.offset + read) & (pageSize - 1)
		fl, err := f.in.pages.readFolio(pageIndex)
		if err != nil {
			return int(read), err
		}
		fl.mu.Lock()
		n := copy(b[read:want], fl.data[pageOff:])
		fl.mu.Unlock()
		read += int64(n)
	}
	f.offset += read
	// prime the cache for a sequential reader
	if ops, ok := f.in.ops.(*fileOps); ok {
		ops.readahead(f.in, uint64(f.offset)>>pageShift, 2)
	}
	var err error
	if f.offset >= size {
		err = io.EOF
	}
	return int(read), err
}

// Write writes len(b) bytes at the current offset, allocating blocks as the
// file grows. Writing at or past the direct-block limit is invalid; a write
// that straddles it stores what fits and reports the error.
func (f *File) Write(b []byte) (int, error) {
	if f.closed {
		return 0, iofs.ErrClosed
	}
	if !f.isReadWrite {
		return 0, fmt.Errorf("file is not open for writing: %w", ErrInvalid)
	}
	if err := f.fs.errReadOnly(); err != nil {
		return 0, err
	}
	if f.in.fileType != fileTypeRegularFile {
		return 0, fmt.Errorf("%s: %w", f.name, ErrInvalid)
	}

	f.in.mu.Lock()
	defer f.in.mu.Unlock()

	if f.isAppend {
		f.offset = int64(f.in.size)
	}

	maxBytes := int64(f.fs.maxFileBytes())
	if f.offset >= maxBytes {
		return 0, fmt.Errorf("write at offset %d beyond direct-block range: %w", f.offset, ErrInvalid)
	}
	want := int64(len(b))
	truncated := false
	if f.offset+want > maxBytes {
		want = maxBytes - f.offset
		truncated = true
	}

	ops, ok := f.in.ops.(*fileOps)
	if !ok {
		return 0, fmt.Errorf("%s: %w", f.name, ErrInvalid)
	}

	var wrote int64
	for wrote < want {
		pos := uint64(f.offset + wrote)
		pageOff := int(pos & (pageSize - 1))
		length := int(want - wrote)
		if length > pageSize-pageOff {
			length = pageSize - pageOff
		}
		fl, err := ops.writeBegin(f.in, pos, length)
		if err != nil {
			return int(wrote), err
		}
		copy(fl.data[pageOff:pageOff+length], b[wrote:wrote+int64(length)])
		if err := ops.writeEnd(f.in, fl, pos, length); err != nil {
			return int(wrote), err
		}
		wrote += int64(length)
	}
	f.offset += wrote
	if err := f.fs.writeInodeLocked(f.in); err != nil {
		return int(wrote), err
	}
	if truncated {
		return int(wrote), fmt.Errorf("write beyond maximum file size %d: %w", maxBytes, ErrInvalid)
	}
	return int(wrote), nil
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, iofs.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = int64(f.in.size) + offset
	default:
		return 0, fmt.Errorf("unknown whence %d: %w", whence, ErrInvalid)
	}
	if newOffset < 0 {
		return 0, fmt.Errorf("cannot seek before start of file: %w", ErrInvalid)
	}
	f.offset = newOffset
	return f.offset, nil
}

// Stat returns the file's metadata.
func (f *File) Stat() (iofs.FileInfo, error) {
	if f.closed {
		return nil, iofs.ErrClosed
	}
	return f.in.ops.getattr(f.in, f.name), nil
}

// ReadDir reads up to n entries from a directory handle, continuing where
// the previous call stopped. The position survives concurrent directory
// mutations by revalidating against chunk boundaries.
func (f *File) ReadDir(n int) ([]iofs.DirEntry, error) {
	if f.closed {
		return nil, iofs.ErrClosed
	}
	if f.in.fileType != fileTypeDirectory {
		return nil, fmt.Errorf("%s: %w", f.name, ErrNotDirectory)
	}

	var entries []iofs.DirEntry
	err := f.fs.iterateDir(f.in, f.dirCtx, func(name string, ino uint32, _ uint8) bool {
		if name == "." || name == ".." {
			return true
		}
		entries = append(entries, &dirEntry{fs: f.fs, name: name, ino: ino})
		return n <= 0 || len(entries) < n
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) == 0 {
		return nil, io.EOF
	}
	return entries, nil
}

// Close writes back the inode and drops the reference.
func (f *File) Close() error {
	if f.closed {
		return iofs.ErrClosed
	}
	f.closed = true
	if f.isReadWrite && !f.fs.ReadOnly() {
		f.in.mu.Lock()
		err := f.fs.writeInodeLocked(f.in)
		f.in.mu.Unlock()
		if err != nil {
			f.fs.iput(f.in)
			return err
		}
	}
	f.fs.iput(f.in)
	return nil
}

// interface guard
var _ filesystem.File = (*File)(nil)

// dirEntry adapts a directory record to iofs.DirEntry, reading the inode
// lazily for type and metadata.
type dirEntry struct {
	fs   *FileSystem
	name string
	ino  uint32
}

func (d *dirEntry) Name() string { return d.name }

func (d *dirEntry) IsDir() bool {
	in, err := d.fs.iget(d.ino)
	if err != nil {
		return false
	}
	defer d.fs.iput(in)
	return in.fileType == fileTypeDirectory
}

func (d *dirEntry) Type() iofs.FileMode {
	info, err := d.Info()
	if err != nil {
		return 0
	}
	return info.Mode().Type()
}

func (d *dirEntry) Info() (iofs.FileInfo, error) {
	in, err := d.fs.iget(d.ino)
	if err != nil {
		return nil, err
	}
	defer d.fs.iput(in)
	return in.ops.getattr(in, d.name), nil
}
