package ext2

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

// The public FileSystem methods are the dispatcher: they resolve paths,
// take the parent-directory lock around every mutating operation, and call
// the per-type operation tables. Rollback on failure follows the original
// ordering: links are dropped first, then the discarded inode is released,
// which triggers eviction once the reference count reaches zero.

// Rename flags
const (
	// RenameNoReplace refuse the rename if the new name already exists
	RenameNoReplace uint32 = 0x1
)

// validatePath requires an absolute path.
func validatePath(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("path %q must be absolute: %w", p, ErrInvalid)
	}
	return nil
}

// splitPath breaks a path into its components, ignoring the leading root.
func splitPath(p string) []string {
	parts := strings.Split(path.Clean(p), "/")
	ret := make([]string, 0, len(parts))
	for _, sub := range parts {
		if sub == "" || sub == "." {
			continue
		}
		ret = append(ret, sub)
	}
	return ret
}

// lookup resolves one name inside a directory, returning a referenced
// inode.
func (fs *FileSystem) lookup(dir *Inode, name string) (*Inode, error) {
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("name %q: %w", name, ErrNameTooLong)
	}
	ino, err := fs.inodeByName(dir, name)
	if err != nil {
		return nil, err
	}
	in, err := fs.iget(ino)
	if err != nil {
		return nil, fmt.Errorf("deleted inode referenced: %d: %w", ino, err)
	}
	return in, nil
}

// getParentAndName walks down to the parent directory of p, returning a
// referenced parent inode and the final component. The caller iputs the
// parent.
func (fs *FileSystem) getParentAndName(p string) (*Inode, string, error) {
	if err := validatePath(p); err != nil {
		return nil, "", err
	}
	parts := splitPath(p)
	dir, err := fs.iget(rootInode)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return dir, "", nil
	}
	for _, name := range parts[:len(parts)-1] {
		if dir.fileType != fileTypeDirectory {
			fs.iput(dir)
			return nil, "", fmt.Errorf("%q: %w", p, ErrNotDirectory)
		}
		next, err := fs.lookup(dir, name)
		fs.iput(dir)
		if err != nil {
			return nil, "", err
		}
		dir = next
	}
	if dir.fileType != fileTypeDirectory {
		fs.iput(dir)
		return nil, "", fmt.Errorf("%q: %w", p, ErrNotDirectory)
	}
	return dir, parts[len(parts)-1], nil
}

// getInode resolves a whole path to a referenced inode without following a
// final symlink.
func (fs *FileSystem) getInode(p string) (*Inode, error) {
	dir, name, err := fs.getParentAndName(p)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return dir, nil
	}
	in, err := fs.lookup(dir, name)
	fs.iput(dir)
	return in, err
}

// addNondir links a freshly allocated inode into its parent, undoing the
// allocation if the link cannot be written.
func (fs *FileSystem) addNondir(dir *Inode, name string, in *Inode) error {
	if err := fs.addLink(dir, name, in.number); err != nil {
		in.mu.Lock()
		in.links--
		in.mu.Unlock()
		fs.iput(in)
		return err
	}
	return nil
}

// create makes a regular file inode and links it under the parent. The
// parent lock is held. The returned inode carries the caller's reference.
func (fs *FileSystem) create(dir *Inode, name string, perm uint16) (*Inode, error) {
	in, err := fs.newInode(dir, uint16(fileTypeRegularFile)|perm&modePermissionsMask)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	if err := fs.writeInodeLocked(in); err != nil {
		in.links--
		in.mu.Unlock()
		fs.iput(in)
		return nil, err
	}
	in.mu.Unlock()
	if err := fs.addNondir(dir, name, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Mkdir makes a directory at the given path. It is equivalent to
// `mkdir -p`: missing ancestors are created and an existing directory is
// not an error.
func (fs *FileSystem) Mkdir(p string) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	if err := validatePath(p); err != nil {
		return err
	}

	dir, err := fs.iget(rootInode)
	if err != nil {
		return err
	}
	for _, name := range splitPath(p) {
		if dir.fileType != fileTypeDirectory {
			fs.iput(dir)
			return fmt.Errorf("%q: %w", p, ErrNotDirectory)
		}
		dir.mu.Lock()
		next, err := fs.lookup(dir, name)
		if err == nil {
			dir.mu.Unlock()
			fs.iput(dir)
			dir = next
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			dir.mu.Unlock()
			fs.iput(dir)
			return err
		}
		next, err = fs.mkdirInode(dir, name, 0o755)
		dir.mu.Unlock()
		fs.iput(dir)
		if err != nil {
			return err
		}
		dir = next
	}
	fs.iput(dir)
	return nil
}

// mkdirInode allocates a directory inode, writes its "." and ".." chunk,
// and links it under the parent, rolling all of it back on failure. Called
// with the parent lock held.
func (fs *FileSystem) mkdirInode(dir *Inode, name string, perm uint16) (*Inode, error) {
	if dir.links >= maxHardLinks {
		return nil, fmt.Errorf("too many links in directory %d: %w", dir.number, ErrInvalid)
	}
	dir.links++
	dir.markDirty()

	in, err := fs.newInode(dir, uint16(fileTypeDirectory)|perm&modePermissionsMask)
	if err != nil {
		dir.links--
		dir.markDirty()
		return nil, err
	}

	in.mu.Lock()
	in.links++ // the "." self-link
	if err := fs.makeEmpty(in, dir); err != nil {
		in.links -= 2
		in.mu.Unlock()
		fs.iput(in)
		dir.links--
		dir.markDirty()
		return nil, err
	}
	if err := fs.writeInodeLocked(in); err != nil {
		in.links -= 2
		in.mu.Unlock()
		fs.iput(in)
		dir.links--
		dir.markDirty()
		return nil, err
	}
	in.mu.Unlock()

	if err := fs.addLink(dir, name, in.number); err != nil {
		in.mu.Lock()
		in.links -= 2
		in.mu.Unlock()
		fs.iput(in)
		dir.links--
		dir.markDirty()
		return nil, err
	}
	return in, nil
}

// Mknod creates a filesystem node (device special file or named pipe)
// named pathname, with attributes specified by mode and dev. mode uses the
// on-disk encoding: type in the top nibble, permissions below.
func (fs *FileSystem) Mknod(pathname string, mode uint32, dev int) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	dir, name, err := fs.getParentAndName(pathname)
	if err != nil {
		return err
	}
	defer fs.iput(dir)
	if name == "" {
		return fmt.Errorf("cannot mknod over the root: %w", ErrInvalid)
	}

	switch parseFileType(uint16(mode)) {
	case fileTypeCharacterDevice, fileTypeBlockDevice, fileTypeFifo, fileTypeSocket:
	default:
		return fmt.Errorf("mknod mode %o is not a special file: %w", mode, ErrInvalid)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()

	in, err := fs.newInode(dir, uint16(mode))
	if err != nil {
		return err
	}
	in.mu.Lock()
	encodeDevice(in, uint64(dev))
	err = fs.writeInodeLocked(in)
	in.mu.Unlock()
	if err != nil {
		in.mu.Lock()
		in.links--
		in.mu.Unlock()
		fs.iput(in)
		return err
	}
	if err := fs.addNondir(dir, name, in); err != nil {
		return err
	}
	fs.iput(in)
	return nil
}

// encodeDevice stores the device number in the block array: small numbers
// in the old 16-bit form in slot 0, large ones in the new form in slot 1.
func encodeDevice(in *Inode, dev uint64) {
	major := uint32(dev >> 8 & 0xfff)
	minor := uint32(dev&0xff | dev>>12&0xfffff00)
	if major < 256 && minor < 256 {
		in.setBlockN(0, major<<8|minor)
		in.setBlockN(1, 0)
	} else {
		in.setBlockN(0, 0)
		in.setBlockN(1, minor&0xff|major<<8|(minor&^uint32(0xff))<<12)
		in.setBlockN(2, 0)
	}
}

// decodeDevice reads the stored device number back.
func decodeDevice(in *Inode) uint64 {
	if old := in.blockN(0); old != 0 {
		return uint64(old>>8&0xff)<<8 | uint64(old&0xff)
	}
	raw := in.blockN(1)
	major := raw >> 8 & 0xfff
	minor := raw&0xff | raw>>12&0xfffff00
	return uint64(major)<<8 | uint64(minor&0xff) | uint64(minor&^uint32(0xff))<<12
}

// Link creates a new hard link to an existing file.
func (fs *FileSystem) Link(oldpath, newpath string) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	target, err := fs.getInode(oldpath)
	if err != nil {
		return err
	}
	defer fs.iput(target)
	if target.fileType == fileTypeDirectory {
		return fmt.Errorf("cannot hard link directory %q: %w", oldpath, ErrIsDirectory)
	}

	dir, name, err := fs.getParentAndName(newpath)
	if err != nil {
		return err
	}
	defer fs.iput(dir)
	if name == "" {
		return fmt.Errorf("cannot link over the root: %w", ErrInvalid)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()

	target.mu.Lock()
	if target.links >= maxHardLinks {
		target.mu.Unlock()
		return fmt.Errorf("too many links to %q: %w", oldpath, ErrInvalid)
	}
	target.changeTime = time.Now()
	target.links++
	target.markDirty()
	target.mu.Unlock()

	if err := fs.addLink(dir, name, target.number); err != nil {
		target.mu.Lock()
		target.links--
		target.markDirty()
		_ = fs.writeInodeLocked(target)
		target.mu.Unlock()
		return err
	}
	target.mu.Lock()
	err = fs.writeInodeLocked(target)
	target.mu.Unlock()
	return err
}

// Symlink creates a symbolic link at newpath whose target is oldpath. A
// target that fits the inode's block array is stored inline; a longer one,
// up to one block, is written through the file mapping; anything longer is
// refused.
func (fs *FileSystem) Symlink(oldpath, newpath string) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	target := oldpath
	if len(target) > int(fs.sb.blockSize) {
		return fmt.Errorf("symlink target of %d bytes: %w", len(target), ErrNameTooLong)
	}

	dir, name, err := fs.getParentAndName(newpath)
	if err != nil {
		return err
	}
	defer fs.iput(dir)
	if name == "" {
		return fmt.Errorf("cannot symlink over the root: %w", ErrInvalid)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()

	in, err := fs.newInode(dir, uint16(fileTypeSymbolicLink)|0o777)
	if err != nil {
		return err
	}

	in.mu.Lock()
	if len(target) <= blockArraySize {
		// fast symlink: the name lives in the block array
		copy(in.data[:], target)
		in.size = uint64(len(target))
		err = fs.writeInodeLocked(in)
	} else {
		// slow symlink: the name goes through page 0 of the mapping
		err = fs.writeSlowSymlink(in, target)
	}
	if err != nil {
		in.links--
		in.mu.Unlock()
		fs.iput(in)
		return err
	}
	fs.setInodeOps(in)
	in.mu.Unlock()

	if err := fs.addNondir(dir, name, in); err != nil {
		return err
	}
	fs.iput(in)
	return nil
}

// writeSlowSymlink writes the target into the first page of the link's
// mapping. Called with the inode lock held.
func (fs *FileSystem) writeSlowSymlink(in *Inode, target string) error {
	f := in.pages.grabFolio(0)
	f.mu.Lock()
	if err := in.pages.prepareChunk(f, 0, len(target)); err != nil {
		f.mu.Unlock()
		return err
	}
	copy(f.data, target)
	err := in.pages.commitChunk(f, 0, len(target))
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return fs.writeInodeLocked(in)
}

// Readlink returns the target of the symbolic link at p.
func (fs *FileSystem) Readlink(p string) (string, error) {
	in, err := fs.getInode(p)
	if err != nil {
		return "", err
	}
	defer fs.iput(in)
	link, ok := in.ops.(symlinkOps)
	if !ok {
		return "", fmt.Errorf("%q is not a symlink: %w", p, ErrInvalid)
	}
	return link.readlink(in)
}

// unlinkLocked removes one name of an inode. Called with the parent lock
// held; the target's link drop happens under its own lock.
func (fs *FileSystem) unlinkLocked(dir *Inode, name string) error {
	ref, err := fs.findEntry(dir, name)
	if err != nil {
		return err
	}
	target, err := fs.iget(ref.ino)
	if err != nil {
		return err
	}
	if err := fs.deleteEntry(dir, ref); err != nil {
		fs.iput(target)
		return err
	}
	target.mu.Lock()
	target.changeTime = dir.changeTime
	if target.links > 0 {
		target.links--
	}
	target.markDirty()
	err = fs.writeInodeLocked(target)
	target.mu.Unlock()
	fs.iput(target)
	return err
}

// rmdirLocked removes an empty directory. Called with the parent lock held.
func (fs *FileSystem) rmdirLocked(dir *Inode, name string, target *Inode) error {
	if !fs.emptyDir(target) {
		return fmt.Errorf("%q: %w", name, ErrNotEmpty)
	}
	if err := fs.unlinkLocked(dir, name); err != nil {
		return err
	}
	target.mu.Lock()
	target.size = 0
	if target.links > 0 {
		target.links--
	}
	target.markDirty()
	err := fs.writeInodeLocked(target)
	target.mu.Unlock()
	if err != nil {
		return err
	}
	dir.links--
	dir.markDirty()
	return fs.writeInodeLocked(dir)
}

// Remove removes the named file or empty directory.
func (fs *FileSystem) Remove(p string) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	dir, name, err := fs.getParentAndName(p)
	if err != nil {
		return err
	}
	defer fs.iput(dir)
	if name == "" {
		return fmt.Errorf("cannot remove root directory: %w", ErrInvalid)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()

	target, err := fs.lookup(dir, name)
	if err != nil {
		return err
	}
	defer fs.iput(target)

	if target.fileType == fileTypeDirectory {
		return fs.rmdirLocked(dir, name, target)
	}
	return fs.unlinkLocked(dir, name)
}

// Rename renames (moves) oldpath to newpath. If newpath already exists and
// is not a non-empty directory, Rename replaces it.
func (fs *FileSystem) Rename(oldpath, newpath string) error {
	return fs.RenameFlags(oldpath, newpath, 0)
}

// RenameFlags is Rename with flag control; RenameNoReplace refuses to
// displace an existing name.
//
//nolint:gocyclo // the four rename cases share rollback state; accept it
func (fs *FileSystem) RenameFlags(oldpath, newpath string, flags uint32) error {
	if flags&^RenameNoReplace != 0 {
		return fmt.Errorf("unsupported rename flags %x: %w", flags, ErrInvalid)
	}
	if err := fs.errReadOnly(); err != nil {
		return err
	}

	oldDir, oldName, err := fs.getParentAndName(oldpath)
	if err != nil {
		return err
	}
	defer fs.iput(oldDir)
	newDir, newName, err := fs.getParentAndName(newpath)
	if err != nil {
		return err
	}
	defer fs.iput(newDir)
	if oldName == "" || newName == "" {
		return fmt.Errorf("cannot rename the root: %w", ErrInvalid)
	}

	// take both directory locks in inode order
	first, second := oldDir, newDir
	if first.number > second.number {
		first, second = second, first
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}
	defer func() {
		if first != second {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	oldDe, err := fs.findEntry(oldDir, oldName)
	if err != nil {
		return err
	}
	oldInode, err := fs.iget(oldDe.ino)
	if err != nil {
		return err
	}
	defer fs.iput(oldInode)

	if oldInode.number == newDir.number || oldInode.number == oldDir.number {
		return fmt.Errorf("cannot move a directory into itself: %w", ErrInvalid)
	}

	crossDir := oldDir.number != newDir.number
	var dotdotRef *dirEntryRef
	if oldInode.fileType == fileTypeDirectory && crossDir {
		dotdotRef, err = fs.dotdot(oldInode)
		if err != nil {
			return fmt.Errorf("could not find .. of %q: %w", oldpath, ErrIO)
		}
	}

	newDe, err := fs.findEntry(newDir, newName)
	switch {
	case err == nil:
		if flags&RenameNoReplace != 0 {
			return fmt.Errorf("%q: %w", newpath, ErrExists)
		}
		newInode, err := fs.iget(newDe.ino)
		if err != nil {
			return err
		}
		if oldInode.fileType == fileTypeDirectory && !fs.emptyDir(newInode) {
			fs.iput(newInode)
			return fmt.Errorf("%q: %w", newpath, ErrNotEmpty)
		}
		if newInode.fileType == fileTypeDirectory && dotdotRef == nil && oldInode.fileType != fileTypeDirectory {
			fs.iput(newInode)
			return fmt.Errorf("%q: %w", newpath, ErrIsDirectory)
		}
		if err := fs.setLink(newDir, newDe, oldInode.number, true); err != nil {
			fs.iput(newInode)
			return err
		}
		newInode.mu.Lock()
		newInode.changeTime = time.Now()
		if newInode.fileType == fileTypeDirectory && newInode.links > 0 {
			// the displaced directory loses its "." self-link too
			newInode.links--
		}
		if newInode.links > 0 {
			newInode.links--
		}
		newInode.markDirty()
		_ = fs.writeInodeLocked(newInode)
		newInode.mu.Unlock()
		fs.iput(newInode)
	case errors.Is(err, ErrNotFound):
		if err := fs.addLink(newDir, newName, oldInode.number); err != nil {
			return err
		}
		if oldInode.fileType == fileTypeDirectory && crossDir {
			newDir.links++
			newDir.markDirty()
			if err := fs.writeInodeLocked(newDir); err != nil {
				return err
			}
		}
	default:
		return err
	}

	oldInode.mu.Lock()
	oldInode.changeTime = time.Now()
	oldInode.markDirty()
	_ = fs.writeInodeLocked(oldInode)
	oldInode.mu.Unlock()

	if err := fs.deleteEntry(oldDir, oldDe); err != nil {
		return err
	}
	if oldInode.fileType == fileTypeDirectory && crossDir {
		// rewrite ".." to point at the new parent
		oldInode.mu.Lock()
		err = fs.setLink(oldInode, dotdotRef, newDir.number, false)
		oldInode.mu.Unlock()
		if err != nil {
			return err
		}
		oldDir.links--
		oldDir.markDirty()
		if err := fs.writeInodeLocked(oldDir); err != nil {
			return err
		}
	}
	return nil
}

// ReadDir returns the contents of the directory at p, excluding "." and
// "..".
func (fs *FileSystem) ReadDir(p string) ([]os.FileInfo, error) {
	in, err := fs.getInode(p)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %w", p, err)
	}
	defer fs.iput(in)
	if in.fileType != fileTypeDirectory {
		return nil, fmt.Errorf("%q: %w", p, ErrNotDirectory)
	}

	type entry struct {
		name string
		ino  uint32
	}
	var entries []entry
	ctx := &DirContext{}
	err = fs.iterateDir(in, ctx, func(name string, ino uint32, _ uint8) bool {
		if name == "." || name == ".." {
			return true
		}
		entries = append(entries, entry{name: name, ino: ino})
		return true
	})
	if err != nil {
		return nil, err
	}

	ret := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		child, err := fs.iget(e.ino)
		if err != nil {
			return nil, fmt.Errorf("could not read inode %d in directory: %w", e.ino, err)
		}
		ret = append(ret, child.ops.getattr(child, e.name))
		fs.iput(child)
	}
	return ret, nil
}

// Stat returns metadata for the entry at p without following a final
// symlink.
func (fs *FileSystem) Stat(p string) (os.FileInfo, error) {
	in, err := fs.getInode(p)
	if err != nil {
		return nil, err
	}
	defer fs.iput(in)
	return in.ops.getattr(in, path.Base(p)), nil
}

// Chmod changes the mode of the named file. If the file is a symbolic
// link, it changes the mode of the link's target.
func (fs *FileSystem) Chmod(name string, mode os.FileMode) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	in, _, err := fs.getInodeFollow(name, 0)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ops.setattr(in, &attrChange{mode: &mode})
}

// Chown changes the numeric uid and gid of the named file. If the file is
// a symbolic link, it changes the uid and gid of the link's target. A uid
// or gid of -1 means to not change that value.
func (fs *FileSystem) Chown(name string, uid, gid int) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	in, _, err := fs.getInodeFollow(name, 0)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ops.setattr(in, &attrChange{uid: &uid, gid: &gid})
}

// Chtimes changes the access and modification times of the named file.
func (fs *FileSystem) Chtimes(p string, atime, mtime time.Time) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	in, err := fs.getInode(p)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ops.setattr(in, &attrChange{atime: &atime, mtime: &mtime})
}

// Truncate changes the size of the named file.
func (fs *FileSystem) Truncate(p string, size int64) error {
	if err := fs.errReadOnly(); err != nil {
		return err
	}
	in, _, err := fs.getInodeFollow(p, 0)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ops.setattr(in, &attrChange{size: &size})
}

// maxSymlinkDepth how many symlinks a resolution will follow
const maxSymlinkDepth = 8

// getInodeFollow resolves p, following a final symlink.
func (fs *FileSystem) getInodeFollow(p string, depth int) (*Inode, string, error) {
	if depth > maxSymlinkDepth {
		return nil, "", fmt.Errorf("too many levels of symbolic links: %w", ErrInvalid)
	}
	in, err := fs.getInode(p)
	if err != nil {
		return nil, "", err
	}
	link, ok := in.ops.(symlinkOps)
	if !ok {
		return in, p, nil
	}
	target, err := link.readlink(in)
	fs.iput(in)
	if err != nil {
		return nil, "", err
	}
	if !path.IsAbs(target) {
		target = path.Clean(path.Join(path.Dir(p), target))
	}
	return fs.getInodeFollow(target, depth+1)
}
