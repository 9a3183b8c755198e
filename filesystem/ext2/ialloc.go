package ext2

import (
	"fmt"
	"time"

	"github.com/diskfs/go-ext2lite/filesystem/ext2/bcache"
	"github.com/diskfs/go-ext2lite/util/bitmap"
)

// The free inodes are managed by bitmaps, one block per group, next to the
// block bitmaps. Inode numbers are 1-indexed filesystem-wide: bit k of
// group g stands for inode g*inodesPerGroup + k + 1.

// readInodeBitmap reads the inode bitmap of a group into a pinned buffer.
func (fs *FileSystem) readInodeBitmap(group uint32) (*bcache.Buffer, error) {
	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return nil, err
	}
	buf, err := fs.bcache.ReadBlock(uint64(gd.inodeBitmapLocation))
	if err != nil {
		return nil, fmt.Errorf("cannot read inode bitmap - block_group = %d, inode_bitmap = %d: %w", group, gd.inodeBitmapLocation, ErrIO)
	}
	return buf, nil
}

// releaseInodeCounters updates the descriptor and global counters for one
// freed inode.
func (fs *FileSystem) releaseInodeCounters(group uint32, wasDir bool) {
	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return
	}
	fs.groupLocks[group].Lock()
	gd.freeInodes++
	if wasDir {
		gd.usedDirectories--
	}
	fs.groupLocks[group].Unlock()

	fs.freeInodesCount.Inc()
	if wasDir {
		fs.dirsCount.Dec()
	}
	if err := fs.writeGroupDescriptor(gd); err != nil {
		fs.logger.Errorf("could not write descriptor for group %d: %v", group, err)
	}
}

// freeInode clears the inode's bit in its group's bitmap and gives the slot
// back to the counters. Called with the inode lock held, on the eviction
// path.
func (fs *FileSystem) freeInode(in *Inode) {
	ino := in.number
	fs.logger.Debugf("freeing inode %d", ino)

	if ino < fs.sb.firstInode || ino > fs.sb.inodeCount {
		_ = fs.fsError("freeInode", "reserved or nonexistent inode %d", ino)
		return
	}

	group := blockGroupForInode(ino, fs.sb.inodesPerGroup)
	bit := (ino - 1) % fs.sb.inodesPerGroup
	buf, err := fs.readInodeBitmap(group)
	if err != nil {
		return
	}
	defer buf.Release()

	fs.groupLocks[group].Lock()
	was, err := bitmap.Wrap(buf.Data()).TestAndClear(int(bit))
	fs.groupLocks[group].Unlock()
	if err != nil || !was {
		_ = fs.fsError("freeInode", "bit already cleared for inode %d", ino)
	} else {
		fs.releaseInodeCounters(group, in.fileType == fileTypeDirectory)
	}

	buf.MarkDirty()
	if fs.synchronous {
		if err := buf.Sync(); err != nil {
			fs.logger.Errorf("could not sync inode bitmap for group %d: %v", group, err)
		}
	}
}

// findGroup picks the group for a new inode: the parent's group when it has
// both free inodes and free blocks; otherwise a quadratic probe seeded with
// the parent's inode number so siblings cluster but unrelated directories
// spread; finally a linear scan that accepts any free inode regardless of
// block pressure. Returns -1 when every group is full.
func (fs *FileSystem) findGroup(parent *Inode) int64 {
	parentGroup := parent.blockGroup
	ngroups := fs.groupCount

	groupUsable := func(group uint32, needBlocks bool) bool {
		gd, err := fs.getGroupDesc(group)
		if err != nil {
			return false
		}
		fs.groupLocks[group].Lock()
		defer fs.groupLocks[group].Unlock()
		if gd.freeInodes == 0 {
			return false
		}
		return !needBlocks || gd.freeBlocks != 0
	}

	// try to place the inode in its parent's group
	if groupUsable(parentGroup, true) {
		return int64(parentGroup)
	}

	// quadratic hash across the other groups
	group := (parentGroup + parent.number) % ngroups
	for i := uint32(1); i < ngroups; i <<= 1 {
		group += i
		if group >= ngroups {
			group -= ngroups
		}
		if groupUsable(group, true) {
			return int64(group)
		}
	}

	// that failed: linear search for a free inode, even in a group with no
	// free blocks
	group = parentGroup
	for i := uint32(0); i < ngroups; i++ {
		group = (group + 1) % ngroups
		if groupUsable(group, false) {
			return int64(group)
		}
	}

	return -1
}

// newInode allocates a fresh inode near the parent directory and returns it
// in the NEW state with a single reference held. mode carries the type and
// permission bits.
func (fs *FileSystem) newInode(parent *Inode, mode uint16) (*Inode, error) {
	start := fs.findGroup(parent)
	if start < 0 {
		return nil, fmt.Errorf("could not allocate inode: %w", ErrNoSpace)
	}

	inodesPerGroup := fs.sb.inodesPerGroup
	group := uint32(start)
	var ino uint32

	allocated := false
	for i := uint32(0); i < fs.groupCount && !allocated; i++ {
		buf, err := fs.readInodeBitmap(group)
		if err != nil {
			return nil, err
		}

		bit := 0
		fs.groupLocks[group].Lock()
		bm := bitmap.Wrap(buf.Data())
		for {
			bit = bm.NextZeroBit(int(inodesPerGroup), bit)
			if bit < 0 {
				// the group looked free but filled up under us; move on
				break
			}
			was, err := bm.TestAndSet(bit)
			if err == nil && !was {
				allocated = true
				break
			}
			// lost the race for this bit; try the next one
			bit++
			if bit >= int(inodesPerGroup) {
				break
			}
		}
		fs.groupLocks[group].Unlock()

		if allocated {
			buf.MarkDirty()
			if fs.synchronous {
				if err := buf.Sync(); err != nil {
					buf.Release()
					return nil, err
				}
			}
			buf.Release()
			ino = group*inodesPerGroup + uint32(bit) + 1
			break
		}
		buf.Release()
		group = (group + 1) % fs.groupCount
	}

	if !allocated {
		return nil, fmt.Errorf("could not allocate inode: %w", ErrNoSpace)
	}

	if ino < fs.sb.firstInode || ino > fs.sb.inodeCount {
		return nil, fs.fsError("newInode", "reserved inode or inode > inodes count - block_group = %d, inode=%d", group, ino)
	}

	isDir := parseFileType(mode) == fileTypeDirectory
	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return nil, err
	}
	fs.groupLocks[group].Lock()
	gd.freeInodes--
	if isDir {
		gd.usedDirectories++
	}
	fs.groupLocks[group].Unlock()
	fs.freeInodesCount.Dec()
	if isDir {
		fs.dirsCount.Inc()
	}
	if err := fs.writeGroupDescriptor(gd); err != nil {
		return nil, err
	}

	now := time.Now()
	links := uint16(1)
	in := &Inode{
		fs:         fs,
		number:     ino,
		fileType:   parseFileType(mode),
		perm:       mode & modePermissionsMask,
		uid:        parent.uid,
		gid:        parent.gid,
		size:       0,
		accessTime: now,
		changeTime: now,
		modifyTime: now,
		links:      links,
		blocks:     0,
		flags:      parent.flags,
		state:      inodeNew,
		blockGroup: group,
		refs:       1,
	}
	in.pages = newMapping(fs, in)
	fs.setInodeOps(in)

	fs.icacheMu.Lock()
	if _, ok := fs.icache[ino]; ok {
		fs.icacheMu.Unlock()
		return nil, fs.fsError("newInode", "inode number already in use - inode=%d", ino)
	}
	fs.icache[ino] = in
	fs.icacheMu.Unlock()

	fs.logger.Debugf("allocating inode %d", ino)
	return in, nil
}
