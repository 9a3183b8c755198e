package ext2

import (
	"fmt"

	"github.com/diskfs/go-ext2lite/filesystem/ext2/bcache"
	"github.com/diskfs/go-ext2lite/util/bitmap"
)

// The free blocks are managed by bitmaps, one block per group. Each group
// descriptor locates its group's bitmap and counts its free blocks. The
// per-group lock covers the bitmap bits and the descriptor counters.

func inRange(b, first, length uint32) bool {
	return b >= first && b <= first+length-1
}

// blocksInGroup how many blocks the group actually spans; the last group
// may be short.
func (fs *FileSystem) blocksInGroup(group uint32) uint32 {
	return fs.sb.groupLastBlock(group) - fs.sb.groupFirstBlock(group) + 1
}

// blockBitmapValid checks the invariants a freshly read block bitmap must
// satisfy: the bits for the block bitmap, the inode bitmap, and every inode
// table block of the group are all set.
func (fs *FileSystem) blockBitmapValid(gd *groupDescriptor, group uint32, bm *bitmap.Bitmap) bool {
	groupFirst := fs.sb.groupFirstBlock(group)

	offset := int(gd.blockBitmapLocation - groupFirst)
	if set, err := bm.IsSet(offset); err != nil || !set {
		return false
	}

	offset = int(gd.inodeBitmapLocation - groupFirst)
	if set, err := bm.IsSet(offset); err != nil || !set {
		return false
	}

	offset = int(gd.inodeTableLocation - groupFirst)
	nextZero := bm.NextZeroBit(offset+int(fs.itbPerGroup), offset)
	return nextZero == -1
}

// readBlockBitmap reads the block bitmap of a group into a pinned buffer,
// validating it on first use. A group whose bitmap fails validation is
// marked bad and skipped by the allocator from then on.
func (fs *FileSystem) readBlockBitmap(group uint32) (*bcache.Buffer, error) {
	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return nil, err
	}
	buf, err := fs.bcache.ReadBlock(uint64(gd.blockBitmapLocation))
	if err != nil {
		return nil, fmt.Errorf("cannot read block bitmap - block_group = %d, block_bitmap = %d: %w", group, gd.blockBitmapLocation, ErrIO)
	}

	fs.groupLocks[group].Lock()
	checked, bad := fs.bitmapChecked[group], fs.bitmapBad[group]
	if !checked {
		if fs.blockBitmapValid(gd, group, bitmap.Wrap(buf.Data())) {
			fs.bitmapChecked[group] = true
		} else {
			fs.bitmapChecked[group] = true
			fs.bitmapBad[group] = true
			bad = true
		}
	}
	fs.groupLocks[group].Unlock()

	if bad {
		buf.Release()
		return nil, fs.fsError("readBlockBitmap", "Invalid block bitmap - block_group = %d, block = %d", group, gd.blockBitmapLocation)
	}
	return buf, nil
}

// groupUpdateFreeBlocks adjusts the group's free-blocks count by count,
// which may be negative, and queues the descriptor for writeback.
func (fs *FileSystem) groupUpdateFreeBlocks(group uint32, gd *groupDescriptor, count int) error {
	if count == 0 {
		return nil
	}
	fs.groupLocks[group].Lock()
	gd.freeBlocks = uint16(int(gd.freeBlocks) + count)
	fs.groupLocks[group].Unlock()
	return fs.writeGroupDescriptor(gd)
}

// dataBlocksValid checks a run against the filesystem-wide limits: after
// the first data block, before the end of the device, and never touching
// the superblock.
func (fs *FileSystem) dataBlocksValid(start, count uint32) bool {
	end := start + count - 1
	if end < start {
		return false
	}
	if start <= fs.sb.firstDataBlock {
		return false
	}
	if end >= fs.sb.blockCount {
		return false
	}
	sbBlock := uint32(uint64(superblockOffset) / uint64(fs.sb.blockSize))
	if start <= sbBlock && end >= sbBlock {
		return false
	}
	return true
}

// dataBlocksValidInGroup checks a run against the owning group's metadata:
// it must not overlap the bitmaps or the inode table.
func (fs *FileSystem) dataBlocksValidInGroup(gd *groupDescriptor, start, count uint32) bool {
	end := start + count - 1
	if end < start {
		return false
	}
	if inRange(gd.blockBitmapLocation, start, count) {
		return false
	}
	if inRange(gd.inodeBitmapLocation, start, count) {
		return false
	}
	if inRange(start, gd.inodeTableLocation, fs.itbPerGroup) {
		return false
	}
	if inRange(end, gd.inodeTableLocation, fs.itbPerGroup) {
		return false
	}
	return true
}

// freeBlocks releases the run [block, block+count) back to its group's
// bitmap. Bits found already clear are reported as corruption, but the rest
// of the run is still freed. The inode's block count drops by the number of
// bits actually cleared.
//
// Called with the inode lock held.
func (fs *FileSystem) freeBlocks(in *Inode, block, count uint32) {
	if !fs.dataBlocksValid(block, count) {
		_ = fs.fsError("freeBlocks", "Freeing invalid data blocks - block = %d, count = %d", block, count)
		return
	}

	group, bit := fs.blockInGroup(block)
	fs.logger.Debugf("freeing block(s) %d-%d from bg %d", block, block+count-1, group)

	buf, err := fs.readBlockBitmap(group)
	if err != nil {
		return
	}
	defer buf.Release()

	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return
	}

	if !fs.dataBlocksValidInGroup(gd, block, count) {
		_ = fs.fsError("freeBlocks", "Freeing blocks in system zones - Block = %d, count = %d", block, count)
		return
	}

	var freed uint32
	fs.groupLocks[group].Lock()
	bm := bitmap.Wrap(buf.Data())
	for i := uint32(0); i < count; i++ {
		was, err := bm.TestAndClear(int(bit + i))
		if err != nil || !was {
			fs.groupLocks[group].Unlock()
			_ = fs.fsError("freeBlocks", "bit already cleared for block %d", block+i)
			fs.groupLocks[group].Lock()
			continue
		}
		freed++
	}
	fs.groupLocks[group].Unlock()

	buf.MarkDirty()
	if fs.synchronous {
		if err := buf.Sync(); err != nil {
			fs.logger.Errorf("could not sync block bitmap for group %d: %v", group, err)
		}
	}

	if err := fs.groupUpdateFreeBlocks(group, gd, int(freed)); err != nil {
		fs.logger.Errorf("could not write descriptor for group %d: %v", group, err)
	}

	if freed > 0 {
		fs.freeBlocksCount.Add(int64(freed))
		in.blocks -= freed * fs.sb.blockSize / 512
		in.markDirty()
	}
	fs.logger.Debugf("freed: %d", freed)
}

// allocateInBG finds the first free block in the group's bitmap and extends
// the allocation over consecutive free bits, up to *count. Returns the
// group-relative offset of the first allocated block, updating *count to
// the achieved run length, or -1 if the group had nothing.
func (fs *FileSystem) allocateInBG(group uint32, buf *bcache.Buffer, count *uint32) int {
	nblocks := int(fs.blocksInGroup(group))

	fs.groupLocks[group].Lock()
	defer fs.groupLocks[group].Unlock()

	bm := bitmap.Wrap(buf.Data())
	firstFree := bm.NextZeroBit(nblocks, 0)
	if firstFree < 0 {
		return -1
	}

	var num uint32
	for num < *count && firstFree+int(num) < nblocks {
		was, err := bm.TestAndSet(firstFree + int(num))
		if err != nil || was {
			break
		}
		num++
	}
	if num == 0 {
		return -1
	}
	*count = num
	return firstFree
}

// newBlocks allocates up to maxCount consecutive blocks, preferring the
// inode's own group and scanning the rest modulo the group count. Returns
// the filesystem-wide number of the first block and the achieved run
// length. ErrNoSpace comes back only after every group was tried.
//
// Called with the inode lock held.
func (fs *FileSystem) newBlocks(in *Inode, maxCount int) (uint32, int, error) {
	if maxCount <= 0 {
		return 0, 0, fmt.Errorf("invalid block count %d: %w", maxCount, ErrInvalid)
	}
	if fs.freeBlocksCount.Positive() == 0 {
		return 0, 0, fmt.Errorf("could not allocate %d blocks: %w", maxCount, ErrNoSpace)
	}

	groupNo := in.blockGroup
	// visit each group exactly once, starting from the inode's home group
	for bgi := uint32(0); bgi < fs.groupCount; bgi, groupNo = bgi+1, (groupNo+1)%fs.groupCount {
		gd, err := fs.getGroupDesc(groupNo)
		if err != nil {
			return 0, 0, err
		}

		fs.groupLocks[groupNo].Lock()
		freeBlocks := gd.freeBlocks
		fs.groupLocks[groupNo].Unlock()
		if freeBlocks == 0 {
			continue
		}

		buf, err := fs.readBlockBitmap(groupNo)
		if err != nil {
			// a bad bitmap marks the group unusable; try the next one
			continue
		}

		count := uint32(maxCount)
		grpAllocBlk := fs.allocateInBG(groupNo, buf, &count)
		if grpAllocBlk < 0 {
			buf.Release()
			continue
		}

		retBlock := uint32(grpAllocBlk) + fs.sb.groupFirstBlock(groupNo)
		fs.logger.Debugf("allocating block %d located in bg %d (free_blocks: %d)", retBlock, groupNo, freeBlocks)

		if err := fs.groupUpdateFreeBlocks(groupNo, gd, -int(count)); err != nil {
			fs.logger.Errorf("could not write descriptor for group %d: %v", groupNo, err)
		}
		fs.freeBlocksCount.Add(-int64(count))

		buf.MarkDirty()
		if fs.synchronous {
			if err := buf.Sync(); err != nil {
				buf.Release()
				return 0, 0, fmt.Errorf("could not sync block bitmap for group %d: %w", groupNo, err)
			}
		}
		buf.Release()
		return retBlock, int(count), nil
	}

	return 0, 0, fmt.Errorf("could not allocate %d blocks: %w", maxCount, ErrNoSpace)
}
