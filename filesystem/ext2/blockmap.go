package ext2

import (
	"fmt"
	"time"
)

// maxFileBytes the largest byte offset a file can reach with direct blocks
// only.
func (fs *FileSystem) maxFileBytes() uint64 {
	return uint64(directBlockCount) * uint64(fs.sb.blockSize)
}

// getBlocks translates a logical block of the inode to a physical block
// number. With create set, a missing block is allocated and stored in the
// direct slot. Returns the physical block, how many blocks were mapped
// (0 for a hole when not creating), and whether the block is newly
// allocated. Addressing at or past the direct range is invalid.
//
// Called with the inode lock held.
func (fs *FileSystem) getBlocks(in *Inode, iblock int64, create bool) (blockNo uint32, count int, isNew bool, err error) {
	fs.logger.Debugf("looking for block: %d of inode: %d create: %v", iblock, in.number, create)

	// only direct blocks are supported
	if iblock < 0 || iblock >= int64(directBlockCount) {
		return 0, 0, false, fmt.Errorf("block %d of inode %d beyond direct range: %w", iblock, in.number, ErrInvalid)
	}

	blockNo = in.blockN(int(iblock))
	if blockNo > 0 {
		return blockNo, 1, false, nil
	}
	if !create {
		return 0, 0, false, nil
	}

	count = 1
	resb, got, err := fs.newBlocks(in, count)
	if err != nil {
		return 0, 0, false, err
	}
	in.setBlockN(int(iblock), resb)
	in.blocks += uint32(got) * fs.sb.blockSize / 512
	in.markDirty()
	fs.logger.Debugf("allocated new block %d for inode %d: %d blocks: %d", iblock, in.number, resb, in.blocks)
	return resb, got, true, nil
}

// bmap maps a logical file block to its physical block, or 0 for a hole.
func (fs *FileSystem) bmap(in *Inode, iblock int64) uint32 {
	if iblock < 0 || iblock >= int64(directBlockCount) {
		return 0
	}
	return in.blockN(int(iblock))
}

// freeData zeroes the direct slots in [from, to) and frees the named blocks,
// coalescing contiguous runs into single allocator calls.
//
// Called with the inode lock held.
func (fs *FileSystem) freeData(in *Inode, from, to int) {
	var (
		blockToFree uint32
		count       uint32
	)
	for i := from; i < to; i++ {
		nr := in.blockN(i)
		if nr == 0 {
			continue
		}
		in.setBlockN(i, 0)
		switch {
		case count == 0:
			blockToFree = nr
			count = 1
		case blockToFree == nr-count:
			count++
		default:
			fs.freeBlocks(in, blockToFree, count)
			in.markDirty()
			blockToFree = nr
			count = 1
		}
	}
	if count > 0 {
		fs.freeBlocks(in, blockToFree, count)
		in.markDirty()
	}
}

// truncateBlocks releases every data block at or past the given byte offset.
// Only regular files, directories and non-fast symlinks carry data blocks.
//
// Called with the inode lock held.
func (fs *FileSystem) truncateBlocks(in *Inode, offset uint64) {
	switch in.fileType {
	case fileTypeRegularFile, fileTypeDirectory, fileTypeSymbolicLink:
	default:
		return
	}
	if in.isFastSymlink() {
		return
	}
	blockSize := uint64(fs.sb.blockSize)
	iblock := (offset + blockSize - 1) / blockSize
	fs.freeData(in, int(iblock), directBlockCount)
}

// setSize implements truncate-to-size: zero the tail of the last kept
// block, adjust the size, and release the blocks past it.
//
// Called with the inode lock held.
func (fs *FileSystem) setSize(in *Inode, newSize uint64) error {
	switch in.fileType {
	case fileTypeRegularFile, fileTypeDirectory, fileTypeSymbolicLink:
	default:
		return fmt.Errorf("cannot truncate inode %d of this type: %w", in.number, ErrInvalid)
	}
	if in.isFastSymlink() {
		return fmt.Errorf("cannot truncate fast symlink %d: %w", in.number, ErrInvalid)
	}
	if newSize > fs.maxFileBytes() {
		return fmt.Errorf("size %d beyond direct-block range: %w", newSize, ErrInvalid)
	}

	// zero the partial block past the new end so stale bytes never
	// reappear if the file grows again
	blockSize := uint64(fs.sb.blockSize)
	if offsetInBlock := newSize % blockSize; offsetInBlock != 0 {
		if blockNo := fs.bmap(in, int64(newSize/blockSize)); blockNo != 0 {
			buf, err := fs.bcache.ReadBlock(uint64(blockNo))
			if err != nil {
				return fmt.Errorf("could not read final block %d: %w", blockNo, err)
			}
			buf.Lock()
			data := buf.Data()
			for i := offsetInBlock; i < blockSize; i++ {
				data[i] = 0
			}
			buf.MarkDirty()
			buf.Unlock()
			if err := buf.Sync(); err != nil {
				buf.Release()
				return err
			}
			buf.Release()
		}
	}

	in.pages.truncate(newSize)
	in.size = newSize
	fs.truncateBlocks(in, newSize)
	now := time.Now()
	in.modifyTime = now
	in.changeTime = now
	in.markDirty()
	return fs.writeInodeLocked(in)
}
