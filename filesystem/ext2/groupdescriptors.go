package ext2

import (
	"encoding/binary"
	"fmt"
)

// groupDescriptorSize bytes per descriptor in the on-disk table
const groupDescriptorSize int = 32

// groupDescriptor is a structure holding the data about a single block group
type groupDescriptor struct {
	number              uint32
	blockBitmapLocation uint32
	inodeBitmapLocation uint32
	inodeTableLocation  uint32
	freeBlocks          uint16
	freeInodes          uint16
	usedDirectories     uint16
}

// groupDescriptors is a structure holding all of the group descriptors for all of the block groups
type groupDescriptors struct {
	descriptors []groupDescriptor
}

func (gds *groupDescriptors) equal(a *groupDescriptors) bool {
	if (gds == nil && a != nil) || (a == nil && gds != nil) {
		return false
	}
	if gds == nil && a == nil {
		return true
	}
	if len(gds.descriptors) != len(a.descriptors) {
		return false
	}
	for i := range gds.descriptors {
		if gds.descriptors[i] != a.descriptors[i] {
			return false
		}
	}
	return true
}

// groupDescriptorFromBytes create a groupDescriptor struct from bytes
func groupDescriptorFromBytes(b []byte, number uint32) (*groupDescriptor, error) {
	if len(b) < groupDescriptorSize {
		return nil, fmt.Errorf("group descriptor data too short: %d bytes instead of %d", len(b), groupDescriptorSize)
	}
	gd := groupDescriptor{
		number:              number,
		blockBitmapLocation: binary.LittleEndian.Uint32(b[0x0:0x4]),
		inodeBitmapLocation: binary.LittleEndian.Uint32(b[0x4:0x8]),
		inodeTableLocation:  binary.LittleEndian.Uint32(b[0x8:0xc]),
		freeBlocks:          binary.LittleEndian.Uint16(b[0xc:0xe]),
		freeInodes:          binary.LittleEndian.Uint16(b[0xe:0x10]),
		usedDirectories:     binary.LittleEndian.Uint16(b[0x10:0x12]),
	}
	return &gd, nil
}

// toBytes returns a groupDescriptor ready to be written to disk
func (gd *groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], gd.blockBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x4:0x8], gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x8:0xc], gd.inodeTableLocation)
	binary.LittleEndian.PutUint16(b[0xc:0xe], gd.freeBlocks)
	binary.LittleEndian.PutUint16(b[0xe:0x10], gd.freeInodes)
	binary.LittleEndian.PutUint16(b[0x10:0x12], gd.usedDirectories)
	return b
}

// groupDescriptorsFromBytes create a groupDescriptors struct from bytes,
// parsing count descriptors
func groupDescriptorsFromBytes(b []byte, count uint32) (*groupDescriptors, error) {
	if len(b) < int(count)*groupDescriptorSize {
		return nil, fmt.Errorf("group descriptor table too short: %d bytes for %d descriptors", len(b), count)
	}
	gds := groupDescriptors{
		descriptors: make([]groupDescriptor, 0, count),
	}
	for i := uint32(0); i < count; i++ {
		start := int(i) * groupDescriptorSize
		gd, err := groupDescriptorFromBytes(b[start:start+groupDescriptorSize], i)
		if err != nil {
			return nil, err
		}
		gds.descriptors = append(gds.descriptors, *gd)
	}
	return &gds, nil
}

// toBytes returns groupDescriptors ready to be written to disk
func (gds *groupDescriptors) toBytes() []byte {
	b := make([]byte, 0, len(gds.descriptors)*groupDescriptorSize)
	for i := range gds.descriptors {
		b = append(b, gds.descriptors[i].toBytes()...)
	}
	return b
}

// getGroupDesc bounds-checks the group number and returns a pointer to its
// descriptor. The pointer aliases the mounted descriptor table; the caller
// mutates counters under the group lock and writes back via
// writeGroupDescriptor.
func (fs *FileSystem) getGroupDesc(group uint32) (*groupDescriptor, error) {
	if group >= fs.groupCount {
		return nil, fs.fsError("getGroupDesc", "block_group >= groups_count - block_group = %d, groups_count = %d", group, fs.groupCount)
	}
	return &fs.groupDescriptors.descriptors[group], nil
}

// bgHasSuper whether the group carries a backup superblock. Always true in
// this variant: no sparse-superblock placement.
func (fs *FileSystem) bgHasSuper(_ uint32) bool {
	return true
}

// bgNumGDB the number of descriptor-table blocks in the group
func (fs *FileSystem) bgNumGDB(group uint32) uint32 {
	if fs.bgHasSuper(group) {
		return fs.gdbCount
	}
	return 0
}

// checkDescriptors validates that every descriptor's bitmap and inode-table
// blocks lie inside its group's block range.
func (fs *FileSystem) checkDescriptors() error {
	for i := uint32(0); i < fs.groupCount; i++ {
		gd := &fs.groupDescriptors.descriptors[i]
		firstBlock := fs.sb.groupFirstBlock(i)
		lastBlock := fs.sb.groupLastBlock(i)

		if gd.blockBitmapLocation < firstBlock || gd.blockBitmapLocation > lastBlock {
			return fs.fsError("checkDescriptors", "Block bitmap for group %d not in group (block %d)!", i, gd.blockBitmapLocation)
		}
		if gd.inodeBitmapLocation < firstBlock || gd.inodeBitmapLocation > lastBlock {
			return fs.fsError("checkDescriptors", "Inode bitmap for group %d not in group (block %d)!", i, gd.inodeBitmapLocation)
		}
		inodeTableLast := gd.inodeTableLocation + fs.itbPerGroup - 1
		if gd.inodeTableLocation < firstBlock || inodeTableLast > lastBlock {
			return fs.fsError("checkDescriptors", "Inode table for group %d not in group (block %d)!", i, gd.inodeTableLocation)
		}
	}
	return nil
}

// writeGroupDescriptor serializes one descriptor into the primary
// descriptor table on disk. Backup tables are written by Create and are not
// refreshed afterwards.
func (fs *FileSystem) writeGroupDescriptor(gd *groupDescriptor) error {
	block := fs.descTableBlock() + gd.number/fs.descPerBlock
	buf, err := fs.bcache.ReadBlock(uint64(block))
	if err != nil {
		return fmt.Errorf("could not read group descriptor block %d: %w", block, err)
	}
	defer buf.Release()
	offset := (gd.number % fs.descPerBlock) * uint32(groupDescriptorSize)
	buf.Lock()
	copy(buf.Data()[offset:], gd.toBytes())
	buf.MarkDirty()
	buf.Unlock()
	if fs.synchronous {
		return buf.Sync()
	}
	return nil
}

// descTableBlock the first block of the primary group descriptor table,
// immediately after the superblock.
func (fs *FileSystem) descTableBlock() uint32 {
	return fs.sb.firstDataBlock + 1
}
