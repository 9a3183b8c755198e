package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// superblockMagic the signature of a second extended filesystem
	superblockMagic uint16 = 0xef53
	// superblockOffset fixed byte position of the primary superblock
	superblockOffset int64 = 1024
	// superblockSize bytes occupied by the superblock structure
	superblockSize int = 1024

	// filesystem states
	stateValid  uint16 = 0x0001
	stateErrors uint16 = 0x0002

	// persisted errors behaviors
	errorsContinue  uint16 = 1
	errorsRemountRO uint16 = 2
	errorsPanic     uint16 = 3

	// revision levels
	revisionOriginal uint32 = 0
	revisionDynamic  uint32 = 1
	maxRevision             = revisionDynamic

	// originalInodeSize inode size implied by revision 0
	originalInodeSize uint16 = 128
	// originalFirstInode first non-reserved inode implied by revision 0
	originalFirstInode uint32 = 11

	// rootInode the root directory is always inode 2
	rootInode uint32 = 2

	// maxNameLength longest allowed directory entry name
	maxNameLength int = 255
	// maxHardLinks most links an inode may carry
	maxHardLinks uint16 = 32000
)

// superblock holds the parsed fields of the on-disk superblock. Persisted
// integers are little-endian; times are seconds since the epoch.
type superblock struct {
	inodeCount           uint32
	blockCount           uint32
	reservedBlocks       uint32
	freeBlocks           uint32
	freeInodes           uint32
	firstDataBlock       uint32
	logBlockSize         uint32
	logFragSize          uint32
	blocksPerGroup       uint32
	fragsPerGroup        uint32
	inodesPerGroup       uint32
	mountTime            time.Time
	writeTime            time.Time
	mountCount           uint16
	maxMountCount        uint16
	state                uint16
	errorsBehavior       uint16
	minorRevision        uint16
	lastCheck            time.Time
	checkInterval        uint32
	creatorOS            uint32
	revisionLevel        uint32
	defaultReservedUID   uint16
	defaultReservedGID   uint16
	firstInode           uint32
	inodeSize            uint16
	blockGroup           uint16
	featureCompat        uint32
	featureIncompat      uint32
	featureROCompat      uint32
	uuid                 *uuid.UUID
	volumeLabel          string
	lastMounted          string
	algorithmUsageBitmap uint32
	defaultMountOptions  uint32

	// computed, not persisted at a field of its own
	blockSize uint32
}

func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil && a != nil) || (a == nil && sb != nil) {
		return false
	}
	if sb == nil && a == nil {
		return true
	}
	return *sb == *a
}

// superblockFromBytes create a superblock struct from bytes
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes instead of %d", len(b), superblockSize)
	}

	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if magic != superblockMagic {
		return nil, fmt.Errorf("superblock magic %04x does not match expected %04x: %w", magic, superblockMagic, ErrInvalid)
	}

	sb := superblock{
		inodeCount:           binary.LittleEndian.Uint32(b[0x0:0x4]),
		blockCount:           binary.LittleEndian.Uint32(b[0x4:0x8]),
		reservedBlocks:       binary.LittleEndian.Uint32(b[0x8:0xc]),
		freeBlocks:           binary.LittleEndian.Uint32(b[0xc:0x10]),
		freeInodes:           binary.LittleEndian.Uint32(b[0x10:0x14]),
		firstDataBlock:       binary.LittleEndian.Uint32(b[0x14:0x18]),
		logBlockSize:         binary.LittleEndian.Uint32(b[0x18:0x1c]),
		logFragSize:          binary.LittleEndian.Uint32(b[0x1c:0x20]),
		blocksPerGroup:       binary.LittleEndian.Uint32(b[0x20:0x24]),
		fragsPerGroup:        binary.LittleEndian.Uint32(b[0x24:0x28]),
		inodesPerGroup:       binary.LittleEndian.Uint32(b[0x28:0x2c]),
		mountTime:            time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0),
		writeTime:            time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0),
		mountCount:           binary.LittleEndian.Uint16(b[0x34:0x36]),
		maxMountCount:        binary.LittleEndian.Uint16(b[0x36:0x38]),
		state:                binary.LittleEndian.Uint16(b[0x3a:0x3c]),
		errorsBehavior:       binary.LittleEndian.Uint16(b[0x3c:0x3e]),
		minorRevision:        binary.LittleEndian.Uint16(b[0x3e:0x40]),
		lastCheck:            time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0),
		checkInterval:        binary.LittleEndian.Uint32(b[0x44:0x48]),
		creatorOS:            binary.LittleEndian.Uint32(b[0x48:0x4c]),
		revisionLevel:        binary.LittleEndian.Uint32(b[0x4c:0x50]),
		defaultReservedUID:   binary.LittleEndian.Uint16(b[0x50:0x52]),
		defaultReservedGID:   binary.LittleEndian.Uint16(b[0x52:0x54]),
		firstInode:           binary.LittleEndian.Uint32(b[0x54:0x58]),
		inodeSize:            binary.LittleEndian.Uint16(b[0x58:0x5a]),
		blockGroup:           binary.LittleEndian.Uint16(b[0x5a:0x5c]),
		featureCompat:        binary.LittleEndian.Uint32(b[0x5c:0x60]),
		featureIncompat:      binary.LittleEndian.Uint32(b[0x60:0x64]),
		featureROCompat:      binary.LittleEndian.Uint32(b[0x64:0x68]),
		volumeLabel:          minString(b[0x78:0x88]),
		lastMounted:          minString(b[0x88:0xc8]),
		algorithmUsageBitmap: binary.LittleEndian.Uint32(b[0xc8:0xcc]),
		defaultMountOptions:  binary.LittleEndian.Uint32(b[0x100:0x104]),
	}

	fsuuid, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("could not parse superblock UUID: %w", err)
	}
	sb.uuid = &fsuuid

	sb.blockSize = uint32(1024) << sb.logBlockSize

	// revision 0 hardwires the inode geometry
	if sb.revisionLevel == revisionOriginal {
		sb.inodeSize = originalInodeSize
		sb.firstInode = originalFirstInode
	}

	return &sb, nil
}

// toBytes returns a superblock ready to be written to disk
func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], sb.blockCount)
	binary.LittleEndian.PutUint32(b[0x8:0xc], sb.reservedBlocks)
	binary.LittleEndian.PutUint32(b[0xc:0x10], sb.freeBlocks)
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], sb.logBlockSize)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], sb.logFragSize)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.fragsPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.maxMountCount)
	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockMagic)
	binary.LittleEndian.PutUint16(b[0x3a:0x3c], sb.state)
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], sb.errorsBehavior)
	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)
	binary.LittleEndian.PutUint32(b[0x48:0x4c], sb.creatorOS)
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.defaultReservedUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.defaultReservedGID)
	if sb.revisionLevel >= revisionDynamic {
		binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstInode)
		binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	}
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroup)
	binary.LittleEndian.PutUint32(b[0x5c:0x60], sb.featureCompat)
	binary.LittleEndian.PutUint32(b[0x60:0x64], sb.featureIncompat)
	binary.LittleEndian.PutUint32(b[0x64:0x68], sb.featureROCompat)
	if sb.uuid != nil {
		copy(b[0x68:0x78], sb.uuid[:])
	}
	copy(b[0x78:0x88], sb.volumeLabel)
	copy(b[0x88:0xc8], sb.lastMounted)
	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)
	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions)

	return b
}

// blockGroupCount how many block groups the superblock geometry implies
func (sb *superblock) blockGroupCount() uint32 {
	return (sb.blockCount-sb.firstDataBlock-1)/sb.blocksPerGroup + 1
}

// groupFirstBlock the filesystem-wide number of a group's first block
func (sb *superblock) groupFirstBlock(group uint32) uint32 {
	return sb.firstDataBlock + group*sb.blocksPerGroup
}

// groupLastBlock the filesystem-wide number of a group's last block
func (sb *superblock) groupLastBlock(group uint32) uint32 {
	last := sb.groupFirstBlock(group) + sb.blocksPerGroup - 1
	if last >= sb.blockCount {
		last = sb.blockCount - 1
	}
	return last
}

// fsid the statfs filesystem id: the XOR of the two halves of the UUID
func (sb *superblock) fsid() uint64 {
	if sb.uuid == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(sb.uuid[0:8]) ^ binary.LittleEndian.Uint64(sb.uuid[8:16])
}

func minString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
