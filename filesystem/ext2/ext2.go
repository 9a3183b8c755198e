// Package ext2 provides a read-write implementation of a simplified second
// extended filesystem over a block-addressable backend: a single superblock,
// a sequence of block groups each holding a block bitmap, an inode bitmap,
// an inode table and data blocks. Only the twelve direct blocks of an inode
// are supported, so the maximum file size is 12 * blocksize.
package ext2

import (
	"fmt"
	"sync"
	"time"

	"github.com/diskfs/go-ext2lite/backend"
	"github.com/diskfs/go-ext2lite/filesystem"
	"github.com/diskfs/go-ext2lite/filesystem/ext2/bcache"
	"github.com/diskfs/go-ext2lite/util/bitmap"
	"github.com/diskfs/go-ext2lite/util/shardedcounter"
	"github.com/diskfs/go-ext2lite/util/timestamp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SectorSize indicates what the sector size in bytes is
type SectorSize uint16

const (
	// SectorSize512 is a sector size of 512 bytes, used as the logical size for all ext2 filesystems
	SectorSize512 SectorSize = 512
	// BootSectorSize the reserved space before the superblock
	BootSectorSize int64 = 1024

	// Ext2MinSize the smallest filesystem we will consider valid
	Ext2MinSize int64 = 64 * 1024

	minBlockSize uint32 = 1024
	maxBlockSize uint32 = 4096

	// DefaultInodeRatio create one inode per this many bytes
	DefaultInodeRatio int64 = 8192
	// DefaultVolumeName label applied when none is given
	DefaultVolumeName = "go-ext2lite"
	// DefaultMaxMountCount mounts between forced checks; -1 disables
	DefaultMaxMountCount uint16 = 0xffff
)

// Params control the geometry of a filesystem being created.
type Params struct {
	UUID           *uuid.UUID
	BlockSize      uint32 // 1024, 2048 or 4096; default 1024
	BlocksPerGroup uint32 // default 8 * blocksize
	InodesPerGroup uint32 // default derived from DefaultInodeRatio
	VolumeName     string
	Errors         string // "continue" (default), "remount-ro" or "panic"
}

// FileSystem implements the filesystem.FileSystem interface
type FileSystem struct {
	backend backend.Storage
	bcache  *bcache.Cache
	size    int64
	start   int64

	// superblock and its mutable runtime state, guarded by sbMu
	sb          *superblock
	sbMu        sync.Mutex
	mountState  uint16
	readOnly    bool
	options     mountOptions
	synchronous bool

	groupDescriptors *groupDescriptors
	descTableBuffers []*bcache.Buffer
	groupCount       uint32
	gdbCount         uint32
	descPerBlock     uint32
	inodesPerBlock   uint32
	itbPerGroup      uint32

	// one lock per block group covering its bitmaps and descriptor counters
	groupLocks []sync.Mutex
	// block bitmap validation state, per group
	bitmapChecked []bool
	bitmapBad     []bool

	freeBlocksCount *shardedcounter.Counter
	freeInodesCount *shardedcounter.Counter
	dirsCount       *shardedcounter.Counter

	icacheMu sync.Mutex
	icache   map[uint32]*Inode

	// sbDirty is set by superblock mutations so syncSuper only stamps a
	// new write time when there is something to write
	sbDirty bool

	overheadLast uint64

	logger *logrus.Entry
}

// Equal compare if two filesystems are equal
func (fs *FileSystem) Equal(a *FileSystem) bool {
	localMatch := fs.backend == a.backend
	sbMatch := fs.sb.equal(a.sb)
	gdMatch := fs.groupDescriptors.equal(a.groupDescriptors)
	return localMatch && sbMatch && gdMatch
}

// Read opens an existing ext2 filesystem on the given backend.Storage.
//
// size is the size of the filesystem in bytes, start is how far in bytes
// from the beginning of the backend.Storage it begins, sectorsize must be
// 512 or 0. options is the comma-separated mount option string, e.g.
// "errors=remount-ro,debug"; pass "" for the defaults recorded in the
// superblock. Pass readOnly true to refuse all mutations.
func Read(b backend.Storage, size, start, sectorsize int64, options string, readOnly bool) (*FileSystem, error) {
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext2 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext2MinSize {
		return nil, fmt.Errorf("requested size is smaller than minimum allowed ext2 size %d", Ext2MinSize)
	}

	fsBackend := backend.Sub(b, start, size)

	// probe the superblock with the minimal block size; if the real block
	// size turns out different, the superblock block is re-read below.
	cache := bcache.New(fsBackend, int(minBlockSize))
	sbBlock := uint64(superblockOffset) / uint64(minBlockSize)
	buf, err := cache.ReadBlock(sbBlock)
	if err != nil {
		return nil, fmt.Errorf("could not read superblock: %w", err)
	}
	sb, err := superblockFromBytes(buf.Data())
	buf.Release()
	if err != nil {
		return nil, fmt.Errorf("could not interpret superblock data: %w", err)
	}

	if sb.revisionLevel > maxRevision {
		return nil, fmt.Errorf("revision level %d too high: %w", sb.revisionLevel, ErrInvalid)
	}
	// no feature sets are supported, compatible or otherwise
	if sb.featureCompat != 0 || sb.featureIncompat != 0 || sb.featureROCompat != 0 {
		return nil, fmt.Errorf("cannot mount with unsupported features (compat %x, incompat %x, ro-compat %x): %w",
			sb.featureCompat, sb.featureIncompat, sb.featureROCompat, ErrInvalid)
	}
	if sb.blockSize < minBlockSize || sb.blockSize > maxBlockSize {
		return nil, fmt.Errorf("bad blocksize %d: %w", sb.blockSize, ErrInvalid)
	}

	// if the blocksize doesn't match the probe size, re-read the superblock
	// through the cache at the real block size
	if sb.blockSize != minBlockSize {
		if err := cache.SetBlockSize(int(sb.blockSize)); err != nil {
			return nil, err
		}
		sbBlock = uint64(superblockOffset) / uint64(sb.blockSize)
		offset := uint64(superblockOffset) % uint64(sb.blockSize)
		buf, err = cache.ReadBlock(sbBlock)
		if err != nil {
			return nil, fmt.Errorf("could not read superblock on 2nd try: %w", err)
		}
		sb, err = superblockFromBytes(buf.Data()[offset:])
		buf.Release()
		if err != nil {
			return nil, fmt.Errorf("superblock magic mismatch on re-read: %w", err)
		}
	}

	if sb.inodeSize < originalInodeSize || sb.inodeSize > uint16(sb.blockSize) || sb.inodeSize&(sb.inodeSize-1) != 0 {
		return nil, fmt.Errorf("unsupported inode size %d: %w", sb.inodeSize, ErrInvalid)
	}
	if sb.blocksPerGroup == 0 || sb.blocksPerGroup > sb.blockSize*8 {
		return nil, fmt.Errorf("blocks per group %d out of range: %w", sb.blocksPerGroup, ErrInvalid)
	}
	if sb.inodesPerGroup == 0 || sb.inodesPerGroup > sb.blockSize*8 {
		return nil, fmt.Errorf("inodes per group %d out of range: %w", sb.inodesPerGroup, ErrInvalid)
	}

	opts, err := parseMountOptions(options, optionsFromSuperblock(sb))
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	if opts.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	fs := &FileSystem{
		backend:        fsBackend,
		bcache:         cache,
		size:           size,
		start:          start,
		sb:             sb,
		mountState:     sb.state,
		readOnly:       readOnly,
		options:        opts,
		synchronous:    opts.synchronous,
		descPerBlock:   sb.blockSize / uint32(groupDescriptorSize),
		inodesPerBlock: sb.blockSize / uint32(sb.inodeSize),
		icache:         map[uint32]*Inode{},
		logger:         logger.WithField("fs", "ext2"),
	}
	if fs.inodesPerBlock == 0 {
		return nil, fmt.Errorf("inode size %d larger than block size %d: %w", sb.inodeSize, sb.blockSize, ErrInvalid)
	}
	fs.itbPerGroup = sb.inodesPerGroup / fs.inodesPerBlock
	fs.groupCount = sb.blockGroupCount()
	fs.gdbCount = (fs.groupCount + fs.descPerBlock - 1) / fs.descPerBlock
	fs.groupLocks = make([]sync.Mutex, fs.groupCount)
	fs.bitmapChecked = make([]bool, fs.groupCount)
	fs.bitmapBad = make([]bool, fs.groupCount)

	// read the group descriptor table into pinned buffers
	gdt := make([]byte, 0, int(fs.groupCount)*groupDescriptorSize)
	for i := uint32(0); i < fs.gdbCount; i++ {
		block := uint64(fs.descTableBlock() + i)
		dbuf, err := cache.ReadBlock(block)
		if err != nil {
			return nil, fmt.Errorf("unable to read group descriptors: %w", err)
		}
		fs.descTableBuffers = append(fs.descTableBuffers, dbuf)
		gdt = append(gdt, dbuf.Data()...)
	}
	fs.groupDescriptors, err = groupDescriptorsFromBytes(gdt, fs.groupCount)
	if err != nil {
		return nil, fmt.Errorf("could not interpret group descriptor table data: %w", err)
	}
	if err := fs.checkDescriptors(); err != nil {
		return nil, fmt.Errorf("group descriptors corrupted: %w", err)
	}

	// seed the global counters by summing the descriptors
	fs.freeBlocksCount = shardedcounter.New(fs.countFreeBlocks())
	fs.freeInodesCount = shardedcounter.New(fs.countFreeInodes())
	fs.dirsCount = shardedcounter.New(fs.countDirs())

	// make sure the root directory is sane before declaring the mount good
	root, err := fs.iget(rootInode)
	if err != nil {
		return nil, fmt.Errorf("could not read root inode: %w", err)
	}
	badRoot := root.fileType != fileTypeDirectory || root.blocks == 0 || root.size == 0
	fs.iput(root)
	if badRoot {
		return nil, fmt.Errorf("corrupt root inode, run fsck: %w", ErrCorrupt)
	}

	fs.checkSuper()
	if !fs.readOnly {
		fs.sbMu.Lock()
		fs.sb.mountCount++
		fs.sb.mountTime = time.Now()
		fs.sbDirty = true
		fs.sbMu.Unlock()
		if err := fs.syncSuper(true); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

// checkSuper logs the advisory warnings a mount is expected to give.
func (fs *FileSystem) checkSuper() {
	switch {
	case fs.mountState&stateValid == 0:
		fs.logger.Warn("warning: mounting unchecked fs, running fsck is recommended")
	case fs.mountState&stateErrors != 0:
		fs.logger.Warn("warning: mounting fs with errors, running fsck is recommended")
	case fs.sb.checkInterval != 0 && fs.sb.lastCheck.Add(time.Duration(fs.sb.checkInterval)*time.Second).Before(time.Now()):
		fs.logger.Warn("warning: checktime reached, running fsck is recommended")
	}
	if fs.options.debug {
		fs.logger.Debugf("bs=%d, gc=%d, bpg=%d, ipg=%d", fs.sb.blockSize, fs.groupCount, fs.sb.blocksPerGroup, fs.sb.inodesPerGroup)
	}
}

// interface guard
var _ filesystem.FileSystem = (*FileSystem)(nil)

// Type returns the type code for the filesystem. Always returns filesystem.TypeExt2
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeExt2
}

// Label read the volume label
func (fs *FileSystem) Label() string {
	if fs.sb == nil {
		return ""
	}
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return fs.sb.volumeLabel
}

// SetLabel changes the label on the writable filesystem. Up to 16 bytes.
func (fs *FileSystem) SetLabel(label string) error {
	if len(label) > 16 {
		return fmt.Errorf("label %q longer than 16 bytes: %w", label, ErrNameTooLong)
	}
	fs.sbMu.Lock()
	if fs.readOnly {
		fs.sbMu.Unlock()
		return filesystem.ErrReadonlyFilesystem
	}
	fs.sb.volumeLabel = label
	fs.sbDirty = true
	fs.sbMu.Unlock()
	return fs.syncSuper(true)
}

// syncSuper recomputes the persisted free counters from the live ones,
// stamps the write time, and writes the primary superblock back. If wait is
// set, the write goes to the device before returning.
func (fs *FileSystem) syncSuper(wait bool) error {
	fs.sbMu.Lock()
	freeBlocks := uint32(fs.freeBlocksCount.Positive())
	freeInodes := uint32(fs.freeInodesCount.Positive())
	state := fs.sb.state&^stateErrors | fs.mountState&stateErrors
	if freeBlocks != fs.sb.freeBlocks || freeInodes != fs.sb.freeInodes || state != fs.sb.state || fs.sbDirty {
		fs.sb.freeBlocks = freeBlocks
		fs.sb.freeInodes = freeInodes
		fs.sb.state = state
		fs.sb.writeTime = time.Now()
		fs.sbDirty = false
	}
	raw := fs.sb.toBytes()
	blockSize := fs.sb.blockSize
	fs.sbMu.Unlock()

	sbBlock := uint64(superblockOffset) / uint64(blockSize)
	offset := uint64(superblockOffset) % uint64(blockSize)
	buf, err := fs.bcache.ReadBlock(sbBlock)
	if err != nil {
		return fmt.Errorf("could not read superblock block for writeback: %w", err)
	}
	defer buf.Release()
	buf.Lock()
	copy(buf.Data()[offset:], raw)
	buf.MarkDirty()
	buf.Unlock()
	if wait {
		return buf.Sync()
	}
	return nil
}

// SyncFS flushes every dirty buffer and the superblock. It is idempotent:
// with no intervening mutations, a second call writes back identical bytes.
func (fs *FileSystem) SyncFS(wait bool) error {
	fs.icacheMu.Lock()
	inodes := make([]*Inode, 0, len(fs.icache))
	for _, in := range fs.icache {
		inodes = append(inodes, in)
	}
	fs.icacheMu.Unlock()
	for _, in := range inodes {
		in.mu.Lock()
		err := fs.writeInodeLocked(in)
		in.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if err := fs.syncSuper(wait); err != nil {
		return err
	}
	if wait {
		return fs.bcache.Flush()
	}
	return nil
}

// Statfs reports totals and availability. Total blocks are reported net of
// the static metadata overhead, which is computed once and cached.
type Statfs struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
	NameLength int
	FSID       uint64
}

// Statfs returns usage counts for the filesystem. The free counters are
// reconciled exactly from the sharded counters and written back into the
// in-memory superblock.
func (fs *FileSystem) Statfs() Statfs {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()

	if fs.overheadLast == 0 {
		// every group carries a superblock backup, its share of descriptor
		// table backup blocks, two bitmaps and the inode table
		overhead := uint64(fs.sb.firstDataBlock)
		for g := uint32(0); g < fs.groupCount; g++ {
			if fs.bgHasSuper(g) {
				overhead += 1 + uint64(fs.bgNumGDB(g))
			}
		}
		overhead += uint64(fs.groupCount) * uint64(2+fs.itbPerGroup)
		fs.overheadLast = overhead
	}

	free := uint64(fs.freeBlocksCount.Positive())
	ffree := uint64(fs.freeInodesCount.Positive())
	fs.sb.freeBlocks = uint32(free)
	fs.sb.freeInodes = uint32(ffree)

	return Statfs{
		BlockSize:  fs.sb.blockSize,
		Blocks:     uint64(fs.sb.blockCount) - fs.overheadLast,
		BlocksFree: free,
		Inodes:     uint64(fs.sb.inodeCount),
		InodesFree: ffree,
		NameLength: maxNameLength,
		FSID:       fs.sb.fsid(),
	}
}

// Remount changes the read-only state and mount options of a mounted
// filesystem. Transitioning to read-write re-validates the superblock.
func (fs *FileSystem) Remount(readOnly bool, options string) error {
	fs.sbMu.Lock()
	current := fs.options
	fs.sbMu.Unlock()

	newOpts, err := parseMountOptions(options, current)
	if err != nil {
		return err
	}

	if err := fs.SyncFS(true); err != nil {
		return err
	}

	fs.sbMu.Lock()
	switch {
	case readOnly == fs.readOnly:
		// nothing to transition
	case readOnly:
		// remounting a valid rw filesystem read-only: persist the mount
		// state and stamp the time
		fs.sb.state = fs.mountState
		fs.sb.mountTime = time.Now()
		fs.sbDirty = true
		fs.readOnly = true
		fs.sbMu.Unlock()
		if err := fs.syncSuper(true); err != nil {
			return err
		}
		fs.sbMu.Lock()
	default:
		// read-only back to read-write: re-read the state the checker may
		// have left and re-validate
		fs.mountState = fs.sb.state
		fs.readOnly = false
		fs.sbMu.Unlock()
		fs.checkSuper()
		if err := fs.syncSuper(true); err != nil {
			return err
		}
		fs.sbMu.Lock()
	}
	fs.options = newOpts
	fs.synchronous = newOpts.synchronous
	if newOpts.debug {
		fs.logger.Logger.SetLevel(logrus.DebugLevel)
	}
	fs.sbMu.Unlock()
	return nil
}

// ReadOnly reports whether the filesystem currently rejects mutations,
// whether mounted that way or forced by the error policy.
func (fs *FileSystem) ReadOnly() bool {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return fs.readOnly
}

// Close writes back all state and restores the unmount marker.
func (fs *FileSystem) Close() error {
	if !fs.ReadOnly() {
		fs.sbMu.Lock()
		fs.sb.state = fs.mountState
		fs.sbDirty = true
		fs.sbMu.Unlock()
		if err := fs.SyncFS(true); err != nil {
			return err
		}
	}
	for _, b := range fs.descTableBuffers {
		b.Release()
	}
	fs.descTableBuffers = nil
	return nil
}

// errReadOnly the common gate for every mutating entry point
func (fs *FileSystem) errReadOnly() error {
	if fs.ReadOnly() {
		return filesystem.ErrReadonlyFilesystem
	}
	return nil
}

// Create creates an ext2 filesystem in a given file or device.
//
// It requires the backend.Storage where to create the filesystem, size is
// the size of the filesystem in bytes, start is how far in bytes from the
// beginning of the backend.Storage to create the filesystem, and sectorsize
// is the logical sector size, which must be 512 or 0.
//
// You are not required to create the filesystem on the entire disk; a
// filesystem can occupy any byte range of the storage, which is useful for
// creating filesystems on partitions.
//
//nolint:gocyclo // mkfs lays out every structure in one pass; accept it
func Create(b backend.Storage, size, start, sectorsize int64, p *Params) (*FileSystem, error) {
	if p == nil {
		p = &Params{}
	}
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext2 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext2MinSize {
		return nil, fmt.Errorf("requested size is smaller than minimum allowed ext2 size %d", Ext2MinSize)
	}

	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = minBlockSize
	}
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return nil, fmt.Errorf("invalid blocksize %d, must be 1024, 2048 or 4096", blockSize)
	}
	var logBlockSize uint32
	for bs := blockSize; bs > 1024; bs >>= 1 {
		logBlockSize++
	}

	blockCount := uint32(size / int64(blockSize))
	var firstDataBlock uint32
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	blocksPerGroup := p.BlocksPerGroup
	switch {
	case blocksPerGroup == 0:
		blocksPerGroup = blockSize * 8
	case blocksPerGroup%8 != 0:
		return nil, fmt.Errorf("invalid number of blocks per group %d, must be divisible by 8", blocksPerGroup)
	case blocksPerGroup > blockSize*8:
		return nil, fmt.Errorf("invalid number of blocks per group %d, must be no larger than 8*blocksize of %d", blocksPerGroup, blockSize*8)
	}
	if blockCount <= firstDataBlock+1 {
		return nil, fmt.Errorf("filesystem of %d blocks too small", blockCount)
	}
	groupCount := (blockCount-firstDataBlock-1)/blocksPerGroup + 1
	descPerBlock := blockSize / uint32(groupDescriptorSize)
	gdbCount := (groupCount + descPerBlock - 1) / descPerBlock

	inodesPerBlock := blockSize / uint32(originalInodeSize)
	inodesPerGroup := p.InodesPerGroup
	if inodesPerGroup == 0 {
		perGroupBytes := int64(blocksPerGroup) * int64(blockSize)
		inodesPerGroup = uint32(perGroupBytes / DefaultInodeRatio)
	}
	// round up so the inode table is a whole number of blocks
	inodesPerGroup = (inodesPerGroup + inodesPerBlock - 1) / inodesPerBlock * inodesPerBlock
	if inodesPerGroup > blockSize*8 {
		inodesPerGroup = blockSize * 8
	}
	if inodesPerGroup < inodesPerBlock {
		inodesPerGroup = inodesPerBlock
	}
	itbPerGroup := inodesPerGroup / inodesPerBlock

	metaBlocks := 1 + gdbCount + 2 + itbPerGroup

	errorsBehavior := errorsContinue
	switch p.Errors {
	case "", "continue":
		errorsBehavior = errorsContinue
	case "remount-ro":
		errorsBehavior = errorsRemountRO
	case "panic":
		errorsBehavior = errorsPanic
	default:
		return nil, fmt.Errorf("unrecognized errors behavior %q: %w", p.Errors, ErrInvalid)
	}

	fsuuid := p.UUID
	if fsuuid == nil {
		fsuuid2, _ := uuid.NewRandom()
		fsuuid = &fsuuid2
	}
	volumeName := p.VolumeName
	if volumeName == "" {
		volumeName = DefaultVolumeName
	}

	now := timestamp.GetTime()
	sb := &superblock{
		inodeCount:     inodesPerGroup * groupCount,
		blockCount:     blockCount,
		firstDataBlock: firstDataBlock,
		logBlockSize:   logBlockSize,
		logFragSize:    logBlockSize,
		blocksPerGroup: blocksPerGroup,
		fragsPerGroup:  blocksPerGroup,
		inodesPerGroup: inodesPerGroup,
		mountTime:      time.Unix(0, 0),
		writeTime:      now,
		maxMountCount:  DefaultMaxMountCount,
		state:          stateValid,
		errorsBehavior: errorsBehavior,
		lastCheck:      now,
		revisionLevel:  revisionDynamic,
		firstInode:     originalFirstInode,
		inodeSize:      originalInodeSize,
		uuid:           fsuuid,
		volumeLabel:    volumeName,
		blockSize:      blockSize,
	}

	writable, err := b.Writable()
	if err != nil {
		return nil, err
	}
	writeBlock := func(block uint32, data []byte) error {
		wrote, err := writable.WriteAt(data, start+int64(block)*int64(blockSize))
		if err != nil {
			return fmt.Errorf("could not write block %d: %w", block, err)
		}
		if wrote != len(data) {
			return fmt.Errorf("wrote %d bytes of block %d instead of %d", wrote, block, len(data))
		}
		return nil
	}

	// the root directory takes the first data block of group 0
	rootBlock := firstDataBlock + metaBlocks

	// build the group descriptor table, accounting for short last groups
	gds := groupDescriptors{descriptors: make([]groupDescriptor, 0, groupCount)}
	var totalFreeBlocks uint32
	for g := uint32(0); g < groupCount; g++ {
		first := firstDataBlock + g*blocksPerGroup
		blocksInGroup := blocksPerGroup
		if first+blocksInGroup > blockCount {
			blocksInGroup = blockCount - first
		}
		if blocksInGroup <= metaBlocks {
			return nil, fmt.Errorf("filesystem size leaves block group %d too small for its metadata", g)
		}
		free := blocksInGroup - metaBlocks
		freeInodes := inodesPerGroup
		var usedDirs uint16
		if g == 0 {
			free--                               // root directory data block
			freeInodes -= originalFirstInode - 1 // reserved inodes 1..10
			usedDirs = 1                         // the root itself
		}
		totalFreeBlocks += free
		gds.descriptors = append(gds.descriptors, groupDescriptor{
			number:              g,
			blockBitmapLocation: first + 1 + gdbCount,
			inodeBitmapLocation: first + 2 + gdbCount,
			inodeTableLocation:  first + 3 + gdbCount,
			freeBlocks:          uint16(free),
			freeInodes:          uint16(freeInodes),
			usedDirectories:     usedDirs,
		})
	}
	sb.freeBlocks = totalFreeBlocks
	sb.freeInodes = inodesPerGroup*groupCount - (originalFirstInode - 1)

	gdtBytes := gds.toBytes()
	gdtBlocks := make([][]byte, gdbCount)
	for i := uint32(0); i < gdbCount; i++ {
		blk := make([]byte, blockSize)
		startByte := int(i) * int(blockSize)
		endByte := startByte + int(blockSize)
		if endByte > len(gdtBytes) {
			endByte = len(gdtBytes)
		}
		if startByte < len(gdtBytes) {
			copy(blk, gdtBytes[startByte:endByte])
		}
		gdtBlocks[i] = blk
	}

	zeroBlock := make([]byte, blockSize)
	for g := uint32(0); g < groupCount; g++ {
		gd := &gds.descriptors[g]
		first := firstDataBlock + g*blocksPerGroup
		blocksInGroup := blocksPerGroup
		if first+blocksInGroup > blockCount {
			blocksInGroup = blockCount - first
		}

		// superblock copy: the primary lives at byte 1024, the backups at
		// the start of every other group
		sb.blockGroup = uint16(g)
		sbBytes := sb.toBytes()
		sbOffset := start + int64(first)*int64(blockSize)
		if g == 0 {
			sbOffset = start + superblockOffset
		}
		if _, err := writable.WriteAt(sbBytes, sbOffset); err != nil {
			return nil, fmt.Errorf("could not write superblock for group %d: %w", g, err)
		}

		// descriptor table copy right after the superblock block
		for i := uint32(0); i < gdbCount; i++ {
			if err := writeBlock(first+1+i, gdtBlocks[i]); err != nil {
				return nil, err
			}
		}

		// block bitmap: metadata blocks in use, bits past the end of the
		// group padded with ones
		bbm := bitmap.New(int(blockSize))
		for i := uint32(0); i < metaBlocks; i++ {
			_ = bbm.Set(int(i))
		}
		if g == 0 {
			_ = bbm.Set(int(rootBlock - first))
		}
		for i := blocksInGroup; i < blockSize*8; i++ {
			_ = bbm.Set(int(i))
		}
		if err := writeBlock(gd.blockBitmapLocation, bbm.ToBytes()); err != nil {
			return nil, err
		}

		// inode bitmap: group 0 reserves inodes 1..10, all groups pad past
		// inodesPerGroup with ones
		ibm := bitmap.New(int(blockSize))
		if g == 0 {
			for i := uint32(0); i < originalFirstInode-1; i++ {
				_ = ibm.Set(int(i))
			}
		}
		for i := inodesPerGroup; i < blockSize*8; i++ {
			_ = ibm.Set(int(i))
		}
		if err := writeBlock(gd.inodeBitmapLocation, ibm.ToBytes()); err != nil {
			return nil, err
		}

		// zero the inode table
		for i := uint32(0); i < itbPerGroup; i++ {
			if err := writeBlock(gd.inodeTableLocation+i, zeroBlock); err != nil {
				return nil, err
			}
		}
	}

	// root inode and its directory block
	rootDir := make([]byte, blockSize)
	writeDirent(rootDir, 0, rootInode, uint16(minRecordLength(1)), ".", 0)
	writeDirent(rootDir, minRecordLength(1), rootInode, uint16(int(blockSize)-minRecordLength(1)), "..", 0)
	if err := writeBlock(rootBlock, rootDir); err != nil {
		return nil, err
	}

	root := rawInode{
		mode:   uint16(fileTypeDirectory) | 0o755,
		size:   blockSize,
		atime:  uint32(now.Unix()),
		ctime:  uint32(now.Unix()),
		mtime:  uint32(now.Unix()),
		links:  2,
		blocks: blockSize / 512,
	}
	root.setBlockNumber(0, rootBlock)
	rootBytes := root.toBytes(int(originalInodeSize))
	rootOffset := start + int64(gds.descriptors[0].inodeTableLocation)*int64(blockSize) + int64(rootInode-1)*int64(originalInodeSize)
	if _, err := writable.WriteAt(rootBytes, rootOffset); err != nil {
		return nil, fmt.Errorf("could not write root inode: %w", err)
	}

	// hand back a mounted filesystem over the fresh image
	return Read(b, size, start, sectorsize, "", false)
}

// countFreeBlocks sums the free-blocks field of every descriptor.
func (fs *FileSystem) countFreeBlocks() int64 {
	var count int64
	for i := range fs.groupDescriptors.descriptors {
		count += int64(fs.groupDescriptors.descriptors[i].freeBlocks)
	}
	return count
}

// countFreeInodes sums the free-inodes field of every descriptor.
func (fs *FileSystem) countFreeInodes() int64 {
	var count int64
	for i := range fs.groupDescriptors.descriptors {
		count += int64(fs.groupDescriptors.descriptors[i].freeInodes)
	}
	return count
}

// countDirs sums the used-directories field of every descriptor.
func (fs *FileSystem) countDirs() int64 {
	var count int64
	for i := range fs.groupDescriptors.descriptors {
		count += int64(fs.groupDescriptors.descriptors[i].usedDirectories)
	}
	return count
}

// blockGroupForInode which group holds the given inode
func blockGroupForInode(inodeNumber, inodesPerGroup uint32) uint32 {
	return (inodeNumber - 1) / inodesPerGroup
}

// blockInGroup splits a filesystem block number into its group and the bit
// offset inside the group's bitmap
func (fs *FileSystem) blockInGroup(block uint32) (group, bit uint32) {
	rel := block - fs.sb.firstDataBlock
	return rel / fs.sb.blocksPerGroup, rel % fs.sb.blocksPerGroup
}
