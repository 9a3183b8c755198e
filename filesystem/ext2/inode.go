package ext2

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/diskfs/go-ext2lite/filesystem/ext2/bcache"
)

type fileType uint16

const (
	fileTypeFifo            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xa000
	fileTypeSocket          fileType = 0xc000

	// permission and special bits within the mode
	modePermissionsMask uint16 = 0x0fff

	// directBlockCount how many direct block slots an inode carries
	directBlockCount int = 12
	// blockArraySize the full i_block array: 12 direct slots plus the three
	// reserved indirect slots we never use. A fast symlink target must fit
	// in here.
	blockArraySize int = 60
)

// parseFileType from the uint16 mode. The bottom 12 bits are permission
// flags resolved via AND; the top 4 bits are the single file type.
func parseFileType(mode uint16) fileType {
	return fileType(mode & 0xf000)
}

// rawInode is the 128-byte on-disk inode record. The block array is kept as
// raw little-endian bytes; only the direct slots are ever interpreted.
type rawInode struct {
	mode       uint16
	uid        uint16
	size       uint32
	atime      uint32
	ctime      uint32
	mtime      uint32
	dtime      uint32
	gid        uint16
	links      uint16
	blocks     uint32
	flags      uint32
	block      [blockArraySize]byte
	generation uint32
	fileACL    uint32
	dirACL     uint32
	fragAddr   uint32
}

// rawInodeFromBytes create a rawInode struct from bytes
func rawInodeFromBytes(b []byte) (*rawInode, error) {
	if len(b) < int(originalInodeSize) {
		return nil, fmt.Errorf("inode data too short: %d bytes, must be min %d bytes", len(b), originalInodeSize)
	}
	ri := rawInode{
		mode:       binary.LittleEndian.Uint16(b[0x0:0x2]),
		uid:        binary.LittleEndian.Uint16(b[0x2:0x4]),
		size:       binary.LittleEndian.Uint32(b[0x4:0x8]),
		atime:      binary.LittleEndian.Uint32(b[0x8:0xc]),
		ctime:      binary.LittleEndian.Uint32(b[0xc:0x10]),
		mtime:      binary.LittleEndian.Uint32(b[0x10:0x14]),
		dtime:      binary.LittleEndian.Uint32(b[0x14:0x18]),
		gid:        binary.LittleEndian.Uint16(b[0x18:0x1a]),
		links:      binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		blocks:     binary.LittleEndian.Uint32(b[0x1c:0x20]),
		flags:      binary.LittleEndian.Uint32(b[0x20:0x24]),
		generation: binary.LittleEndian.Uint32(b[0x64:0x68]),
		fileACL:    binary.LittleEndian.Uint32(b[0x68:0x6c]),
		dirACL:     binary.LittleEndian.Uint32(b[0x6c:0x70]),
		fragAddr:   binary.LittleEndian.Uint32(b[0x70:0x74]),
	}
	copy(ri.block[:], b[0x28:0x64])
	return &ri, nil
}

// toBytes returns an inode record ready to be written to disk. The record is
// padded to inodeSize; fields past the classic 128 bytes stay zero.
func (ri *rawInode) toBytes(inodeSize int) []byte {
	if inodeSize < int(originalInodeSize) {
		inodeSize = int(originalInodeSize)
	}
	b := make([]byte, inodeSize)
	binary.LittleEndian.PutUint16(b[0x0:0x2], ri.mode)
	binary.LittleEndian.PutUint16(b[0x2:0x4], ri.uid)
	binary.LittleEndian.PutUint32(b[0x4:0x8], ri.size)
	binary.LittleEndian.PutUint32(b[0x8:0xc], ri.atime)
	binary.LittleEndian.PutUint32(b[0xc:0x10], ri.ctime)
	binary.LittleEndian.PutUint32(b[0x10:0x14], ri.mtime)
	binary.LittleEndian.PutUint32(b[0x14:0x18], ri.dtime)
	binary.LittleEndian.PutUint16(b[0x18:0x1a], ri.gid)
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], ri.links)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], ri.blocks)
	binary.LittleEndian.PutUint32(b[0x20:0x24], ri.flags)
	copy(b[0x28:0x64], ri.block[:])
	binary.LittleEndian.PutUint32(b[0x64:0x68], ri.generation)
	binary.LittleEndian.PutUint32(b[0x68:0x6c], ri.fileACL)
	binary.LittleEndian.PutUint32(b[0x6c:0x70], ri.dirACL)
	binary.LittleEndian.PutUint32(b[0x70:0x74], ri.fragAddr)
	return b
}

func (ri *rawInode) blockNumber(i int) uint32 {
	return binary.LittleEndian.Uint32(ri.block[i*4 : i*4+4])
}

func (ri *rawInode) setBlockNumber(i int, v uint32) {
	binary.LittleEndian.PutUint32(ri.block[i*4:i*4+4], v)
}

// inodeState tracks the lifecycle of an in-memory inode against its on-disk
// record.
type inodeState uint8

const (
	// inodeLoaded read from disk and matching it
	inodeLoaded inodeState = iota
	// inodeNew just allocated, never written back
	inodeNew
	// inodeDirty modified since the last writeback
	inodeDirty
)

// Inode is the in-memory inode. The direct-block array is kept in its
// on-disk little-endian form so writeback copies it verbatim; everything
// else is in native types. The lock is held by the dispatcher around any
// mutating operation.
type Inode struct {
	mu sync.Mutex
	fs *FileSystem

	number       uint32
	fileType     fileType
	perm         uint16
	uid          uint16
	gid          uint16
	size         uint64
	accessTime   time.Time
	changeTime   time.Time
	modifyTime   time.Time
	deletionTime uint32
	links        uint16
	blocks       uint32 // in 512-byte units
	flags        uint32
	data         [blockArraySize]byte

	state      inodeState
	blockGroup uint32
	refs       int
	// version bumps on every directory mutation, for readdir revalidation
	version uint64

	pages *mapping
	ops   inodeOps
}

// blockN reads direct slot i out of the little-endian array.
func (in *Inode) blockN(i int) uint32 {
	return binary.LittleEndian.Uint32(in.data[i*4 : i*4+4])
}

// setBlockN writes direct slot i in little-endian form.
func (in *Inode) setBlockN(i int, v uint32) {
	binary.LittleEndian.PutUint32(in.data[i*4:i*4+4], v)
}

// markDirty flags the inode as needing writeback.
func (in *Inode) markDirty() {
	if in.state != inodeNew {
		in.state = inodeDirty
	}
}

// isFastSymlink a symlink whose target lives in the block array itself.
func (in *Inode) isFastSymlink() bool {
	return in.fileType == fileTypeSymbolicLink && in.blocks == 0
}

func (in *Inode) mode() uint16 {
	return uint16(in.fileType) | in.perm
}

// inodeLocation translates an inode number into its group, the block of the
// group's inode table holding it, and the byte offset inside that block.
func (fs *FileSystem) inodeLocation(ino uint32) (group, block, offset uint32, err error) {
	// the root inode is permitted below firstInode
	if (ino != rootInode && ino < fs.sb.firstInode) || ino > fs.sb.inodeCount || ino == 0 {
		return 0, 0, 0, fs.fsError("inodeLocation", "bad inode number: %d", ino)
	}
	group = blockGroupForInode(ino, fs.sb.inodesPerGroup)
	gd, err := fs.getGroupDesc(group)
	if err != nil {
		return 0, 0, 0, err
	}
	byteOffset := ((ino - 1) % fs.sb.inodesPerGroup) * uint32(fs.sb.inodeSize)
	block = gd.inodeTableLocation + byteOffset/fs.sb.blockSize
	offset = byteOffset % fs.sb.blockSize
	return group, block, offset, nil
}

// getRawInode reads the on-disk record for the inode through the buffer
// cache. The returned buffer is pinned; the caller releases it.
func (fs *FileSystem) getRawInode(ino uint32) (*rawInode, *rawInodeRef, error) {
	_, block, offset, err := fs.inodeLocation(ino)
	if err != nil {
		return nil, nil, err
	}
	buf, err := fs.bcache.ReadBlock(uint64(block))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read inode block - inode=%d, block=%d: %w", ino, block, ErrIO)
	}
	ri, err := rawInodeFromBytes(buf.Data()[offset : offset+uint32(fs.sb.inodeSize)])
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return ri, &rawInodeRef{buf: buf, offset: offset, inodeSize: int(fs.sb.inodeSize)}, nil
}

// rawInodeRef keeps the pinned inode-table buffer for an inode record so a
// writeback can splice the record into place.
type rawInodeRef struct {
	buf       *bcache.Buffer
	offset    uint32
	inodeSize int
}

func (r *rawInodeRef) release() {
	r.buf.Release()
}

// iget returns the in-memory inode for ino, reading it from disk on a cache
// miss. Every iget is paired with an iput.
func (fs *FileSystem) iget(ino uint32) (*Inode, error) {
	fs.icacheMu.Lock()
	if in, ok := fs.icache[ino]; ok {
		in.refs++
		fs.icacheMu.Unlock()
		return in, nil
	}
	fs.icacheMu.Unlock()

	fs.logger.Debugf("request to get ino: %d", ino)
	ri, ref, err := fs.getRawInode(ino)
	if err != nil {
		return nil, err
	}
	ref.release()

	in := &Inode{
		fs:         fs,
		number:     ino,
		fileType:   parseFileType(ri.mode),
		perm:       ri.mode & modePermissionsMask,
		uid:        ri.uid,
		gid:        ri.gid,
		size:       uint64(ri.size),
		accessTime: time.Unix(int64(int32(ri.atime)), 0),
		changeTime: time.Unix(int64(int32(ri.ctime)), 0),
		modifyTime: time.Unix(int64(int32(ri.mtime)), 0),
		links:      ri.links,
		blocks:     ri.blocks,
		flags:      ri.flags,
		state:      inodeLoaded,
		blockGroup: blockGroupForInode(ino, fs.sb.inodesPerGroup),
		refs:       1,
	}
	// the block array stays in on-disk little-endian order; no byteswap
	in.data = ri.block
	in.pages = newMapping(fs, in)
	fs.setInodeOps(in)

	fs.icacheMu.Lock()
	if existing, ok := fs.icache[ino]; ok {
		// another goroutine loaded it first
		existing.refs++
		fs.icacheMu.Unlock()
		return existing, nil
	}
	fs.icache[ino] = in
	fs.icacheMu.Unlock()
	return in, nil
}

// setInodeOps selects the operation table for the inode's type.
func (fs *FileSystem) setInodeOps(in *Inode) {
	switch in.fileType {
	case fileTypeDirectory:
		in.ops = &directoryOps{fs: fs}
	case fileTypeRegularFile:
		in.ops = &fileOps{fs: fs}
	case fileTypeSymbolicLink:
		if in.isFastSymlink() {
			in.ops = &symlinkFastOps{fs: fs}
		} else {
			in.ops = &symlinkPageOps{fs: fs}
		}
	default:
		in.ops = &specialOps{fs: fs}
	}
}

// iput drops one reference. When the last reference goes and the inode has
// no links left, the inode is evicted: truncated to zero, stamped with its
// deletion time, written back, and its bitmap bit freed.
func (fs *FileSystem) iput(in *Inode) {
	fs.icacheMu.Lock()
	in.refs--
	if in.refs > 0 {
		fs.icacheMu.Unlock()
		return
	}
	delete(fs.icache, in.number)
	fs.icacheMu.Unlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.links == 0 && !fs.ReadOnly() {
		fs.evictInode(in)
		return
	}
	if in.state != inodeLoaded && !fs.ReadOnly() {
		if err := fs.writeInodeLocked(in); err != nil {
			fs.logger.Errorf("could not write back inode %d: %v", in.number, err)
		}
	}
}

// evictInode is the deletion path for an inode whose link count reached
// zero: stamp dtime, write the record, release the data blocks, free the
// bitmap bit. Called with the inode lock held.
func (fs *FileSystem) evictInode(in *Inode) {
	in.deletionTime = uint32(time.Now().Unix())
	in.markDirty()
	if err := fs.writeInodeLocked(in); err != nil {
		fs.logger.Errorf("could not write inode %d for eviction: %v", in.number, err)
	}
	in.size = 0
	if in.blocks != 0 {
		fs.truncateBlocks(in, 0)
		if err := fs.writeInodeLocked(in); err != nil {
			fs.logger.Errorf("could not write truncated inode %d: %v", in.number, err)
		}
	}
	in.pages.evict()
	fs.freeInode(in)
}

// writeInodeLocked writes the in-memory inode back to its slot in the inode
// table. Fields the in-memory inode does not carry are zeroed for inodes
// that were never on disk. Called with the inode lock held.
func (fs *FileSystem) writeInodeLocked(in *Inode) error {
	if fs.ReadOnly() {
		return nil
	}
	ri, ref, err := fs.getRawInode(in.number)
	if err != nil {
		return err
	}
	defer ref.release()

	if in.state == inodeNew {
		*ri = rawInode{}
	}
	ri.mode = in.mode()
	ri.uid = in.uid
	ri.gid = in.gid
	ri.size = uint32(in.size)
	ri.atime = uint32(in.accessTime.Unix())
	ri.ctime = uint32(in.changeTime.Unix())
	ri.mtime = uint32(in.modifyTime.Unix())
	ri.dtime = in.deletionTime
	ri.links = in.links
	ri.blocks = in.blocks
	ri.flags = in.flags
	// the in-memory array is already little-endian; copy verbatim
	ri.block = in.data

	ref.buf.Lock()
	copy(ref.buf.Data()[ref.offset:], ri.toBytes(ref.inodeSize))
	ref.buf.MarkDirty()
	ref.buf.Unlock()
	if fs.synchronous {
		if err := ref.buf.Sync(); err != nil {
			return fmt.Errorf("IO error syncing inode %d: %w", in.number, err)
		}
	}
	in.state = inodeLoaded
	return nil
}
