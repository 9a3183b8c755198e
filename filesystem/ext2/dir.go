package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Directories are stored as variable-length records packed into chunks the
// size of one filesystem block. A record never crosses a chunk boundary,
// and the last record of a chunk is extended to reach its end. A record
// with inode 0 is a free slot whose rec_len still accounts for its space.

const (
	// direntHeaderSize bytes before the name: inode, rec_len, name_len,
	// file_type
	direntHeaderSize = 8
)

// minRecordLength the canonical record length for a name of n bytes:
// header plus name, rounded up to 4.
func minRecordLength(nameLen int) int {
	return (direntHeaderSize + nameLen + 3) &^ 3
}

// chunkSize the unit of directory record integrity, equal to one block.
func (fs *FileSystem) chunkSize() uint32 {
	return fs.sb.blockSize
}

// dirent is one decoded directory record.
type dirent struct {
	ino     uint32
	recLen  uint16
	nameLen uint8
	ftype   uint8
	name    string
}

// direntAt decodes the record at off. The name is copied out.
func direntAt(b []byte, off int) dirent {
	d := dirent{
		ino:     binary.LittleEndian.Uint32(b[off : off+4]),
		recLen:  binary.LittleEndian.Uint16(b[off+4 : off+6]),
		nameLen: b[off+6],
		ftype:   b[off+7],
	}
	nameEnd := off + direntHeaderSize + int(d.nameLen)
	if nameEnd <= len(b) {
		d.name = string(b[off+direntHeaderSize : nameEnd])
	}
	return d
}

// writeDirent encodes a full record at off.
func writeDirent(b []byte, off int, ino uint32, recLen uint16, name string, ftype uint8) {
	binary.LittleEndian.PutUint32(b[off:off+4], ino)
	binary.LittleEndian.PutUint16(b[off+4:off+6], recLen)
	b[off+6] = uint8(len(name))
	b[off+7] = ftype
	copy(b[off+direntHeaderSize:], name)
}

// dirEntryRef names one record inside a directory folio: the page, the
// offset of the record in it, and the decoded fields. The folio reference
// stays valid until the directory is truncated or evicted; callers are done
// with it when the operation returns.
type dirEntryRef struct {
	folio  *folio
	page   uint64
	offset int
	dirent
}

// pos the byte position of the record in the directory file
func (r *dirEntryRef) pos() uint64 {
	return r.page*pageSize + uint64(r.offset)
}

// dirPages how many mapping pages the directory occupies
func (fs *FileSystem) dirPages(in *Inode) uint64 {
	return (in.size + pageSize - 1) / pageSize
}

// lastByte the offset just past the final valid byte in page n
func (fs *FileSystem) lastByte(in *Inode, n uint64) int {
	last := in.size - n*pageSize
	if last > pageSize {
		last = pageSize
	}
	return int(last)
}

// checkDirFolio validates every record of a directory page once: minimal
// and aligned lengths, names that fit their records, no chunk-crossing
// records, inode numbers in range, and record offsets that land exactly on
// the page limit. A page that fails is flagged bad and skipped afterwards.
// Called with the folio lock held.
func (fs *FileSystem) checkDirFolio(in *Inode, f *folio) bool {
	chunk := int(fs.chunkSize())
	maxInumber := fs.sb.inodeCount
	limit := pageSize
	kaddr := f.data

	if in.size < (f.index+1)*pageSize {
		limit = int(in.size - f.index*pageSize)
		if limit&(chunk-1) != 0 {
			_ = fs.fsError("checkDirFolio", "size of directory #%d is not a multiple of chunk size", in.number)
			return false
		}
		if limit == 0 {
			return true
		}
	}

	var (
		offs    int
		recLen  int
		errName string
		d       dirent
	)
	for offs = 0; offs <= limit-minRecordLength(1); offs += recLen {
		d = direntAt(kaddr, offs)
		recLen = int(d.recLen)

		switch {
		case recLen < minRecordLength(1):
			errName = "rec_len is smaller than minimal"
		case recLen&3 != 0:
			errName = "unaligned directory entry"
		case recLen < minRecordLength(int(d.nameLen)):
			errName = "rec_len is too small for name_len"
		case ((offs+recLen-1)^offs)&^(chunk-1) != 0:
			errName = "directory entry across blocks"
		case d.ino > maxInumber:
			errName = "inode out of bounds"
		}
		if errName != "" {
			_ = fs.fsError("checkDirFolio", "bad entry in directory #%d: %s - offset=%d, inode=%d, rec_len=%d, name_len=%d",
				in.number, errName, f.index*pageSize+uint64(offs), d.ino, recLen, d.nameLen)
			return false
		}
	}
	if offs != limit {
		_ = fs.fsError("checkDirFolio", "entry in directory #%d spans the page boundary offset=%d, inode=%d",
			in.number, f.index*pageSize+uint64(offs), d.ino)
		return false
	}
	return true
}

// getDirFolio returns the checked folio at page n of the directory,
// validating it on first access since it was read.
func (fs *FileSystem) getDirFolio(in *Inode, n uint64) (*folio, error) {
	f, err := in.pages.readFolio(n)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !f.checked {
		if fs.checkDirFolio(in, f) {
			f.checked = true
		} else {
			f.bad = true
			f.checked = true
		}
	}
	bad := f.bad
	f.mu.Unlock()
	if bad {
		return nil, fmt.Errorf("bad page %d in directory %d: %w", n, in.number, ErrIO)
	}
	return f, nil
}

// findEntry scans the directory for the record with the wanted name,
// returning a reference carrying the folio alongside the decoded record so
// the caller can mutate it in place.
//
// Called with the directory inode lock held by the dispatcher.
func (fs *FileSystem) findEntry(in *Inode, name string) (*dirEntryRef, error) {
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("name %q: %w", name, ErrNameTooLong)
	}
	npages := fs.dirPages(in)
	if npages == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	reclen := minRecordLength(len(name))

	for n := uint64(0); n < npages; n++ {
		f, err := fs.getDirFolio(in, n)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		limit := fs.lastByte(in, n) - reclen
		for offs := 0; offs <= limit; {
			d := direntAt(f.data, offs)
			if d.recLen == 0 {
				f.mu.Unlock()
				return nil, fs.fsError("findEntry", "zero-length directory entry in #%d", in.number)
			}
			if d.ino != 0 && int(d.nameLen) == len(name) && d.name == name {
				ref := &dirEntryRef{folio: f, page: n, offset: offs, dirent: d}
				f.mu.Unlock()
				return ref, nil
			}
			offs += int(d.recLen)
		}
		f.mu.Unlock()
	}
	return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
}

// inodeByName resolves a name in the directory to its inode number.
func (fs *FileSystem) inodeByName(in *Inode, name string) (uint32, error) {
	ref, err := fs.findEntry(in, name)
	if err != nil {
		return 0, err
	}
	return ref.ino, nil
}

// dotdot returns the ".." record: the entry following "." in page 0.
func (fs *FileSystem) dotdot(in *Inode) (*dirEntryRef, error) {
	f, err := fs.getDirFolio(in, 0)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dot := direntAt(f.data, 0)
	if dot.recLen == 0 {
		return nil, fs.fsError("dotdot", "zero-length directory entry in #%d", in.number)
	}
	offs := int(dot.recLen)
	d := direntAt(f.data, offs)
	return &dirEntryRef{folio: f, page: 0, offset: offs, dirent: d}, nil
}

// setLink atomically repoints an existing record at another inode.
//
// Called with the directory inode lock held by the dispatcher.
func (fs *FileSystem) setLink(dir *Inode, ref *dirEntryRef, ino uint32, updateTimes bool) error {
	pos := ref.pos()

	ref.folio.mu.Lock()
	// the record may have been resized since the reference was taken;
	// always trust the bytes in the folio
	length := int(direntAt(ref.folio.data, ref.offset).recLen)
	if err := dir.pages.prepareChunk(ref.folio, pos, length); err != nil {
		ref.folio.mu.Unlock()
		return err
	}
	binary.LittleEndian.PutUint32(ref.folio.data[ref.offset:ref.offset+4], ino)
	ref.folio.data[ref.offset+7] = 0
	err := dir.pages.commitChunk(ref.folio, pos, length)
	ref.folio.mu.Unlock()
	if err != nil {
		return err
	}
	ref.ino = ino

	if updateTimes {
		now := time.Now()
		dir.modifyTime = now
		dir.changeTime = now
	}
	dir.markDirty()
	return fs.writeInodeLocked(dir)
}

// addLink inserts a record for name pointing at ino. It reuses the first
// free slot large enough, splits an in-use record with spare tail space, or
// appends a fresh chunk past end-of-file, which drives block allocation
// through the mapping layer. A live record with the same name is EEXIST.
//
// Called with the directory inode lock held by the dispatcher.
//
//nolint:gocyclo // the slot scan mirrors the on-disk walk; accept it
func (fs *FileSystem) addLink(dir *Inode, name string, ino uint32) error {
	if len(name) == 0 {
		return fmt.Errorf("empty name: %w", ErrInvalid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name %q: %w", name, ErrNameTooLong)
	}

	chunk := int(fs.chunkSize())
	reclen := minRecordLength(len(name))
	npages := fs.dirPages(dir)

	// the append case plays outside i_size, so the scan includes one page
	// past the end
	for n := uint64(0); n <= npages; n++ {
		var (
			f   *folio
			err error
		)
		if n < npages {
			f, err = fs.getDirFolio(dir, n)
		} else {
			f, err = dir.pages.readFolio(n)
		}
		if err != nil {
			return err
		}

		f.mu.Lock()
		dirEnd := 0
		if dir.size > n*pageSize {
			dirEnd = fs.lastByte(dir, n)
		}

		var (
			slotOffs   = -1
			slotLen    int
			splitAt    int // length of the in-use head when splitting
			foundAtEnd bool
		)
		for offs := 0; offs <= pageSize-reclen; {
			if offs == dirEnd {
				// we hit i_size: start a fresh chunk here
				slotOffs, slotLen, foundAtEnd = offs, chunk, true
				break
			}
			d := direntAt(f.data, offs)
			if d.recLen == 0 {
				f.mu.Unlock()
				return fs.fsError("addLink", "zero-length directory entry in #%d", dir.number)
			}
			if d.ino != 0 && int(d.nameLen) == len(name) && d.name == name {
				f.mu.Unlock()
				return fmt.Errorf("%q: %w", name, ErrExists)
			}
			nameLen := minRecordLength(int(d.nameLen))
			recLen := int(d.recLen)
			if d.ino == 0 && recLen >= reclen {
				slotOffs, slotLen = offs, recLen
				break
			}
			if recLen >= nameLen+reclen {
				slotOffs, slotLen, splitAt = offs, recLen, nameLen
				break
			}
			offs += recLen
		}

		if slotOffs < 0 {
			f.mu.Unlock()
			continue
		}

		pos := n*pageSize + uint64(slotOffs)
		if err := dir.pages.prepareChunk(f, pos, slotLen); err != nil {
			f.mu.Unlock()
			if foundAtEnd && errors.Is(err, ErrInvalid) {
				// the directory cannot grow past its direct blocks
				return fmt.Errorf("directory %d is full: %w", dir.number, ErrNoSpace)
			}
			return err
		}

		writeOffs := slotOffs
		writeLen := slotLen
		if splitAt > 0 {
			// shrink the in-use record to its actual length and put the
			// new record in the freed tail
			binary.LittleEndian.PutUint16(f.data[slotOffs+4:slotOffs+6], uint16(splitAt))
			writeOffs = slotOffs + splitAt
			writeLen = slotLen - splitAt
		}
		writeDirent(f.data, writeOffs, ino, uint16(writeLen), name, 0)
		err = dir.pages.commitChunk(f, pos, slotLen)
		f.mu.Unlock()
		if err != nil {
			return err
		}

		now := time.Now()
		dir.modifyTime = now
		dir.changeTime = now
		dir.markDirty()
		return fs.writeInodeLocked(dir)
	}

	return fs.fsError("addLink", "no slot found in directory #%d and no page appended", dir.number)
}

// deleteEntry removes a record by merging it into the preceding record of
// its chunk. A record at the head of its chunk has no predecessor; it
// becomes a tombstone keeping its rec_len.
//
// Called with the directory inode lock held by the dispatcher.
func (fs *FileSystem) deleteEntry(dir *Inode, ref *dirEntryRef) error {
	chunk := int(fs.chunkSize())
	f := ref.folio

	f.mu.Lock()
	from := ref.offset &^ (chunk - 1)
	// re-read the live record; its rec_len may have changed since the
	// reference was taken
	to := ref.offset + int(direntAt(f.data, ref.offset).recLen)
	pde := -1
	for offs := from; offs < ref.offset; {
		d := direntAt(f.data, offs)
		if d.recLen == 0 {
			f.mu.Unlock()
			return fs.fsError("deleteEntry", "zero-length directory entry in #%d", dir.number)
		}
		pde = offs
		offs += int(d.recLen)
	}
	if pde >= 0 {
		from = pde
	}

	pos := ref.page*pageSize + uint64(from)
	if err := dir.pages.prepareChunk(f, pos, to-from); err != nil {
		f.mu.Unlock()
		return err
	}
	if pde >= 0 {
		binary.LittleEndian.PutUint16(f.data[pde+4:pde+6], uint16(to-from))
	}
	binary.LittleEndian.PutUint32(f.data[ref.offset:ref.offset+4], 0)
	err := dir.pages.commitChunk(f, pos, to-from)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	now := time.Now()
	dir.modifyTime = now
	dir.changeTime = now
	dir.markDirty()
	return fs.writeInodeLocked(dir)
}

// makeEmpty writes the first chunk of a fresh directory: "." pointing at
// itself and ".." pointing at the parent, with ".." extended to the end of
// the chunk.
//
// Called with the new inode lock held by the dispatcher.
func (fs *FileSystem) makeEmpty(in *Inode, parent *Inode) error {
	chunk := int(fs.chunkSize())
	f := in.pages.grabFolio(0)

	f.mu.Lock()
	if err := in.pages.prepareChunk(f, 0, chunk); err != nil {
		f.mu.Unlock()
		return err
	}
	for i := 0; i < chunk; i++ {
		f.data[i] = 0
	}
	writeDirent(f.data, 0, in.number, uint16(minRecordLength(1)), ".", 0)
	writeDirent(f.data, minRecordLength(1), parent.number, uint16(chunk-minRecordLength(1)), "..", 0)
	err := in.pages.commitChunk(f, 0, chunk)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	in.markDirty()
	return fs.writeInodeLocked(in)
}

// emptyDir reports whether the directory holds nothing but "." and "..".
// Any scan failure counts as not empty, which keeps rmdir from destroying a
// directory it cannot fully read.
func (fs *FileSystem) emptyDir(in *Inode) bool {
	npages := fs.dirPages(in)
	for n := uint64(0); n < npages; n++ {
		f, err := fs.getDirFolio(in, n)
		if err != nil {
			return false
		}
		f.mu.Lock()
		limit := fs.lastByte(in, n) - minRecordLength(1)
		for offs := 0; offs <= limit; {
			d := direntAt(f.data, offs)
			if d.recLen == 0 {
				f.mu.Unlock()
				_ = fs.fsError("emptyDir", "zero-length directory entry in #%d", in.number)
				return false
			}
			if d.ino != 0 {
				if d.nameLen == 0 || d.name[0] != '.' {
					f.mu.Unlock()
					return false
				}
				if d.nameLen > 2 {
					f.mu.Unlock()
					return false
				}
				if d.nameLen < 2 {
					// "." must point back at the directory itself
					if d.ino != in.number {
						f.mu.Unlock()
						return false
					}
				} else if d.name[1] != '.' {
					f.mu.Unlock()
					return false
				}
			}
			offs += int(d.recLen)
		}
		f.mu.Unlock()
	}
	return true
}

// DirContext is the opaque readdir position: a byte offset plus the
// directory version it was valid against.
type DirContext struct {
	Pos     uint64
	version uint64
	started bool
}

// validateEntry re-walks the chunk containing offset record-by-record and
// returns the nearest valid record offset at or past it, for a position
// taken before the directory changed.
func validateEntry(base []byte, offset, chunkMask int) int {
	p := offset & chunkMask
	for p < offset {
		d := direntAt(base, p)
		if d.recLen == 0 {
			break
		}
		p += int(d.recLen)
	}
	return p
}

// iterateDir emits (name, inode, type) for each live record, advancing the
// context by each record's rec_len. If the directory changed since the
// context was last used, the position is revalidated against chunk
// boundaries first. The emit function returns false to stop early.
func (fs *FileSystem) iterateDir(in *Inode, ctx *DirContext, emit func(name string, ino uint32, ftype uint8) bool) error {
	if in.fileType != fileTypeDirectory {
		return fmt.Errorf("inode %d: %w", in.number, ErrNotDirectory)
	}
	if in.size < uint64(minRecordLength(1)) || ctx.Pos > in.size-uint64(minRecordLength(1)) {
		return nil
	}

	chunkMask := ^(int(fs.chunkSize()) - 1)
	offset := int(ctx.Pos & (pageSize - 1))
	n := ctx.Pos >> pageShift
	npages := fs.dirPages(in)
	needRevalidate := !ctx.started || ctx.version != in.version

	for ; n < npages; n, offset = n+1, 0 {
		f, err := fs.getDirFolio(in, n)
		if err != nil {
			ctx.Pos += pageSize - uint64(offset)
			return fmt.Errorf("bad page in #%d: %w", in.number, err)
		}
		f.mu.Lock()
		if needRevalidate {
			if offset != 0 {
				offset = validateEntry(f.data, offset, chunkMask)
				ctx.Pos = n<<pageShift + uint64(offset)
			}
			ctx.version = in.version
			ctx.started = true
			needRevalidate = false
		}
		limit := fs.lastByte(in, n) - minRecordLength(1)
		for offs := offset; offs <= limit; {
			d := direntAt(f.data, offs)
			if d.recLen == 0 {
				f.mu.Unlock()
				return fs.fsError("iterateDir", "zero-length directory entry in #%d", in.number)
			}
			cont := true
			if d.ino != 0 {
				cont = emit(d.name, d.ino, d.ftype)
			}
			// the position moves past an emitted record even on early
			// stop, so the next call does not replay it
			ctx.Pos += uint64(d.recLen)
			offs += int(d.recLen)
			if !cont {
				f.mu.Unlock()
				return nil
			}
		}
		f.mu.Unlock()
	}
	return nil
}
