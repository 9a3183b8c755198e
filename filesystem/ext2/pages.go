package ext2

import (
	"fmt"
	"sync"
)

const (
	pageShift = 12
	// pageSize the unit of the file and directory mapping. At least one
	// chunk (block) always fits in a page.
	pageSize = 1 << pageShift
)

// mapping associates the byte contents of one inode with cached pages, the
// way a kernel address space does: pages are read through the block map,
// written back through it, and carry the directory validation flag.
type mapping struct {
	mu     sync.Mutex
	fs     *FileSystem
	in     *Inode
	folios map[uint64]*folio
}

// folio is one cached page of file data. The lock serialises record-level
// mutations inside the page; checked caches the directory page validation.
type folio struct {
	mu       sync.Mutex
	index    uint64
	data     []byte
	uptodate bool
	checked  bool
	bad      bool
}

func newMapping(fs *FileSystem, in *Inode) *mapping {
	return &mapping{
		fs:     fs,
		in:     in,
		folios: map[uint64]*folio{},
	}
}

func (m *mapping) blocksPerPage() uint64 {
	return pageSize / uint64(m.fs.sb.blockSize)
}

// grabFolio returns the cached folio at the given page index, creating an
// empty one if needed. No disk read happens; use readFolio for that.
func (m *mapping) grabFolio(n uint64) *folio {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folios[n]
	if !ok {
		f = &folio{
			index: n,
			data:  make([]byte, pageSize),
		}
		m.folios[n] = f
	}
	return f
}

// readFolio returns the folio at the given page index with its contents
// read from the mapped blocks. Holes read as zeros.
func (m *mapping) readFolio(n uint64) (*folio, error) {
	f := m.grabFolio(n)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uptodate {
		return f, nil
	}
	if err := m.fill(f); err != nil {
		return nil, err
	}
	return f, nil
}

// fill reads every mapped block overlapping the folio. Called with the
// folio lock held.
func (m *mapping) fill(f *folio) error {
	blockSize := uint64(m.fs.sb.blockSize)
	perPage := m.blocksPerPage()
	base := f.index * perPage
	for j := uint64(0); j < perPage; j++ {
		iblock := int64(base + j)
		if iblock >= int64(directBlockCount) {
			break
		}
		phys := m.fs.bmap(m.in, iblock)
		if phys == 0 {
			continue
		}
		buf, err := m.fs.bcache.ReadBlock(uint64(phys))
		if err != nil {
			return fmt.Errorf("could not read page %d of inode %d: %w", f.index, m.in.number, ErrIO)
		}
		copy(f.data[j*blockSize:(j+1)*blockSize], buf.Data())
		buf.Release()
	}
	f.uptodate = true
	return nil
}

// prepareChunk makes sure every block covering [pos, pos+length) is
// allocated, driving the block allocator through the mapping layer. Called
// with the folio and inode locks held.
func (m *mapping) prepareChunk(f *folio, pos uint64, length int) error {
	if length <= 0 {
		return nil
	}
	if !f.uptodate {
		if err := m.fill(f); err != nil {
			return err
		}
	}
	blockSize := uint64(m.fs.sb.blockSize)
	first := pos / blockSize
	last := (pos + uint64(length) - 1) / blockSize
	for iblock := first; iblock <= last; iblock++ {
		if _, _, _, err := m.fs.getBlocks(m.in, int64(iblock), true); err != nil {
			return err
		}
	}
	return nil
}

// commitChunk writes the blocks covering [pos, pos+length) from the folio
// back to the device, extends the inode size when the range grew the file,
// and bumps the version for readdir revalidation. Called with the folio and
// inode locks held.
func (m *mapping) commitChunk(f *folio, pos uint64, length int) error {
	m.in.version++
	if err := m.writeback(f, pos, length); err != nil {
		return err
	}
	if pos+uint64(length) > m.in.size {
		m.in.size = pos + uint64(length)
		m.in.markDirty()
	}
	return nil
}

// writeback copies the folio bytes of every block overlapping
// [pos, pos+length) into the buffer cache and syncs them.
func (m *mapping) writeback(f *folio, pos uint64, length int) error {
	if length <= 0 {
		return nil
	}
	blockSize := uint64(m.fs.sb.blockSize)
	perPage := m.blocksPerPage()
	pageStart := f.index * pageSize
	first := (pos - pageStart) / blockSize
	last := (pos + uint64(length) - 1 - pageStart) / blockSize
	for j := first; j <= last && j < perPage; j++ {
		iblock := int64(f.index*perPage + j)
		phys := m.fs.bmap(m.in, iblock)
		if phys == 0 {
			return fmt.Errorf("page %d of inode %d has no block mapped at %d: %w", f.index, m.in.number, iblock, ErrIO)
		}
		buf := m.fs.bcache.GetBlock(uint64(phys))
		buf.Lock()
		copy(buf.Data(), f.data[j*blockSize:(j+1)*blockSize])
		buf.MarkDirty()
		buf.Unlock()
		err := buf.Sync()
		buf.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// truncate drops every folio past the new size and zeroes the tail of the
// one straddling it, clearing its validation flag.
func (m *mapping) truncate(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, f := range m.folios {
		start := n * pageSize
		switch {
		case start >= size:
			delete(m.folios, n)
		case start+pageSize > size:
			f.mu.Lock()
			for i := size - start; i < pageSize; i++ {
				f.data[i] = 0
			}
			f.checked = false
			f.mu.Unlock()
		}
	}
}

// evict drops every cached folio; validation flags go with them.
func (m *mapping) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folios = map[uint64]*folio{}
}
