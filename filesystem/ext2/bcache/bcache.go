// Package bcache is a small buffer cache over a backend.Storage. It hands
// out pinned, lockable, block-sized buffers keyed by block number, the way a
// kernel buffer cache hands out buffer heads. The filesystem mutates buffer
// contents in place, marks them dirty, and either syncs them immediately
// (synchronous mounts) or leaves them for a later cache-wide flush.
package bcache

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-ext2lite/backend"
)

// Cache caches block buffers for a single storage device.
type Cache struct {
	mu        sync.Mutex
	storage   backend.Storage
	blockSize int
	buffers   map[uint64]*Buffer
}

// Buffer is a single pinned block buffer. The lock serialises in-place
// mutation of the data; the pin count keeps the buffer from being evicted
// while a caller holds a reference.
type Buffer struct {
	mu       sync.Mutex
	cache    *Cache
	blockNo  uint64
	data     []byte
	uptodate bool
	dirty    bool
	pins     int
}

// New creates a cache over the given storage with the given block size.
func New(storage backend.Storage, blockSize int) *Cache {
	return &Cache{
		storage:   storage,
		blockSize: blockSize,
		buffers:   map[uint64]*Buffer{},
	}
}

// BlockSize returns the current block size of the cache.
func (c *Cache) BlockSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize
}

// SetBlockSize discards every cached buffer and re-keys the cache with the
// new block size. Dirty buffers must be flushed first; changing the block
// size with dirty data is a caller bug, so it errors.
func (c *Cache) SetBlockSize(blockSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.buffers {
		if b.dirty {
			return fmt.Errorf("cannot change block size to %d: block %d still dirty", blockSize, b.blockNo)
		}
	}
	c.blockSize = blockSize
	c.buffers = map[uint64]*Buffer{}
	return nil
}

// GetBlock returns a pinned buffer for the block without reading it from the
// device. The equivalent of sb_getblk: used when the caller will overwrite
// the whole block.
func (c *Cache) GetBlock(blockNo uint64) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[blockNo]
	if !ok {
		b = &Buffer{
			cache:   c,
			blockNo: blockNo,
			data:    make([]byte, c.blockSize),
		}
		c.buffers[blockNo] = b
	}
	b.pins++
	return b
}

// ReadBlock returns a pinned buffer with the block contents, reading from
// the device if the cached copy is not up to date. The equivalent of
// sb_bread.
func (c *Cache) ReadBlock(blockNo uint64) (*Buffer, error) {
	b := c.GetBlock(blockNo)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uptodate {
		return b, nil
	}
	read, err := c.storage.ReadAt(b.data, int64(blockNo)*int64(c.blockSize))
	if err != nil {
		b.Release()
		return nil, fmt.Errorf("could not read block %d: %w", blockNo, err)
	}
	if read != len(b.data) {
		b.Release()
		return nil, fmt.Errorf("read %d bytes of block %d instead of %d", read, blockNo, len(b.data))
	}
	b.uptodate = true
	return b, nil
}

// Flush writes back every dirty buffer.
func (c *Cache) Flush() error {
	c.mu.Lock()
	dirty := make([]*Buffer, 0)
	for _, b := range c.buffers {
		if b.dirty {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()
	for _, b := range dirty {
		if err := b.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// BlockNo returns the device block number this buffer holds.
func (b *Buffer) BlockNo() uint64 {
	return b.blockNo
}

// Data exposes the buffer bytes for in-place access. Callers mutating the
// data must hold the buffer lock and MarkDirty afterwards.
func (b *Buffer) Data() []byte {
	return b.data
}

// Lock takes the buffer lock.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock drops the buffer lock.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// MarkDirty records that the buffer differs from the device copy.
func (b *Buffer) MarkDirty() {
	b.dirty = true
	b.uptodate = true
}

// Sync writes the buffer to the device and clears the dirty flag.
func (b *Buffer) Sync() error {
	writable, err := b.cache.storage.Writable()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	wrote, err := writable.WriteAt(b.data, int64(b.blockNo)*int64(len(b.data)))
	if err != nil {
		return fmt.Errorf("could not write block %d: %w", b.blockNo, err)
	}
	if wrote != len(b.data) {
		return fmt.Errorf("wrote %d bytes of block %d instead of %d", wrote, b.blockNo, len(b.data))
	}
	b.dirty = false
	return nil
}

// Release drops the caller's pin. An unpinned clean buffer may be dropped
// from the cache.
func (b *Buffer) Release() {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	b.unpin()
}

func (b *Buffer) unpin() {
	b.pins--
	if b.pins <= 0 && !b.dirty {
		delete(b.cache.buffers, b.blockNo)
	}
}
