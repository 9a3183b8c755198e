package ext2

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/diskfs/go-ext2lite/backend"
	"github.com/diskfs/go-ext2lite/backend/file"
)

const (
	testImageSize   int64 = 8192 * 1024
	testBlockSize         = 1024
	testInodesPerGp       = 2048
)

// testUUID a fixed UUID so codec tests are deterministic
var testUUID = uuid.MustParse("3d79b2b4-9e2d-4b31-b1c4-bf6a94f3d1a5")

// newTestBackend creates a fresh image file in a test temp dir.
func newTestBackend(t *testing.T, size int64) backend.Storage {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ext2.img")
	b, err := file.CreateFromPath(p, size)
	if err != nil {
		t.Fatalf("could not create backing image: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// newTestFS makes a fresh filesystem: one group, 1024-byte blocks, 2048
// inodes, matching the smallest realistic mke2fs layout.
func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	return newTestFSParams(t, testImageSize, &Params{
		UUID:           &testUUID,
		BlockSize:      testBlockSize,
		InodesPerGroup: testInodesPerGp,
	})
}

func newTestFSParams(t *testing.T, size int64, p *Params) *FileSystem {
	t.Helper()
	b := newTestBackend(t, size)
	fs, err := Create(b, size, 0, 0, p)
	if err != nil {
		t.Fatalf("could not create filesystem: %v", err)
	}
	return fs
}

// reopen closes the filesystem and mounts the same backing image again.
func reopen(t *testing.T, fs *FileSystem, options string) *FileSystem {
	t.Helper()
	if err := fs.Close(); err != nil {
		t.Fatalf("could not close filesystem: %v", err)
	}
	// the SubStorage wraps the raw backend; reuse it directly
	fs2, err := Read(fs.backend, fs.size, 0, 0, options, false)
	if err != nil {
		t.Fatalf("could not re-read filesystem: %v", err)
	}
	return fs2
}

// mustWriteFile creates the file and writes contents through a handle.
func mustWriteFile(t *testing.T, fs *FileSystem, p string, contents []byte) {
	t.Helper()
	f, err := fs.OpenFile(p, os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("could not open %s: %v", p, err)
	}
	if len(contents) > 0 {
		n, err := f.Write(contents)
		if err != nil {
			t.Fatalf("could not write %s: %v", p, err)
		}
		if n != len(contents) {
			t.Fatalf("wrote %d bytes to %s instead of %d", n, p, len(contents))
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("could not close %s: %v", p, err)
	}
}

// mustReadFile reads a whole file back.
func mustReadFile(t *testing.T, fs *FileSystem, p string) []byte {
	t.Helper()
	f, err := fs.OpenFile(p, os.O_RDONLY)
	if err != nil {
		t.Fatalf("could not open %s: %v", p, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("could not stat %s: %v", p, err)
	}
	b := make([]byte, info.Size())
	var read int
	for read < len(b) {
		n, err := f.Read(b[read:])
		read += n
		if err != nil {
			break
		}
	}
	if read != len(b) {
		t.Fatalf("read %d bytes of %s instead of %d", read, p, len(b))
	}
	return b
}

// dirRecords walks the raw records of one directory, in on-disk order.
func dirRecords(t *testing.T, fs *FileSystem, p string) []dirent {
	t.Helper()
	in, err := fs.getInode(p)
	if err != nil {
		t.Fatalf("could not resolve %s: %v", p, err)
	}
	defer fs.iput(in)

	var records []dirent
	for n := uint64(0); n < fs.dirPages(in); n++ {
		f, err := fs.getDirFolio(in, n)
		if err != nil {
			t.Fatalf("could not read dir page %d of %s: %v", n, p, err)
		}
		f.mu.Lock()
		limit := fs.lastByte(in, n)
		for offs := 0; offs < limit; {
			d := direntAt(f.data, offs)
			if d.recLen == 0 {
				f.mu.Unlock()
				t.Fatalf("zero-length record in %s at offset %d", p, offs)
			}
			records = append(records, d)
			offs += int(d.recLen)
		}
		f.mu.Unlock()
	}
	return records
}

// inodeOf resolves a path to its inode number.
func inodeOf(t *testing.T, fs *FileSystem, p string) uint32 {
	t.Helper()
	in, err := fs.getInode(p)
	if err != nil {
		t.Fatalf("could not resolve %s: %v", p, err)
	}
	defer fs.iput(in)
	return in.number
}

// testSuperblock a fully populated superblock for codec tests.
func testSuperblock() *superblock {
	return &superblock{
		inodeCount:     2048,
		blockCount:     8192,
		freeBlocks:     7930,
		freeInodes:     2038,
		firstDataBlock: 1,
		blocksPerGroup: 8192,
		fragsPerGroup:  8192,
		inodesPerGroup: 2048,
		mountTime:      time.Unix(0, 0),
		writeTime:      time.Unix(1700000000, 0),
		maxMountCount:  DefaultMaxMountCount,
		state:          stateValid,
		errorsBehavior: errorsContinue,
		lastCheck:      time.Unix(1700000000, 0),
		revisionLevel:  revisionDynamic,
		firstInode:     originalFirstInode,
		inodeSize:      originalInodeSize,
		uuid:           &testUUID,
		volumeLabel:    "testvolume",
		blockSize:      1024,
	}
}
