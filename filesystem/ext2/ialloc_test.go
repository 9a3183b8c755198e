package ext2

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/diskfs/go-ext2lite/util/bitmap"
)

func TestNewInodeNumbering(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	root, err := fs.iget(rootInode)
	if err != nil {
		t.Fatalf("could not get root: %v", err)
	}
	defer fs.iput(root)

	// the first allocation on a fresh filesystem takes the first
	// non-reserved inode
	in, err := fs.newInode(root, uint16(fileTypeRegularFile)|0o644)
	if err != nil {
		t.Fatalf("could not allocate inode: %v", err)
	}
	if in.number != fs.sb.firstInode {
		t.Errorf("first allocated inode = %d, expected %d", in.number, fs.sb.firstInode)
	}
	if in.state != inodeNew {
		t.Errorf("fresh inode state = %d, expected new", in.state)
	}
	if in.links != 1 {
		t.Errorf("fresh inode links = %d, expected 1", in.links)
	}
	if in.size != 0 || in.blocks != 0 {
		t.Errorf("fresh inode size/blocks = %d/%d, expected 0/0", in.size, in.blocks)
	}
	for i := 0; i < directBlockCount; i++ {
		if in.blockN(i) != 0 {
			t.Errorf("fresh inode direct slot %d = %d, expected 0", i, in.blockN(i))
		}
	}

	in.mu.Lock()
	in.links = 0
	in.mu.Unlock()
	fs.iput(in)
}

func TestNewInodeCounters(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	freeBefore := fs.freeInodesCount.Count()
	dirsBefore := fs.dirsCount.Count()

	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatalf("could not mkdir: %v", err)
	}
	if got := fs.freeInodesCount.Count(); got != freeBefore-1 {
		t.Errorf("free inodes %d after mkdir, expected %d", got, freeBefore-1)
	}
	if got := fs.dirsCount.Count(); got != dirsBefore+1 {
		t.Errorf("dirs counter %d after mkdir, expected %d", got, dirsBefore+1)
	}

	if err := fs.Remove("/sub"); err != nil {
		t.Fatalf("could not rmdir: %v", err)
	}
	if got := fs.freeInodesCount.Count(); got != freeBefore {
		t.Errorf("free inodes %d after rmdir, expected %d", got, freeBefore)
	}
	if got := fs.dirsCount.Count(); got != dirsBefore {
		t.Errorf("dirs counter %d after rmdir, expected %d", got, dirsBefore)
	}
}

func TestInodeBitmapMatchesCounters(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	for i := 0; i < 5; i++ {
		mustWriteFile(t, fs, fmt.Sprintf("/f%d", i), nil)
	}

	var free int64
	for g := uint32(0); g < fs.groupCount; g++ {
		buf, err := fs.readInodeBitmap(g)
		if err != nil {
			t.Fatalf("could not read inode bitmap: %v", err)
		}
		free += int64(bitmap.Wrap(buf.Data()).CountZero(int(fs.sb.inodesPerGroup)))
		buf.Release()
	}
	if free != fs.countFreeInodes() {
		t.Errorf("bitmap free inodes %d != descriptor sum %d", free, fs.countFreeInodes())
	}
	if free != fs.freeInodesCount.Count() {
		t.Errorf("bitmap free inodes %d != global counter %d", free, fs.freeInodesCount.Count())
	}
}

func TestInodeExhaustion(t *testing.T) {
	// 64 inodes per group, one group: 54 creatable files after the
	// reserved inodes
	fs := newTestFSParams(t, 1024*1024, &Params{BlockSize: 1024, InodesPerGroup: 64})
	defer fs.Close()

	capacity := int(fs.sb.inodeCount - (originalFirstInode - 1))
	for i := 0; i < capacity; i++ {
		mustWriteFile(t, fs, fmt.Sprintf("/f%d", i), nil)
	}

	// one more must fail with no-space
	_, err := fs.OpenFile("/overflow", os.O_CREATE|os.O_RDWR)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("create beyond inode capacity returned %v, expected no-space", err)
	}

	// every earlier file is still reachable
	for i := 0; i < capacity; i++ {
		if _, err := fs.Stat(fmt.Sprintf("/f%d", i)); err != nil {
			t.Errorf("file /f%d unreadable after exhaustion: %v", i, err)
		}
	}

	// the bitmap is completely full
	buf, err := fs.readInodeBitmap(0)
	if err != nil {
		t.Fatalf("could not read inode bitmap: %v", err)
	}
	defer buf.Release()
	if got := bitmap.Wrap(buf.Data()).CountSet(int(fs.sb.inodesPerGroup)); got != int(fs.sb.inodesPerGroup) {
		t.Errorf("inode bitmap popcount %d, expected %d", got, fs.sb.inodesPerGroup)
	}
}

func TestCreateWithNoFreeBlocks(t *testing.T) {
	// small filesystem: exhaust the blocks, then create a zero-byte file
	fs := newTestFSParams(t, 256*1024, &Params{BlockSize: 1024, InodesPerGroup: 64})
	defer fs.Close()

	root, err := fs.iget(rootInode)
	if err != nil {
		t.Fatalf("could not get root: %v", err)
	}
	root.mu.Lock()
	for {
		_, count, err := fs.newBlocks(root, 64)
		if err != nil {
			break
		}
		root.blocks += uint32(count) * fs.sb.blockSize / 512
	}
	root.mu.Unlock()
	fs.iput(root)

	// an inode slot still exists, so the create succeeds as a zero-byte
	// file
	mustWriteFile(t, fs, "/empty", nil)
	info, err := fs.Stat("/empty")
	if err != nil {
		t.Fatalf("could not stat /empty: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("zero-byte file has size %d", info.Size())
	}
}

func TestFreeInodeReuse(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/a", nil)
	ino := inodeOf(t, fs, "/a")
	if err := fs.Remove("/a"); err != nil {
		t.Fatalf("could not remove: %v", err)
	}

	// the freed slot is the first zero bit again
	mustWriteFile(t, fs, "/b", nil)
	if got := inodeOf(t, fs, "/b"); got != ino {
		t.Errorf("reallocated inode %d, expected reuse of %d", got, ino)
	}
}
