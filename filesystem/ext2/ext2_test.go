package ext2

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/diskfs/go-ext2lite/backend/file"
	"github.com/diskfs/go-ext2lite/filesystem"
	"github.com/diskfs/go-ext2lite/testhelper"
)

// The end-to-end scenarios mount a freshly created image with 1024-byte
// blocks, one block group, 8192 blocks and 2048 inodes, and drive the whole
// stack through the public API.

func TestFreshImageLayout(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	if fs.groupCount != 1 {
		t.Fatalf("group count = %d, expected 1", fs.groupCount)
	}
	if got := inodeOf(t, fs, "/"); got != rootInode {
		t.Errorf("root inode = %d, expected %d", got, rootInode)
	}

	st := fs.Statfs()
	// overhead: first data block, superblock backup, gdt backup, two
	// bitmaps and the inode table
	overhead := uint64(1) + 1 + uint64(fs.gdbCount) + 2 + uint64(fs.itbPerGroup)
	if st.Blocks != 8192-overhead {
		t.Errorf("statfs blocks = %d, expected %d", st.Blocks, 8192-overhead)
	}
	// every block but the overhead and the root directory block is free
	if st.BlocksFree != 8192-overhead-1 {
		t.Errorf("statfs free blocks = %d, expected %d", st.BlocksFree, 8192-overhead-1)
	}
	if st.Inodes != testInodesPerGp {
		t.Errorf("statfs inodes = %d, expected %d", st.Inodes, testInodesPerGp)
	}
	if st.NameLength != maxNameLength {
		t.Errorf("statfs name length = %d, expected %d", st.NameLength, maxNameLength)
	}
	if st.FSID != fs.sb.fsid() || st.FSID == 0 {
		t.Errorf("statfs fsid = %x", st.FSID)
	}

	// the root directory is one chunk: "." then ".." stretched to its end
	records := dirRecords(t, fs, "/")
	if len(records) != 2 {
		t.Fatalf("root has %d records, expected 2", len(records))
	}
	if records[0].name != "." || records[0].recLen != 12 {
		t.Errorf(`root "." = %q/%d, expected "."/12`, records[0].name, records[0].recLen)
	}
	if records[1].name != ".." || int(records[1].recLen) != int(fs.sb.blockSize)-12 {
		t.Errorf(`root ".." = %q/%d, expected ".."/%d`, records[1].name, records[1].recLen, fs.sb.blockSize-12)
	}
}

func TestCreateAndWriteFirstFile(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	freeBefore := fs.Statfs().BlocksFree

	payload := bytes.Repeat([]byte{0xaa}, 1024)
	mustWriteFile(t, fs, "/hello", payload)

	if got := inodeOf(t, fs, "/hello"); got != fs.sb.firstInode {
		t.Errorf("first created file got inode %d, expected %d", got, fs.sb.firstInode)
	}

	in, err := fs.getInode("/hello")
	if err != nil {
		t.Fatalf("could not get /hello: %v", err)
	}
	if in.blocks != 2 {
		t.Errorf("blocks count = %d, expected 2 sectors", in.blocks)
	}
	if in.blockN(0) == 0 {
		t.Errorf("direct slot 0 empty after write")
	}
	for i := 1; i < directBlockCount; i++ {
		if in.blockN(i) != 0 {
			t.Errorf("direct slot %d = %d, expected 0", i, in.blockN(i))
		}
	}
	fs.iput(in)

	if got := fs.Statfs().BlocksFree; got != freeBefore-1 {
		t.Errorf("free blocks = %d, expected %d", got, freeBefore-1)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	mustWriteFile(t, fs, "/data", payload)

	got := mustReadFile(t, fs, "/data")
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %d bytes differ from written", len(got))
	}

	// and across a remount
	fs = reopen(t, fs, "")
	defer fs.Close()
	got = mustReadFile(t, fs, "/data")
	if !bytes.Equal(got, payload) {
		t.Errorf("read after remount differs from written")
	}
}

func TestUnlinkKeepsSiblings(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatalf("could not mkdir: %v", err)
	}
	mustWriteFile(t, fs, "/d/a", nil)
	mustWriteFile(t, fs, "/d/b", nil)

	freeBefore := fs.Statfs().BlocksFree
	sizeBefore, _ := fs.Stat("/d")

	if err := fs.Remove("/d/a"); err != nil {
		t.Fatalf("could not remove /d/a: %v", err)
	}

	info, err := fs.Stat("/d")
	if err != nil {
		t.Fatalf("could not stat /d: %v", err)
	}
	if info.Size() != sizeBefore.Size() {
		t.Errorf("/d size changed: %d -> %d", sizeBefore.Size(), info.Size())
	}
	if got := fs.Statfs().BlocksFree; got != freeBefore {
		t.Errorf("free blocks changed by unlink: %d -> %d", freeBefore, got)
	}

	entries, err := fs.ReadDir("/d")
	if err != nil {
		t.Fatalf("could not read /d: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "b" {
		t.Errorf("directory entries after unlink: %v", entries)
	}
}

func TestSyncFSIdempotent(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/f", bytes.Repeat([]byte{1}, 2048))
	if err := fs.SyncFS(true); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first := readImage(t, fs)
	if err := fs.SyncFS(true); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	second := readImage(t, fs)
	if !bytes.Equal(first, second) {
		t.Errorf("two consecutive syncs produced different images")
	}
}

// readImage pulls the whole backing image through the backend.
func readImage(t *testing.T, fs *FileSystem) []byte {
	t.Helper()
	b := make([]byte, fs.size)
	read, err := fs.backend.ReadAt(b, 0)
	if err != nil {
		t.Fatalf("could not read image: %v", err)
	}
	if int64(read) != fs.size {
		t.Fatalf("read %d bytes of image instead of %d", read, fs.size)
	}
	return b
}

func TestRenameWithinDirectory(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	payload := []byte("rename payload")
	mustWriteFile(t, fs, "/a", payload)
	ino := inodeOf(t, fs, "/a")

	if err := fs.Rename("/a", "/b"); err != nil {
		t.Fatalf("could not rename: %v", err)
	}
	if _, err := fs.Stat("/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still resolves after rename")
	}
	if got := inodeOf(t, fs, "/b"); got != ino {
		t.Errorf("rename moved to inode %d, expected %d", got, ino)
	}

	// renaming back keeps the number of records
	before := dirRecords(t, fs, "/")
	if err := fs.Rename("/b", "/a"); err != nil {
		t.Fatalf("could not rename back: %v", err)
	}
	if got := inodeOf(t, fs, "/a"); got != ino {
		t.Errorf("rename back moved to inode %d, expected %d", got, ino)
	}
	if !bytes.Equal(mustReadFile(t, fs, "/a"), payload) {
		t.Errorf("contents changed across rename round trip")
	}
	after := dirRecords(t, fs, "/")
	// "a" is split off the ".." record again, so offsets and lengths differ
	// from the snapshot taken between the renames; the count does not
	if len(before) != len(after) {
		t.Fatalf("record count changed: %d -> %d", len(before), len(after))
	}
}

func TestRenameReplacesTarget(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/src", []byte("source"))
	mustWriteFile(t, fs, "/dst", []byte("destination"))
	srcIno := inodeOf(t, fs, "/src")

	if err := fs.Rename("/src", "/dst"); err != nil {
		t.Fatalf("could not rename over existing: %v", err)
	}
	if got := inodeOf(t, fs, "/dst"); got != srcIno {
		t.Errorf("target records inode %d, expected source %d", got, srcIno)
	}
	if got := mustReadFile(t, fs, "/dst"); string(got) != "source" {
		t.Errorf("target contents = %q, expected source", got)
	}
}

func TestRenameNoReplace(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/src", nil)
	mustWriteFile(t, fs, "/dst", nil)
	if err := fs.RenameFlags("/src", "/dst", RenameNoReplace); !errors.Is(err, ErrExists) {
		t.Errorf("noreplace rename returned %v, expected exists", err)
	}
}

func TestRenameDirectoryAcrossParents(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	if err := fs.Mkdir("/a"); err != nil {
		t.Fatalf("could not mkdir /a: %v", err)
	}
	if err := fs.Mkdir("/b"); err != nil {
		t.Fatalf("could not mkdir /b: %v", err)
	}
	mustWriteFile(t, fs, "/a/inner", nil)

	rootLinks := func() uint16 {
		in, err := fs.iget(rootInode)
		if err != nil {
			t.Fatalf("could not get root: %v", err)
		}
		defer fs.iput(in)
		return in.links
	}
	linksOf := func(p string) uint16 {
		in, err := fs.getInode(p)
		if err != nil {
			t.Fatalf("could not get %s: %v", p, err)
		}
		defer fs.iput(in)
		return in.links
	}

	rootBefore := rootLinks()
	bBefore := linksOf("/b")
	aLinks := linksOf("/a")

	if err := fs.Rename("/a", "/b/a"); err != nil {
		t.Fatalf("could not rename directory: %v", err)
	}

	// ".." of the moved directory now points at the new parent
	in, err := fs.getInode("/b/a")
	if err != nil {
		t.Fatalf("could not get /b/a: %v", err)
	}
	ref, err := fs.dotdot(in)
	if err != nil {
		t.Fatalf("could not read ..: %v", err)
	}
	bIno := inodeOf(t, fs, "/b")
	if ref.ino != bIno {
		t.Errorf(`".." points at %d, expected new parent %d`, ref.ino, bIno)
	}
	if in.links != aLinks {
		t.Errorf("moved directory links = %d, expected unchanged %d", in.links, aLinks)
	}
	fs.iput(in)

	if got := rootLinks(); got != rootBefore-1 {
		t.Errorf("old parent links = %d, expected %d", got, rootBefore-1)
	}
	if got := linksOf("/b"); got != bBefore+1 {
		t.Errorf("new parent links = %d, expected %d", got, bBefore+1)
	}

	// the tree is reachable through the new path
	if _, err := fs.Stat("/b/a/inner"); err != nil {
		t.Errorf("could not stat moved child: %v", err)
	}
}

func TestLink(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/orig", []byte("shared"))
	if err := fs.Link("/orig", "/alias"); err != nil {
		t.Fatalf("could not link: %v", err)
	}
	if inodeOf(t, fs, "/orig") != inodeOf(t, fs, "/alias") {
		t.Errorf("link points at a different inode")
	}

	in, err := fs.getInode("/orig")
	if err != nil {
		t.Fatalf("could not get /orig: %v", err)
	}
	if in.links != 2 {
		t.Errorf("links = %d after link, expected 2", in.links)
	}
	fs.iput(in)

	// dropping one name keeps the data alive through the other
	if err := fs.Remove("/orig"); err != nil {
		t.Fatalf("could not remove /orig: %v", err)
	}
	if got := mustReadFile(t, fs, "/alias"); string(got) != "shared" {
		t.Errorf("alias contents = %q after unlinking original", got)
	}
}

func TestSymlinkFastAndSlow(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	// short target: stored inline, no data blocks
	if err := fs.Symlink("/target", "/fast"); err != nil {
		t.Fatalf("could not create fast symlink: %v", err)
	}
	in, err := fs.getInode("/fast")
	if err != nil {
		t.Fatalf("could not get /fast: %v", err)
	}
	if !in.isFastSymlink() {
		t.Errorf("short symlink is not fast")
	}
	fs.iput(in)
	if got, err := fs.Readlink("/fast"); err != nil || got != "/target" {
		t.Errorf("readlink fast = %q, %v", got, err)
	}

	// boundary: exactly the block array size still fits inline
	atLimit := "/" + strings.Repeat("x", blockArraySize-1)
	if err := fs.Symlink(atLimit, "/limit"); err != nil {
		t.Fatalf("could not create at-limit symlink: %v", err)
	}
	in, err = fs.getInode("/limit")
	if err != nil {
		t.Fatalf("could not get /limit: %v", err)
	}
	if !in.isFastSymlink() {
		t.Errorf("symlink of %d bytes is not fast", blockArraySize)
	}
	fs.iput(in)

	// longer than the array: stored through the mapping
	long := "/" + strings.Repeat("y", 100)
	if err := fs.Symlink(long, "/slow"); err != nil {
		t.Fatalf("could not create slow symlink: %v", err)
	}
	in, err = fs.getInode("/slow")
	if err != nil {
		t.Fatalf("could not get /slow: %v", err)
	}
	if in.isFastSymlink() {
		t.Errorf("long symlink stored inline")
	}
	if in.blocks == 0 {
		t.Errorf("slow symlink has no data blocks")
	}
	fs.iput(in)
	if got, err := fs.Readlink("/slow"); err != nil || got != long {
		t.Errorf("readlink slow = %q, %v", got, err)
	}

	// longer than a block: refused
	tooLong := strings.Repeat("z", int(fs.sb.blockSize)+1)
	if err := fs.Symlink(tooLong, "/toolong"); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("oversized symlink returned %v, expected name-too-long", err)
	}

	// symlinks survive a remount
	fs = reopen(t, fs, "")
	defer fs.Close()
	if got, err := fs.Readlink("/fast"); err != nil || got != "/target" {
		t.Errorf("readlink fast after remount = %q, %v", got, err)
	}
	if got, err := fs.Readlink("/slow"); err != nil || got != long {
		t.Errorf("readlink slow after remount = %q, %v", got, err)
	}
}

func TestOpenFileFollowsSymlink(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/real", []byte("behind the link"))
	if err := fs.Symlink("real", "/link"); err != nil {
		t.Fatalf("could not symlink: %v", err)
	}
	got := mustReadFile(t, fs, "/link")
	if string(got) != "behind the link" {
		t.Errorf("read through symlink = %q", got)
	}
}

func TestMknodAndSpecialOps(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mode := uint32(fileTypeCharacterDevice) | 0o600
	if err := fs.Mknod("/dev0", mode, 0x0103); err != nil {
		t.Fatalf("could not mknod: %v", err)
	}
	in, err := fs.getInode("/dev0")
	if err != nil {
		t.Fatalf("could not get /dev0: %v", err)
	}
	if in.fileType != fileTypeCharacterDevice {
		t.Errorf("mknod type = %x", in.fileType)
	}
	if dev := decodeDevice(in); dev != 0x0103 {
		t.Errorf("device number = %x, expected 0103", dev)
	}
	if _, ok := in.ops.(*specialOps); !ok {
		t.Errorf("special file did not get special operations")
	}
	fs.iput(in)

	// special files answer attribute changes but not size changes
	if err := fs.Chmod("/dev0", 0o640); err != nil {
		t.Errorf("chmod on device failed: %v", err)
	}
	if err := fs.Truncate("/dev0", 100); err == nil {
		t.Errorf("truncate on device succeeded")
	}
}

func TestChmodChownStat(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	mustWriteFile(t, fs, "/f", nil)
	if err := fs.Chmod("/f", 0o600); err != nil {
		t.Fatalf("could not chmod: %v", err)
	}
	if err := fs.Chown("/f", 1000, 1000); err != nil {
		t.Fatalf("could not chown: %v", err)
	}

	fs = reopen(t, fs, "")
	defer fs.Close()
	info, err := fs.Stat("/f")
	if err != nil {
		t.Fatalf("could not stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, expected 600", info.Mode().Perm())
	}
	in, err := fs.getInode("/f")
	if err != nil {
		t.Fatalf("could not get /f: %v", err)
	}
	if in.uid != 1000 || in.gid != 1000 {
		t.Errorf("owner = %d:%d, expected 1000:1000", in.uid, in.gid)
	}
	fs.iput(in)
}

func TestLabels(t *testing.T) {
	fs := newTestFSParams(t, testImageSize, &Params{
		BlockSize:      testBlockSize,
		InodesPerGroup: testInodesPerGp,
		VolumeName:     "labeltest",
	})
	defer fs.Close()

	if got := fs.Label(); got != "labeltest" {
		t.Errorf("label = %q, expected labeltest", got)
	}
	if err := fs.SetLabel("renamed"); err != nil {
		t.Fatalf("could not set label: %v", err)
	}
	fs = reopen(t, fs, "")
	defer fs.Close()
	if got := fs.Label(); got != "renamed" {
		t.Errorf("label after remount = %q, expected renamed", got)
	}
}

func TestType(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()
	if fs.Type() != filesystem.TypeExt2 {
		t.Errorf("Type() = %v, expected TypeExt2", fs.Type())
	}
}

func TestReadOnlyMountRejectsWrites(t *testing.T) {
	fs := newTestFS(t)
	mustWriteFile(t, fs, "/f", nil)
	if err := fs.Close(); err != nil {
		t.Fatalf("could not close: %v", err)
	}

	ro, err := Read(fs.backend, fs.size, 0, 0, "", true)
	if err != nil {
		t.Fatalf("could not mount read-only: %v", err)
	}
	defer ro.Close()

	if err := ro.Mkdir("/nope"); !errors.Is(err, filesystem.ErrReadonlyFilesystem) {
		t.Errorf("mkdir on ro mount returned %v", err)
	}
	if err := ro.Remove("/f"); !errors.Is(err, filesystem.ErrReadonlyFilesystem) {
		t.Errorf("remove on ro mount returned %v", err)
	}
	if _, err := ro.OpenFile("/f", os.O_RDWR); !errors.Is(err, filesystem.ErrReadonlyFilesystem) {
		t.Errorf("rw open on ro mount returned %v", err)
	}
	if _, err := ro.OpenFile("/f", os.O_RDONLY); err != nil {
		t.Errorf("ro open on ro mount failed: %v", err)
	}
}

func TestRemountRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	defer fs.Close()

	if err := fs.Remount(true, ""); err != nil {
		t.Fatalf("could not remount ro: %v", err)
	}
	if !fs.ReadOnly() {
		t.Errorf("filesystem not read-only after remount")
	}
	if err := fs.Mkdir("/nope"); !errors.Is(err, filesystem.ErrReadonlyFilesystem) {
		t.Errorf("mkdir after remount-ro returned %v", err)
	}

	if err := fs.Remount(false, ""); err != nil {
		t.Fatalf("could not remount rw: %v", err)
	}
	if fs.ReadOnly() {
		t.Errorf("filesystem still read-only after remount rw")
	}
	if err := fs.Mkdir("/yes"); err != nil {
		t.Errorf("mkdir after remount-rw failed: %v", err)
	}
}

func TestMountIOFailure(t *testing.T) {
	// a device that fails every read cannot be mounted
	failing := file.New(&testhelper.FileImpl{
		Reader: func(_ []byte, _ int64) (int, error) {
			return 0, errors.New("injected read failure")
		},
		Writer: func(b []byte, _ int64) (int, error) {
			return len(b), nil
		},
	}, false)
	if _, err := Read(failing, testImageSize, 0, 0, "", false); err == nil {
		t.Errorf("mount over failing device succeeded")
	}
}

func TestMountRejectsFeatures(t *testing.T) {
	fs := newTestFS(t)
	fs.Close()

	// flip a feature bit in the superblock and remount
	fs.sbMu.Lock()
	fs.sb.featureIncompat = 0x4
	raw := fs.sb.toBytes()
	fs.sbMu.Unlock()
	writable, err := fs.backend.Writable()
	if err != nil {
		t.Fatalf("could not get writable backend: %v", err)
	}
	if _, err := writable.WriteAt(raw, superblockOffset); err != nil {
		t.Fatalf("could not rewrite superblock: %v", err)
	}

	if _, err := Read(fs.backend, fs.size, 0, 0, "", false); !errors.Is(err, ErrInvalid) {
		t.Errorf("mount with feature bits returned %v, expected invalid", err)
	}
}
