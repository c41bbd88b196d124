package fuseedge

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/handle"
	"github.com/abbycin/junkfs/internal/kvstore"
	"github.com/abbycin/junkfs/internal/mempool"
	"github.com/abbycin/junkfs/internal/meta"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rootIno = fuseops.RootInodeID

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "meta.db"), 1024)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	sc := clock.NewSimulatedClock(time.Unix(1000, 0))
	dataRoot := filepath.Join(dir, "data")
	m, err := meta.Format(kv, 256, 64, dataRoot, meta.Options{Clock: sc})
	if err != nil {
		t.Fatalf("meta.Format: %v", err)
	}
	files, err := filestore.Open(dataRoot, 16)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = files.Close() })
	pool := mempool.New(4 << 20)
	fs := handle.New(m, files, pool, handle.Options{Clock: sc})
	t.Cleanup(func() { _ = fs.Shutdown() })

	return New(fs, discardLogger(), 1000, 1000)
}

func TestMkDirThenLookUpInode(t *testing.T) {
	fsys := newTestFileSystem(t)

	mkdirOp := &fuseops.MkDirOp{Parent: rootIno, Name: "sub", Mode: 0o755}
	if err := fsys.MkDir(mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	lookupOp := &fuseops.LookUpInodeOp{Parent: rootIno, Name: "sub"}
	if err := fsys.LookUpInode(lookupOp); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}
	if lookupOp.Entry.Child != mkdirOp.Entry.Child {
		t.Fatalf("lookup returned ino %d, want %d", lookupOp.Entry.Child, mkdirOp.Entry.Child)
	}
	if !lookupOp.Entry.Attributes.Mode.IsDir() {
		t.Fatalf("expected directory mode, got %v", lookupOp.Entry.Attributes.Mode)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	fsys := newTestFileSystem(t)

	createOp := &fuseops.CreateFileOp{Parent: rootIno, Name: "f", Mode: 0o644}
	if err := fsys.CreateFile(createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	payload := []byte("junkfs write path")
	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: payload}
	if err := fsys.WriteFile(writeOp); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf := make([]byte, len(payload))
	readOp := &fuseops.ReadFileOp{Handle: createOp.Handle, Offset: 0, Dst: buf}
	if err := fsys.ReadFile(readOp); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if readOp.BytesRead != len(payload) || string(buf[:readOp.BytesRead]) != string(payload) {
		t.Fatalf("read back %q, want %q", buf[:readOp.BytesRead], payload)
	}

	if err := fsys.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}); err != nil {
		t.Fatalf("ReleaseFileHandle: %v", err)
	}
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	fsys := newTestFileSystem(t)
	mkdirOp := &fuseops.MkDirOp{Parent: rootIno, Name: "d", Mode: 0o755}
	if err := fsys.MkDir(mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	err := fsys.Unlink(&fuseops.UnlinkOp{Parent: rootIno, Name: "d"})
	if err == nil {
		t.Fatalf("expected Unlink of a directory to fail")
	}
}

func TestRmDirRejectsFile(t *testing.T) {
	fsys := newTestFileSystem(t)
	createOp := &fuseops.CreateFileOp{Parent: rootIno, Name: "f2", Mode: 0o644}
	if err := fsys.CreateFile(createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	err := fsys.RmDir(&fuseops.RmDirOp{Parent: rootIno, Name: "f2"})
	if err == nil {
		t.Fatalf("expected RmDir of a file to fail")
	}
}
