package handle

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/codec"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/kvstore"
	"github.com/abbycin/junkfs/internal/mempool"
	"github.com/abbycin/junkfs/internal/meta"
)

const rootIno = 1

func newTestFs(t *testing.T) (*Fs, *clock.SimulatedClock) {
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
	fs := New(m, files, pool, Options{Clock: sc})
	t.Cleanup(func() { _ = fs.Shutdown() })
	return fs, sc
}

func TestWriteReadFileRoundTrip(t *testing.T) {
	fs, _ := newTestFs(t)
	in, err := fs.Meta().Mknod(rootIno, "a", codec.KindFile, 0o644, 0, 0)
	if err != nil {
		t.Fatalf("Mknod: %v", err)
	}

	fh := fs.OpenFile(in.Ino)
	payload := []byte("hello junkfs")
	n, err := fs.WriteFile(fh, 0, payload)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err = fs.ReadFile(fh, 0, buf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("read back %q, want %q", buf[:n], payload)
	}

	if err := fs.ReleaseFile(fh); err != nil {
		t.Fatalf("ReleaseFile: %v", err)
	}
}

func TestUnlinkWhileOpenDefersFree(t *testing.T) {
	fs, _ := newTestFs(t)
	in, err := fs.Meta().Mknod(rootIno, "b", codec.KindFile, 0o644, 0, 0)
	if err != nil {
		t.Fatalf("Mknod: %v", err)
	}

	fh := fs.OpenFile(in.Ino)
	if _, err := fs.Unlink(rootIno, "b"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if !fs.Meta().IsOrphan(in.Ino) {
		t.Fatalf("expected inode %d to be orphaned while handle is open", in.Ino)
	}
	if err := fs.ReleaseFile(fh); err != nil {
		t.Fatalf("ReleaseFile: %v", err)
	}
}

func TestOpenDirReadDirSeesEntries(t *testing.T) {
	fs, _ := newTestFs(t)
	if _, err := fs.Meta().Mknod(rootIno, "c1", codec.KindFile, 0o644, 0, 0); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if _, err := fs.Meta().Mknod(rootIno, "c2", codec.KindFile, 0o644, 0, 0); err != nil {
		t.Fatalf("Mknod: %v", err)
	}

	names, err := fs.Meta().ListDir(rootIno)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	entries := make([]DirEntry, 0, len(names))
	for _, de := range names {
		in, err := fs.Meta().GetInode(de.Ino)
		if err != nil {
			t.Fatalf("GetInode: %v", err)
		}
		entries = append(entries, DirEntry{Name: de.Name, Ino: de.Ino, Kind: in.Kind})
	}

	dh := fs.OpenDir(rootIno, entries)
	seen := map[string]bool{}
	for {
		e, ok := fs.ReadDir(dh)
		if !ok {
			break
		}
		seen[e.Name] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("ReadDir missed entries: %+v", seen)
	}
	if err := fs.ReleaseDir(dh); err != nil {
		t.Fatalf("ReleaseDir: %v", err)
	}
}
