package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteEntriesThenReadAt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 4096)
	if err := s.WriteEntries(42, []Entry{{Off: 0, Data: data}}, true); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := s.ReadAt(42, 0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4096 || !bytes.Equal(buf, data) {
		t.Fatalf("read mismatch: n=%d", n)
	}
}

func TestReadAtMissingFileReturnsZero(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 16)
	n, err := s.ReadAt(7, 0, buf)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestShardPathLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteEntries(0x1234, []Entry{{Off: 0, Data: []byte("x")}}, true); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	want := filepath.Join(dir, "34", "12", "4660")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected data file at %s: %v", want, err)
	}
}

func TestSetLenTruncatesAndExtends(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetLen(1, 8192); err != nil {
		t.Fatalf("SetLen grow: %v", err)
	}
	_, path := s.shardPath(1)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 8192 {
		t.Fatalf("expected size 8192, got %d", info.Size())
	}
	if err := s.SetLen(1, 100); err != nil {
		t.Fatalf("SetLen shrink: %v", err)
	}
	info, _ = os.Stat(path)
	if info.Size() != 100 {
		t.Fatalf("expected size 100, got %d", info.Size())
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteEntries(9, []Entry{{Off: 0, Data: []byte("x")}}, true); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	if err := s.Unlink(9); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := s.Unlink(9); err != nil {
		t.Fatalf("Unlink missing should be a no-op: %v", err)
	}
}

func TestWriteEntriesCoalescesAdjacent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := bytes.Repeat([]byte{1}, 4096)
	b := bytes.Repeat([]byte{2}, 4096)
	err = s.WriteEntries(3, []Entry{
		{Off: 0, Data: a},
		{Off: 4096, Data: b},
	}, true)
	if err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	buf := make([]byte, 8192)
	n, err := s.ReadAt(3, 0, buf)
	if err != nil || n != 8192 {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf[:4096], a) || !bytes.Equal(buf[4096:], b) {
		t.Fatalf("unexpected content after coalesced write")
	}
}

func TestFDCacheEvictsUnderCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for ino := uint64(1); ino <= 5; ino++ {
		if err := s.WriteEntries(ino, []Entry{{Off: 0, Data: []byte("x")}}, false); err != nil {
			t.Fatalf("WriteEntries(%d): %v", ino, err)
		}
	}
	if s.fds.Len() > 2 {
		t.Fatalf("expected fd cache capped at 2, got %d", s.fds.Len())
	}
	// Data must still be readable even though the fd was evicted and
	// reopened.
	buf := make([]byte, 1)
	if _, err := s.ReadAt(1, 0, buf); err != nil {
		t.Fatalf("ReadAt after eviction: %v", err)
	}
}
