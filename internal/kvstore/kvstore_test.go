package kvstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "meta.db"), 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("a", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "hello" {
		t.Fatalf("got %q", v)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("missing"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestDeleteInvalidatesCache(t *testing.T) {
	s := openTestStore(t)
	_ = s.Put("a", []byte("x"))
	if _, err := s.Get("a"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("a"); err == nil {
		t.Fatalf("expected Get to fail after Delete")
	}
}

func TestContains(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.Contains("a")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatalf("expected false before Put")
	}
	_ = s.Put("a", []byte("v"))
	ok, err = s.Contains("a")
	if err != nil || !ok {
		t.Fatalf("expected true after Put, got %v %v", ok, err)
	}
}

func TestScanPrefix(t *testing.T) {
	s := openTestStore(t)
	_ = s.Put("dentry/1/a", []byte("1"))
	_ = s.Put("dentry/1/b", []byte("2"))
	_ = s.Put("dentry/2/a", []byte("3"))

	var got []string
	err := s.ScanPrefix("dentry/1/", func(key string, val []byte) bool {
		got = append(got, key)
		return true
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys under dentry/1/, got %v", got)
	}
}

func TestBatchAtomicWrite(t *testing.T) {
	s := openTestStore(t)
	err := s.Batch(func(tx *Tx) error {
		if err := tx.Upsert("x", []byte("1")); err != nil {
			return err
		}
		return tx.Upsert("y", []byte("2"))
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	s.InvalidateCache("x")
	s.InvalidateCache("y")
	vx, err := s.Get("x")
	if err != nil || string(vx) != "1" {
		t.Fatalf("expected x=1, got %v %v", vx, err)
	}
}
