package codec

import (
	"testing"

	"github.com/abbycin/junkfs/internal/bitmap"
)

func TestInodeRoundTrip(t *testing.T) {
	in := &Inode{
		Ino: 42, Parent: 1, Kind: KindFile, Mode: 0o644,
		Uid: 1000, Gid: 1000, Atime: 111, Mtime: 222, Ctime: 333,
		Length: 4096, Links: 1,
	}
	got, err := DecodeInode(EncodeInode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *in {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, in)
	}
}

func TestInodeDecodeShort(t *testing.T) {
	if _, err := DecodeInode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestDentryRoundTrip(t *testing.T) {
	d := &Dentry{Ino: 7}
	got, err := DecodeDentry(EncodeDentry(d))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *d {
		t.Fatalf("round trip mismatch")
	}
}

func TestSuperBlockRoundTrip(t *testing.T) {
	sb := &SuperBlock{Version: 1, TotalInodes: 1 << 21, GroupSize: 4096, DataRoot: "/var/junkfs/data"}
	got, err := DecodeSuperBlock(EncodeSuperBlock(sb))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *sb {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, sb)
	}
}

func TestBitMap64RoundTrip(t *testing.T) {
	b := bitmap.New(130)
	b.Set(5)
	b.Set(129)
	got, err := DecodeBitMap64(EncodeBitMap64(b))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Cap != b.Cap {
		t.Fatalf("cap mismatch")
	}
	if !got.Test(5) || !got.Test(129) {
		t.Fatalf("expected bits 5 and 129 set")
	}
	if got.Test(6) {
		t.Fatalf("bit 6 should be clear")
	}
}
