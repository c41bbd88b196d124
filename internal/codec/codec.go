// Package codec implements the fixed-width little-endian binary encoding
// used for every value junkfs persists in the KV store: inodes, dentries,
// the superblock, and inode-allocation bitmaps. All numeric fields are
// fixed width; the one string field (SuperBlock.DataRoot) is
// length-prefixed.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/abbycin/junkfs/internal/bitmap"
)

// ErrShort is returned when a buffer is too small to decode the expected
// record, which the filestore/meta layers surface as data corruption.
var ErrShort = errors.New("codec: buffer too short")

// Kind enumerates the inode types junkfs supports.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Inode is the fixed-width on-disk representation of an inode record.
type Inode struct {
	Ino    uint64
	Parent uint64
	Kind   Kind
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Atime  int64 // unix nanos
	Mtime  int64
	Ctime  int64
	Length uint64
	Links  uint32
}

const inodeSize = 8 + 8 + 1 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4

// EncodeInode serializes an Inode to its fixed-width binary form.
func EncodeInode(in *Inode) []byte {
	buf := make([]byte, inodeSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], in.Ino)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], in.Parent)
	o += 8
	buf[o] = byte(in.Kind)
	o++
	binary.LittleEndian.PutUint32(buf[o:], in.Mode)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], in.Uid)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], in.Gid)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(in.Atime))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(in.Mtime))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(in.Ctime))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], in.Length)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], in.Links)
	return buf
}

// DecodeInode parses an Inode from its fixed-width binary form.
func DecodeInode(buf []byte) (*Inode, error) {
	if len(buf) < inodeSize {
		return nil, fmt.Errorf("%w: inode wants %d bytes, got %d", ErrShort, inodeSize, len(buf))
	}
	o := 0
	in := &Inode{}
	in.Ino = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	in.Parent = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	in.Kind = Kind(buf[o])
	o++
	in.Mode = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	in.Uid = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	in.Gid = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	in.Atime = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	in.Mtime = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	in.Ctime = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	in.Length = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	in.Links = binary.LittleEndian.Uint32(buf[o:])
	return in, nil
}

// Dentry is the decoded form of a `d_<parent>_<name>` value: just the
// target inode number. The parent and name live in the key, per spec.
type Dentry struct {
	Ino uint64
}

// EncodeDentry serializes a Dentry.
func EncodeDentry(d *Dentry) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, d.Ino)
	return buf
}

// DecodeDentry parses a Dentry.
func DecodeDentry(buf []byte) (*Dentry, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: dentry wants 8 bytes, got %d", ErrShort, len(buf))
	}
	return &Dentry{Ino: binary.LittleEndian.Uint64(buf)}, nil
}

// SuperBlock is the filesystem-wide metadata record stored under key "sb".
type SuperBlock struct {
	Version     uint32
	TotalInodes uint64
	GroupSize   uint64
	DataRoot    string
}

// EncodeSuperBlock serializes a SuperBlock.
func EncodeSuperBlock(sb *SuperBlock) []byte {
	root := []byte(sb.DataRoot)
	buf := make([]byte, 4+8+8+4+len(root))
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], sb.Version)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], sb.TotalInodes)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], sb.GroupSize)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(root)))
	o += 4
	copy(buf[o:], root)
	return buf
}

// DecodeSuperBlock parses a SuperBlock.
func DecodeSuperBlock(buf []byte) (*SuperBlock, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("%w: superblock header wants 24 bytes, got %d", ErrShort, len(buf))
	}
	o := 0
	sb := &SuperBlock{}
	sb.Version = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	sb.TotalInodes = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	sb.GroupSize = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	n := binary.LittleEndian.Uint32(buf[o:])
	o += 4
	if uint32(len(buf)-o) < n {
		return nil, fmt.Errorf("%w: superblock data-root truncated", ErrShort)
	}
	sb.DataRoot = string(buf[o : o+int(n)])
	return sb, nil
}

// EncodeBitMap64 serializes a bitmap as its bit capacity followed by its
// backing words.
func EncodeBitMap64(b *bitmap.BitMap64) []byte {
	buf := make([]byte, 8+8*len(b.Words))
	binary.LittleEndian.PutUint64(buf, b.Cap)
	for i, w := range b.Words {
		binary.LittleEndian.PutUint64(buf[8+i*8:], w)
	}
	return buf
}

// DecodeBitMap64 parses a bitmap previously written by EncodeBitMap64.
func DecodeBitMap64(buf []byte) (*bitmap.BitMap64, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: bitmap header wants 8 bytes, got %d", ErrShort, len(buf))
	}
	cap := binary.LittleEndian.Uint64(buf)
	rest := buf[8:]
	wantWords := (cap + 63) / 64
	if uint64(len(rest)) < wantWords*8 {
		return nil, fmt.Errorf("%w: bitmap body truncated", ErrShort)
	}
	words := make([]uint64, wantWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(rest[i*8:])
	}
	return &bitmap.BitMap64{Words: words, Cap: cap}, nil
}
