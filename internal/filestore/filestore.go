// Package filestore manages the one-sparse-file-per-inode data plane
// described in spec.md §4.4: a sharded directory tree, a capacity-bounded
// fd LRU, and pwritev-based coalesced writes. It is grounded on gcsfuse's
// lease.FileLeaser (an LRU over open temp-file descriptors, evicting least
// recently used on overflow) adapted from leasing temporary GCS object
// content to owning one permanent sparse file per inode.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/abbycin/junkfs/internal/fserrors"
	"github.com/abbycin/junkfs/internal/lru"
)

// DefaultFDCacheCapacity is the fd LRU capacity spec.md §4.4 specifies.
const DefaultFDCacheCapacity = 256

// Entry is one write: len(Data) bytes located at Off within the inode's data
// file. WriteEntries writes entries in the order given and coalesces runs of
// adjacent entries (each starting where the previous one ends).
type Entry struct {
	Off  int64
	Data []byte
}

// Store owns the sharded per-inode data files under Root.
type Store struct {
	root string

	mu  sync.Mutex
	fds *lru.Cache[uint64, *os.File]
}

// Open prepares a Store rooted at root, creating it if necessary. fdCap
// bounds the number of simultaneously open file descriptors.
func Open(root string, fdCap int) (*Store, error) {
	if fdCap <= 0 {
		fdCap = DefaultFDCacheCapacity
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fserrors.Wrap("filestore.Open", fserrors.KindCorruption, err)
	}
	s := &Store{root: root}
	s.fds = lru.New[uint64, *os.File](fdCap, func(_ uint64, f *os.File) {
		_ = f.Sync()
		_ = f.Close()
	})
	return s, nil
}

// shardPath returns <root>/<s1>/<s2>/<ino>, where s1/s2 are the two
// low-order bytes of ino rendered as 2-digit hex, per spec.md §6's
// persisted-state layout.
func (s *Store) shardPath(ino uint64) (dir, path string) {
	s1 := fmt.Sprintf("%02x", byte(ino))
	s2 := fmt.Sprintf("%02x", byte(ino>>8))
	dir = filepath.Join(s.root, s1, s2)
	path = filepath.Join(dir, strconv.FormatUint(ino, 10))
	return dir, path
}

// ensureDir creates dir (and its parent shard level) if absent, fsyncing
// the new directory and its parent so the directory entry reaches stable
// storage before any data write lands in it (spec.md §4.4).
func (s *Store) ensureDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	return fsyncDir(parent)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// openFD returns the open *os.File for ino, creating the sharded directory
// and the file (RW, no truncate) on first use, and caching the descriptor
// in the fd LRU.
func (s *Store) openFD(ino uint64) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fds.Get(ino); ok {
		return f, nil
	}

	dir, path := s.shardPath(ino)
	if err := s.ensureDir(dir); err != nil {
		return nil, fserrors.Wrap("filestore.openFD", fserrors.KindCorruption, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fserrors.Wrap("filestore.openFD", fserrors.KindCorruption, err)
	}
	s.fds.Put(ino, f)
	return f, nil
}

// WriteEntries coalesces consecutive entries (prev.Off+len(prev.Data) ==
// next.Off) into iovecs and issues pwritev calls, capped at IOV_MAX vectors
// per call. Each pwritev must account for the whole requested byte count or
// the write is reported as short (KindCorruption).
func (s *Store) WriteEntries(ino uint64, entries []Entry, sync bool) error {
	if len(entries) == 0 {
		return nil
	}
	f, err := s.openFD(ino)
	if err != nil {
		return err
	}

	const iovMax = 1024
	i := 0
	for i < len(entries) {
		group := []Entry{entries[i]}
		j := i + 1
		for j < len(entries) && len(group) < iovMax &&
			entries[j].Off == group[len(group)-1].Off+int64(len(group[len(group)-1].Data)) {
			group = append(group, entries[j])
			j++
		}

		iovs := make([][]byte, len(group))
		want := 0
		for k, e := range group {
			iovs[k] = e.Data
			want += len(e.Data)
		}
		n, err := unix.Pwritev(int(f.Fd()), iovs, group[0].Off)
		if err != nil {
			return fserrors.Wrap("filestore.WriteEntries", fserrors.KindCorruption, err)
		}
		if n != want {
			return fserrors.New("filestore.WriteEntries", fserrors.KindCorruption)
		}
		i = j
	}

	if sync {
		return s.Fsync(ino, false)
	}
	return nil
}

// ReadAt reads up to len(buf) bytes at off, returning the number of bytes
// actually read. A missing data file, or a read that fails before
// transferring any byte, is not an error: it reports 0 bytes read and
// leaves buf untouched.
func (s *Store) ReadAt(ino uint64, off int64, buf []byte) (int, error) {
	s.mu.Lock()
	f, ok := s.fds.Get(ino)
	s.mu.Unlock()
	if !ok {
		_, path := s.shardPath(ino)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return 0, nil
		}
		var err error
		f, err = s.openFD(ino)
		if err != nil {
			return 0, err
		}
	}

	n, err := f.ReadAt(buf, off)
	if err != nil && n == 0 {
		return 0, nil
	}
	return n, nil
}

// SetLen truncates or extends the data file for ino to size bytes.
func (s *Store) SetLen(ino uint64, size int64) error {
	f, err := s.openFD(ino)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fserrors.Wrap("filestore.SetLen", fserrors.KindCorruption, err)
	}
	return nil
}

// Fsync flushes the data file for ino. datasync requests fdatasync
// semantics (data only, no metadata) where the platform distinguishes it.
func (s *Store) Fsync(ino uint64, datasync bool) error {
	s.mu.Lock()
	f, ok := s.fds.Get(ino)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	if datasync {
		err = unix.Fdatasync(int(f.Fd()))
	} else {
		err = f.Sync()
	}
	if err != nil {
		return fserrors.Wrap("filestore.Fsync", fserrors.KindCorruption, err)
	}
	return nil
}

// Unlink closes and removes the data file for ino. A missing file is not
// an error, and nor is a shard directory that was never created because
// the inode was unlinked before its first read or write (ensureDir/openFD
// create shard directories lazily).
func (s *Store) Unlink(ino uint64) error {
	s.mu.Lock()
	if f, ok := s.fds.Peek(ino); ok {
		_ = f.Close()
	}
	s.fds.Remove(ino)
	s.mu.Unlock()

	dir, path := s.shardPath(ino)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fserrors.Wrap("filestore.Unlink", fserrors.KindCorruption, err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return fsyncDir(dir)
}

// Close evicts (sync+closing) every cached fd. Used at shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fds.Clear()
	return nil
}
