// Package fserrors defines the POSIX-flavored error taxonomy shared by the
// meta engine, cache/file stores, and the handle layer (spec.md §7). Only
// internal/fuseedge translates a Kind into a syscall.Errno; every other
// layer deals exclusively in *fserrors.Error so POSIX numbering knowledge
// stays at the FUSE boundary.
package fserrors

import "fmt"

// Kind enumerates the error categories spec.md §7 maps to POSIX errnos.
type Kind int

const (
	// KindNotFound covers a missing inode, dentry, or data file.
	KindNotFound Kind = iota
	// KindExists covers a duplicate dentry on create/link.
	KindExists
	// KindNotEmpty covers rmdir on a non-empty directory.
	KindNotEmpty
	// KindNotDir covers traversing a path component through a non-directory.
	KindNotDir
	// KindPerm covers disallowed operations, e.g. hard-linking a directory.
	KindPerm
	// KindTooBig covers a read/write larger than the maximum IO size.
	KindTooBig
	// KindBusy covers transient resource exhaustion, e.g. the MemPool
	// staying full after the write path's retry/back-off budget.
	KindBusy
	// KindCorruption covers deserialization failures, short writes, and fd
	// open failures.
	KindCorruption
	// KindInvalid covers malformed caller input (e.g. illegal names).
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindExists:
		return "already exists"
	case KindNotEmpty:
		return "not empty"
	case KindNotDir:
		return "not a directory"
	case KindPerm:
		return "permission denied"
	case KindTooBig:
		return "too big"
	case KindBusy:
		return "busy"
	case KindCorruption:
		return "corruption"
	case KindInvalid:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind the fuse edge can map to a
// syscall.Errno.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error wrapping err under the given op/kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise so callers can default to EIO.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if ok := as(err, &fe); ok {
		return fe.Kind, true
	}
	return 0, false
}

// as is a narrow stand-in for errors.As to avoid importing errors just for
// one helper; it walks Unwrap chains looking for *Error.
func as(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
