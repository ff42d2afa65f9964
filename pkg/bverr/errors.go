// Package bverr maps the supervisor's internal failure taxonomy (spec.md §7)
// onto the errno values that get synthesized back into the guest. It plays
// the same role as the teacher's errors/linuxerr package without its
// code-generated, VFS-wide error surface.
package bverr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// vErr is a virtualized error: a sentinel carrying the errno it synthesizes
// into a Reply when it escapes a handler.
type vErr struct {
	msg   string
	errno unix.Errno
}

func (e *vErr) Error() string { return e.msg }

func new(msg string, errno unix.Errno) *vErr { return &vErr{msg: msg, errno: errno} }

// Sentinel errors for the taxonomy in spec.md §7.
var (
	// ErrBadAddress is returned by the Memory Bridge for an invalid guest
	// virtual address.
	ErrBadAddress = new("invalid guest address", unix.EFAULT)
	// ErrPartialTransfer is returned when the kernel copied fewer bytes
	// than requested across address spaces.
	ErrPartialTransfer = new("partial cross-address-space transfer", unix.EFAULT)
	// ErrProcessGone is returned when the guest process has vanished
	// mid-operation (memory bridge, notifier transport).
	ErrProcessGone = new("guest process vanished", unix.ESRCH)
	// ErrNotAbsolute is returned by openat for a non-absolute path
	// (first-revision limitation, spec.md §8).
	ErrNotAbsolute = new("path is not absolute", unix.EINVAL)
	// ErrBlocked is returned when the Path Router classifies a path as
	// blocked.
	ErrBlocked = new("path blocked by policy", unix.EACCES)
	// ErrFDTableFull is returned when a process's FD table cannot accept
	// another entry.
	ErrFDTableFull = new("fd table exhausted", unix.EMFILE)
	// ErrUnsupported is returned for a syscall the routing table
	// explicitly denies emulation for.
	ErrUnsupported = new("syscall not supported", unix.ENOSYS)
	// ErrNotImplemented is returned for a syscall routed to
	// to-implement/undecided.
	ErrNotImplemented = new("syscall not yet implemented", unix.ENOSYS)
	// ErrNotFound is returned for a virtualized path that doesn't resolve
	// (e.g. /proc/<unregistered-pid>).
	ErrNotFound = new("no such file in virtualized namespace", unix.ENOENT)
	// ErrReadOnly is returned for a write against a read-only virtualized
	// file (a non-materialized COW open, a proc file).
	ErrReadOnly = new("virtualized file is read-only", unix.EROFS)
	// ErrBadFD is returned when a virtual FD doesn't resolve in the
	// caller's table.
	ErrBadFD = new("bad virtual file descriptor", unix.EBADF)
	// ErrInvalidNotifyID is returned when a reply is built for an ID the
	// dispatcher never received a notification for. This indicates an
	// invariant violation, not a guest-facing failure.
	ErrInvalidNotifyID = new("unknown notification id", unix.EINVAL)
)

// Errno extracts the errno a virtualized error should synthesize into a
// Reply. Non-vErr errors map to EIO, since any internal error that escapes a
// handler without a specific taxonomy entry must still produce some errno
// (spec.md §7: "a handler must never produce an absent reply").
func Errno(err error) unix.Errno {
	var v *vErr
	if errors.As(err, &v) {
		return v.errno
	}
	return unix.EIO
}

// Is reports whether err is (or wraps) the given sentinel, via stdlib
// errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
