// Package notif defines the wire-level records exchanged with the kernel's
// syscall notifier (spec.md §3 "Notification"/"Reply", §6 "Interception
// channel"). It is the analogue of the teacher's pkg/sentry/arch
// SyscallArgument/SyscallArguments pair, adapted from register-file access to
// the seccomp user-notification record shape.
package notif

import "golang.org/x/sys/unix"

// Arg is one of a Notification's six raw argument words. Depending on the
// syscall, it is either an immediate value or a guest virtual address; the
// caller (a Handler) knows which.
type Arg uint64

// Value returns the argument as a plain integer.
func (a Arg) Value() uintptr { return uintptr(a) }

// Pointer returns the argument interpreted as a guest virtual address.
func (a Arg) Pointer() uintptr { return uintptr(a) }

// Int32 returns the low 32 bits, sign-extended.
func (a Arg) Int32() int32 { return int32(uint32(a)) }

// Args is the fixed six-word argument vector a Notification carries.
type Args [6]Arg

// Notification is the kernel-supplied record for one intercepted syscall
// (spec.md §3). It is ephemeral: it exists only between a dispatcher receive
// and the matching reply.
type Notification struct {
	// ID is the opaque identifier that must be echoed in the Reply.
	ID uint64
	// Pid is the originating kernel PID.
	Pid int32
	// Syscall is the raw syscall number, architecture-specific.
	Syscall uintptr
	// Arguments is the six-word argument vector.
	Arguments Args
}

// Reply is the dispatcher's answer to one Notification (spec.md §3). Exactly
// one of Continue or the (Value, Errno) pair is meaningful: Continue means
// "kernel, please run this syscall natively now"; otherwise Value/Errno is a
// synthesized result, with a zero Errno meaning success.
type Reply struct {
	ID       uint64
	Continue bool
	Value    int64
	Errno    unix.Errno
}

// ContinueReply builds a continue-in-kernel reply.
func ContinueReply(id uint64) Reply {
	return Reply{ID: id, Continue: true}
}

// OK builds a successful synthesized reply.
func OK(id uint64, value int64) Reply {
	return Reply{ID: id, Value: value}
}

// Fail builds a synthesized error reply. A zero errno is not a valid failure
// and is promoted to EIO so that a forgetful caller can't accidentally
// synthesize success while claiming the call failed.
func Fail(id uint64, errno unix.Errno) Reply {
	if errno == 0 {
		errno = unix.EIO
	}
	return Reply{ID: id, Errno: errno}
}

// Transport is the kernel-facing notifier channel a Dispatcher drives: one
// blocking receive and one reply send per Notification (spec.md §4.9 "Main
// loop"). Implementations: a real notifier FD (pkg/supervisor's
// NotifierTransport, over the FD pkg/bootstrap obtains) or a fake used
// in tests (pkg/dispatcher's test suite, pkg/supervisor's fake-transport
// tests per SPEC_FULL.md §8).
type Transport interface {
	// Receive blocks for the next notification. It returns ErrProcessGone
	// (from pkg/bverr) when the guest has vanished, which the dispatcher
	// treats as a clean loop exit (spec.md §4.9 state machine).
	Receive() (Notification, error)
	// Reply sends exactly one reply for the notification with the given
	// ID. Sending more than one reply for the same ID, or none, is a
	// caller bug (spec.md §8 invariant 1).
	Reply(Reply) error
	// Close releases the transport's resources (the notifier FD).
	Close() error
}
