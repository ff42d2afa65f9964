// Package bootstrap implements the Interception Bootstrap (spec.md §4.1): it
// forks the guest, has the guest predict the kernel's next notifier FD number
// by duplicating and releasing FD 0, transfers the real notifier FD to the
// supervisor via pidfd_getfd(2), and verifies the prediction held. The
// fork/clone sequencing (locked OS thread, beforeFork-style signal masking,
// PR_SET_PDEATHSIG, untraced child that sets up and then runs) is grounded on
// the teacher's pkg/sentry/platform/ptrace/subprocess_linux.go forkStub; the
// descriptor hand-off is grounded on spec.md §4.1's own protocol description,
// since the teacher's stub processes use ptrace attach rather than
// seccomp-notify and so never need pidfd_getfd.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"os/exec"
	"runtime"
	"time"
	"unsafe"

	"github.com/bvisor/bvisor/pkg/seccompfilter"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fetchAttempts, fetchInitialWait and fetchMaxWait bound the supervisor's
// retry loop polling pidfd_getfd for the predicted FD number (spec.md §4.1):
// after the first attempt, up to fetchAttempts retries follow, separated by
// exponential backoff that starts at fetchInitialWait and is capped at
// fetchMaxWait per wait.
const (
	fetchAttempts    = 20
	fetchInitialWait = 2 * time.Millisecond
	fetchMaxWait     = 50 * time.Millisecond
)

// Result is the outcome of a successful bootstrap: the guest's kernel PID and
// the supervisor-local notifier FD, now the exclusive way the supervisor
// talks to that guest (spec.md §4.1).
type Result struct {
	GuestPID   int32
	NotifierFD int
}

// Bootstrap runs the fork-predict-transfer protocol once. argv is the guest
// workload to exec after installing the filter; filter is installed in the
// guest after the FD prediction has been sent (spec.md §4.1 Rationale: "the
// filter is installed only after the prediction is sent because writes
// through a filtered socket would themselves block on notification").
func Bootstrap(argv []string, filter *seccompfilter.Filter) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("bootstrap: empty argv")
	}
	// Resolved in the parent, like os/exec does, since PATH lookup does file
	// I/O and allocation that must not run in the narrow post-fork,
	// pre-exec window of the child (spec.md §4.1, forkStub's norace
	// discipline).
	execPath, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("bootstrap: resolving %q: %w", argv[0], err)
	}

	channel, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: socketpair: %w", err)
	}
	parentFD, childFD := channel[0], channel[1]

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	mask := beforeFork()
	pid, _, errno := unix.RawSyscall6(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if errno != 0 {
		afterFork(mask)
		unix.Close(parentFD)
		unix.Close(childFD)
		return nil, fmt.Errorf("bootstrap: clone: %w", errno)
	}

	if pid == 0 {
		// Child: never returns on success.
		unix.Close(parentFD)
		runGuest(childFD, execPath, argv, filter, mask)
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		panic("unreachable")
	}

	afterFork(mask)
	unix.Close(childFD)

	notifierFD, err := transferNotifier(int32(pid), parentFD)
	unix.Close(parentFD)
	if err != nil {
		// Fatal to the sandbox (spec.md §4.10): the guest process is in an
		// indeterminate state and must not be left running.
		unix.Kill(int(pid), unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(int(pid), &ws, 0, nil)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"guest_pid": pid, "notifier_fd": notifierFD}).Info("bootstrap: guest ready")
	return &Result{GuestPID: int32(pid), NotifierFD: notifierFD}, nil
}

// transferNotifier implements the supervisor side of the protocol (spec.md
// §4.1): read the 4-byte little-endian predicted FD number, open a
// process-descriptor for the guest with pidfd_open, then poll
// pidfd_getfd for that number with bounded backoff.
func transferNotifier(guestPID int32, channelFD int) (int, error) {
	buf := make([]byte, 4)
	n, err := unix.Read(channelFD, buf)
	if err != nil {
		return -1, fmt.Errorf("bootstrap: reading predicted fd: %w", err)
	}
	if n != 4 {
		return -1, fmt.Errorf("bootstrap: short read of predicted fd (%d bytes)", n)
	}
	predicted := int(binary.LittleEndian.Uint32(buf))

	pidfd, err := unix.PidfdOpen(int(guestPID), 0)
	if err != nil {
		return -1, fmt.Errorf("bootstrap: pidfd_open(%d): %w", guestPID, err)
	}
	defer unix.Close(pidfd)

	var notifierFD int
	op := func() error {
		fd, ferr := unix.PidfdGetfd(pidfd, predicted, 0)
		if ferr != nil {
			return ferr
		}
		notifierFD = fd
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = fetchInitialWait
	b.MaxInterval = fetchMaxWait
	bounded := backoff.WithMaxRetries(b, fetchAttempts)

	if err := backoff.Retry(op, bounded); err != nil {
		return -1, fmt.Errorf("bootstrap: pidfd_getfd exhausted retries for predicted fd %d: %w", predicted, err)
	}
	return notifierFD, nil
}

// runGuest is the child branch: predict the notifier FD, send the
// prediction, install the filter, then exec the workload. It must not
// return; any failure exits the child process directly rather than
// unwinding through defers that assume a fully-initialized Go runtime after
// fork (spec.md §4.1, grounded on forkStub's norace/no-allocation
// discipline).
func runGuest(channelFD int, execPath string, argv []string, filter *seccompfilter.Filter, mask unix.Sigset_t) {
	dupped, _, errno := unix.RawSyscall(unix.SYS_DUP, 0, 0, 0)
	if errno != 0 {
		unix.RawSyscall(unix.SYS_EXIT, uintptr(errno), 0, 0)
		return
	}
	predicted := uint32(dupped)
	unix.RawSyscall(unix.SYS_CLOSE, dupped, 0, 0)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], predicted)
	if _, _, errno := unix.RawSyscall(unix.SYS_WRITE, uintptr(channelFD), uintptr(unsafe.Pointer(&buf[0])), 4); errno != 0 {
		unix.RawSyscall(unix.SYS_EXIT, uintptr(errno), 0, 0)
		return
	}
	unix.RawSyscall(unix.SYS_CLOSE, uintptr(channelFD), 0, 0)

	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		unix.RawSyscall(unix.SYS_EXIT, uintptr(errno), 0, 0)
		return
	}

	listenerFD, err := filter.Install()
	if err != nil {
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		return
	}
	if uint32(listenerFD) != predicted {
		// The kernel didn't hand back the listener FD at the number we
		// predicted; the supervisor's pidfd_getfd fetch would resolve
		// the wrong descriptor, so give up rather than transfer garbage
		// (spec.md §4.1).
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		return
	}

	// Restore the pre-fork signal mask so the workload doesn't inherit
	// beforeFork's block-everything mask across exec.
	afterFork(mask)
	unix.Exec(execPath, argv, []string{})
	unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
}
