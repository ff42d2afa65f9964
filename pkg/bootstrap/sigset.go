package bootstrap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// beforeFork blocks all signals on the current thread before a raw clone and
// returns the prior signal mask to restore afterward. This mirrors the
// stdlib's syscall.forkAndExecInChild (and the teacher's own beforeFork used
// around subprocess_linux.go's forkStub): the window between clone and the
// child's own signal-disposition reset must not let a handler run on a
// half-initialized child, and must not let a signal arrive on the parent's
// locked thread mid-syscall.
func beforeFork() unix.Sigset_t {
	var oldMask, blockAll unix.Sigset_t
	for i := range blockAll.Val {
		blockAll.Val[i] = ^uint64(0)
	}
	unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK,
		uintptr(unsafe.Pointer(&blockAll)), uintptr(unsafe.Pointer(&oldMask)), 8, 0, 0)
	return oldMask
}

// afterFork restores the signal mask saved by beforeFork.
func afterFork(oldMask unix.Sigset_t) {
	unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK,
		uintptr(unsafe.Pointer(&oldMask)), 0, 8, 0, 0)
}
