package seccompfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestNotifyAllBuildsNonEmptyProgram(t *testing.T) {
	f := NotifyAll()
	prog := f.build()
	assert.NotEmpty(t, prog)
	// Every program ends with a RET, and the very first instructions
	// validate the architecture before ever touching the syscall number.
	assert.Equal(t, uint16(bpfLD|bpfW|bpfABS), prog[0].Code)
	assert.Equal(t, uint32(offsetArch), prog[0].K)
}

func TestSpecializeEmitsAllowForListedSyscall(t *testing.T) {
	f := Specialize(SyscallRules{
		uintptr(unix.SYS_GETPID): {},
	})
	prog := f.build()

	foundAllowReturn := false
	for _, insn := range prog {
		if insn.Code == bpfRET|bpfK && insn.K == retAllow {
			foundAllowReturn = true
		}
	}
	assert.True(t, foundAllowReturn, "expected an allow-return instruction for the specialized syscall")
}

func TestSpecializeWithArgRuleStillEmitsNotifyDefault(t *testing.T) {
	f := Specialize(SyscallRules{
		uintptr(unix.SYS_DUP3): {
			Rule{MatchAny{}, MatchAny{}, EqualTo(unix.O_CLOEXEC)},
		},
	})
	prog := f.build()

	lastRet := prog[len(prog)-1]
	assert.Equal(t, uint16(bpfRET|bpfK), lastRet.Code)
	assert.Equal(t, uint32(retUserNotif), lastRet.K)
}
