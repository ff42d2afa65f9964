// Package seccompfilter builds and installs the classic BPF program that
// routes the guest's syscalls into SECCOMP_RET_USER_NOTIF (spec.md §4.2
// "Filter Installer"). The instruction-encoding and install sequence are
// grounded on the teacher's rule DSL (runsc/boot/filter/config.go's
// seccomp.SyscallRules/Rule/EqualTo/MatchAny) and on the pack's
// kornnellio-runc-Go/linux/seccomp.go cBPF builder, which is the only
// complete from-scratch sock_filter encoder in the retrieval pack.
package seccompfilter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF instruction classes and operators (pack-grounded on
// kornnellio-runc-Go/linux/seccomp.go's BPF_* constants, which mirror
// <linux/filter.h>).
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00
)

// seccomp_data field offsets (struct seccomp_data { int nr; __u32 arch; __u64
// instruction_pointer; __u64 args[6]; }).
const (
	offsetNR     = 0
	offsetArch   = 4
	offsetArgLo0 = 16
)

// auditArchX8664 is the audit architecture token for native x86-64, the only
// architecture this supervisor supports (spec.md §4.2 doesn't require
// multi-arch; the teacher's filter defaults to the native arch the same way
// when unspecified).
const auditArchX8664 = 0xc000003e

const (
	retKillProcess = 0x80000000
	retUserNotif   = 0x7fc00000
	retAllow       = 0x7fff0000
)

// seccompSetModeFilter and seccompFilterFlagNewListener mirror
// SECCOMP_SET_MODE_FILTER and SECCOMP_FILTER_FLAG_NEW_LISTENER from
// <linux/seccomp.h>, neither exported by the vendored x/sys/unix package.
// Only the raw seccomp(2) syscall with this flag combination allocates a
// SECCOMP_RET_USER_NOTIF listener FD; prctl(PR_SET_SECCOMP) cannot (spec.md
// §4.2, grounded on
// _examples/IreliaTable-gvisor/pkg/sentry/platform/systrap/subprocess.go's
// own SYS_SECCOMP install call and
// _examples/tomponline-lxd/lxd/main_checkfeature.go's user_trap_syscall).
const (
	seccompSetModeFilter         = 1
	seccompFilterFlagNewListener = 1 << 3
)

// sockFilter mirrors struct sock_filter.
type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

// sockFprog mirrors struct sock_fprog.
type sockFprog struct {
	Len    uint16
	Filter *sockFilter
}

func stmt(code uint16, k uint32) sockFilter {
	return sockFilter{Code: code, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) sockFilter {
	return sockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// Rule constrains one or more of a syscall's six arguments (spec.md §4.2).
// An empty Rule matches the syscall unconditionally regardless of arguments,
// the same shape as the teacher's seccomp.Rule: a per-argument slice of
// ArgMatcher where a missing slot means "don't care".
type Rule []ArgMatcher

// ArgMatcher evaluates one syscall argument. It is implemented by EqualTo and
// MatchAny (spec.md §4.2, mirroring the teacher's seccomp.Rule matchers).
type ArgMatcher interface {
	// isAny reports whether the slot matches unconditionally, in which case
	// build emits no comparison for it; value is the exact 32-bit value the
	// compiled program compares the argument's low word against otherwise.
	isAny() bool
	value() uint32
}

// EqualTo matches an argument against an exact value.
type EqualTo uint32

func (e EqualTo) isAny() bool   { return false }
func (e EqualTo) value() uint32 { return uint32(e) }

// MatchAny matches an argument unconditionally.
type MatchAny struct{}

func (MatchAny) isAny() bool   { return true }
func (MatchAny) value() uint32 { return 0 }

// SyscallRules maps a syscall number to the set of argument Rules that allow
// it; an empty (nil or zero-length) slice of Rules means "any invocation of
// this syscall matches" (spec.md §4.2, teacher's seccomp.SyscallRules).
type SyscallRules map[uintptr][]Rule

// Action is what the installed filter does with a syscall that matches a
// rule set.
type Action int

const (
	// ActionNotify routes the syscall to SECCOMP_RET_USER_NOTIF: the
	// supervisor's dispatcher receives it (spec.md §4.2).
	ActionNotify Action = iota
	// ActionAllow lets the syscall execute natively, used only by
	// Specialize for syscalls the dispatcher has decided never need
	// interception.
	ActionAllow
)

// entry pairs a SyscallRules table with the action matching rows take.
type entry struct {
	rules  SyscallRules
	action Action
}

// Filter is a not-yet-installed seccomp program (spec.md §4.2 "Filter
// Installer").
type Filter struct {
	entries []entry
}

// NotifyAll builds a Filter that routes every syscall to user-space
// notification (spec.md §4.2: "the common case: every syscall is routed to
// SECCOMP_RET_USER_NOTIF"). This is the Filter Installer's default
// construction.
func NotifyAll() *Filter {
	return &Filter{}
}

// Specialize builds a Filter where syscalls present in allow are let through
// natively and everything else is routed to user-space notification (spec.md
// §4.2 "a later per-syscall allow/deny optimization"; SPEC_FULL.md §4.2
// keeps this as a constructor rather than a default, since the dispatcher's
// routing table — not the filter — is the single source of truth for which
// syscalls are safe to let through). Supervisor.New installs NotifyAll, not
// Specialize, and nothing in this repository derives an allow table from the
// dispatcher's routing table.
func Specialize(allow SyscallRules) *Filter {
	return &Filter{entries: []entry{{rules: allow, action: ActionAllow}}}
}

// Install compiles f into a classic BPF program and installs it via the raw
// seccomp(2) syscall with SECCOMP_FILTER_FLAG_NEW_LISTENER, which both
// activates the filter and returns a new SECCOMP_RET_USER_NOTIF listener FD
// in the caller's own descriptor table (spec.md §4.2 "the hard part"). The
// caller must have already set PR_SET_NO_NEW_PRIVS; without it, the seccomp
// syscall is only permitted for a privileged process, and this supervisor
// never assumes CAP_SYS_ADMIN (spec.md §4.2: "requires PR_SET_NO_NEW_PRIVS
// to have been set first").
func (f *Filter) Install() (int, error) {
	if v, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_GET_NO_NEW_PRIVS, 0, 0); errno != 0 || v != 1 {
		return -1, fmt.Errorf("seccompfilter: PR_SET_NO_NEW_PRIVS must be set before installing a filter")
	}

	prog := f.build()
	if len(prog) == 0 {
		return -1, fmt.Errorf("seccompfilter: empty program")
	}

	fprog := sockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	listenerFD, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, seccompFilterFlagNewListener, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return -1, fmt.Errorf("seccompfilter: seccomp(SECCOMP_SET_MODE_FILTER): %w", errno)
	}
	return int(listenerFD), nil
}

// build compiles the Filter into a cBPF program (grounded on
// kornnellio-runc-Go/linux/seccomp.go's buildSeccompFilter/bpfStmt/bpfJump).
func (f *Filter) build() []sockFilter {
	var prog []sockFilter

	// Validate architecture first; anything else is killed outright rather
	// than silently misinterpreted (32-bit syscall numbers overlap 64-bit
	// ones).
	prog = append(prog, stmt(bpfLD|bpfW|bpfABS, offsetArch))
	prog = append(prog, jump(bpfJMP|bpfJEQ|bpfK, auditArchX8664, 1, 0))
	prog = append(prog, stmt(bpfRET|bpfK, retKillProcess))

	prog = append(prog, stmt(bpfLD|bpfW|bpfABS, offsetNR))

	for _, e := range f.entries {
		var ret uint32
		switch e.action {
		case ActionAllow:
			ret = retAllow
		default:
			ret = retUserNotif
		}
		for nr, rules := range e.rules {
			prog = append(prog, buildSyscallCheck(uint32(nr), rules, ret)...)
		}
	}

	// Default: anything left over is routed to notification, so the
	// dispatcher sees syscalls the Installer's caller didn't explicitly
	// classify (spec.md §4.2 default behavior for NotifyAll; for
	// Specialize, unlisted syscalls fall through to the same default,
	// which is the conservative choice — interception, not a silent
	// kernel-handled allow).
	prog = append(prog, stmt(bpfRET|bpfK, retUserNotif))

	return prog
}

// buildSyscallCheck emits the instructions for one syscall number: jump past
// this block if NR doesn't match, otherwise evaluate each Rule in turn (an
// empty Rule always matches), returning ret on the first satisfied Rule.
func buildSyscallCheck(nr uint32, rules []Rule, ret uint32) []sockFilter {
	var block []sockFilter

	if len(rules) == 0 {
		block = append(block, jump(bpfJMP|bpfJEQ|bpfK, nr, 0, 1))
		block = append(block, stmt(bpfRET|bpfK, ret))
		return block
	}

	// Per-rule argument checks. Each rule is its own self-contained chain:
	// NR mismatch or any argument mismatch falls through to the next rule;
	// full match returns ret immediately. For a rule with argument slots,
	// the chain ends with an NR reload placed after its RET, and every
	// conditional jump's jf is patched to land on that reload, so the next
	// rule's chain (or the syscall block's end) starts with NR back in the
	// accumulator. A rule without argument slots has no reload, and its jf
	// lands one past the RET.
	for _, rule := range rules {
		var chain []sockFilter
		chain = append(chain, jump(bpfJMP|bpfJEQ|bpfK, nr, 0, 0))

		for i, m := range rule {
			if m == nil || m.isAny() {
				continue
			}
			off := uint32(offsetArgLo0 + i*8)
			chain = append(chain, stmt(bpfLD|bpfW|bpfABS, off))
			chain = append(chain, jump(bpfJMP|bpfJEQ|bpfK, m.value(), 0, 0))
		}

		chain = append(chain, stmt(bpfRET|bpfK, ret))
		target := len(chain)
		// Reload NR for the next rule/syscall-block since argument loads
		// clobbered the accumulator.
		if len(rule) > 0 {
			chain = append(chain, stmt(bpfLD|bpfW|bpfABS, offsetNR))
		}

		for i := range chain {
			if chain[i].Code == bpfJMP|bpfJEQ|bpfK {
				chain[i].Jf = uint8(target - 1 - i)
			}
		}

		block = append(block, chain...)
	}

	return block
}
