// Package dispatcher implements the Dispatcher (spec.md §4.9): the main
// receive/route/reply loop, its routing table, and the handler contract. Its
// shape — a table from syscall number to an action, consulted once per
// received notification — is grounded on the teacher's own seccomp
// notification dispatch in other_examples' sysbox-fs tracer.go (a switch over
// syscallId that always produces exactly one response) generalized to a data
// table instead of a switch, since spec.md §4.9 calls for block/continue/
// handle/to-implement as first-class routing outcomes rather than
// per-syscall code paths.
package dispatcher

import (
	"fmt"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/config"
	"github.com/bvisor/bvisor/pkg/membridge"
	"github.com/bvisor/bvisor/pkg/notif"
	"github.com/bvisor/bvisor/pkg/overlay"
	"github.com/bvisor/bvisor/pkg/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// State is the Dispatcher's lifecycle state (spec.md §4.9 "State machine").
type State int

const (
	Running State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// actionKind is one of the four routing-table outcomes (spec.md §4.9
// "Routing table").
type actionKind int

const (
	actionBlock actionKind = iota
	actionContinue
	actionHandle
	actionUndecided
)

// Handler implements one syscall's emulation. It must never return without a
// reply (spec.md §4.9 "Handler contract": "failures translate to an
// error-numbered reply, never a missing reply").
type Handler func(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply

type route struct {
	kind    actionKind
	handler Handler
}

// Dispatcher owns the main loop and all per-sandbox state it mutates (spec.md
// §4.9, §5 "single-threaded cooperative loop").
type Dispatcher struct {
	transport notif.Transport
	registry  *process.Registry
	root      *overlay.Root
	cfg       config.Config

	table map[uintptr]route
	state State
}

// New constructs a Dispatcher with the default routing table (spec.md §4.9:
// read, write, readv, writev, openat, getpid, getppid, kill, exit_group,
// clone, plus the supplemented close/dup/dup3/fstat/newfstatat —
// SPEC_FULL.md §4.9).
func New(transport notif.Transport, registry *process.Registry, root *overlay.Root, cfg config.Config) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		registry:  registry,
		root:      root,
		cfg:       cfg,
		table:     make(map[uintptr]route),
		state:     Running,
	}
	d.installDefaultTable()
	return d
}

func (d *Dispatcher) installDefaultTable() {
	d.table[unix.SYS_READ] = route{kind: actionHandle, handler: handleRead}
	d.table[unix.SYS_WRITE] = route{kind: actionHandle, handler: handleWrite}
	d.table[unix.SYS_READV] = route{kind: actionHandle, handler: handleReadv}
	d.table[unix.SYS_WRITEV] = route{kind: actionHandle, handler: handleWritev}
	d.table[unix.SYS_OPENAT] = route{kind: actionHandle, handler: handleOpenat}
	d.table[unix.SYS_GETPID] = route{kind: actionHandle, handler: handleGetpid}
	d.table[unix.SYS_GETPPID] = route{kind: actionHandle, handler: handleGetppid}
	d.table[unix.SYS_KILL] = route{kind: actionHandle, handler: handleKill}
	d.table[unix.SYS_EXIT_GROUP] = route{kind: actionHandle, handler: handleExitGroup}
	d.table[unix.SYS_CLONE] = route{kind: actionContinue}

	d.table[unix.SYS_CLOSE] = route{kind: actionHandle, handler: handleClose}
	d.table[unix.SYS_DUP] = route{kind: actionHandle, handler: handleDup}
	d.table[unix.SYS_DUP3] = route{kind: actionHandle, handler: handleDup3}
	d.table[unix.SYS_FSTAT] = route{kind: actionHandle, handler: handleFstat}
	d.table[unix.SYS_NEWFSTATAT] = route{kind: actionHandle, handler: handleNewfstatat}
}

// Block routes nr to a permission-denied reply regardless of arguments.
func (d *Dispatcher) Block(nr uintptr) { d.table[nr] = route{kind: actionBlock} }

// Continue routes nr to continue-in-kernel.
func (d *Dispatcher) Continue(nr uintptr) { d.table[nr] = route{kind: actionContinue} }

// Handle installs a custom handler for nr, overriding any default.
func (d *Dispatcher) Handle(nr uintptr, h Handler) { d.table[nr] = route{kind: actionHandle, handler: h} }

// State reports the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State { return d.state }

// Run drives the main loop until the guest vanishes (spec.md §4.9 "Main
// loop"). It returns nil on a clean guest-vanished exit and a non-nil error
// only for a transport failure that isn't "process gone" (spec.md §7
// "Notification transport errors... unexpected kernel error (fatal)").
func (d *Dispatcher) Run() error {
	for d.state == Running {
		n, err := d.transport.Receive()
		if err != nil {
			if bverr.Is(err, bverr.ErrProcessGone) {
				d.state = Draining
				break
			}
			return fmt.Errorf("dispatcher: transport receive: %w", err)
		}
		reply := d.dispatch(n)
		if err := d.transport.Reply(reply); err != nil {
			return fmt.Errorf("dispatcher: transport reply: %w", err)
		}
	}

	d.state = Terminated
	return nil
}

// dispatch resolves and executes exactly one notification, always producing
// a reply (spec.md §8 invariant 1).
func (d *Dispatcher) dispatch(n notif.Notification) notif.Reply {
	r, ok := d.table[n.Syscall]
	if !ok {
		r = route{kind: actionUndecided}
	}

	switch r.kind {
	case actionBlock:
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrBlocked))
	case actionContinue:
		return notif.ContinueReply(n.ID)
	case actionUndecided:
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrNotImplemented))
	case actionHandle:
		caller, err := d.resolveCaller(n.Pid)
		if err != nil {
			// Invariant violation: a notifying PID must resolve to a
			// process after lazy sync (spec.md §8 invariant 3; spec.md §7
			// "Invariant violations... Fatal with a diagnostic").
			logrus.WithFields(logrus.Fields{"pid": n.Pid, "syscall": n.Syscall}).
				Panic("dispatcher: notifying pid did not resolve to a registered process")
		}
		return r.handler(d, n, caller)
	default:
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrNotImplemented))
	}
}

// resolveCaller looks up pid, syncing the registry from the kernel's process
// tree once if it isn't yet known (spec.md §4.8 "Lazy discovery"; SPEC_FULL.md
// §9 open question (b)).
func (d *Dispatcher) resolveCaller(pid int32) (*process.Virtual, error) {
	if v, ok := d.registry.Get(pid); ok {
		return v, nil
	}
	if err := d.registry.SyncNew(); err != nil {
		return nil, err
	}
	v, ok := d.registry.Get(pid)
	if !ok {
		return nil, fmt.Errorf("dispatcher: pid %d not found even after sync", pid)
	}
	return v, nil
}

// bridgeFor constructs a Memory Bridge targeting caller's address space.
func bridgeFor(caller *process.Virtual) *membridge.Bridge {
	return membridge.New(caller.KernelPID())
}
