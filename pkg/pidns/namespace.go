// Package pidns implements the Namespace component (spec.md §4.7): a
// refcounted visibility set mapping kernel PIDs to namespace-relative PIDs,
// optionally chained to a parent namespace. Namespaces form a strict tree —
// a child holds a reference to its parent, so there are no cycles (spec.md
// §9 "Refcounted namespaces with parent back-references").
package pidns

import "sync"

// Process is the minimum a Namespace needs to know about a registrant. It is
// satisfied by *process.Virtual; pidns doesn't import package process to
// avoid a cycle (process imports pidns).
type Process interface {
	// KernelPID returns the process's host PID. pidns itself never reads
	// it: namespace bookkeeping is keyed by pointer identity so that two
	// processes can never collide even if PIDs were somehow reused before
	// a registry kill completes.
	KernelPID() int32
}

// Namespace is a refcounted PID namespace.
type Namespace struct {
	mu sync.Mutex

	parent   *Namespace
	refcount int

	// nextPID is the per-namespace counter for spec.md §4.7's PID
	// assignment: "monotonically increasing... starting at 1... reclaimed
	// PIDs are not re-issued." It starts at 2 because PID 1 is reserved
	// for the namespace's root process and never consumes the counter.
	nextPID int

	// members maps a registered process (by identity) to its
	// namespace-relative PID in this namespace.
	members map[Process]int

	// byPID is the reverse index, used by the proc backend (pkg/overlay)
	// to resolve a numeric /proc/<N> path to the process it names
	// (SPEC_FULL.md §4.5).
	byPID map[int]Process
}

// New creates a namespace. If parent is non-nil, parent's refcount is
// incremented: the new namespace holds a reference to it for the lifetime of
// the chain (spec.md §4.7 lifecycle).
func New(parent *Namespace) *Namespace {
	ns := &Namespace{
		parent:  parent,
		nextPID: 2,
		members: make(map[Process]int),
		byPID:   make(map[int]Process),
	}
	ns.refcount = 1
	if parent != nil {
		parent.ref()
	}
	return ns
}

func (ns *Namespace) ref() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.refcount++
}

// Ref increments this namespace's refcount.
func (ns *Namespace) Ref() { ns.ref() }

// Unref decrements this namespace's refcount, and recursively unrefs its
// parent once this namespace's count reaches zero (spec.md §4.7: "freed when
// refcount reaches zero (no live processes reference it and no child
// namespaces do)").
func (ns *Namespace) Unref() {
	ns.mu.Lock()
	ns.refcount--
	if ns.refcount < 0 {
		ns.mu.Unlock()
		panic("pidns: refcount went negative")
	}
	freed := ns.refcount == 0
	parent := ns.parent
	ns.mu.Unlock()

	if freed && parent != nil {
		parent.Unref()
	}
}

// Register assigns p a namespace-relative PID in ns and in every ancestor
// namespace, each independently (spec.md §4.7, §8 invariant 4). The root
// process of a namespace (the first ever registered in it) is assigned PID 1
// and does not consume the counter; every later registration increments it.
//
// Whether a given registration is "the root" is the caller's call: pass
// isRoot=true exactly once per namespace, for the process that namespace was
// created for (spec.md §3: "A namespace-relative PID of 1 is reserved for
// the namespace's root process").
func (ns *Namespace) Register(p Process, isRoot bool) {
	ns.mu.Lock()
	var pid int
	if isRoot {
		pid = 1
	} else {
		pid = ns.nextPID
		ns.nextPID++
	}
	ns.members[p] = pid
	ns.byPID[pid] = p
	ns.mu.Unlock()

	if ns.parent != nil {
		// Ancestors never see p as their root; only the innermost
		// namespace a process is created in can be its root namespace.
		ns.parent.Register(p, false)
	}
}

// Unregister removes p from ns and every ancestor, by identity (spec.md
// §4.7).
func (ns *Namespace) Unregister(p Process) {
	ns.mu.Lock()
	if pid, ok := ns.members[p]; ok {
		delete(ns.byPID, pid)
	}
	delete(ns.members, p)
	ns.mu.Unlock()

	if ns.parent != nil {
		ns.parent.Unregister(p)
	}
}

// Contains reports whether p is visible in ns — i.e. registered in ns or in
// one of ns's descendants. It is a direct-membership check, which already
// covers descendants: Register propagates every registration up through all
// ancestor namespaces, so a process registered in a descendant namespace is
// also a member here (spec.md §3 invariant: "union of its own members with
// those of its descendant namespaces"). process.Virtual.CanSee relies on
// exactly this (spec.md §4.8 "Visibility").
func (ns *Namespace) Contains(p Process) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	_, ok := ns.members[p]
	return ok
}

// NSPid returns p's namespace-relative PID in ns, if registered.
func (ns *Namespace) NSPid(p Process) (int, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	pid, ok := ns.members[p]
	return pid, ok
}

// Lookup resolves a namespace-relative PID back to the process registered
// under it, if any.
func (ns *Namespace) Lookup(nsPid int) (Process, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	p, ok := ns.byPID[nsPid]
	return p, ok
}

// Parent returns the namespace's parent, or nil at the root of the chain.
func (ns *Namespace) Parent() *Namespace {
	return ns.parent
}
