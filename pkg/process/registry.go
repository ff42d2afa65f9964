// Package process implements the VirtualProcess type and the Process
// Registry (spec.md §3 "VirtualProcess", §4.8 "Process Registry").
package process

import (
	"fmt"
	"sync"

	"github.com/bvisor/bvisor/pkg/fdtable"
	"github.com/bvisor/bvisor/pkg/pidns"
)

// Virtual represents one guest process (spec.md §3).
type Virtual struct {
	// kernelPID is the supervisor-visible host PID of the guest process.
	kernelPID int32

	// Name is a short display name surfaced through /proc/<pid>/status's
	// Name: field (SPEC_FULL.md §3 supplement).
	Name string

	// Argv is the guest command line, surfaced through /proc/<pid>/cmdline
	// (SPEC_FULL.md §4.5 supplement). Empty for processes the supervisor
	// only ever discovered lazily and never exec'd itself.
	Argv []string

	FDs       *fdtable.Table
	Namespace *pidns.Namespace
	Parent    *Virtual

	mu sync.Mutex
	// exited is set by exit_group; a still-registered reference (e.g. a
	// racing sibling's getppid) can still observe it until the registry
	// actually frees the process (SPEC_FULL.md §3 supplement).
	exited     bool
	exitStatus int32

	children map[int32]*Virtual
}

// KernelPID returns the host PID. Implements pidns.Process.
func (v *Virtual) KernelPID() int32 { return v.kernelPID }

// MarkExited records an exit_group status without removing the process from
// the registry; Registry.Kill does that separately.
func (v *Virtual) MarkExited(status int32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exited = true
	v.exitStatus = status
}

// Exited reports whether the process has called exit_group.
func (v *Virtual) Exited() (bool, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exited, v.exitStatus
}

// CanSee reports whether other is visible from v — i.e. registered in v's
// own namespace or one of its descendants (spec.md §4.8 "Visibility"). Since
// Namespace.Register propagates a registration up through every ancestor in
// the chain at registration time, checking direct membership in v's own
// namespace already captures "own or descendant" (spec.md §9: "namespace
// membership is stored on the namespace side").
func (v *Virtual) CanSee(other *Virtual) bool {
	return v.Namespace.Contains(other)
}

// CloneFlags names the clone(2) flags the registry cares about when
// registering a child (spec.md §4.8 "register-child").
type CloneFlags struct {
	NewPIDNamespace bool
	ShareFiles      bool // CLONE_FILES: share the parent's FD table.
}

// Registry is the central kernel-PID -> VirtualProcess map (spec.md §4.8).
type Registry struct {
	mu        sync.Mutex
	processes map[int32]*Virtual
	rootSet   bool

	// procfsReader is overridable in tests; production code uses
	// procReader (procfs.go).
	procfsReader ProcfsReader
}

// ProcfsReader abstracts the kernel /proc scrape sync-new performs, so tests
// can supply a fake kernel view without forking real processes.
type ProcfsReader interface {
	// Tasks returns every kernel PID alive under the supervisor's own
	// process, and each one's reported parent PID (spec.md §4.8: "reads
	// the kernel's /proc/<supervisor>/task (or equivalent)").
	Tasks() (map[int32]int32, error)
}

// NewRegistry constructs an empty registry using the real /proc reader.
func NewRegistry() *Registry {
	return &Registry{
		processes:    make(map[int32]*Virtual),
		procfsReader: procReader{},
	}
}

// NewRegistryWithProcfs constructs a registry with an injected ProcfsReader,
// for tests.
func NewRegistryWithProcfs(r ProcfsReader) *Registry {
	return &Registry{
		processes:    make(map[int32]*Virtual),
		procfsReader: r,
	}
}

// RegisterRoot registers the sandbox's first process. It must be called
// exactly once per sandbox (spec.md §4.8).
func (r *Registry) RegisterRoot(pid int32, name string) (*Virtual, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rootSet {
		return nil, fmt.Errorf("process: RegisterRoot called more than once")
	}

	ns := pidns.New(nil)
	v := &Virtual{
		kernelPID: pid,
		Name:      name,
		FDs:       fdtable.New(),
		Namespace: ns,
		children:  make(map[int32]*Virtual),
	}
	ns.Register(v, true)
	r.processes[pid] = v
	r.rootSet = true
	return v, nil
}

// RegisterChild registers a new process cloned from parent (spec.md §4.8
// "register-child"). Idempotent with respect to lazy discovery: if pid is
// already registered (e.g. sync-new beat the clone's return path to it —
// SPEC_FULL.md §9 open question (b)), the existing entry is returned instead
// of creating a duplicate.
func (r *Registry) RegisterChild(parent *Virtual, pid int32, flags CloneFlags) (*Virtual, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.processes[pid]; ok {
		return existing, nil
	}

	ns := parent.Namespace
	isRoot := false
	if flags.NewPIDNamespace {
		ns = pidns.New(parent.Namespace)
		isRoot = true
	} else {
		ns.Ref()
	}

	var fds *fdtable.Table
	if flags.ShareFiles {
		parent.FDs.Ref()
		fds = parent.FDs
	} else {
		cloned, err := parent.FDs.Clone()
		if err != nil {
			return nil, fmt.Errorf("process: cloning parent fd table: %w", err)
		}
		fds = cloned
	}

	child := &Virtual{
		kernelPID: pid,
		FDs:       fds,
		Namespace: ns,
		Parent:    parent,
		children:  make(map[int32]*Virtual),
	}
	ns.Register(child, isRoot)
	r.processes[pid] = child
	parent.children[pid] = child
	return child, nil
}

// Get looks up a kernel PID.
func (r *Registry) Get(pid int32) (*Virtual, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.processes[pid]
	return v, ok
}

// Kill removes pid and all of its descendants, unregistering each from
// every namespace they belong to before releasing their FD-table and
// namespace references (spec.md §4.8 "Kill semantics").
func (r *Registry) Kill(pid int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.processes[pid]
	if !ok {
		return fmt.Errorf("process: kill: no such pid %d", pid)
	}
	r.killLocked(v)
	return nil
}

func (r *Registry) killLocked(v *Virtual) {
	for _, child := range v.children {
		r.killLocked(child)
	}
	v.Namespace.Unregister(v)
	delete(r.processes, v.kernelPID)
	if v.Parent != nil {
		delete(v.Parent.children, v.kernelPID)
	}
	v.Namespace.Unref()
	v.FDs.Unref()
}

// SyncNew reads the kernel's process tree and registers any kernel PID the
// supervisor has not yet observed (spec.md §4.8 "Lazy discovery"). The
// parent of a newly-discovered PID is inferred from the kernel's reported
// parent PID; if that parent isn't registered either (it's also new), it is
// registered first, so the walk is always parent-before-child.
func (r *Registry) SyncNew() error {
	tasks, err := r.procfsReader.Tasks()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var register func(pid int32) *Virtual
	register = func(pid int32) *Virtual {
		if v, ok := r.processes[pid]; ok {
			return v
		}
		ppid, ok := tasks[pid]
		if !ok {
			return nil
		}
		parent, ok := r.processes[ppid]
		if !ok {
			parent = register(ppid)
			if parent == nil {
				return nil
			}
		}

		ns := parent.Namespace
		ns.Ref()
		parent.FDs.Ref()
		child := &Virtual{
			kernelPID: pid,
			FDs:       parent.FDs,
			Namespace: ns,
			Parent:    parent,
			children:  make(map[int32]*Virtual),
		}
		ns.Register(child, false)
		r.processes[pid] = child
		parent.children[pid] = child
		return child
	}

	for pid := range tasks {
		register(pid)
	}
	return nil
}
