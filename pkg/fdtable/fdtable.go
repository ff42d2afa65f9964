// Package fdtable implements the per-process FD Table (spec.md §4.6): a
// refcounted, monotonically-allocated map from virtual FD to an open file
// object.
package fdtable

import (
	"fmt"
	"sync"
)

// firstFD is the first virtual FD ever allocated. 0, 1, 2 are reserved for
// the guest's inherited stdin/stdout/stderr, which the dispatcher handles
// specially rather than through this table (spec.md §4.9 write/writev
// handler summary).
const firstFD = 3

// File is the tagged Open File variant every backend returns (spec.md §3):
// passthrough, cow, tmp or proc, each carrying its own inline state.
// pkg/overlay's concrete backends implement this directly rather than
// fdtable re-declaring a narrower Close-only interface and pkg/overlay a
// separate Read/Write/Close one, since every backend is always reached
// through this table and the two interfaces would otherwise have to be kept
// in lockstep by hand.
type File interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)

	// Close releases backend resources. fdtable never calls this itself
	// (spec.md §4.6 invariant: "remove never calls the file's close");
	// callers are expected to call it after Remove/Get when appropriate.
	Close() error

	// Clone produces an independent copy of the backend's own state for
	// Table.Clone (spec.md §4.6: "deep-copy entries by value"). Every
	// backend stores its state in unexported fields, so this must be a
	// method on the concrete type rather than something fdtable can do
	// generically from the outside (grounded on the teacher's own
	// runsc/boot/controller.go, which dups a donated *os.File's
	// descriptor rather than trying to copy the os.File value: "Can't
	// take ownership away from os.File. dup them to get a new FD.").
	Clone() (File, error)
}

// Table is a refcounted FD table. The zero value is not usable; construct
// with New.
type Table struct {
	mu       sync.Mutex
	refcount int
	nextFD   int
	entries  map[int]File
}

// New returns a fresh table with refcount 1.
func New() *Table {
	return &Table{
		refcount: 1,
		nextFD:   firstFD,
		entries:  make(map[int]File),
	}
}

// Ref increments the table's refcount (clone-files semantics: a child shares
// its parent's table).
func (t *Table) Ref() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refcount++
}

// Unref decrements the refcount. It reports whether this was the last
// reference, so a caller knows it now owns closing every remaining entry
// (spec.md §4.6: "files held inside at that point are leaked unless callers
// close them").
func (t *Table) Unref() (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refcount--
	if t.refcount < 0 {
		panic("fdtable: refcount went negative")
	}
	return t.refcount == 0
}

// Insert allocates the next virtual FD for file and returns it. Allocation is
// monotonic and never reuses a removed FD (spec.md §4.6 invariant).
func (t *Table) Insert(file File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	vfd := t.nextFD
	t.nextFD++
	t.entries[vfd] = file
	return vfd
}

// Get looks up a virtual FD.
func (t *Table) Get(vfd int) (File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[vfd]
	return f, ok
}

// Remove deletes a virtual FD from the table without closing it. It reports
// whether an entry was actually present.
func (t *Table) Remove(vfd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[vfd]; !ok {
		return false
	}
	delete(t.entries, vfd)
	return true
}

// Each calls fn for every live (vfd, file) pair. Used by exit_group's
// "iterate and close before releasing the last reference" cleanup (spec.md
// §4.6, §4.9).
func (t *Table) Each(fn func(vfd int, file File)) {
	t.mu.Lock()
	// Copy out first: fn may itself call back into Remove, and holding the
	// lock across an arbitrary callback risks deadlock if fn touches this
	// table again.
	snapshot := make(map[int]File, len(t.entries))
	for vfd, f := range t.entries {
		snapshot[vfd] = f
	}
	t.mu.Unlock()

	for vfd, f := range snapshot {
		fn(vfd, f)
	}
}

// Clone deep-copies every entry by value into a fresh table with refcount 1
// (spec.md §4.6: "clone (deep-copy entries by value with fresh refcount;
// inherits the next-FD counter so diverging tables never issue overlapping
// FDs for their first post-clone allocation)"). Per-entry backend state
// (e.g. a proc file's cursor, a file-backed backend's descriptor) is
// duplicated through each backend's own Clone so the parent and child don't
// alias it (SPEC_FULL.md §4.6). If any entry fails to clone (e.g. the host
// is out of descriptors), the whole clone fails rather than handing back a
// table with a silently missing entry.
func (t *Table) Clone() (*Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clone := &Table{
		refcount: 1,
		nextFD:   t.nextFD,
		entries:  make(map[int]File, len(t.entries)),
	}
	for vfd, f := range t.entries {
		copied, err := f.Clone()
		if err != nil {
			return nil, fmt.Errorf("fdtable: cloning fd %d: %w", vfd, err)
		}
		clone.entries[vfd] = copied
	}
	return clone, nil
}

// Len reports the number of live entries, used by openat to enforce
// MaxFDsPerProcess (spec.md §7: "resource exhaustion (FD table full)").
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
