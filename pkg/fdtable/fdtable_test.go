// External test package so Clone's coverage can exercise real pkg/overlay
// backends without creating an import cycle (overlay imports fdtable for
// the fdtable.File return type its Clone methods produce).
package fdtable_test

import (
	"os"
	"testing"

	"github.com/bvisor/bvisor/pkg/fdtable"
	"github.com/bvisor/bvisor/pkg/overlay"
	"github.com/bvisor/bvisor/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	closed bool
	tag    string
}

func (f *fakeFile) Read(buf []byte) (int, error)   { return 0, nil }
func (f *fakeFile) Write(data []byte) (int, error) { return len(data), nil }

func (f *fakeFile) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFile) Clone() (fdtable.File, error) {
	return &fakeFile{tag: f.tag}, nil
}

func TestInsertStartsAtThreeAndIsMonotonic(t *testing.T) {
	tbl := fdtable.New()
	a := tbl.Insert(&fakeFile{tag: "a"})
	b := tbl.Insert(&fakeFile{tag: "b"})
	c := tbl.Insert(&fakeFile{tag: "c"})

	assert.Equal(t, 3, a)
	assert.Equal(t, 4, b)
	assert.Equal(t, 5, c)
}

func TestRemoveDoesNotRenumber(t *testing.T) {
	tbl := fdtable.New()
	tbl.Insert(&fakeFile{}) // 3
	tbl.Insert(&fakeFile{}) // 4
	require.True(t, tbl.Remove(3))

	next := tbl.Insert(&fakeFile{})
	assert.Equal(t, 5, next, "removed fd 3 must not be reissued")
}

func TestRemoveNeverClosesTheFile(t *testing.T) {
	tbl := fdtable.New()
	f := &fakeFile{}
	vfd := tbl.Insert(f)
	tbl.Remove(vfd)
	assert.False(t, f.closed, "Remove must not call Close")
}

func TestRefUnref(t *testing.T) {
	tbl := fdtable.New()
	tbl.Ref()
	assert.False(t, tbl.Unref())
	assert.True(t, tbl.Unref())
}

// TestCloneCopiesProcCursorIndependently exercises a real *overlay.Proc:
// unlike fakeFile, its state (buf, cursor) lives entirely in unexported
// fields, which is exactly what made the old deepcopy.Copy-based Clone
// silently lose it.
func TestCloneCopiesProcCursorIndependently(t *testing.T) {
	r := process.NewRegistryWithProcfs(nil)
	root, _ := r.RegisterRoot(100, "init")

	tbl := fdtable.New()
	pf, err := overlay.OpenProc("/proc/self/status", root)
	require.NoError(t, err)
	vfd := tbl.Insert(pf)

	buf := make([]byte, 4)
	n, err := pf.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n, "advance the cursor before cloning")

	clone, err := tbl.Clone()
	require.NoError(t, err)
	cf, ok := clone.Get(vfd)
	require.True(t, ok)
	cp := cf.(*overlay.Proc)

	// The clone's cursor must have started where the parent's was, and
	// reading from it must not move the parent's.
	parentRemaining, _ := pf.Read(make([]byte, 256))
	cloneRemaining, err := cp.Read(make([]byte, 256))
	require.NoError(t, err)
	assert.Equal(t, parentRemaining, cloneRemaining, "clone must inherit the cursor position, not restart at zero")

	// Both are now fully drained; a further read from either yields 0
	// without disturbing the other.
	n3, _ := pf.Read(make([]byte, 1))
	n4, _ := cp.Read(make([]byte, 1))
	assert.Equal(t, 0, n3)
	assert.Equal(t, 0, n4)
}

// TestCloneDupsFileBackedEntryIndependently exercises a real *overlay.Tmp:
// closing the clone's entry must not affect the parent's descriptor.
func TestCloneDupsFileBackedEntryIndependently(t *testing.T) {
	base := t.TempDir()
	root, err := overlay.NewRoot(base)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	tf, err := overlay.OpenTmp(root, "/tmp/clone-test.txt", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = tf.Write([]byte("shared description"))
	require.NoError(t, err)

	tbl := fdtable.New()
	vfd := tbl.Insert(tf)

	clone, err := tbl.Clone()
	require.NoError(t, err)
	cf, ok := clone.Get(vfd)
	require.True(t, ok)
	ct := cf.(*overlay.Tmp)

	// Closing the clone's duplicated descriptor must leave the parent's
	// entry usable.
	require.NoError(t, ct.Close())

	info, err := tf.Stat()
	require.NoError(t, err, "parent's descriptor must survive the clone's Close")
	assert.Equal(t, int64(len("shared description")), info.Size())
}

func TestEachVisitsAllLiveEntries(t *testing.T) {
	tbl := fdtable.New()
	tbl.Insert(&fakeFile{tag: "a"})
	tbl.Insert(&fakeFile{tag: "b"})

	seen := map[string]bool{}
	tbl.Each(func(vfd int, f fdtable.File) {
		seen[f.(*fakeFile).tag] = true
		f.Close()
	})
	assert.Len(t, seen, 2)
}
