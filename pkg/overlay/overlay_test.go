package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	base := t.TempDir()
	root, err := NewRoot(base)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })
	return root
}

// TestTmpRoundtrip is spec.md §8 scenario 1.
func TestTmpRoundtrip(t *testing.T) {
	root := newTestRoot(t)

	f, err := OpenTmp(root, "/tmp/test.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	n, err := f.Write([]byte("hello tmp"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, f.Close())

	f2, err := OpenTmp(root, "/tmp/test.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n2, err := f2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 9, n2)
	assert.Equal(t, "hello tmp", string(buf[:n2]))
	require.NoError(t, f2.Close())
}

// TestTmpIsolation is spec.md §8 scenario 2.
func TestTmpIsolation(t *testing.T) {
	rootA := newTestRoot(t)
	rootB := newTestRoot(t)
	assert.NotEqual(t, rootA.UID, rootB.UID)

	fa, err := OpenTmp(rootA, "/tmp/test.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	fa.Write([]byte("from A"))
	fa.Close()

	fb, err := OpenTmp(rootB, "/tmp/test.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	fb.Write([]byte("from B"))
	fb.Close()

	ra, _ := OpenTmp(rootA, "/tmp/test.txt", os.O_RDONLY, 0)
	buf := make([]byte, 64)
	n, _ := ra.Read(buf)
	assert.Equal(t, "from A", string(buf[:n]))
	ra.Close()

	rb, _ := OpenTmp(rootB, "/tmp/test.txt", os.O_RDONLY, 0)
	n, _ = rb.Read(buf)
	assert.Equal(t, "from B", string(buf[:n]))
	rb.Close()
}

func TestCOWReadOnlyPassthroughUntilWrite(t *testing.T) {
	root := newTestRoot(t)
	hostFile := filepath.Join(t.TempDir(), "host.txt")
	require.NoError(t, os.WriteFile(hostFile, []byte("host content"), 0o644))

	ro, err := OpenCOW(root, hostFile, os.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, _ := ro.Read(buf)
	assert.Equal(t, "host content", string(buf[:n]))

	_, err = ro.Write([]byte("x"))
	assert.ErrorIs(t, err, bverr.ErrReadOnly) // a non-materialized write fails read-only
	assert.Error(t, err, "write against a non-materialized cow open must fail")
	ro.Close()

	rw, err := OpenCOW(root, hostFile, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = rw.Write([]byte("staged content"))
	require.NoError(t, err)
	rw.Close()

	// The host file itself must be untouched.
	hostBytes, _ := os.ReadFile(hostFile)
	assert.Equal(t, "host content", string(hostBytes))
}

func TestProcSelfStatus(t *testing.T) {
	r := process.NewRegistryWithProcfs(nil)
	root, _ := r.RegisterRoot(100, "init")
	child, _ := r.RegisterChild(root, 200, process.CloneFlags{})

	f, err := OpenProc("/proc/self/status", child)
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	content := string(buf[:n])
	assert.Contains(t, content, "Pid:\t2\n")
	assert.Contains(t, content, "PPid:\t1\n")

	f2, err := OpenProc("/proc/200/status", root)
	require.NoError(t, err)
	n2, _ := f2.Read(buf)
	content2 := string(buf[:n2])
	assert.Contains(t, content2, "Pid:\t2\n")
	assert.Contains(t, content2, "PPid:\t1\n")
}

func TestProcUnregisteredPidNotFound(t *testing.T) {
	r := process.NewRegistryWithProcfs(nil)
	root, _ := r.RegisterRoot(100, "init")

	_, err := OpenProc("/proc/999/status", root)
	assert.Error(t, err)
}
