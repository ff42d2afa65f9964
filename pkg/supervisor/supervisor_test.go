package supervisor

import (
	"testing"
	"unsafe"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/config"
	"github.com/bvisor/bvisor/pkg/notif"
	"github.com/bvisor/bvisor/pkg/overlay"
	"github.com/bvisor/bvisor/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeTransport replays a fixed queue of notifications and records replies
// (SPEC_FULL.md §8: "a fake notifier transport").
type fakeTransport struct {
	queue   []notif.Notification
	replies []notif.Reply
	idx     int
}

func (f *fakeTransport) Receive() (notif.Notification, error) {
	if f.idx >= len(f.queue) {
		return notif.Notification{}, bverr.ErrProcessGone
	}
	n := f.queue[f.idx]
	f.idx++
	return n, nil
}

func (f *fakeTransport) Reply(r notif.Reply) error {
	f.replies = append(f.replies, r)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newSupervisorForTest(t *testing.T) (*Supervisor, *process.Virtual, *fakeTransport) {
	t.Helper()
	root, err := overlay.NewRoot(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	reg := process.NewRegistryWithProcfs(nil)
	self, err := reg.RegisterRoot(int32(unix.Getpid()), "self")
	require.NoError(t, err)

	transport := &fakeTransport{}
	s := newForTesting(config.Default(), root, reg, transport)
	return s, self, transport
}

func cString(s string) []byte { return append([]byte(s), 0) }

// TestTmpRoundtrip exercises spec.md §8 scenario 1: open /tmp/test.txt with
// write+create+truncate, write 9 bytes, close; re-open read-only, read up to
// 64 bytes back. The dispatcher loop runs once (it ends in Terminated), so
// both phases share one queue; the FD table allocates monotonically from 3,
// so the first openat yields vfd 3 and the re-open yields vfd 4.
func TestTmpRoundtrip(t *testing.T) {
	s, self, transport := newSupervisorForTest(t)

	path := cString("/tmp/test.txt")
	content := []byte("hello tmp")
	readBuf := make([]byte, 64)

	transport.queue = []notif.Notification{
		{
			ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_OPENAT,
			Arguments: notif.Args{0, notif.Arg(uintptr(unsafe.Pointer(&path[0]))), notif.Arg(unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC), 0o644},
		},
		{
			ID: 2, Pid: self.KernelPID(), Syscall: unix.SYS_WRITE,
			Arguments: notif.Args{3, notif.Arg(uintptr(unsafe.Pointer(&content[0]))), notif.Arg(uintptr(len(content)))},
		},
		{
			ID: 3, Pid: self.KernelPID(), Syscall: unix.SYS_CLOSE,
			Arguments: notif.Args{3},
		},
		{
			ID: 4, Pid: self.KernelPID(), Syscall: unix.SYS_OPENAT,
			Arguments: notif.Args{0, notif.Arg(uintptr(unsafe.Pointer(&path[0]))), notif.Arg(unix.O_RDONLY), 0},
		},
		{
			ID: 5, Pid: self.KernelPID(), Syscall: unix.SYS_READ,
			Arguments: notif.Args{4, notif.Arg(uintptr(unsafe.Pointer(&readBuf[0]))), notif.Arg(uintptr(len(readBuf)))},
		},
	}
	require.NoError(t, s.Run())
	require.Len(t, transport.replies, 5)
	assert.GreaterOrEqual(t, transport.replies[0].Value, int64(3))
	assert.Equal(t, int64(len(content)), transport.replies[1].Value)
	assert.Equal(t, unix.Errno(0), transport.replies[2].Errno)
	assert.Equal(t, unix.Errno(0), transport.replies[4].Errno)
	assert.GreaterOrEqual(t, transport.replies[3].Value, int64(3))
	assert.Equal(t, int64(len(content)), transport.replies[4].Value)
	assert.Equal(t, content, readBuf[:len(content)])
}

// TestWriteToStdoutContinues exercises spec.md §8 scenario 3.
func TestWriteToStdoutContinues(t *testing.T) {
	s, self, transport := newSupervisorForTest(t)
	msg := []byte("hello")
	transport.queue = []notif.Notification{
		{
			ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_WRITE,
			Arguments: notif.Args{1, notif.Arg(uintptr(unsafe.Pointer(&msg[0]))), notif.Arg(uintptr(len(msg)))},
		},
	}
	require.NoError(t, s.Run())
	require.Len(t, transport.replies, 1)
	assert.True(t, transport.replies[0].Continue)
}

// TestBlockedPathDeniesWithoutFD exercises spec.md §8 scenario 4.
func TestBlockedPathDeniesWithoutFD(t *testing.T) {
	s, self, transport := newSupervisorForTest(t)
	path := cString("/sys/class/net")
	transport.queue = []notif.Notification{
		{
			ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_OPENAT,
			Arguments: notif.Args{0, notif.Arg(uintptr(unsafe.Pointer(&path[0]))), 0, 0},
		},
	}
	require.NoError(t, s.Run())
	require.Len(t, transport.replies, 1)
	r := transport.replies[0]
	assert.False(t, r.Continue)
	assert.Equal(t, unix.EACCES, r.Errno)
	assert.Equal(t, 0, self.FDs.Len())
}

// TestGetppidAcrossNamespaceBoundary exercises spec.md §8 scenario 6.
func TestGetppidAcrossNamespaceBoundary(t *testing.T) {
	s, self, transport := newSupervisorForTest(t)

	child, err := s.Registry().RegisterChild(self, 200, process.CloneFlags{NewPIDNamespace: true})
	require.NoError(t, err)

	transport.queue = []notif.Notification{
		{ID: 1, Pid: child.KernelPID(), Syscall: unix.SYS_GETPPID},
	}
	require.NoError(t, s.Run())
	require.Len(t, transport.replies, 1)
	assert.Equal(t, int64(0), transport.replies[0].Value)
}
