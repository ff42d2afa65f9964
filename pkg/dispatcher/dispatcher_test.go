package dispatcher

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

// fakeTransport replays a fixed queue of notifications and records replies,
// used in place of a real kernel notifier FD (SPEC_FULL.md §8: "a fake
// [transport] used in tests").
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

func newDispatcherForTest(t *testing.T) (*Dispatcher, *process.Registry, *process.Virtual, *fakeTransport) {
	t.Helper()
	root, err := overlay.NewRoot(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	reg := process.NewRegistryWithProcfs(nil)
	self, err := reg.RegisterRoot(int32(unix.Getpid()), "self")
	require.NoError(t, err)

	transport := &fakeTransport{}
	d := New(transport, reg, root, config.Default())
	return d, reg, self, transport
}

func TestGetpidReturnsKernelPID(t *testing.T) {
	d, _, self, transport := newDispatcherForTest(t)
	transport.queue = []notif.Notification{
		{ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_GETPID},
	}
	require.NoError(t, d.Run())
	require.Len(t, transport.replies, 1)
	assert.Equal(t, int64(self.KernelPID()), transport.replies[0].Value)
}

func TestWriteToStdoutContinues(t *testing.T) {
	d, _, self, transport := newDispatcherForTest(t)
	transport.queue = []notif.Notification{
		{ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_WRITE, Arguments: notif.Args{notif.Arg(1)}},
	}
	require.NoError(t, d.Run())
	require.Len(t, transport.replies, 1)
	assert.True(t, transport.replies[0].Continue)
}

func TestOpenatBlockedPath(t *testing.T) {
	d, _, self, transport := newDispatcherForTest(t)

	path := "/sys/class/net\x00"
	buf := []byte(path)

	transport.queue = []notif.Notification{
		{
			ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_OPENAT,
			Arguments: notif.Args{0, notif.Arg(uintptr(unsafe.Pointer(&buf[0]))), 0, 0},
		},
	}
	require.NoError(t, d.Run())
	require.Len(t, transport.replies, 1)
	r := transport.replies[0]
	assert.False(t, r.Continue)
	assert.Equal(t, unix.EACCES, r.Errno)
}

func TestCloneRoutesToContinue(t *testing.T) {
	d, _, self, transport := newDispatcherForTest(t)
	transport.queue = []notif.Notification{
		{ID: 1, Pid: self.KernelPID(), Syscall: unix.SYS_CLONE},
	}
	require.NoError(t, d.Run())
	assert.True(t, transport.replies[0].Continue)
}

func TestStateMachineReachesTerminated(t *testing.T) {
	d, _, _, _ := newDispatcherForTest(t)
	assert.Equal(t, Running, d.State())
	require.NoError(t, d.Run())
	assert.Equal(t, Terminated, d.State())
}
