package membridge

import (
	"testing"
	"unsafe"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestReadValueSelfRoundtrip exercises the bridge against the test process's
// own address space (pid 0 in process_vm_readv semantics doesn't work, so this
// uses unix.Getpid() via New, which requires CAP_SYS_PTRACE or being a
// relative of the target — reading one's own memory always satisfies that
// ptrace-access check).
func TestReadValueSelfRoundtrip(t *testing.T) {
	pid := int32(unix.Getpid())
	b := New(pid)

	var x int64 = 0x0102030405060708
	addr := uintptr(unsafe.Pointer(&x))

	got, err := ReadValue[int64](b, addr)
	require.NoError(t, err)
	assert.Equal(t, x, got)
}

func TestWriteValueSelfRoundtrip(t *testing.T) {
	pid := int32(unix.Getpid())
	b := New(pid)

	var x int32
	addr := uintptr(unsafe.Pointer(&x))

	require.NoError(t, WriteValue[int32](b, addr, 42))
	assert.Equal(t, int32(42), x)
}

func TestReadStringTerminates(t *testing.T) {
	pid := int32(unix.Getpid())
	b := New(pid)

	data := []byte("hello\x00trailing garbage that must not be read")
	addr := uintptr(unsafe.Pointer(&data[0]))

	s, err := b.ReadString(addr)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

// TestReadStringCapsAtMaxBoundary is spec.md §8: "a read-string from an
// un-terminated 256-byte region yields a 256-byte result, never a buffer
// overrun."
func TestReadStringCapsAtMaxBoundary(t *testing.T) {
	pid := int32(unix.Getpid())
	b := New(pid)

	data := make([]byte, maxStringRead+64)
	for i := range data {
		data[i] = 'x'
	}
	addr := uintptr(unsafe.Pointer(&data[0]))

	s, err := b.ReadString(addr)
	assert.ErrorIs(t, err, bverr.ErrPartialTransfer)
	assert.Len(t, s, maxStringRead)
}

func TestReadBytesBadAddressMapsToBverr(t *testing.T) {
	pid := int32(unix.Getpid())
	b := New(pid)

	buf := make([]byte, 8)
	err := b.ReadBytes(0, buf)
	require.Error(t, err)
	assert.Equal(t, unix.EFAULT, bverr.Errno(err))
}
