package dispatcher

import (
	"os"
	"strings"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/fdtable"
	"github.com/bvisor/bvisor/pkg/notif"
	"github.com/bvisor/bvisor/pkg/overlay"
	"github.com/bvisor/bvisor/pkg/pathrouter"
	"github.com/bvisor/bvisor/pkg/process"
	"golang.org/x/sys/unix"
)

// stdout and stderr are passed straight through to the kernel (spec.md §4.9
// write/writev handler summary: "for stdout and stderr, reply
// continue-in-kernel").
const (
	fdStdout = 1
	fdStderr = 2
)

// handleOpenat implements spec.md §4.9's openat handler summary.
func handleOpenat(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	bridge := bridgeFor(caller)
	rawPath, err := bridge.ReadString(n.Arguments[1].Pointer())
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	if !strings.HasPrefix(rawPath, "/") {
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrNotAbsolute))
	}

	decision := pathrouter.Route(rawPath)
	if decision.Blocked {
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrBlocked))
	}

	if caller.FDs.Len() >= d.cfg.MaxFDsPerProcess {
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrFDTableFull))
	}

	flags := int(n.Arguments[2].Int32())
	mode := os.FileMode(n.Arguments[3].Value() & 0o7777)
	norm := pathrouter.Normalize(rawPath)

	var file overlay.File
	var openErr error
	switch decision.Backend {
	case pathrouter.Passthrough:
		file, openErr = overlay.OpenPassthrough(norm, flags, mode)
	case pathrouter.COW:
		file, openErr = overlay.OpenCOW(d.root, norm, flags, mode)
	case pathrouter.Tmp:
		file, openErr = overlay.OpenTmp(d.root, norm, flags, mode)
	case pathrouter.Proc:
		if err := d.registry.SyncNew(); err != nil {
			return notif.Fail(n.ID, bverr.Errno(err))
		}
		file, openErr = overlay.OpenProc(norm, caller)
	default:
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrUnsupported))
	}
	if openErr != nil {
		return notif.Fail(n.ID, bverr.Errno(openErr))
	}

	vfd := caller.FDs.Insert(file)
	return notif.OK(n.ID, int64(vfd))
}

// lookupOpenFile resolves a virtual FD to its overlay.File, or ErrBadFD.
func lookupOpenFile(caller *process.Virtual, vfd int) (overlay.File, error) {
	f, ok := caller.FDs.Get(vfd)
	if !ok {
		return nil, bverr.ErrBadFD
	}
	of, ok := f.(overlay.File)
	if !ok {
		return nil, bverr.ErrBadFD
	}
	return of, nil
}

// handleWrite implements spec.md §4.9's write handler summary.
func handleWrite(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	if vfd == fdStdout || vfd == fdStderr {
		return notif.ContinueReply(n.ID)
	}

	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	count := int(n.Arguments[2].Value())
	if count > d.cfg.MaxWriteChunk {
		count = d.cfg.MaxWriteChunk
	}
	buf := make([]byte, count)
	bridge := bridgeFor(caller)
	if err := bridge.ReadBytes(n.Arguments[1].Pointer(), buf); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	written, err := file.Write(buf)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, int64(written))
}

// handleRead implements spec.md §4.9's read handler summary: the analogue of
// write, writing the produced bytes back into guest memory.
func handleRead(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	count := int(n.Arguments[2].Value())
	if count > d.cfg.MaxWriteChunk {
		count = d.cfg.MaxWriteChunk
	}
	buf := make([]byte, count)
	read, err := file.Read(buf)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	bridge := bridgeFor(caller)
	if err := bridge.WriteBytes(n.Arguments[1].Pointer(), buf[:read]); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, int64(read))
}

// iovec mirrors struct iovec: a guest-address/length pair read out of the
// guest's argument array via the memory bridge.
type iovec struct {
	base uintptr
	len  uint64
}

func readIovecs(d *Dispatcher, caller *process.Virtual, addr uintptr, count int) ([]iovec, error) {
	if count > d.cfg.MaxIovecs {
		// spec.md §8 boundary behavior: "processes only the first 16".
		count = d.cfg.MaxIovecs
	}
	bridge := bridgeFor(caller)
	iovecs := make([]iovec, 0, count)
	for i := 0; i < count; i++ {
		base, err := membridgeReadUintptr(bridge, addr+uintptr(i*16))
		if err != nil {
			return nil, err
		}
		length, err := membridgeReadUintptr(bridge, addr+uintptr(i*16)+8)
		if err != nil {
			return nil, err
		}
		iovecs = append(iovecs, iovec{base: base, len: uint64(length)})
	}
	return iovecs, nil
}

// handleWritev implements spec.md §4.9's writev handler summary and §8's
// iovec-count boundary behavior.
func handleWritev(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	if vfd == fdStdout || vfd == fdStderr {
		return notif.ContinueReply(n.ID)
	}

	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	iovecs, err := readIovecs(d, caller, n.Arguments[1].Pointer(), int(n.Arguments[2].Value()))
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	bridge := bridgeFor(caller)
	var total int64
	for _, iov := range iovecs {
		size := int(iov.len)
		if size > d.cfg.MaxWriteChunk {
			size = d.cfg.MaxWriteChunk
		}
		buf := make([]byte, size)
		if err := bridge.ReadBytes(iov.base, buf); err != nil {
			return notif.Fail(n.ID, bverr.Errno(err))
		}
		written, err := file.Write(buf)
		if err != nil {
			return notif.Fail(n.ID, bverr.Errno(err))
		}
		total += int64(written)
	}
	return notif.OK(n.ID, total)
}

// handleReadv implements spec.md §4.9's readv handler summary.
func handleReadv(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	iovecs, err := readIovecs(d, caller, n.Arguments[1].Pointer(), int(n.Arguments[2].Value()))
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	bridge := bridgeFor(caller)
	var total int64
	for _, iov := range iovecs {
		size := int(iov.len)
		if size > d.cfg.MaxWriteChunk {
			size = d.cfg.MaxWriteChunk
		}
		buf := make([]byte, size)
		read, err := file.Read(buf)
		if err != nil {
			return notif.Fail(n.ID, bverr.Errno(err))
		}
		if err := bridge.WriteBytes(iov.base, buf[:read]); err != nil {
			return notif.Fail(n.ID, bverr.Errno(err))
		}
		total += int64(read)
	}
	return notif.OK(n.ID, total)
}

// handleGetpid implements spec.md §4.9: "reply with the caller's kernel PID"
// (first-revision placeholder for namespace-relative identity — SPEC_FULL.md
// §9 open question (a)).
func handleGetpid(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	return notif.OK(n.ID, int64(caller.KernelPID()))
}

// handleGetppid implements spec.md §4.9: "if a visible parent exists, return
// its kernel PID; otherwise 0."
func handleGetppid(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	if caller.Parent == nil || !caller.CanSee(caller.Parent) {
		return notif.OK(n.ID, 0)
	}
	return notif.OK(n.ID, int64(caller.Parent.KernelPID()))
}

// handleKill implements spec.md §4.9: "forward to the registry's kill
// routine."
func handleKill(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	target := int32(n.Arguments[0].Int32())
	if err := d.registry.Kill(target); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, 0)
}

// handleExitGroup implements spec.md §4.9: "kill the caller's subtree,
// release its FD table (closing entries)."
func handleExitGroup(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	status := n.Arguments[0].Int32()
	caller.MarkExited(status)

	caller.FDs.Each(func(vfd int, f fdtable.File) {
		f.Close()
	})
	if err := d.registry.Kill(caller.KernelPID()); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, 0)
}

// handleClose is the supplemented close handler (SPEC_FULL.md §4.9): removes
// the FD from the caller's table and closes the underlying backend object.
func handleClose(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	caller.FDs.Remove(vfd)
	if err := file.Close(); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, 0)
}

// handleDup is the supplemented dup handler (SPEC_FULL.md §4.9): a second
// virtual FD whose entry is the backend's Clone of the original, so closing
// either FD leaves the other usable. File-backed entries get a dup'd host
// descriptor sharing the original's open file description (and offset); a
// proc entry gets its own copy of the buffer and cursor.
func handleDup(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	dup, err := file.Clone()
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	newFD := caller.FDs.Insert(dup)
	return notif.OK(n.ID, int64(newFD))
}

// handleDup3 is the supplemented dup3 handler (SPEC_FULL.md §4.9). This
// implementation does not honor a caller-specified target FD number — the FD
// table always assigns the next monotonic slot (spec.md §4.6 invariant) — so
// dup3's only meaningful extension over dup, O_CLOEXEC, is a no-op here since
// this supervisor has no exec-time FD inheritance to honor it against.
func handleDup3(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	return handleDup(d, n, caller)
}

// statBuf mirrors the fields of struct stat this supervisor can
// meaningfully synthesize: size and mode, as SPEC_FULL.md §4.9 specifies
// ("a minimal stat buffer (size, mode)"). It is laid out to match the amd64
// struct stat prefix so a guest's naive field-offset read still finds Size
// and Mode in their usual places, even though the fields in between are
// zeroed rather than faithfully populated.
type statBuf struct {
	Dev     uint64
	Ino     uint64
	Nlink   uint64
	Mode    uint32
	Uid     uint32
	Gid     uint32
	_       int32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
}

// statFor synthesizes a statBuf for an open virtual FD (SPEC_FULL.md §4.9:
// "a minimal stat buffer (size, mode)").
func statFor(caller *process.Virtual, vfd int) (statBuf, error) {
	file, err := lookupOpenFile(caller, vfd)
	if err != nil {
		return statBuf{}, err
	}

	var sb statBuf
	switch f := file.(type) {
	case *overlay.Proc:
		sb.Mode = unix.S_IFREG | 0o444
		sb.Size = int64(f.Len())
	case *overlay.Tmp:
		info, statErr := f.Stat()
		if statErr != nil {
			return statBuf{}, statErr
		}
		sb.Mode = unix.S_IFREG | uint32(info.Mode().Perm())
		sb.Size = info.Size()
	default:
		sb.Mode = unix.S_IFREG | 0o644
	}
	return sb, nil
}

// handleFstat is the supplemented fstat handler (SPEC_FULL.md §4.9):
// fstat(fd, buf) — the fd is Arguments[0], the stat-buffer pointer is
// Arguments[1].
func handleFstat(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	vfd := int(n.Arguments[0].Int32())
	sb, err := statFor(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	bridge := bridgeFor(caller)
	if err := membridgeWriteStat(bridge, n.Arguments[1].Pointer(), sb); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, 0)
}

// handleNewfstatat is the supplemented newfstatat handler (SPEC_FULL.md
// §4.9): newfstatat(dirfd, pathname, buf, flags) — the stat-buffer pointer
// is Arguments[2], not Arguments[1] (that's the pathname). This supervisor
// only emulates the fstat(fd)-via-newfstatat glibc pattern (dirfd names the
// target FD directly, pathname is empty, AT_EMPTY_PATH is set); any other
// invocation is a real path-based stat this revision doesn't implement.
func handleNewfstatat(d *Dispatcher, n notif.Notification, caller *process.Virtual) notif.Reply {
	flags := n.Arguments[3].Int32()
	if flags&unix.AT_EMPTY_PATH == 0 {
		return notif.Fail(n.ID, bverr.Errno(bverr.ErrUnsupported))
	}

	vfd := int(n.Arguments[0].Int32())
	sb, err := statFor(caller, vfd)
	if err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}

	bridge := bridgeFor(caller)
	if err := membridgeWriteStat(bridge, n.Arguments[2].Pointer(), sb); err != nil {
		return notif.Fail(n.ID, bverr.Errno(err))
	}
	return notif.OK(n.ID, 0)
}
