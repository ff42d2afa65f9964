package overlay

import (
	"io"
	"os"
	"path/filepath"

	"github.com/bvisor/bvisor/pkg/bverr"
	"golang.org/x/sys/unix"
)

// COW is the copy-on-write backend (spec.md §4.5). A path not yet modified
// opens read-only passthrough to the host; a write-mode open, or an open of
// a path that already has a staged copy, materializes (or reuses) a private
// copy under the overlay's cow subtree and directs reads/writes there
// instead.
type COW struct {
	f            *os.File
	materialized bool
}

func isWriteMode(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// OpenCOW implements the COW backend's open (spec.md §4.5, decided per
// SPEC_FULL.md §9 open question (c)).
func OpenCOW(root *Root, guestPath string, flags int, mode os.FileMode) (*COW, error) {
	if isWriteMode(flags) || root.Staged(guestPath) {
		if err := stage(root, guestPath, mode); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(root.CowPath(guestPath), flags|os.O_CREATE, mode)
		if err != nil {
			return nil, err
		}
		return &COW{f: f, materialized: true}, nil
	}

	f, err := os.OpenFile(guestPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &COW{f: f, materialized: false}, nil
}

// stage materializes guestPath into the overlay's cow subtree, creating
// parent directories on demand (spec.md §4.5). If a staged copy already
// exists, this is a no-op. If the host file doesn't exist yet (a fresh
// O_CREAT), an empty staged file is the correct starting point.
func stage(root *Root, guestPath string, mode os.FileMode) error {
	if root.Staged(guestPath) {
		return nil
	}

	stagedPath := root.CowPath(guestPath)
	if err := os.MkdirAll(filepath.Dir(stagedPath), 0o700); err != nil {
		return err
	}

	src, err := os.Open(guestPath)
	if os.IsNotExist(err) {
		f, ferr := os.OpenFile(stagedPath, os.O_CREATE|os.O_EXCL, mode)
		if ferr != nil {
			return ferr
		}
		return f.Close()
	} else if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (c *COW) Read(buf []byte) (int, error) { return c.f.Read(buf) }

func (c *COW) Write(data []byte) (int, error) {
	if !c.materialized {
		return 0, bverr.ErrReadOnly
	}
	return c.f.Write(data)
}

func (c *COW) Close() error { return c.f.Close() }

// Clone dups the underlying descriptor so the clone's table entry has its
// own *os.File (fdtable.File; SPEC_FULL.md §4.6) — Go can't take ownership
// of an os.File's fd away from it, so the only way to get an independent
// Close is to duplicate the descriptor first (grounded on the teacher's
// runsc/boot/controller.go donated-FD dup). The duplicate shares the
// kernel's open file description with the original, so a seek in one is
// visible to the other, the same as a plain fork() without CLONE_FILES.
func (c *COW) Clone() (File, error) {
	fd, err := unix.Dup(int(c.f.Fd()))
	if err != nil {
		return nil, err
	}
	return &COW{f: os.NewFile(uintptr(fd), c.f.Name()), materialized: c.materialized}, nil
}
