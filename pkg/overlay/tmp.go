package overlay

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Tmp maps a guest /tmp/<suffix> path onto <overlay-root>/tmp/<suffix> and
// delegates directly to the host kernel; there is no copy-on-write (spec.md
// §4.5).
type Tmp struct {
	f *os.File
}

// OpenTmp implements the tmp backend's open.
func OpenTmp(root *Root, guestPath string, flags int, mode os.FileMode) (*Tmp, error) {
	hostPath := root.TmpPath(guestPath)
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(hostPath, flags, mode)
	if err != nil {
		return nil, err
	}
	return &Tmp{f: f}, nil
}

func (t *Tmp) Read(buf []byte) (int, error)  { return t.f.Read(buf) }
func (t *Tmp) Write(data []byte) (int, error) { return t.f.Write(data) }
func (t *Tmp) Close() error                   { return t.f.Close() }

// Stat reports the underlying host file's stat, used by the dispatcher's
// fstat handler to synthesize a stat buffer (SPEC_FULL.md §4.9).
func (t *Tmp) Stat() (os.FileInfo, error) { return t.f.Stat() }

// Clone dups the underlying descriptor the same way COW.Clone does
// (SPEC_FULL.md §4.6).
func (t *Tmp) Clone() (File, error) {
	fd, err := unix.Dup(int(t.f.Fd()))
	if err != nil {
		return nil, err
	}
	return &Tmp{f: os.NewFile(uintptr(fd), t.f.Name())}, nil
}
