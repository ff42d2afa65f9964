package overlay

import (
	"os"

	"golang.org/x/sys/unix"
)

// Passthrough opens the host path directly; reads and writes delegate to the
// host kernel (spec.md §4.5).
type Passthrough struct {
	f *os.File
}

// OpenPassthrough implements the passthrough backend's open.
func OpenPassthrough(hostPath string, flags int, mode os.FileMode) (*Passthrough, error) {
	f, err := os.OpenFile(hostPath, flags, mode)
	if err != nil {
		return nil, err
	}
	return &Passthrough{f: f}, nil
}

func (p *Passthrough) Read(buf []byte) (int, error)  { return p.f.Read(buf) }
func (p *Passthrough) Write(data []byte) (int, error) { return p.f.Write(data) }
func (p *Passthrough) Close() error                   { return p.f.Close() }

// Clone dups the underlying descriptor the same way COW.Clone does
// (SPEC_FULL.md §4.6).
func (p *Passthrough) Clone() (File, error) {
	fd, err := unix.Dup(int(p.f.Fd()))
	if err != nil {
		return nil, err
	}
	return &Passthrough{f: os.NewFile(uintptr(fd), p.f.Name())}, nil
}
