package overlay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bvisor/bvisor/pkg/bverr"
	"github.com/bvisor/bvisor/pkg/process"
)

// maxProcBufferSize is the fixed-size content buffer every proc entry
// renders into (spec.md §4.5: "The content buffer is fixed-size (≤256
// bytes)").
const maxProcBufferSize = 256

// Proc synthesizes content at open time for a small set of /proc entries
// (spec.md §4.5). Reads advance a per-open cursor; writes always fail
// read-only.
type Proc struct {
	buf    []byte
	cursor int
}

// bootTime anchors the synthesized /proc/uptime entry (SPEC_FULL.md §4.5
// supplement); it is process-registry-independent, unlike the pid-scoped
// entries.
var bootTime = time.Now()

// OpenProc implements the proc backend's open. caller is the process that
// issued the openat (spec.md §4.5: "Numeric PIDs are interpreted as
// namespace-relative PIDs of the calling process").
func OpenProc(guestPath string, caller *process.Virtual) (*Proc, error) {
	rest := strings.TrimPrefix(guestPath, "/proc")
	rest = strings.TrimPrefix(rest, "/")
	parts := strings.Split(rest, "/")

	if rest == "uptime" {
		return newProc(renderUptime())
	}

	if len(parts) == 0 || parts[0] == "" {
		return nil, bverr.ErrNotFound
	}

	var target *process.Virtual
	if parts[0] == "self" {
		target = caller
	} else {
		nsPid, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, bverr.ErrNotFound
		}
		p, ok := caller.Namespace.Lookup(nsPid)
		if !ok {
			return nil, bverr.ErrNotFound
		}
		target, ok = p.(*process.Virtual)
		if !ok {
			return nil, bverr.ErrNotFound
		}
	}

	switch {
	case len(parts) == 1:
		return newProc(renderSelf(caller, target))
	case parts[1] == "status":
		return newProc(renderStatus(caller, target))
	case parts[1] == "cmdline":
		return newProc(renderCmdline(target))
	default:
		return nil, bverr.ErrNotFound
	}
}

func newProc(content string) (*Proc, error) {
	b := []byte(content)
	if len(b) > maxProcBufferSize {
		b = b[:maxProcBufferSize]
	}
	return &Proc{buf: b}, nil
}

// renderSelf renders the bare /proc/self or /proc/<N> entry: for this
// minimal virtualized filesystem, opening the directory itself just yields
// its status content, the same as status (the pack's psgo and procspy
// examples likewise treat the per-pid directory as anchored on the same
// stat/status data — SPEC_FULL.md §4.5).
func renderSelf(caller, target *process.Virtual) string {
	return renderStatus(caller, target)
}

// renderStatus renders the minimum status content spec.md §4.5 requires:
// "Name:\t<fixed-name>\nPid:\t<ns-pid>\nPPid:\t<ns-ppid>\n".
func renderStatus(caller, target *process.Virtual) string {
	nsPid, _ := caller.Namespace.NSPid(target)

	var ppid int
	if target.Parent != nil {
		if p, ok := caller.Namespace.NSPid(target.Parent); ok {
			ppid = p
		}
	}

	name := target.Name
	if name == "" {
		name = "guest"
	}

	return fmt.Sprintf("Name:\t%s\nPid:\t%d\nPPid:\t%d\n", name, nsPid, ppid)
}

// renderCmdline renders /proc/<N>/cmdline: argv joined by NUL bytes, the
// same format Linux uses (SPEC_FULL.md §4.5 supplement).
func renderCmdline(target *process.Virtual) string {
	return strings.Join(target.Argv, "\x00")
}

// renderUptime renders /proc/uptime: two space-separated fixed-point
// numbers, "uptime idle-time" (SPEC_FULL.md §4.5 supplement). This
// supervisor doesn't track guest idle time separately, so the second field
// mirrors the first, which is what a guest checking "has any time passed"
// needs without requiring real idle-time accounting.
func renderUptime() string {
	up := time.Since(bootTime).Seconds()
	return fmt.Sprintf("%.2f %.2f\n", up, up)
}

func (p *Proc) Read(buf []byte) (int, error) {
	if p.cursor >= len(p.buf) {
		return 0, nil
	}
	n := copy(buf, p.buf[p.cursor:])
	p.cursor += n
	return n, nil
}

func (p *Proc) Write(data []byte) (int, error) {
	return 0, bverr.ErrReadOnly
}

func (p *Proc) Close() error { return nil }

// Len reports the full rendered content size, used by the dispatcher's
// fstat handler to synthesize a stat buffer (SPEC_FULL.md §4.9).
func (p *Proc) Len() int { return len(p.buf) }

// Clone copies the rendered buffer and cursor by value (SPEC_FULL.md §4.6):
// unlike the file-backed backends, a proc entry holds no descriptor, so a
// plain slice copy is enough to give the clone an independent cursor.
func (p *Proc) Clone() (File, error) {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &Proc{buf: buf, cursor: p.cursor}, nil
}
