package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procReader is the real ProcfsReader, reading the host's /proc the way the
// pack's procspy and psgo examples do (other_examples: procspy/proc_linux.go,
// psgo/internal/proc/status.go) — SPEC_FULL.md §4.8.
type procReader struct{}

// Tasks implements ProcfsReader by scanning /proc for every PID whose
// ancestry (via the ppid chain recorded in /proc/<pid>/stat) passes through
// this supervisor process, i.e. every live descendant (spec.md §4.8
// "Lazy discovery").
func (procReader) Tasks() (map[int32]int32, error) {
	all, err := readAllStats("/proc")
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	descendants := make(map[int32]int32)
	for pid, ppid := range all {
		if pid == self {
			continue
		}
		if isDescendantOf(pid, all, self) {
			descendants[pid] = ppid
		}
	}
	return descendants, nil
}

// isDescendantOf walks the ppid chain starting at pid until it reaches self
// (true), or a root/cycle/unknown ancestor (false).
func isDescendantOf(pid int32, all map[int32]int32, self int32) bool {
	seen := make(map[int32]bool)
	cur := pid
	for {
		if cur == self {
			return true
		}
		if cur <= 1 || seen[cur] {
			return false
		}
		seen[cur] = true
		ppid, ok := all[cur]
		if !ok {
			return false
		}
		cur = ppid
	}
}

// readAllStats builds a pid -> ppid map for every numeric entry under root
// (normally /proc) by parsing /proc/<pid>/stat.
func readAllStats(root string) (map[int32]int32, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	result := make(map[int32]int32)
	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		ppid, err := readStatPPID(filepath.Join(root, e.Name(), "stat"))
		if err != nil {
			// The process may have exited between ReadDir and here;
			// that's not a fatal error for the overall scan.
			continue
		}
		result[int32(pid)] = ppid
	}
	return result, nil
}

// readStatPPID parses the ppid field out of a /proc/<pid>/stat file. The
// second field (comm) is parenthesized and may itself contain spaces or
// parens, so the parse anchors on the *last* ")" in the line rather than
// splitting naively on whitespace.
func readStatPPID(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(data))
	idx := strings.LastIndexByte(line, ')')
	if idx < 0 || idx+2 >= len(line) {
		return 0, os.ErrInvalid
	}
	rest := strings.Fields(line[idx+2:])
	// rest[0] is state, rest[1] is ppid.
	if len(rest) < 2 {
		return 0, os.ErrInvalid
	}
	ppid, err := strconv.ParseInt(rest[1], 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(ppid), nil
}
