// Package pathrouter implements the Path Router (spec.md §4.4): a pure
// function from an absolute guest path to a backend decision. It has no
// dependency on process, FD, or overlay state, matching the spec's "Pure
// function, comptime-checkable" characterization.
package pathrouter

import (
	"path"
	"strings"
)

// Backend names one of the four File Backends (spec.md §4.5).
type Backend int

const (
	// Passthrough delegates directly to the host kernel.
	Passthrough Backend = iota
	// COW stages a private copy on first write.
	COW
	// Tmp maps into the sandbox's private /tmp tree, no copy-on-write.
	Tmp
	// Proc synthesizes content at open time.
	Proc
)

func (b Backend) String() string {
	switch b {
	case Passthrough:
		return "passthrough"
	case COW:
		return "cow"
	case Tmp:
		return "tmp"
	case Proc:
		return "proc"
	default:
		return "unknown"
	}
}

// Decision is the Path Router's verdict for one path.
type Decision struct {
	Blocked bool
	Backend Backend
}

var blocked = Decision{Blocked: true}

func passthrough() Decision { return Decision{Backend: Passthrough} }
func cow() Decision          { return Decision{Backend: COW} }
func tmp() Decision          { return Decision{Backend: Tmp} }
func proc() Decision         { return Decision{Backend: Proc} }

// devPassthroughLeaves are the /dev entries that are safe to pass straight
// through to the host (spec.md §4.4).
var devPassthroughLeaves = map[string]bool{
	"null":    true,
	"zero":    true,
	"random":  true,
	"urandom": true,
}

// Normalize resolves "." and ".." components the way path.Clean does, then
// re-asserts a leading slash: the router only ever sees absolute paths
// (openat requires one — spec.md §4.9's openat handler summary, §8's
// boundary behavior).
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// hasPrefixComponent reports whether p is exactly prefix, or prefix followed
// by "/" (spec.md §4.4: "exact match or the next character after the prefix
// is /, so /tmpfoo does not match /tmp").
func hasPrefixComponent(p, prefix string) bool {
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// Route resolves an absolute path to a backend decision (spec.md §4.4). It
// normalizes the path first, so Route(Normalize(p)) == Route(p) holds
// trivially and route(p) is deterministic (spec.md §8 invariant 5).
func Route(p string) Decision {
	norm := Normalize(p)

	switch {
	case hasPrefixComponent(norm, "/sys"):
		return blocked
	case hasPrefixComponent(norm, "/run"):
		return blocked
	case hasPrefixComponent(norm, "/dev"):
		rest := strings.TrimPrefix(norm, "/dev")
		rest = strings.TrimPrefix(rest, "/")
		if devPassthroughLeaves[rest] {
			return passthrough()
		}
		return blocked
	case hasPrefixComponent(norm, "/proc"):
		return proc()
	case hasPrefixComponent(norm, "/tmp"):
		// Escaping /tmp via ".." is already resolved by Normalize before
		// we get here; a path that merely starts with /tmp/.bvisor in
		// its normalized form is the overlay's own storage area and is
		// blocked from guest access (spec.md §4.4).
		if hasPrefixComponent(norm, "/tmp/.bvisor") {
			return blocked
		}
		return tmp()
	default:
		return cow()
	}
}
