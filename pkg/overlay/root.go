// Package overlay implements the Overlay Root and the four File Backends
// (spec.md §3 "Overlay Root", §4.5 "File Backends").
package overlay

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bvisor/bvisor/pkg/fdtable"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
)

// File is the tagged Open File variant every backend returns (spec.md §3):
// passthrough, cow, tmp or proc, each carrying its own inline state. It is
// an alias for fdtable.File rather than a second, separately-maintained
// interface, since every backend is always reached through an FD table and
// the two would otherwise drift.
type File = fdtable.File

// Root is a per-sandbox on-disk staging area (spec.md §3 "Overlay Root").
// Two concurrent sandboxes never observe each other's state because each
// gets its own UID-derived subtree (spec.md §8 invariant 7).
type Root struct {
	// UID is the 16-hex-character sandbox identifier that names this
	// root's directory (spec.md §6).
	UID string
	// Dir is the root directory: <base>/<uid>.
	Dir string

	lock *flock.Flock
}

// cowDirName and tmpDirName are the Overlay Root's two subtrees (spec.md §3,
// §6).
const (
	cowDirName = "cow"
	tmpDirName = "tmp"
)

// NewRoot creates a fresh overlay root under baseDir, minting a sandbox UID
// with google/uuid (truncated to the 16 hex characters the on-disk layout
// spec names — SPEC_FULL.md §6) and taking an exclusive flock on the root
// directory for the sandbox's lifetime, so a concurrent process can't race
// the creation of the same (vanishingly unlikely, but checked) UID.
func NewRoot(baseDir string) (*Root, error) {
	id := uuid.New()
	uidHex := hex.EncodeToString(id[:8]) // 8 bytes -> 16 hex chars.

	dir := filepath.Join(baseDir, uidHex)
	if err := os.MkdirAll(filepath.Join(dir, cowDirName), 0o700); err != nil {
		return nil, fmt.Errorf("overlay: creating cow subtree: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, tmpDirName), 0o700); err != nil {
		return nil, fmt.Errorf("overlay: creating tmp subtree: %w", err)
	}

	lockPath := filepath.Join(dir, ".lock")
	lk := flock.New(lockPath)
	if ok, err := lk.TryLock(); err != nil || !ok {
		return nil, fmt.Errorf("overlay: locking root %s: %w", dir, err)
	}

	return &Root{UID: uidHex, Dir: dir, lock: lk}, nil
}

// CowPath maps a guest absolute path to its staged location under the cow/
// subtree.
func (r *Root) CowPath(guestPath string) string {
	return filepath.Join(r.Dir, cowDirName, guestPath)
}

// TmpPath maps a guest /tmp/<suffix> path to its location under the tmp/
// subtree. Callers are expected to have already confirmed the path is under
// /tmp (pkg/pathrouter does this).
func (r *Root) TmpPath(guestPath string) string {
	suffix := guestPath
	if len(suffix) >= len("/tmp") {
		suffix = suffix[len("/tmp"):]
	}
	return filepath.Join(r.Dir, tmpDirName, suffix)
}

// Staged reports whether guestPath already has a materialized copy in the
// cow subtree (spec.md §4.5: "or when a staged copy already exists in the
// overlay's COW subtree").
func (r *Root) Staged(guestPath string) bool {
	_, err := os.Stat(r.CowPath(guestPath))
	return err == nil
}

// Close tears down the overlay root. Clean teardown is not required for
// correctness but is recommended (spec.md §6). Both steps, releasing the
// root's lock and removing the whole root directory (cow and tmp subtrees
// included), are always attempted, and their failures are aggregated rather
// than stopping at the first one, so a caller sees the full picture of what
// didn't clean up.
func (r *Root) Close() error {
	var result *multierror.Error
	if err := r.lock.Unlock(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlocking root: %w", err))
	}
	if err := os.RemoveAll(r.Dir); err != nil {
		result = multierror.Append(result, fmt.Errorf("removing root %s: %w", r.Dir, err))
	}
	return result.ErrorOrNil()
}
