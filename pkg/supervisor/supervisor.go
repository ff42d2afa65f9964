// Package supervisor provides the top-level construction API for an
// embedding application (spec.md §6 "Host-side collaborator interfaces";
// SPEC_FULL.md §6's supplemented `supervisor.New`). It wires the
// Interception Bootstrap, the Dispatcher, the Process Registry and the
// Overlay Root into one running sandbox, the way the teacher's own
// runsc/boot.New wires together a Loader, a platform, and a filesystem
// gofer, adapted from "boot a full container runtime" down to "boot one
// intercepted guest process".
package supervisor

import (
	"fmt"

	"github.com/bvisor/bvisor/pkg/bootstrap"
	"github.com/bvisor/bvisor/pkg/bvlog"
	"github.com/bvisor/bvisor/pkg/config"
	"github.com/bvisor/bvisor/pkg/dispatcher"
	"github.com/bvisor/bvisor/pkg/notif"
	"github.com/bvisor/bvisor/pkg/overlay"
	"github.com/bvisor/bvisor/pkg/process"
	"github.com/bvisor/bvisor/pkg/seccompfilter"
)

// Supervisor owns one sandboxed guest's full runtime state (spec.md §9: "no
// process-level global state beyond one Supervisor instance per sandbox").
type Supervisor struct {
	cfg        config.Config
	root       *overlay.Root
	registry   *process.Registry
	dispatcher *dispatcher.Dispatcher
	transport  notif.Transport
	guestPID   int32
}

// New constructs a Supervisor: it builds the overlay root, the process
// registry (with the real guest kernel PID registered as root once bootstrap
// completes), a NotifyAll filter, runs the Interception Bootstrap, and
// assembles the Dispatcher over the bootstrapped notifier transport.
func New(cfg config.Config, guestArgv []string) (*Supervisor, error) {
	if cfg.LogLevel != "" {
		if err := bvlog.SetLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("supervisor: log level: %w", err)
		}
	}

	root, err := overlay.NewRoot(cfg.OverlayBaseDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating overlay root: %w", err)
	}

	filter := seccompfilter.NotifyAll()
	result, err := bootstrap.Bootstrap(guestArgv, filter)
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("supervisor: bootstrap: %w", err)
	}

	registry := process.NewRegistry()
	guest, err := registry.RegisterRoot(result.GuestPID, guestArgv[0])
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("supervisor: registering guest root process: %w", err)
	}
	guest.Argv = guestArgv

	transport := NewNotifierTransport(result.NotifierFD)
	d := dispatcher.New(transport, registry, root, cfg)

	bvlog.ForSandbox(root.UID).Infof("supervisor: sandbox ready, guest pid %d", result.GuestPID)

	return &Supervisor{
		cfg:        cfg,
		root:       root,
		registry:   registry,
		dispatcher: d,
		transport:  transport,
		guestPID:   result.GuestPID,
	}, nil
}

// newForTesting builds a Supervisor around an already-assembled dispatcher,
// for tests that drive a fake notif.Transport instead of a real bootstrap
// (SPEC_FULL.md §8: scenarios 1, 3, 4, 6 run this way).
func newForTesting(cfg config.Config, root *overlay.Root, registry *process.Registry, transport notif.Transport) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		root:       root,
		registry:   registry,
		dispatcher: dispatcher.New(transport, registry, root, cfg),
		transport:  transport,
	}
}

// Run drives the sandbox's dispatcher loop until the guest vanishes (spec.md
// §4.9 "Main loop").
func (s *Supervisor) Run() error {
	return s.dispatcher.Run()
}

// Close tears down the sandbox's overlay root and notifier transport.
func (s *Supervisor) Close() error {
	if err := s.transport.Close(); err != nil {
		return err
	}
	return s.root.Close()
}

// Registry exposes the process registry, mostly for tests that need to
// register processes the real kernel would otherwise have produced via
// clone (SPEC_FULL.md §8).
func (s *Supervisor) Registry() *process.Registry { return s.registry }
