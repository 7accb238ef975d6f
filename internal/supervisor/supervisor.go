// Package supervisor owns the optional local node child process: it spawns
// the node, derives lifecycle events from its log stream, and performs the
// bounded interrupt-then-deadline-then-force shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/photonpay/photond/internal/config"
	"github.com/photonpay/photond/internal/eventbus"
	"github.com/photonpay/photond/internal/profile"
)

// DefaultShutdownTimeout bounds the wait for a clean exit before the
// process is force-killed. Some node builds hang on interrupt; the
// controller must never block on them.
const DefaultShutdownTimeout = 5 * time.Second

// ErrAlreadyRunning indicates a second start while a node process is active.
// At most one supervised process may exist at a time.
var ErrAlreadyRunning = errors.New("supervisor: node process already running")

// SpawnError wraps a failure to start the local node process.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("supervisor: spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options configures a Supervisor.
type Options struct {
	Bus      *eventbus.Bus
	Launcher ProcessLauncher // defaults to exec-based launcher
	Binary   string          // node binary path (defaults to "lnd")
	Paths    config.InstancePaths
}

// Status is a snapshot of the supervised node's observed state.
type Status struct {
	Running       bool
	PID           int
	Phase         eventbus.SyncPhase
	LocalHeight   uint32
	RemoteHeight  uint32
	CFilterHeight uint32
	LastError     string
}

// Supervisor owns zero or one running node process.
type Supervisor struct {
	bus      *eventbus.Bus
	launcher ProcessLauncher
	binary   string
	paths    config.InstancePaths

	mu            sync.Mutex
	handle        ProcessHandle
	exited        chan struct{}
	errs          *errStream
	phase         eventbus.SyncPhase
	localHeight   uint32
	remoteHeight  uint32
	cfilterHeight uint32
}

// New constructs a supervisor publishing node events on the given bus.
func New(opts Options) *Supervisor {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = execLauncher{}
	}
	binary := opts.Binary
	if binary == "" {
		binary = "lnd"
	}
	return &Supervisor{
		bus:      opts.Bus,
		launcher: launcher,
		binary:   binary,
		paths:    opts.Paths,
		phase:    eventbus.SyncNotStarted,
	}
}

// Start spawns the local node process described by the profile and begins
// observing its event stream. Fails with ErrAlreadyRunning when a process
// is active, or SpawnError when the binary is unusable.
func (s *Supervisor) Start(ctx context.Context, p profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return ErrAlreadyRunning
	}

	args := s.spawnArgs(p)
	logs := newLogStream(ctx, s.bus, s.setPhase, s.setHeight)
	errs := newErrStream(ctx, s.bus)

	handle, err := s.launcher.Launch(ctx, s.binary, args, nil, logs, errs)
	if err != nil {
		return &SpawnError{Binary: s.binary, Err: err}
	}

	exited := make(chan struct{})
	s.handle = handle
	s.exited = exited
	s.errs = errs
	s.phase = eventbus.SyncNotStarted
	s.localHeight, s.remoteHeight, s.cfilterHeight = 0, 0, 0

	log.Printf("[Supervisor] node started (pid %d)", handle.PID())
	go s.watchExit(ctx, handle, logs, errs, exited)
	return nil
}

func (s *Supervisor) spawnArgs(p profile.Profile) []string {
	args := []string{
		"--lnddir=" + s.paths.NodeDir(p.Network(), p.WalletID()),
		"--bitcoin.active",
		"--bitcoin." + p.Network(),
		"--bitcoin.node=neutrino",
	}
	if alias := p.Alias(); alias != "" {
		args = append(args, "--alias="+alias)
	}
	if p.Autopilot() {
		args = append(args, "--autopilot.active")
	}
	return args
}

// watchExit is the sole reader of the handle's status value; Shutdown waits
// on the exited signal instead, so the published exit event always carries
// the real code and signal.
func (s *Supervisor) watchExit(ctx context.Context, handle ProcessHandle, logs *logStream, errs *errStream, exited chan struct{}) {
	status := <-handle.Done()
	close(exited)
	logs.Flush()

	s.mu.Lock()
	if s.handle == handle {
		s.handle = nil
		s.exited = nil
		s.errs = nil
	}
	s.mu.Unlock()

	lastErr := errs.LastError()
	if status.Err != nil && lastErr == "" {
		lastErr = status.Err.Error()
	}

	log.Printf("[Supervisor] node exited (code %d, signal %q)", status.Code, status.Signal)
	s.bus.Publish(ctx, eventbus.Envelope{
		Topic:  eventbus.TopicNodeExit,
		Source: eventbus.SourceSupervisor,
		Payload: eventbus.NodeExitEvent{
			Code:      status.Code,
			Signal:    status.Signal,
			LastError: lastErr,
		},
	})
}

// Shutdown interrupts the node process and waits up to timeout for a clean
// exit, escalating to a forceful kill when the deadline elapses. The
// deadline is cancelled the moment the exit arrives, so a clean shutdown is
// never raced by the kill. Shutdown always completes.
func (s *Supervisor) Shutdown(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	handle := s.handle
	exited := s.exited
	s.handle = nil
	s.exited = nil
	s.errs = nil
	s.mu.Unlock()

	if handle == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	if err := handle.Interrupt(); err != nil {
		log.Printf("[Supervisor] interrupt failed, killing: %v", err)
		handle.Kill()
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		// Clean exit before the deadline; the pending force-kill is dropped
		// with the timer.
	case <-timer.C:
		log.Printf("[Supervisor] node did not exit within %s, killing", timeout)
		handle.Kill()
	case <-ctx.Done():
		handle.Kill()
	}
}

// Running reports whether a node process is currently supervised.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Snapshot returns the currently observed node state.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:       s.handle != nil,
		Phase:         s.phase,
		LocalHeight:   s.localHeight,
		RemoteHeight:  s.remoteHeight,
		CFilterHeight: s.cfilterHeight,
	}
	if s.handle != nil {
		status.PID = s.handle.PID()
	}
	if s.errs != nil {
		status.LastError = s.errs.LastError()
	}
	return status
}

func (s *Supervisor) setPhase(phase eventbus.SyncPhase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *Supervisor) setHeight(kind eventbus.HeightKind, height uint32) {
	s.mu.Lock()
	switch kind {
	case eventbus.HeightLocal:
		s.localHeight = height
	case eventbus.HeightRemote:
		s.remoteHeight = height
	case eventbus.HeightCFilter:
		s.cfilterHeight = height
	}
	s.mu.Unlock()
}
