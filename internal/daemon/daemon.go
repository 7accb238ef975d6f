// Package daemon assembles the photond process: configuration store, event
// bus, node supervisor, RPC relay, presentation boundary, and the lifecycle
// controller, hosted as ordered runtime services.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/photonpay/photond/internal/config"
	configstore "github.com/photonpay/photond/internal/config/store"
	"github.com/photonpay/photond/internal/controller"
	"github.com/photonpay/photond/internal/eventbus"
	"github.com/photonpay/photond/internal/relay"
	daemonruntime "github.com/photonpay/photond/internal/runtime"
	"github.com/photonpay/photond/internal/supervisor"
)

// DefaultListenAddr is where the presentation boundary WebSocket is served.
// Loopback only: the boundary is a local UI, not a network API.
const DefaultListenAddr = "127.0.0.1:10080"

const shutdownGrace = 10 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store      *configstore.Store
	ListenAddr string
	NodeBinary string
	Paths      *config.InstancePaths // override for the instance layout, primarily for tests
}

// Daemon is the photond process.
type Daemon struct {
	store         *configstore.Store
	instancePaths config.InstancePaths
	bus           *eventbus.Bus
	supervisor    *supervisor.Supervisor
	controller    *controller.Controller
	relay         *relay.Relay
	boundary      *relay.Boundary
	host          *daemonruntime.ServiceHost
	lifecycle     *daemonruntime.Lifecycle
	listenAddr    string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires a daemon around the provided configuration store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}

	paths := config.GetInstancePaths(opts.Store.InstanceName())
	if opts.Paths != nil {
		paths = *opts.Paths
	}
	bus := eventbus.New()

	sup := supervisor.New(supervisor.Options{
		Bus:    bus,
		Binary: opts.NodeBinary,
		Paths:  paths,
	})

	// The controller notifies through the relay and the relay resolves
	// sessions through the controller; the registry indirection breaks the
	// construction cycle.
	registry := &deferredRegistry{}
	r := relay.New(relay.Options{Bus: bus, Registry: registry})

	ctrl := controller.New(controller.Options{
		Bus:        bus,
		Supervisor: sup,
		Connector:  &controller.NodeConnector{Bus: bus, Paths: paths},
		Notifier:   r,
		Store:      opts.Store,
	})
	registry.bind(ctrl)

	boundary := relay.NewBoundary(bus, localOriginAllowed)
	r.AttachSink(boundary)

	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	d := &Daemon{
		store:         opts.Store,
		instancePaths: paths,
		bus:           bus,
		supervisor:    sup,
		controller:    ctrl,
		relay:         r,
		boundary:      boundary,
		host:          daemonruntime.NewServiceHost(),
		lifecycle:     daemonruntime.NewLifecycle(),
		listenAddr:    listenAddr,
	}

	if err := d.registerServices(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) registerServices() error {
	if err := d.host.Register("relay", func(ctx context.Context) (daemonruntime.Service, error) {
		return &relayService{relay: d.relay}, nil
	}); err != nil {
		return err
	}
	if err := d.host.Register("controller", func(ctx context.Context) (daemonruntime.Service, error) {
		return &controllerService{daemon: d}, nil
	}); err != nil {
		return err
	}
	if err := d.host.Register("boundary", func(ctx context.Context) (daemonruntime.Service, error) {
		return newBoundaryService(d.boundary, d.listenAddr), nil
	}); err != nil {
		return err
	}
	return nil
}

// Start brings up all services and blocks until the daemon is told to stop:
// either Shutdown is called, a service fails fatally, or the controller
// reaches its terminal state.
func (d *Daemon) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if err := daemonruntime.WriteLockFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return err
	}

	if err := d.host.Start(ctx); err != nil {
		daemonruntime.RemoveLockFile(d.instancePaths.Lock)
		return err
	}
	log.Printf("[Daemon] started (boundary on ws://%s/ws)", d.listenAddr)

	select {
	case <-d.lifecycle.Done():
		return nil
	case err := <-d.host.Errors():
		log.Printf("[Daemon] fatal service error: %v", err)
		d.Shutdown()
		return err
	case <-d.controller.Done():
		log.Printf("[Daemon] controller terminated, stopping")
		d.Shutdown()
		return nil
	}
}

// Shutdown stops all services and releases the instance lock. Safe to call
// more than once.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := d.host.Stop(ctx)
	d.bus.Shutdown()

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	daemonruntime.RemoveLockFile(d.instancePaths.Lock)
	return err
}

// Controller exposes the lifecycle coordinator for command surfaces.
func (d *Daemon) Controller() *controller.Controller { return d.controller }

// IsRunning reports whether a daemon already holds the instance lock.
func IsRunning() bool {
	paths := config.GetInstancePaths(config.DefaultInstance)
	_, alive := daemonruntime.LockedPID(paths.Lock)
	return alive
}

// resumeActive re-establishes the previously active profile, if one was
// persisted: local profiles respawn the node, remote profiles reconnect.
func (d *Daemon) resumeActive(ctx context.Context) {
	p, ok := d.controller.ResumeProfile(ctx)
	if !ok {
		if err := d.controller.StartOnboarding(ctx); err != nil {
			log.Printf("[Daemon] enter onboarding: %v", err)
		}
		return
	}

	log.Printf("[Daemon] resuming %s profile (network=%s)", p.ConnectionType(), p.Network())
	if err := d.controller.StartOnboarding(ctx); err != nil {
		log.Printf("[Daemon] enter onboarding: %v", err)
		return
	}

	var err error
	if p.Local() {
		err = d.controller.StartNode(ctx, p)
	} else {
		err = d.controller.ConnectNode(ctx, p)
	}
	if err != nil {
		log.Printf("[Daemon] resume failed, staying in onboarding: %v", err)
	}
}

// deferredRegistry forwards session lookups to a controller bound after
// construction.
type deferredRegistry struct {
	mu   sync.Mutex
	ctrl *controller.Controller
}

func (r *deferredRegistry) bind(c *controller.Controller) {
	r.mu.Lock()
	r.ctrl = c
	r.mu.Unlock()
}

func (r *deferredRegistry) Active(channel string) relay.Invoker {
	r.mu.Lock()
	ctrl := r.ctrl
	r.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.Active(channel)
}

// localOriginAllowed accepts upgrade requests from loopback origins only.
func localOriginAllowed(origin string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// relayService adapts the relay to the runtime Service interface.
type relayService struct {
	relay *relay.Relay
}

func (s *relayService) Start(ctx context.Context) error {
	s.relay.Run(ctx)
	return nil
}

func (s *relayService) Shutdown(ctx context.Context) error {
	s.relay.Shutdown()
	return nil
}

// controllerService starts the coordinator and resumes the persisted
// profile in the background.
type controllerService struct {
	daemon *Daemon
}

func (s *controllerService) Start(ctx context.Context) error {
	// The coordinator's lifetime ends through Terminate, not through the
	// host context: host shutdown cancels that context before the services
	// stop, and the terminate trigger must still be processed afterwards.
	s.daemon.controller.Run(context.Background())
	go s.daemon.resumeActive(ctx)
	return nil
}

func (s *controllerService) Shutdown(ctx context.Context) error {
	err := s.daemon.controller.Terminate(ctx)
	if errors.Is(err, controller.ErrTerminated) {
		return nil
	}
	return err
}

// boundaryService serves the presentation WebSocket endpoint.
type boundaryService struct {
	boundary *relay.Boundary
	server   *http.Server
	errCh    chan error
}

func newBoundaryService(b *relay.Boundary, addr string) *boundaryService {
	mux := http.NewServeMux()
	mux.Handle("/ws", b)

	return &boundaryService{
		boundary: b,
		server:   &http.Server{Addr: addr, Handler: mux},
		errCh:    make(chan error, 1),
	}
}

func (s *boundaryService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", s.server.Addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

func (s *boundaryService) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.boundary.Close()
	return err
}

func (s *boundaryService) Errors() <-chan error { return s.errCh }
