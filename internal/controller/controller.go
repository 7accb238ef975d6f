// Package controller implements the node lifecycle coordinator: a
// finite-state machine deciding, per external trigger, whether to spawn a
// local node, connect to a remote one, or tear everything down. All
// transitions are serialized; a trigger's side effects complete before the
// next trigger is accepted.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/photonpay/photond/internal/eventbus"
	"github.com/photonpay/photond/internal/lndrpc"
	"github.com/photonpay/photond/internal/profile"
	"github.com/photonpay/photond/internal/relay"
)

// State is the coordinator's current lifecycle phase.
type State string

const (
	StateInit       State = "init"
	StateOnboarding State = "onboarding"
	StateRunning    State = "running"
	StateConnected  State = "connected"
	StateTerminated State = "terminated"
)

// Quiescence and readiness defaults. The quiescence pause lets the transport
// finish its asynchronous close before a new session may open; a fast
// re-open can otherwise race it.
const (
	DefaultQuiescence      = 500 * time.Millisecond
	DefaultReadyTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrTerminated indicates a trigger arrived after the coordinator reached
// its final state.
var ErrTerminated = errors.New("controller: coordinator terminated")

// InvalidTransitionError reports a trigger that is not legal from the
// coordinator's current state.
type InvalidTransitionError struct {
	From    State
	Trigger string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("controller: trigger %q not allowed in state %q", e.Trigger, e.From)
}

// Session is the coordinator's handle on one RPC session.
type Session interface {
	Kind() lndrpc.ServiceKind
	Invoke(ctx context.Context, method string, payload []byte) ([]byte, error)
	Close() error
}

// SessionConnector establishes RPC sessions against the node described by a
// profile.
type SessionConnector interface {
	Connect(ctx context.Context, kind lndrpc.ServiceKind, p profile.Profile) (Session, error)
}

// NodeSupervisor is the slice of the process supervisor the coordinator
// drives.
type NodeSupervisor interface {
	Start(ctx context.Context, p profile.Profile) error
	Shutdown(ctx context.Context, timeout time.Duration)
	Running() bool
}

// Notifier pushes named notifications toward the presentation boundary.
type Notifier interface {
	Notify(relay.Notification)
}

// ProfileStore persists the active connection profile across restarts.
type ProfileStore interface {
	SaveActiveProfile(ctx context.Context, p profile.Profile) error
	LoadActiveProfile(ctx context.Context) (profile.Profile, error)
}

// Options wires a Controller.
type Options struct {
	Bus        *eventbus.Bus
	Supervisor NodeSupervisor
	Connector  SessionConnector
	Notifier   Notifier
	Store      ProfileStore // optional

	Quiescence      time.Duration
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type triggerKind int

const (
	triggerStartOnboarding triggerKind = iota
	triggerStartNode
	triggerConnectNode
	triggerWalletUnlocked
	triggerTerminate
)

func (k triggerKind) String() string {
	switch k {
	case triggerStartOnboarding:
		return "startOnboarding"
	case triggerStartNode:
		return "startNode"
	case triggerConnectNode:
		return "connectNode"
	case triggerWalletUnlocked:
		return "walletUnlocked"
	default:
		return "terminate"
	}
}

type triggerRequest struct {
	kind    triggerKind
	profile profile.Profile
	done    chan error
}

// Controller is the lifecycle coordinator. Exactly one exists per daemon.
type Controller struct {
	bus        *eventbus.Bus
	supervisor NodeSupervisor
	connector  SessionConnector
	notifier   Notifier
	store      ProfileStore

	quiescence      time.Duration
	readyTimeout    time.Duration
	shutdownTimeout time.Duration

	triggers chan triggerRequest
	readyCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	subs     eventbus.SubscriptionGroup

	// expectedExit suppresses the fatal exit handling while a shutdown the
	// coordinator itself requested is in flight.
	expectedExit atomic.Bool

	mu            sync.Mutex
	state         State
	sessions      map[string]Session
	activeProfile profile.Profile
	hasProfile    bool
}

// New constructs a coordinator in the init state. Run starts it.
func New(opts Options) *Controller {
	c := &Controller{
		bus:             opts.Bus,
		supervisor:      opts.Supervisor,
		connector:       opts.Connector,
		notifier:        opts.Notifier,
		store:           opts.Store,
		quiescence:      opts.Quiescence,
		readyTimeout:    opts.ReadyTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		triggers:        make(chan triggerRequest, 8),
		readyCh:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		state:           StateInit,
		sessions:        make(map[string]Session),
	}
	if c.quiescence <= 0 {
		c.quiescence = DefaultQuiescence
	}
	if c.readyTimeout <= 0 {
		c.readyTimeout = DefaultReadyTimeout
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// State returns the coordinator's current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Printf("[Controller] state -> %s", s)
}

// Active implements relay.SessionRegistry: it resolves a command channel to
// the live session of that kind, or nil. The unlocker session is returned
// behind an observer so a successful unlock re-attempts the authenticated
// connect.
func (c *Controller) Active(channel string) relay.Invoker {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[channel]
	if !ok {
		return nil
	}
	if channel == relay.ChannelWalletUnlocker {
		return &unlockObserver{controller: c, session: session}
	}
	return session
}

// Done is closed once the coordinator reaches the terminated state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// ResumeProfile loads the profile persisted by a previous run, if any.
func (c *Controller) ResumeProfile(ctx context.Context) (profile.Profile, bool) {
	if c.store == nil {
		return profile.Profile{}, false
	}
	p, err := c.store.LoadActiveProfile(ctx)
	if err != nil {
		return profile.Profile{}, false
	}
	return p, true
}

// Run starts the trigger loop and node event consumers. It returns
// immediately.
func (c *Controller) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.triggerLoop(ctx)
	c.consumeNodeEvents(ctx)
}

// StartOnboarding tears down any active node resources and enters the
// onboarding state.
func (c *Controller) StartOnboarding(ctx context.Context) error {
	return c.submit(ctx, triggerRequest{kind: triggerStartOnboarding, done: make(chan error, 1)})
}

// StartNode spawns a local node per the profile and transitions to running.
func (c *Controller) StartNode(ctx context.Context, p profile.Profile) error {
	return c.submit(ctx, triggerRequest{kind: triggerStartNode, profile: p, done: make(chan error, 1)})
}

// ConnectNode connects to a remote node per the profile and transitions to
// connected.
func (c *Controller) ConnectNode(ctx context.Context, p profile.Profile) error {
	return c.submit(ctx, triggerRequest{kind: triggerConnectNode, profile: p, done: make(chan error, 1)})
}

// Terminate tears everything down and finalizes the coordinator.
func (c *Controller) Terminate(ctx context.Context) error {
	return c.submit(ctx, triggerRequest{kind: triggerTerminate, done: make(chan error, 1)})
}

func (c *Controller) submit(ctx context.Context, req triggerRequest) error {
	select {
	case <-c.done:
		return ErrTerminated
	default:
	}

	select {
	case c.triggers <- req:
	case <-c.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-c.done:
		// The loop answers a request before closing done, so a reply that
		// is already buffered wins; anything still unanswered was queued
		// behind the terminate and will never be applied.
		select {
		case err := <-req.done:
			return err
		default:
		}
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// triggerLoop serializes transitions: each request's effects run to
// completion before the next request is dequeued.
func (c *Controller) triggerLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.triggers:
			err := c.apply(ctx, req)
			req.done <- err
			if req.kind == triggerTerminate && err == nil {
				c.finalize()
				return
			}
		}
	}
}

func (c *Controller) apply(ctx context.Context, req triggerRequest) error {
	from := c.State()
	if from == StateTerminated {
		return ErrTerminated
	}

	switch req.kind {
	case triggerStartOnboarding:
		return c.enterOnboarding(ctx, from)
	case triggerStartNode:
		if from != StateOnboarding {
			return &InvalidTransitionError{From: from, Trigger: req.kind.String()}
		}
		return c.enterRunning(ctx, req.profile)
	case triggerConnectNode:
		if from != StateOnboarding {
			return &InvalidTransitionError{From: from, Trigger: req.kind.String()}
		}
		return c.enterConnected(ctx, req.profile)
	case triggerWalletUnlocked:
		if from != StateRunning && from != StateConnected {
			// The unlock raced a teardown; the session it unlocked is gone.
			log.Printf("[Controller] ignoring wallet unlock in state %s", from)
			return nil
		}
		return c.reattachAuthenticated(ctx)
	case triggerTerminate:
		return c.enterTerminated(ctx, from)
	}
	return nil
}

func (c *Controller) enterOnboarding(ctx context.Context, from State) error {
	c.closeSessions()
	if from == StateRunning {
		c.expectedExit.Store(true)
		c.supervisor.Shutdown(ctx, c.shutdownTimeout)
	}

	// Transport close is asynchronous; give it time to release resources
	// before a new session may open.
	select {
	case <-time.After(c.quiescence):
	case <-ctx.Done():
	}

	c.setState(StateOnboarding)
	c.notifier.Notify(relay.Notification{Name: relay.NotifyStartOnboarding})
	return nil
}

func (c *Controller) enterRunning(ctx context.Context, p profile.Profile) error {
	log.Printf("[Controller] starting local node (alias=%q autopilot=%t network=%s)",
		p.Alias(), p.Autopilot(), p.Network())

	c.rememberProfile(p)
	c.persistProfile(ctx, p)
	drainReady(c.readyCh)
	c.expectedExit.Store(false)

	if err := c.supervisor.Start(ctx, p); err != nil {
		c.notifier.Notify(relay.Notification{
			Name:  relay.NotifyStartNodeError,
			Error: err.Error(),
		})
		return err
	}
	c.setState(StateRunning)

	select {
	case <-c.readyCh:
		c.attemptConnect(ctx, p)
	case <-time.After(c.readyTimeout):
		log.Printf("[Controller] node not ready within %s", c.readyTimeout)
		c.notifier.Notify(relay.Notification{
			Name:  relay.NotifyStartNodeError,
			Error: "node did not become ready",
		})
	case <-ctx.Done():
	}
	return nil
}

func (c *Controller) enterConnected(ctx context.Context, p profile.Profile) error {
	c.rememberProfile(p)
	c.persistProfile(ctx, p)
	c.setState(StateConnected)
	c.attemptConnect(ctx, p)
	return nil
}

func (c *Controller) enterTerminated(ctx context.Context, from State) error {
	c.closeSessions()
	if from == StateRunning {
		c.expectedExit.Store(true)
		c.supervisor.Shutdown(ctx, c.shutdownTimeout)
	}
	c.setState(StateTerminated)
	return nil
}

// finalize releases the coordinator's resources once the terminate reply is
// on its way. Closing done after the reply lets the terminate caller see its
// nil result instead of the closed-door error.
func (c *Controller) finalize() {
	close(c.done)
	c.subs.CloseAll()
	if c.cancel != nil {
		c.cancel()
	}
}

// attemptConnect opens the authenticated session, falling back to the
// wallet unlocker when the node reports the Lightning service as
// unimplemented (the locked-wallet signature). Any other failure is
// reported to the boundary; the coordinator stays in its target state so
// the operator can correct and retry.
func (c *Controller) attemptConnect(ctx context.Context, p profile.Profile) {
	session, err := c.connector.Connect(ctx, lndrpc.ServiceLightning, p)
	if err == nil {
		c.installSession(relay.ChannelLightning, session)
		c.notifier.Notify(relay.Notification{Name: relay.NotifyLightningActive})
		return
	}

	if !errors.Is(err, lndrpc.ErrUnimplemented) {
		c.notifyConnectError(err)
		return
	}

	unlocker, err := c.connector.Connect(ctx, lndrpc.ServiceWalletUnlocker, p)
	if err != nil {
		c.notifyConnectError(err)
		return
	}
	c.installSession(relay.ChannelWalletUnlocker, unlocker)
	c.notifier.Notify(relay.Notification{Name: relay.NotifyUnlockerActive})
}

// notifyConnectError maps a classified connect failure onto the partial
// {host, cert, macaroon} error object the boundary renders field by field.
func (c *Controller) notifyConnectError(err error) {
	fields := map[string]string{}
	var cerr *lndrpc.ConnectError
	if errors.As(err, &cerr) {
		detail := cerr.Err.Error()
		switch cerr.Kind {
		case lndrpc.FailureCertificate:
			fields["cert"] = detail
		case lndrpc.FailureMacaroon:
			fields["macaroon"] = detail
		default:
			fields["host"] = detail
		}
	} else {
		fields["host"] = err.Error()
	}

	log.Printf("[Controller] connect failed: %v", err)
	c.notifier.Notify(relay.Notification{
		Name:    relay.NotifyStartNodeError,
		Payload: fields,
	})
}

// reattachAuthenticated runs after a successful wallet unlock: the node is
// about to bring its Lightning service up, so the unlocker session is torn
// down and the authenticated connect re-attempted. Sessions of the two kinds
// are never open at the same time.
func (c *Controller) reattachAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	p, ok := c.activeProfile, c.hasProfile
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.closeSessions()
	select {
	case <-time.After(c.quiescence):
	case <-ctx.Done():
	}

	log.Printf("[Controller] wallet unlocked, re-attempting authenticated connect")
	c.attemptConnect(ctx, p)
	return nil
}

// walletUnlocked queues the authenticated re-attempt behind any in-flight
// transition.
func (c *Controller) walletUnlocked(ctx context.Context) error {
	return c.submit(ctx, triggerRequest{kind: triggerWalletUnlocked, done: make(chan error, 1)})
}

// unlockObserver proxies the unlocker session and watches for a successful
// unlock result.
type unlockObserver struct {
	controller *Controller
	session    Session
}

func (o *unlockObserver) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	resp, err := o.session.Invoke(ctx, method, payload)
	if err == nil && isUnlockMethod(method) {
		// Must not block the relay dispatcher; the trigger loop serializes
		// the re-attempt with any in-flight transition.
		go func() {
			if rerr := o.controller.walletUnlocked(context.Background()); rerr != nil && !errors.Is(rerr, ErrTerminated) {
				log.Printf("[Controller] reconnect after unlock: %v", rerr)
			}
		}()
	}
	return resp, err
}

func isUnlockMethod(method string) bool {
	return method == "unlockWallet" || method == "initWallet"
}

func (c *Controller) rememberProfile(p profile.Profile) {
	c.mu.Lock()
	c.activeProfile = p
	c.hasProfile = true
	c.mu.Unlock()
}

func (c *Controller) installSession(channel string, session Session) {
	c.mu.Lock()
	c.sessions[channel] = session
	c.mu.Unlock()
}

func (c *Controller) closeSessions() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	for channel, session := range sessions {
		if err := session.Close(); err != nil {
			log.Printf("[Controller] close %s session: %v", channel, err)
		}
	}
}

func (c *Controller) persistProfile(ctx context.Context, p profile.Profile) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveActiveProfile(ctx, p); err != nil {
		log.Printf("[Controller] persist active profile: %v", err)
	}
}

func drainReady(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
