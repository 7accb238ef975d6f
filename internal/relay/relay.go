// Package relay moves messages between the presentation boundary and the
// node RPC sessions: inbound commands are dispatched to the matching active
// session, outbound notifications are pushed to whichever boundary is
// attached. Both directions degrade to a logged drop rather than an error
// when the counterpart is absent.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/photonpay/photond/internal/eventbus"
)

// DefaultInvokeTimeout bounds a single relayed RPC.
const DefaultInvokeTimeout = 30 * time.Second

// Invoker is the slice of an RPC session the relay needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// SessionRegistry resolves a command channel to the currently active
// session. Returns nil when no session serves the channel, which is the
// normal state outside the connected and onboarding phases.
type SessionRegistry interface {
	Active(channel string) Invoker
}

// Options configures a Relay.
type Options struct {
	Bus           *eventbus.Bus
	Registry      SessionRegistry
	InvokeTimeout time.Duration
}

// Relay dispatches boundary commands and fans out notifications.
type Relay struct {
	bus           *eventbus.Bus
	registry      SessionRegistry
	invokeTimeout time.Duration

	mu   sync.Mutex
	sink Sink

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a relay. Run must be called to start dispatching.
func New(opts Options) *Relay {
	timeout := opts.InvokeTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &Relay{
		bus:           opts.Bus,
		registry:      opts.Registry,
		invokeTimeout: timeout,
	}
}

// AttachSink connects a presentation boundary. A nil sink detaches,
// returning the relay to log-and-discard delivery.
func (r *Relay) AttachSink(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// Notify pushes one notification to the attached boundary. When no boundary
// is attached, or the send fails, the notification is logged and discarded:
// boundary availability never blocks the lifecycle.
func (r *Relay) Notify(n Notification) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		log.Printf("[Relay] no boundary attached, dropping %s", n.Name)
		return
	}
	if err := sink.Send(n); err != nil {
		log.Printf("[Relay] boundary send failed, dropping %s: %v", n.Name, err)
	}
}

// Run starts consuming inbound commands from the bus. It returns
// immediately; Shutdown stops the dispatch loop.
func (r *Relay) Run(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	sub := r.bus.Subscribe(eventbus.TopicCommandInbound,
		eventbus.WithSubscriptionName("relay"),
		eventbus.WithContext(ctx),
	)

	r.wg.Add(1)
	go eventbus.Consume(ctx, sub, &r.wg, func(env eventbus.Envelope) {
		cmd, ok := env.Payload.(eventbus.CommandEvent)
		if !ok {
			return
		}
		r.dispatch(ctx, cmd, env.CorrelationID)
	})
}

// Shutdown stops the dispatch loop and waits for in-flight commands.
func (r *Relay) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Relay) dispatch(ctx context.Context, cmd eventbus.CommandEvent, correlationID string) {
	session := r.registry.Active(cmd.Channel)
	if session == nil {
		// Commands raced against a state transition land here; the boundary
		// learns the new state from lifecycle notifications instead.
		log.Printf("[Relay] no active session for channel %q, dropping %s", cmd.Channel, cmd.Method)
		return
	}

	invokeCtx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()

	resp, err := session.Invoke(invokeCtx, cmd.Method, cmd.Payload)
	if err != nil {
		log.Printf("[Relay] %s/%s failed: %v", cmd.Channel, cmd.Method, err)
		r.Notify(Notification{
			Name:          cmd.Method,
			CorrelationID: correlationID,
			Error:         err.Error(),
		})
		return
	}

	r.Notify(Notification{
		Name:          cmd.Method,
		CorrelationID: correlationID,
		Payload:       resp,
	})
}
