package controller

import (
	"context"
	"fmt"
	"log"

	"github.com/photonpay/photond/internal/eventbus"
	"github.com/photonpay/photond/internal/relay"
)

// consumeNodeEvents wires the supervisor and RPC push streams to boundary
// notifications. Handlers are safe in any coordinator state: events
// addressed to a state the coordinator already left are logged and
// otherwise ignored.
func (c *Controller) consumeNodeEvents(ctx context.Context) {
	subs := map[eventbus.Topic]func(eventbus.Envelope){
		eventbus.TopicNodeSync:          c.onNodeSync,
		eventbus.TopicNodeHeight:        c.onNodeHeight,
		eventbus.TopicNodeUnlockerReady: c.onUnlockerReady,
		eventbus.TopicNodeExit:          c.onNodeExit,
		eventbus.TopicRPCPush:           c.onRPCPush,
	}

	for topic, handler := range subs {
		sub := c.bus.Subscribe(topic,
			eventbus.WithSubscriptionName("controller"),
			eventbus.WithContext(ctx),
		)
		c.subs.Add(sub)
		c.wg.Add(1)
		go eventbus.Consume(ctx, sub, &c.wg, handler)
	}
}

func (c *Controller) onNodeSync(env eventbus.Envelope) {
	ev, ok := env.Payload.(eventbus.NodeSyncEvent)
	if !ok {
		return
	}
	c.notifier.Notify(relay.Notification{
		Name:    relay.NotifySyncStatus,
		Payload: string(ev.Phase),
	})
}

func (c *Controller) onNodeHeight(env eventbus.Envelope) {
	ev, ok := env.Payload.(eventbus.NodeHeightEvent)
	if !ok {
		return
	}

	var name string
	switch ev.Kind {
	case eventbus.HeightRemote:
		name = relay.NotifyCurrentBlockHeight
	case eventbus.HeightLocal:
		name = relay.NotifyNodeBlockHeight
	case eventbus.HeightCFilter:
		name = relay.NotifyCfilterBlockHeight
	default:
		return
	}
	c.notifier.Notify(relay.Notification{Name: name, Payload: ev.Height})
}

func (c *Controller) onUnlockerReady(env eventbus.Envelope) {
	select {
	case c.readyCh <- struct{}{}:
	default:
	}
}

// onNodeExit distinguishes exits the coordinator asked for from node
// crashes. A crash while the node is supposed to be active is fatal: the
// boundary gets a diagnostic and the coordinator force-terminates.
func (c *Controller) onNodeExit(env eventbus.Envelope) {
	ev, ok := env.Payload.(eventbus.NodeExitEvent)
	if !ok {
		return
	}

	if c.expectedExit.Load() {
		log.Printf("[Controller] node exited after requested shutdown (code %d)", ev.Code)
		return
	}

	state := c.State()
	if state != StateRunning && state != StateConnected {
		// Late exit signal for a node the coordinator already moved away
		// from; the resources are torn down, nothing left to do.
		log.Printf("[Controller] ignoring node exit in state %s", state)
		return
	}

	detail := fmt.Sprintf("node exited unexpectedly (code %d", ev.Code)
	if ev.Signal != "" {
		detail += ", signal " + ev.Signal
	}
	detail += ")"
	if ev.LastError != "" {
		detail += ": " + ev.LastError
	}

	log.Printf("[Controller] %s", detail)
	c.notifier.Notify(relay.Notification{
		Name:  relay.NotifyStartNodeError,
		Error: detail,
	})

	// Terminate from the event path must not block the consumer; the
	// trigger loop serializes it with any in-flight transition.
	go func() {
		if err := c.Terminate(context.Background()); err != nil {
			log.Printf("[Controller] forced terminate: %v", err)
		}
	}()
}

func (c *Controller) onRPCPush(env eventbus.Envelope) {
	ev, ok := env.Payload.(eventbus.RPCPushEvent)
	if !ok {
		return
	}
	c.notifier.Notify(relay.Notification{
		Name:    ev.Method,
		Payload: ev.Payload,
	})
}
