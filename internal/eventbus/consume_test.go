package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/photonpay/photond/internal/eventbus"
)

func TestConsumeForwardsUntilClose(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicNodeSync)

	received := make(chan eventbus.Envelope, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go eventbus.Consume(context.Background(), sub, &wg, func(env eventbus.Envelope) {
		received <- env
	})

	bus.Publish(context.Background(), eventbus.Envelope{
		Topic:   eventbus.TopicNodeSync,
		Source:  eventbus.SourceSupervisor,
		Payload: eventbus.NodeSyncEvent{Phase: eventbus.SyncWaiting},
	})

	select {
	case env := <-received:
		if env.Payload.(eventbus.NodeSyncEvent).Phase != eventbus.SyncWaiting {
			t.Fatal("unexpected envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consumed envelope")
	}

	sub.Close()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after subscription close")
	}
}

func TestSubscriptionGroupCloseAll(t *testing.T) {
	bus := eventbus.New()
	subA := bus.Subscribe(eventbus.TopicNodeSync)
	subB := bus.Subscribe(eventbus.TopicNodeHeight)

	var group eventbus.SubscriptionGroup
	group.Add(subA, nil, subB)
	group.CloseAll()

	for _, sub := range []*eventbus.Subscription{subA, subB} {
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Fatal("expected closed subscription channel")
			}
		case <-time.After(time.Second):
			t.Fatal("subscription channel not closed")
		}
	}

	// A cleared group and a nil group are both inert.
	group.CloseAll()
	var nilGroup *eventbus.SubscriptionGroup
	nilGroup.Add(subA)
	nilGroup.CloseAll()
}
