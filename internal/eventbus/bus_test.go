package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/photonpay/photond/internal/eventbus"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicNodeSync)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicNodeSync,
		Source:  eventbus.SourceSupervisor,
		Payload: eventbus.NodeSyncEvent{Phase: eventbus.SyncWaiting},
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.NodeSyncEvent)
		if !ok {
			t.Fatalf("expected NodeSyncEvent payload, got %T", env.Payload)
		}
		if msg.Phase != eventbus.SyncWaiting {
			t.Fatalf("expected waiting phase, got %q", msg.Phase)
		}
		if env.Source != eventbus.SourceSupervisor {
			t.Fatalf("unexpected source %q", env.Source)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	metrics := bus.Metrics()
	if metrics.PublishTotal != 1 {
		t.Fatalf("expected PublishTotal 1, got %d", metrics.PublishTotal)
	}
}

func TestBusOrderingPerTopic(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicNodeHeight)
	defer sub.Close()

	ctx := context.Background()
	for i := uint32(1); i <= 5; i++ {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:   eventbus.TopicNodeHeight,
			Source:  eventbus.SourceSupervisor,
			Payload: eventbus.NodeHeightEvent{Kind: eventbus.HeightLocal, Height: i},
		})
	}

	for want := uint32(1); want <= 5; want++ {
		select {
		case env := <-sub.C():
			got := env.Payload.(eventbus.NodeHeightEvent).Height
			if got != want {
				t.Fatalf("out of order delivery: got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ordered events")
		}
	}
}

func TestBusDropOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicBuffer(eventbus.TopicNodeHeight, 1))
	sub := bus.Subscribe(eventbus.TopicNodeHeight, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicNodeHeight,
		Source:  eventbus.SourceSupervisor,
		Payload: eventbus.NodeHeightEvent{Kind: eventbus.HeightLocal, Height: 1},
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicNodeHeight,
		Source:  eventbus.SourceSupervisor,
		Payload: eventbus.NodeHeightEvent{Kind: eventbus.HeightLocal, Height: 2},
	})

	select {
	case env := <-sub.C():
		got := env.Payload.(eventbus.NodeHeightEvent).Height
		if got != 2 {
			t.Fatalf("expected height 2 after drop-oldest, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after drops")
	}

	if bus.Metrics().DroppedTotal == 0 {
		t.Fatal("expected dropped events to be recorded")
	}
}

func TestBusDropNewestPolicy(t *testing.T) {
	bus := eventbus.New(
		eventbus.WithTopicBuffer(eventbus.TopicCommandInbound, 1),
		eventbus.WithTopicPolicy(eventbus.TopicCommandInbound, eventbus.DeliveryPolicy{
			Strategy: eventbus.StrategyDropNewest,
		}),
	)
	sub := bus.Subscribe(eventbus.TopicCommandInbound, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicCommandInbound,
		Payload: eventbus.CommandEvent{Channel: "lightning", Method: "getInfo"},
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicCommandInbound,
		Payload: eventbus.CommandEvent{Channel: "lightning", Method: "dropped"},
	})

	select {
	case env := <-sub.C():
		got := env.Payload.(eventbus.CommandEvent).Method
		if got != "getInfo" {
			t.Fatalf("drop-newest should keep the first event, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNilBusIsInert(t *testing.T) {
	var bus *eventbus.Bus

	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicNodeSync})
	sub := bus.Subscribe(eventbus.TopicNodeSync)
	if _, ok := <-sub.C(); ok {
		t.Fatal("nil bus subscription channel should be closed")
	}
	sub.Close()
	bus.Shutdown()
}

func TestSubscriptionClosedOnShutdown(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicNodeExit)

	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
}
