package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), DefaultEventBusConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var got *ProgressEvent
	done := make(chan struct{})

	bus.Subscribe(EventTypeProgress, func(e Event) error {
		mu.Lock()
		got, _ = e.(*ProgressEvent)
		mu.Unlock()
		close(done)
		return nil
	})

	bus.Publish(NewProgressEvent("run-1", types.BacktestProgress{RunID: "run-1", Status: "running", Progress: 0.5}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.RunID != "run-1" {
		t.Fatalf("got = %+v, want progress event for run-1", got)
	}
}

func TestSubscribeAllReceivesEveryEventType(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), DefaultEventBusConfig())
	defer bus.Stop()

	var count int
	var mu sync.Mutex
	bus.SubscribeAll(func(e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	bus.PublishSync(NewProgressEvent("run-1", types.BacktestProgress{}))
	bus.PublishSync(NewTradeEvent("run-1", &types.Trade{}))

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), DefaultEventBusConfig())
	defer bus.Stop()

	var count int
	sub := bus.Subscribe(EventTypeProgress, func(e Event) error {
		count++
		return nil
	}, SubscriptionOptions{Async: false})

	bus.PublishSync(NewProgressEvent("run-1", types.BacktestProgress{}))
	bus.Unsubscribe(sub)
	bus.PublishSync(NewProgressEvent("run-1", types.BacktestProgress{}))

	if count != 1 {
		t.Errorf("count = %d, want 1 (delivery after unsubscribe)", count)
	}
}
