// Package events is a worker-pool pub/sub bus with event types for
// backtest progress, trades, and run completion or failure. No other
// package in this module imports it: the runners report progress
// through their WithProgress callback, and the API's WebSocket hub
// relays that callback's snapshots directly.
package events

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/utss/backtester/pkg/types"
)

// EventType discriminates the handful of event shapes a backtest run
// publishes.
type EventType string

const (
	EventTypeProgress    EventType = "progress"
	EventTypeTrade       EventType = "trade"
	EventTypeRunComplete EventType = "run_complete"
	EventTypeRunError    EventType = "run_error"
)

// Event is the common interface every published value satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent carries the fields every Event shares.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// ProgressEvent reports a backtest run's in-flight status.
type ProgressEvent struct {
	BaseEvent
	RunID    string                 `json:"runId"`
	Progress types.BacktestProgress `json:"progress"`
}

// NewProgressEvent wraps a progress snapshot for publication.
func NewProgressEvent(runID string, progress types.BacktestProgress) *ProgressEvent {
	return &ProgressEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeProgress, Timestamp: time.Now()},
		RunID:     runID,
		Progress:  progress,
	}
}

// TradeEvent reports a trade the executor just closed or opened.
type TradeEvent struct {
	BaseEvent
	RunID string       `json:"runId"`
	Trade *types.Trade `json:"trade"`
}

// NewTradeEvent wraps a trade for publication.
func NewTradeEvent(runID string, trade *types.Trade) *TradeEvent {
	return &TradeEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeTrade, Timestamp: time.Now()},
		RunID:     runID,
		Trade:     trade,
	}
}

// RunCompleteEvent reports a finished run's final result summary.
type RunCompleteEvent struct {
	BaseEvent
	RunID  string               `json:"runId"`
	Result *types.BacktestResult `json:"result"`
}

// NewRunCompleteEvent wraps a finished run's result for publication.
func NewRunCompleteEvent(runID string, result *types.BacktestResult) *RunCompleteEvent {
	return &RunCompleteEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeRunComplete, Timestamp: time.Now()},
		RunID:     runID,
		Result:    result,
	}
}

// RunErrorEvent reports a run that failed before completion.
type RunErrorEvent struct {
	BaseEvent
	RunID string `json:"runId"`
	Error string `json:"error"`
}

// NewRunErrorEvent wraps a run failure for publication.
func NewRunErrorEvent(runID string, err error) *RunErrorEvent {
	return &RunErrorEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeRunError, Timestamp: time.Now()},
		RunID:     runID,
		Error:     err.Error(),
	}
}

// EventHandler processes one event. A returned error is logged, not
// propagated -- handlers run detached from the publisher.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a subscription.
type EventFilter func(event Event) bool

// SubscriptionOptions configures how a subscription's handler runs.
type SubscriptionOptions struct {
	Filter     EventFilter
	Async      bool
	BufferSize int
}

// Subscription is a live registration returned by Subscribe/SubscribeAll.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

func (s *Subscription) IsActive() bool { return s.active.Load() }

// EventBusStats summarizes the bus's processing history.
type EventBusStats struct {
	EventsPublished   int64         `json:"eventsPublished"`
	EventsProcessed   int64         `json:"eventsProcessed"`
	EventsDropped     int64         `json:"eventsDropped"`
	ProcessingErrors  int64         `json:"processingErrors"`
	AvgLatencyNs      int64         `json:"avgLatencyNs"`
	MaxLatencyNs      int64         `json:"maxLatencyNs"`
	P99Latency        time.Duration `json:"p99Latency"`
	ActiveSubscribers int64         `json:"activeSubscribers"`
}

// EventBusConfig configures an EventBus's worker pool and buffering.
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults for a single
// backtest server process (not the 100K+ events/sec live-trading
// scale the worker pool was originally sized for).
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{NumWorkers: 4, BufferSize: 1000}
}

// EventBus fans published events out to subscribers via a fixed
// worker pool so a slow WebSocket client can never block the
// publisher (Runner.Run).
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus starts config.NumWorkers goroutines draining a
// config.BufferSize-deep event channel.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		latencies:   make([]int64, 0, 1000),
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("event bus started", zap.Int("workers", config.NumWorkers), zap.Int("bufferSize", config.BufferSize))
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}
	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go eb.executeHandler(sub, event)
	} else {
		eb.executeHandler(sub, event)
	}
}

func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscriptionId", sub.ID),
			zap.String("eventType", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 1000 {
		eb.latencies = eb.latencies[500:]
	}

	if currentMax := eb.maxLatency.Load(); latencyNs > currentMax {
		eb.maxLatency.Store(latencyNs)
	}
	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	return "sub_" + strconv.FormatInt(subscriptionCounter.Add(1), 10)
}

var eventCounter atomic.Int64

func generateEventID() string {
	return "evt_" + strconv.FormatInt(eventCounter.Add(1), 10)
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 100}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler, Options: options}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 100}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates sub; already-queued events may still reach it.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish enqueues event for async processing, dropping it if the
// buffer is full rather than blocking the caller.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("eventType", string(event.GetType())))
	}
}

// PublishSync processes event on the caller's goroutine, skipping the
// channel entirely. Used by tests and by callers that must know
// subscribers have run before returning.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// Stats returns a snapshot of the bus's counters.
func (eb *EventBus) Stats() EventBusStats {
	p99 := eb.p99LatencyNs()
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99Latency:        time.Duration(p99),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

func (eb *EventBus) p99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop cancels the worker pool and waits up to 5s for its workers to
// exit. Events still queued when the workers exit are not processed.
func (eb *EventBus) Stop() {
	eb.logger.Info("stopping event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus stopped",
			zap.Int64("eventsProcessed", eb.eventsProcessed.Load()),
			zap.Int64("eventsDropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus stop timed out")
	}
}
