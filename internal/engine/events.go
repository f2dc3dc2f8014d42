package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listingflow/backend/internal/logging"
	"listingflow/backend/pkg/models"
)

// EventKind identifies what happened to an execution.
type EventKind string

const (
	EventCompleted      EventKind = "execution.completed"
	EventFailed         EventKind = "execution.failed"
	EventRetryScheduled EventKind = "execution.retry_scheduled"
	EventCancelled      EventKind = "execution.cancelled"
)

// Event is emitted after a state transition has been persisted. Execution is
// a snapshot taken right after the write.
type Event struct {
	Kind       EventKind
	Execution  *models.WorkflowExecution
	Err        error
	OccurredAt time.Time
}

// Handler consumes an event. Returned errors are logged and counted; they
// never affect the execution's state.
type Handler func(ctx context.Context, event Event) error

type subscriber struct {
	name    string
	filter  func(Event) bool
	handler Handler
}

// EventBus fans execution events out to independent subscribers, each in
// its own goroutine.
type EventBus struct {
	logger  *logging.Logger
	timeout time.Duration

	mu          sync.RWMutex
	subscribers map[EventKind][]subscriber
	onFailure   func(kind EventKind, name string)

	wg sync.WaitGroup
}

// NewEventBus creates a bus; each delivery gets its own context bounded by timeout.
func NewEventBus(logger *logging.Logger, timeout time.Duration) *EventBus {
	if logger == nil {
		logger = logging.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EventBus{
		logger:      logger.With("component", "event-bus"),
		timeout:     timeout,
		subscribers: make(map[EventKind][]subscriber),
	}
}

// Subscribe registers a named handler for one event kind.
func (b *EventBus) Subscribe(kind EventKind, name string, handler Handler) {
	b.subscribe(kind, subscriber{name: name, handler: handler})
}

// OnCompleted registers a post-completion hook. A non-empty workflowType
// restricts the hook to executions of that type.
func (b *EventBus) OnCompleted(workflowType models.WorkflowType, name string, handler Handler) {
	b.subscribe(EventCompleted, subscriber{name: name, handler: handler, filter: byType(workflowType)})
}

// OnFailed registers a handler for terminal failures.
func (b *EventBus) OnFailed(name string, handler Handler) {
	b.Subscribe(EventFailed, name, handler)
}

// OnRetryScheduled registers a handler for retries entering backoff.
func (b *EventBus) OnRetryScheduled(name string, handler Handler) {
	b.Subscribe(EventRetryScheduled, name, handler)
}

// OnCancelled registers a handler for cancellations.
func (b *EventBus) OnCancelled(name string, handler Handler) {
	b.Subscribe(EventCancelled, name, handler)
}

// Publish delivers the event to every matching subscriber asynchronously.
func (b *EventBus) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers[event.Kind]))
	copy(subs, b.subscribers[event.Kind])
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		b.wg.Add(1)
		go b.deliver(sub, event)
	}
}

// Wait blocks until every in-flight delivery has returned.
func (b *EventBus) Wait() {
	b.wg.Wait()
}

func (b *EventBus) setFailureHook(fn func(kind EventKind, name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

func (b *EventBus) subscribe(kind EventKind, sub subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], sub)
}

func (b *EventBus) deliver(sub subscriber, event Event) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("subscriber panicked: %v", r)
			}
		}()
		return sub.handler(ctx, event)
	}()
	if err == nil {
		return
	}

	b.logger.Error("event subscriber failed",
		"subscriber", sub.name,
		"event", string(event.Kind),
		"execution_id", event.Execution.ID,
		"error", err,
	)
	b.mu.RLock()
	onFailure := b.onFailure
	b.mu.RUnlock()
	if onFailure != nil {
		onFailure(event.Kind, sub.name)
	}
}

func byType(workflowType models.WorkflowType) func(Event) bool {
	if workflowType == "" {
		return nil
	}
	return func(e Event) bool { return e.Execution.WorkflowType == workflowType }
}
