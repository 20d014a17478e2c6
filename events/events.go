package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the delivery queue cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates nobody listens for the event.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Process lifecycle event types.
const (
	ProcessCreated      = "process_created"
	ProcessUpdated      = "process_updated"
	StateChanged        = "state_changed"
	TransitionForced    = "transition_forced"
	CascadeLimitReached = "cascade_limit_reached"
	ProcessOrphaned     = "process_orphaned"
	ProcessDeleted      = "process_deleted"
	SweepCompleted      = "sweep_completed"
)

// AllTypes matches every event type when passed to Subscribe.
const AllTypes = "*"

// Event is a notification about a process.
type Event struct {
	ID         string
	Type       string
	ProcessID  string
	WorkflowID string
	Time       time.Time
	Data       map[string]interface{}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is the subset of the bus used by components that only emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Filter narrows a subscription beyond its event type.
type Filter func(Event) bool

// ForWorkflow only admits events about processes of the given workflow.
func ForWorkflow(workflowID string) Filter {
	return func(ev Event) bool { return ev.WorkflowID == workflowID }
}

// Subscription is a registered handler. Cancel removes it from the bus.
type Subscription struct {
	id        uint64
	eventType string
	handler   EventHandler
	filters   []Filter
	bus       *EventBus
}

// Cancel detaches the subscription. It reports whether the subscription was
// still active.
func (s *Subscription) Cancel() bool {
	return s.bus.remove(s)
}

func (s *Subscription) admits(ev Event) bool {
	if s.eventType != AllTypes && s.eventType != ev.Type {
		return false
	}
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// EventBus fans process events out to subscribers. Publish queues events for
// a single dispatch goroutine, so subscribers observe them in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	closed bool

	queue      chan Event
	onError    func(event Event, err error)
	logger     *slog.Logger
	syncBudget time.Duration
	done       sync.WaitGroup
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the delivery queue length.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default handler-error logging.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if l != nil {
			eb.logger = l
		}
	}
}

// WithSyncTimeout bounds PublishSync when the caller's context has no deadline.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncBudget = d
		}
	}
}

// NewEventBus starts a bus with a queue of 100 events and logged handler errors.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:      make(chan Event, 100),
		logger:     slog.Default(),
		syncBudget: 5 * time.Second,
	}
	for _, option := range options {
		option(eb)
	}
	if eb.onError == nil {
		eb.onError = eb.logError
	}

	eb.done.Add(1)
	go eb.dispatch()
	return eb
}

// Subscribe registers handler for eventType, or for every type when eventType
// is AllTypes. All filters must admit an event for it to be delivered.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler, filters ...Filter) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	sub := &Subscription{
		id:        eb.nextID,
		eventType: eventType,
		handler:   handler,
		filters:   filters,
		bus:       eb,
	}
	eb.subs = append(eb.subs, sub)
	return sub
}

// SubscribeFunc subscribes a function to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error, filters ...Filter) *Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(fn), filters...)
}

// SubscribeAll subscribes handler to every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler, filters ...Filter) *Subscription {
	return eb.Subscribe(AllTypes, handler, filters...)
}

func (eb *EventBus) remove(target *Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == target.id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return true
		}
	}
	return false
}

// HasSubscribers reports whether any subscription listens for eventType,
// ignoring filters.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, s := range eb.subs {
		if s.eventType == AllTypes || s.eventType == eventType {
			return true
		}
	}
	return false
}

func (eb *EventBus) matching(ev Event) []*Subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []*Subscription
	for _, s := range eb.subs {
		if s.admits(ev) {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues an event for asynchronous delivery and fills in a missing ID
// and Time. It never blocks: a full queue yields ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.listening(event.Type) {
		return ErrNoHandler
	}

	stamp(&event)
	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// listening is HasSubscribers for callers already holding mu.
func (eb *EventBus) listening(eventType string) bool {
	for _, s := range eb.subs {
		if s.eventType == AllTypes || s.eventType == eventType {
			return true
		}
	}
	return false
}

// PublishSync delivers an event to every matching subscriber before returning
// and joins their errors. Panicking handlers are reported as errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	stamp(&event)
	subs := eb.matching(event)
	if len(subs) == 0 {
		return ErrNoHandler
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eb.syncBudget)
		defer cancel()
	}
	return errors.Join(deliver(ctx, subs, event)...)
}

// Stop closes the bus and waits until queued events have been delivered.
// Calling Stop more than once is harmless.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()

	eb.done.Wait()
}

func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
}

func (eb *EventBus) dispatch() {
	defer eb.done.Done()

	for event := range eb.queue {
		for _, err := range deliver(context.Background(), eb.matching(event), event) {
			eb.onError(event, err)
		}
	}
}

// deliver runs the subscribers concurrently and waits for all of them.
func deliver(ctx context.Context, subs []*Subscription, event Event) []error {
	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("event handler panic: %v", r)
				}
			}()
			errs[i] = h.Handle(ctx, event)
		}(i, s.handler)
	}
	wg.Wait()

	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		"event", event.Type, "event_id", event.ID, "process_id", event.ProcessID, "error", err)
}
