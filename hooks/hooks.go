package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexussync/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Coordinated write events
	EventPreApply             EventType = "PreApply"
	EventPostApply            EventType = "PostApply"
	EventOnParticipantFailure EventType = "OnParticipantFailure"
	EventOnPartialCommit      EventType = "OnPartialCommit"

	// Change feed events
	EventOnSubscribe       EventType = "OnSubscribe"
	EventOnChangeDelivered EventType = "OnChangeDelivered"
	EventOnPollError       EventType = "OnPollError"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreApplyPayload is sent before any branch is started. Request points at
// the request about to be fanned out so listeners can inspect or amend it;
// returning an error cancels the write.
type PreApplyPayload struct {
	TxnID        string
	Participants []string
	Request      *core.ModificationRequest
}

// NewPreApplyEvent creates a new event for before a coordinated write.
func NewPreApplyEvent(payload PreApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPreApply, payload: payload}
}

// PostApplyPayload reports the outcome of a coordinated write.
type PostApplyPayload struct {
	TxnID      string
	Request    core.ModificationRequest
	Committed  []string
	RolledBack []string
	Duration   time.Duration
	Error      error
}

// NewPostApplyEvent creates a new event for after a coordinated write.
func NewPostApplyEvent(payload PostApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPostApply, payload: payload}
}

// ParticipantFailurePayload describes one failed phase call.
type ParticipantFailurePayload struct {
	TxnID       string
	Participant string
	Phase       string
	BranchID    string
	Error       error
}

// NewOnParticipantFailureEvent creates an event for a failed phase call.
func NewOnParticipantFailureEvent(payload ParticipantFailurePayload) HookEvent {
	return &BaseEvent{eventType: EventOnParticipantFailure, payload: payload}
}

// PartialCommitPayload lists who committed and who did not after a commit
// decision. It carries what an operator needs to reconcile by hand.
type PartialCommitPayload struct {
	TxnID     string
	Request   core.ModificationRequest
	Committed []string
	Failed    map[string]string // participant -> branch id
	Error     error
}

// NewOnPartialCommitEvent creates an event for a partially committed write.
func NewOnPartialCommitEvent(payload PartialCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventOnPartialCommit, payload: payload}
}

// SubscribePayload is sent each time a change feed issues a subscription.
type SubscribePayload struct {
	Source string
	Mode   string
	Token  []byte
}

// NewOnSubscribeEvent creates an event for a new change-feed subscription.
func NewOnSubscribeEvent(payload SubscribePayload) HookEvent {
	return &BaseEvent{eventType: EventOnSubscribe, payload: payload}
}

// ChangeDeliveredPayload carries one change handed to the caller.
type ChangeDeliveredPayload struct {
	Source string
	Record *core.Record
	Token  []byte
}

// NewOnChangeDeliveredEvent creates an event for a delivered change.
func NewOnChangeDeliveredEvent(payload ChangeDeliveredPayload) HookEvent {
	return &BaseEvent{eventType: EventOnChangeDelivered, payload: payload}
}

// PollErrorPayload carries a swallowed poll error.
type PollErrorPayload struct {
	Source string
	Error  error
}

// NewOnPollErrorEvent creates an event for a swallowed poll error.
func NewOnPollErrorEvent(payload PollErrorPayload) HookEvent {
	return &BaseEvent{eventType: EventOnPollError, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreApply) can cancel the operation.
	// Errors from other hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for heap management.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority > item.priority,
	// so listeners with equal priority keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Nop is a HookManager that drops every event.
type Nop struct{}

func (Nop) Register(EventType, HookListener)         {}
func (Nop) Trigger(context.Context, HookEvent) error { return nil }
func (Nop) Stop()                                    {}
