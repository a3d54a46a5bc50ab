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

	"github.com/INLOpen/replaystore/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Record Lifecycle Events
	EventPreSetRecord  EventType = "PreSetRecord"
	EventPostSetRecord EventType = "PostSetRecord"
	EventPostGetReplay EventType = "PostGetReplay"

	// Store Lifecycle Events
	EventPreBootstrap  EventType = "PreBootstrap"
	EventPostBootstrap EventType = "PostBootstrap"
	EventPreCloseStore EventType = "PreCloseStore"

	// Engine Internal Events
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALRecovery EventType = "PostWALRecovery"

	// Cache Events
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"
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

// PreSetRecordPayload contains the data for a PreSetRecord event.
// Fields are pointers so listeners can rewrite the record before it is
// validated and stored.
type PreSetRecordPayload struct {
	ReplayID  *string
	Kind      *core.DataType
	Value     *any
	Timestamp *time.Time
}

// NewPreSetRecordEvent creates a new event for before a record is stored.
func NewPreSetRecordEvent(payload PreSetRecordPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreSetRecord,
		payload:   payload,
	}
}

// PostSetRecordPayload contains the data for a PostSetRecord event.
type PostSetRecordPayload struct {
	ReplayID  string
	Kind      core.DataType
	Timestamp time.Time
	Seq       uint64
	Size      int   // Encoded value size in bytes.
	Error     error // The final error state of the Set operation.
}

// NewPostSetRecordEvent creates a new event for after a record is stored.
func NewPostSetRecordEvent(payload PostSetRecordPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostSetRecord,
		payload:   payload,
	}
}

// PostGetReplayPayload describes a completed aggregate read.
type PostGetReplayPayload struct {
	ReplayID     string
	HasInit      bool
	EventCount   int
	PayloadCount int
	FromCache    bool
	Duration     time.Duration
	Error        error
}

// NewPostGetReplayEvent creates a new event for after an aggregate is read.
func NewPostGetReplayEvent(payload PostGetReplayPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostGetReplay,
		payload:   payload,
	}
}

// BootstrapPayload contains information about store bootstrap.
type BootstrapPayload struct {
	Backend  string
	Duration time.Duration
}

// NewPreBootstrapEvent creates an event for before the engine schema is prepared.
func NewPreBootstrapEvent(payload BootstrapPayload) HookEvent {
	return &BaseEvent{eventType: EventPreBootstrap, payload: payload}
}

// NewPostBootstrapEvent creates an event for after the engine schema is ready.
func NewPostBootstrapEvent(payload BootstrapPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBootstrap, payload: payload}
}

// CloseStorePayload identifies the store being closed.
type CloseStorePayload struct {
	Backend string
}

// NewPreCloseStoreEvent creates an event for before a store is closed.
func NewPreCloseStoreEvent(payload CloseStorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseStore, payload: payload}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// NewPostWALRotateEvent creates an event for after the WAL has been rotated to a new segment.
func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	RecoveredEntriesCount int
	DuplicateEntriesCount int
	Duration              time.Duration
}

// NewPostWALRecoveryEvent creates an event for after WAL recovery is complete.
func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// CachePayload contains information for cache-related events.
type CachePayload struct {
	Key string
}

// NewOnCacheHitEvent creates an event for a cache hit.
func NewOnCacheHitEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: payload}
}

// NewOnCacheMissEvent creates an event for a cache miss.
func NewOnCacheMissEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: payload}
}

// NewOnCacheEvictionEvent creates an event for a cache eviction.
func NewOnCacheEvictionEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreSetRecord) cancels the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority pairs a listener with the priority it registered with.
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
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
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

	// Get the existing slice of listeners for this event type.
	l := m.listeners[eventType]

	// Insert after every listener with the same or lower priority so that
	// equal priorities fire in registration order.
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
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			// --- Synchronous Execution ---
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				// For synchronous Post-hooks, we just log the error and continue.
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			// --- Asynchronous Execution --- (Only for Post-hooks that return IsAsync() == true)
			m.wg.Add(1)
			// Pass item as an argument to the closure to capture its current value.
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
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
