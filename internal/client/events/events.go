package events

import (
	"sync"
	"time"
)

// EventType identifies a step in a client run.
type EventType int

const (
	EventConnecting EventType = iota
	EventConnected
	EventStatusChecked
	EventAuthenticated
	EventAuthRejected
	EventCommandSent
	EventDisconnected
	EventError
	EventLog
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventStatusChecked:
		return "status_checked"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthRejected:
		return "auth_rejected"
	case EventCommandSent:
		return "command_sent"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// Event is a single published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ConnectedData accompanies EventConnected.
type ConnectedData struct {
	ServerAddr string
	Latency    time.Duration
}

// StatusData accompanies EventStatusChecked.
type StatusData struct {
	Version string
	Status  string
}

// AuthData accompanies EventAuthenticated and EventAuthRejected.
type AuthData struct {
	SessionID string
}

// CommandData accompanies EventCommandSent.
type CommandData struct {
	Payload interface{}
}

// ErrorData accompanies EventError.
type ErrorData struct {
	Error   error
	Context string
}

// LogData accompanies EventLog.
type LogData struct {
	Level   string // "info", "warn", "error"
	Message string
}

// Bus is a fan-out pub/sub bus. Slow subscribers lose events rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
	closed      bool
}

const defaultBufferSize = 64

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return NewBusWithBuffer(defaultBufferSize)
}

// NewBusWithBuffer creates a bus with a custom per-subscriber buffer.
func NewBusWithBuffer(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving every event published after the call.
// A closed bus hands out an already closed channel.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			close(sub)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber with room in its buffer.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishType publishes an event that carries no data.
func (b *Bus) PublishType(eventType EventType) {
	b.Publish(Event{Type: eventType})
}

// PublishError publishes an EventError.
func (b *Bus) PublishError(err error, context string) {
	b.Publish(Event{Type: EventError, Data: ErrorData{Error: err, Context: context}})
}

// PublishLog publishes an EventLog.
func (b *Bus) PublishLog(level, message string) {
	b.Publish(Event{Type: EventLog, Data: LogData{Level: level, Message: message}})
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
