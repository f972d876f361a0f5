// Package events carries the engine's state notifications to the
// presentation layer. The reconcile loop publishes the running-state
// vector, the connectivity reporter publishes the broker connection
// flag, and WebSocket clients subscribe. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceReconcile identifies events from the reconciliation loop.
	SourceReconcile = "reconcile"
	// SourceConnectivity identifies events from the broker connectivity reporter.
	SourceConnectivity = "connectivity"
	// SourceRegistry identifies events from trigger list edits.
	SourceRegistry = "registry"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunningStates carries the ordered is-running flags after a tick.
	// Data: states ([]bool), ids ([]string).
	KindRunningStates = "running_states"
	// KindConnectionState carries the broker connectivity flag.
	// Data: connected (bool).
	KindConnectionState = "connection_state"
	// KindTransition signals a single trigger edge.
	// Data: id, name, running (bool), topic.
	KindTransition = "transition"
	// KindDependencyChanged signals a watched dependency going up or
	// down. Data: service, ready (bool), error (on down).
	KindDependencyChanged = "dependency_changed"
	// KindTriggersChanged signals an add, remove or update of a trigger.
	// Data: op, id.
	KindTriggersChanged = "triggers_changed"
)

// Event represents a single notification published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. The most recent event of each kind is retained
// so late subscribers can render current state immediately.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
	last       map[string]Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		last:       make(map[string]Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is set to now. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[e.Kind] = e
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Last returns the most recent event of the given kind.
func (b *Bus) Last(kind string) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.last[kind]
	return e, ok
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 16 is plenty for WebSocket
// consumers at one state event per second.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
