// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (registry, bridge, pool,
// OAuth lifecycle, scheduler) to subscribers such as the /v1/events
// stream. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceDiscovery identifies events from tool discovery.
	SourceDiscovery = "discovery"
	// SourceExecution identifies events from tool execution.
	SourceExecution = "execution"
	// SourceBridge identifies events from the stdio process manager.
	SourceBridge = "bridge"
	// SourcePool identifies events from the network connection pool.
	SourcePool = "pool"
	// SourceOAuth identifies events from the OAuth credential lifecycle.
	SourceOAuth = "oauth"
	// SourceScheduler identifies events from the refresh scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindToolsDiscovered signals a successful downstream tools/list.
	// Data: configuration_id, tools.
	KindToolsDiscovered = "tools_discovered"
	// KindDiscoveryFailed signals a failed downstream tools/list.
	// Data: configuration_id, error.
	KindDiscoveryFailed = "discovery_failed"

	// KindToolCall signals the start of a tool execution.
	// Data: configuration_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: configuration_id, tool, status, latency_ms.
	KindToolDone = "tool_done"

	// KindProcessSpawned signals a new stdio subprocess.
	// Data: configuration_id, owner, pid.
	KindProcessSpawned = "process_spawned"
	// KindProcessReleased signals a stdio subprocess was stopped.
	// Data: configuration_id, owner.
	KindProcessReleased = "process_released"

	// KindConnectionOpened signals a new pooled network connection.
	// Data: configuration_id, transport.
	KindConnectionOpened = "connection_opened"
	// KindConnectionClosed signals a pooled connection was closed.
	// Data: configuration_id, reason.
	KindConnectionClosed = "connection_closed"

	// KindAuthorized signals a completed authorization code exchange.
	// Data: configuration_id, status.
	KindAuthorized = "authorized"
	// KindRefreshed signals a successful token refresh.
	// Data: configuration_id, expires_at.
	KindRefreshed = "refreshed"
	// KindRefreshFailed signals a failed token refresh.
	// Data: configuration_id, error.
	KindRefreshFailed = "refresh_failed"
	// KindDisconnected signals credentials were revoked and cleared.
	// Data: configuration_id, revoked.
	KindDisconnected = "disconnected"

	// KindJobFired signals a scheduled job has begun executing.
	// Data: job_id.
	KindJobFired = "job_fired"
	// KindJobComplete signals a scheduled job has finished executing.
	// Data: job_id, ok, attempts, duration_ms.
	KindJobComplete = "job_complete"
)

// Event represents a single operational event published by a component.
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
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 suits the event stream
// endpoint.
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

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
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
