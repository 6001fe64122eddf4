package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// sendQueueSize bounds the per-socket outbound queue; overflow drops the
// message with a warning rather than blocking the publisher.
const sendQueueSize = 1024

// SnapshotFunc loads the current state of a channel path.
type SnapshotFunc func(ctx context.Context, param string) (any, error)

// AuthorizeFunc may deny a subscription before the snapshot is sent.
type AuthorizeFunc func(ctx context.Context, param string) error

// EventFunc handles a client event on a subscribed channel.
type EventFunc func(ctx context.Context, param string, data json.RawMessage) error

// Channel describes one member of the closed channel set.
type Channel struct {
	Name          string
	Parameterized bool
	Snapshot      SnapshotFunc
	Authorize     AuthorizeFunc
	OnEvent       EventFunc
	// Refcount hooks: OnFirstSubscribe fires when a path gains its first
	// subscriber, OnLastUnsubscribe when it loses its last.
	OnFirstSubscribe  func(ctx context.Context, param string)
	OnLastUnsubscribe func(param string)
}

// Bus is the channel registry plus the subscription table.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	subs     map[string]map[*socket]struct{} // resolved path -> subscribers
}

// New creates an empty bus; register channels before serving sockets.
func New() *Bus {
	return &Bus{
		channels: make(map[string]*Channel),
		subs:     make(map[string]map[*socket]struct{}),
	}
}

// Register adds a channel to the closed set. Must happen before any socket
// connects.
func (b *Bus) Register(ch *Channel) {
	b.mu.Lock()
	b.channels[ch.Name] = ch
	b.mu.Unlock()
}

// splitPath resolves "<name>" or "<name>/<param>" into its channel name and
// parameter.
func splitPath(path string) (name, param string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func resolvePath(name, param string) string {
	if param == "" {
		return name
	}
	return name + "/" + param
}

func (b *Bus) channel(name string) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[name]
	return ch, ok
}

// PublishDelta broadcasts a delta to every socket subscribed to the exact
// resolved path. Per-subscriber ordering follows publisher order; slow
// subscribers drop rather than block.
func (b *Bus) PublishDelta(channel, param string, data any) {
	b.publish(serverMessage{Type: "delta", Channel: resolvePath(channel, param), Data: data})
}

// PublishEvent broadcasts a server event on a channel path.
func (b *Bus) PublishEvent(channel, param string, data any) {
	b.publish(serverMessage{Type: "event", Channel: resolvePath(channel, param), Data: data})
}

func (b *Bus) publish(msg serverMessage) {
	b.mu.RLock()
	targets := make([]*socket, 0, len(b.subs[msg.Channel]))
	for s := range b.subs[msg.Channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

// SubscriberCount reports the number of sockets on a resolved path.
func (b *Bus) SubscriberCount(channel, param string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[resolvePath(channel, param)])
}

// subscribe loads the snapshot, then registers the subscription and enqueues
// the snapshot in one critical section so every later delta follows it.
func (b *Bus) subscribe(ctx context.Context, s *socket, path string) {
	name, param := splitPath(path)
	ch, ok := b.channel(name)
	if !ok || (ch.Parameterized && param == "") || (!ch.Parameterized && param != "") {
		s.enqueue(serverMessage{Type: "error", Channel: path, Error: "Unknown channel"})
		return
	}

	if ch.Authorize != nil {
		if err := ch.Authorize(ctx, param); err != nil {
			s.enqueue(serverMessage{Type: "error", Channel: path, Error: "Unauthorized"})
			return
		}
	}

	var snapshot any
	if ch.Snapshot != nil {
		var err error
		snapshot, err = ch.Snapshot(ctx, param)
		if err != nil {
			slog.Warn("Snapshot load failed", "channel", path, "error", err)
			s.enqueue(serverMessage{Type: "error", Channel: path, Error: "Snapshot unavailable"})
			return
		}
	}

	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	if _, already := s.paths[path]; already {
		b.mu.Unlock()
		s.enqueue(serverMessage{Type: "snapshot", Channel: path, Data: snapshot})
		return
	}
	first := len(b.subs[path]) == 0
	if b.subs[path] == nil {
		b.subs[path] = make(map[*socket]struct{})
	}
	b.subs[path][s] = struct{}{}
	s.paths[path] = struct{}{}
	s.enqueue(serverMessage{Type: "snapshot", Channel: path, Data: snapshot})
	b.mu.Unlock()

	if first && ch.OnFirstSubscribe != nil {
		ch.OnFirstSubscribe(ctx, param)
	}
}

func (b *Bus) unsubscribe(s *socket, path string) {
	name, param := splitPath(path)

	b.mu.Lock()
	if _, subscribed := s.paths[path]; !subscribed {
		b.mu.Unlock()
		return
	}
	delete(s.paths, path)
	delete(b.subs[path], s)
	last := len(b.subs[path]) == 0
	if last {
		delete(b.subs, path)
	}
	b.mu.Unlock()

	if !last {
		return
	}
	if ch, ok := b.channel(name); ok && ch.OnLastUnsubscribe != nil {
		ch.OnLastUnsubscribe(param)
	}
}

// dropSocket releases every subscription a closing socket holds, firing
// last-unsubscribe hooks as paths empty out.
func (b *Bus) dropSocket(s *socket) {
	b.mu.Lock()
	s.closed = true
	paths := make([]string, 0, len(s.paths))
	for path := range s.paths {
		paths = append(paths, path)
	}
	b.mu.Unlock()

	for _, path := range paths {
		b.unsubscribe(s, path)
	}
}

// dispatch routes one decoded client message.
func (b *Bus) dispatch(ctx context.Context, s *socket, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		b.subscribe(ctx, s, msg.Channel)
	case "unsubscribe":
		b.unsubscribe(s, msg.Channel)
	case "event":
		b.clientEvent(ctx, s, msg)
	case "ping":
		s.enqueue(serverMessage{Type: "pong"})
	default:
		// Unknown message types are ignored, like malformed JSON.
	}
}

func (b *Bus) clientEvent(ctx context.Context, s *socket, msg clientMessage) {
	b.mu.RLock()
	_, subscribed := s.paths[msg.Channel]
	b.mu.RUnlock()
	if !subscribed {
		s.enqueue(serverMessage{Type: "error", Channel: msg.Channel, Error: "Not subscribed"})
		return
	}

	name, param := splitPath(msg.Channel)
	ch, ok := b.channel(name)
	if !ok || ch.OnEvent == nil {
		s.enqueue(serverMessage{Type: "error", Channel: msg.Channel, Error: "Channel does not accept events"})
		return
	}
	if err := ch.OnEvent(ctx, param, msg.Data); err != nil {
		s.enqueue(serverMessage{Type: "error", Channel: msg.Channel, Error: fmt.Sprintf("Event rejected: %v", err)})
	}
}

// socket is one connected client: a bounded outbound queue plus its
// subscription set. paths is guarded by the bus lock.
type socket struct {
	send   chan serverMessage
	paths  map[string]struct{}
	closed bool
}

func newSocket() *socket {
	return &socket{
		send:  make(chan serverMessage, sendQueueSize),
		paths: make(map[string]struct{}),
	}
}

// enqueue never blocks; a full queue drops the message.
func (s *socket) enqueue(msg serverMessage) {
	select {
	case s.send <- msg:
	default:
		slog.Warn("Subscriber queue full, dropping message", "type", msg.Type, "channel", msg.Channel)
	}
}
