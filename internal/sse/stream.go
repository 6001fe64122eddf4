// Package sse serves agent auth status over Server-Sent Events with
// replayable event ids.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// ringSize bounds retained history; older events are overwritten and can no
// longer be replayed.
const ringSize = 256

// Event is one entry in the stream. IDs are monotonically increasing and
// never reused within a process.
type Event struct {
	ID   uint64 `json:"id"`
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Stream is a bounded ring of events plus the set of live subscribers.
type Stream struct {
	mu     sync.Mutex
	ring   [ringSize]Event
	nextID uint64
	count  int

	subscribers map[chan Event]struct{}
}

// NewStream creates an empty event stream.
func NewStream() *Stream {
	return &Stream{subscribers: make(map[chan Event]struct{})}
}

// Publish appends an event and fans it out to live subscribers. Slow
// subscribers miss events and recover via Last-Event-ID replay.
func (s *Stream) Publish(name string, data any) uint64 {
	s.mu.Lock()
	s.nextID++
	ev := Event{ID: s.nextID, Name: name, Data: data}
	s.ring[int(s.nextID-1)%ringSize] = ev
	if s.count < ringSize {
		s.count++
	}
	subs := make([]chan Event, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev.ID
}

// since returns retained events with id > afterID, oldest first.
func (s *Stream) since(afterID uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, s.count)
	start := s.nextID - uint64(s.count) + 1
	for id := start; id <= s.nextID; id++ {
		if id > afterID {
			out = append(out, s.ring[int(id-1)%ringSize])
		}
	}
	return out
}

func (s *Stream) subscribe() chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Stream) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// Handler serves text/event-stream: missed events replay first when the
// client provides Last-Event-ID, then the connection live-tails.
func (s *Stream) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var afterID uint64
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			if id, err := strconv.ParseUint(last, 10, 64); err == nil {
				afterID = id
			}
		}

		// Subscribe before replaying so nothing published in between is
		// lost; duplicates across the boundary are filtered by id.
		live := s.subscribe()
		defer s.unsubscribe(live)

		lastSent := afterID
		for _, ev := range s.since(afterID) {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastSent = ev.ID
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-live:
				if ev.ID <= lastSent {
					continue
				}
				if err := writeEvent(w, ev); err != nil {
					return
				}
				lastSent = ev.ID
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Error("SSE event encoding failed", "event", ev.Name, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, data)
	return err
}
