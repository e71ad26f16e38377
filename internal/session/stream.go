package session

import (
	"sync"
	"time"

	"github.com/dyike/CortexFlow/internal/models"
)

// Stream is one session's ordered progress feed: a bounded replay buffer
// plus live fan-out to subscribers. Publish is non-blocking; slow
// subscribers miss live events but can reconnect and replay by sequence.
type Stream struct {
	sessionID string
	capacity  int
	onDrop    func()

	mu       sync.Mutex
	buffer   []models.Event
	nextSeq  uint64
	subs     map[int]chan models.Event
	nextSub  int
	terminal bool
}

func newStream(sessionID string, capacity int, onDrop func()) *Stream {
	if capacity <= 0 {
		capacity = 512
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Stream{
		sessionID: sessionID,
		capacity:  capacity,
		onDrop:    onDrop,
		nextSeq:   1,
		subs:      map[int]chan models.Event{},
	}
}

// Publish appends one event with the next sequence number and fans it out.
// Events arriving after terminal are ignored.
func (s *Stream) Publish(kind models.EventKind, stage, node, status string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	ev := models.Event{
		SessionID:  s.sessionID,
		SequenceNo: s.nextSeq,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Stage:      stage,
		Node:       node,
		Status:     status,
		Payload:    payload,
	}
	s.nextSeq++
	s.append(ev)
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can replay on reconnect.
		}
	}
	if kind == models.EventTerminal {
		s.terminal = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
}

// append enforces the buffer bound: the oldest droppable event is evicted
// and summarized by a single dropped marker carrying its sequence number.
// Result and terminal events are never evicted.
func (s *Stream) append(ev models.Event) {
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) <= s.capacity {
		return
	}
	for i, old := range s.buffer {
		switch old.Kind {
		case models.EventResult, models.EventTerminal:
			continue
		case models.EventDropped:
			// Fold the next eviction into the existing marker.
			if i+1 < len(s.buffer) && droppable(s.buffer[i+1]) {
				old.Payload["dropped"] = old.Payload["dropped"].(int) + 1
				s.buffer[i] = old
				s.buffer = append(s.buffer[:i+1], s.buffer[i+2:]...)
				s.onDrop()
				return
			}
			continue
		default:
			marker := models.Event{
				SessionID:  s.sessionID,
				SequenceNo: old.SequenceNo,
				Timestamp:  time.Now().UTC(),
				Kind:       models.EventDropped,
				Payload:    map[string]any{"dropped": 1},
			}
			s.buffer[i] = marker
			s.onDrop()
			return
		}
	}
}

func droppable(ev models.Event) bool {
	switch ev.Kind {
	case models.EventResult, models.EventTerminal, models.EventDropped:
		return false
	}
	return true
}

// Subscribe returns a channel delivering buffered events with sequence
// greater than afterSeq followed by live events, closing after terminal.
// The cancel function detaches the subscriber.
func (s *Stream) Subscribe(afterSeq uint64) (<-chan models.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan models.Event, s.capacity+16)
	for _, ev := range s.buffer {
		if ev.SequenceNo > afterSeq {
			ch <- ev
		}
	}
	if s.terminal {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close is idempotent; it publishes a synthetic terminal if none was sent.
func (s *Stream) Close() {
	s.mu.Lock()
	closed := s.terminal
	s.mu.Unlock()
	if !closed {
		s.Publish(models.EventTerminal, "", "", "", map[string]any{"synthetic": true})
	}
}

// Events returns a copy of the buffered events, for result inspection.
func (s *Stream) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.buffer...)
}

// Hub tracks one stream per live session and reaps them after a retention
// window past terminal.
type Hub struct {
	mu        sync.Mutex
	streams   map[string]*Stream
	capacity  int
	retention time.Duration
	onDrop    func()
}

func NewHub(capacity int, retention time.Duration, onDrop func()) *Hub {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Hub{
		streams:   map[string]*Stream{},
		capacity:  capacity,
		retention: retention,
		onDrop:    onDrop,
	}
}

func (h *Hub) Create(sessionID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := newStream(sessionID, h.capacity, h.onDrop)
	h.streams[sessionID] = st
	return st
}

func (h *Hub) Get(sessionID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	return st, ok
}

// Release closes the stream and schedules its removal after the retention
// window, so late subscribers can still replay a finished session briefly.
func (h *Hub) Release(sessionID string) {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	st.Close()
	time.AfterFunc(h.retention, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.streams, sessionID)
	})
}
