package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub fans run events out to the renderer, the history recorder and any
// other listener. Delivery never blocks the publisher: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Hub struct {
	mu     sync.RWMutex
	byType map[EventType][]chan Event
	all    []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{byType: make(map[EventType][]chan Event)}
}

// Publish delivers e to subscribers of its type and to catch-all
// subscribers. A nil hub discards the event.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)
	h.offer(h.byType[e.Type], e)
	h.offer(h.all, e)
}

func (h *Hub) offer(chans []chan Event, e Event) {
	for _, ch := range chans {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered channel receiving the given event types, or
// every event when no type is named. Slow readers lose events.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.all = append(h.all, ch)
		return ch
	}
	for _, t := range types {
		h.byType[t] = append(h.byType[t], ch)
	}
	return ch
}

// Unsubscribe detaches ch from every event type. It does not close ch.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all = without(h.all, ch)
	for t, chans := range h.byType {
		h.byType[t] = without(chans, ch)
	}
}

// Stats reports how many events were published and how many deliveries
// were dropped.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func without(chans []chan Event, target <-chan Event) []chan Event {
	kept := chans[:0:0]
	for _, ch := range chans {
		if ch != target {
			kept = append(kept, ch)
		}
	}
	return kept
}

// EmitState publishes a driver state transition.
func (h *Hub) EmitState(from, to string, err error) {
	data := StateData{From: from, To: to}
	if err != nil {
		data.Error = err.Error()
	}
	h.Publish(Event{Type: EventSessionState, Source: "driver", Data: data})
}

// EmitProgress publishes a progress fraction update.
func (h *Hub) EmitProgress(fraction float64) {
	h.Publish(Event{Type: EventProgress, Source: "messaging", Data: ProgressData{Fraction: fraction}})
}

// EmitInfo publishes a status text update.
func (h *Hub) EmitInfo(text string) {
	h.Publish(Event{Type: EventInfo, Source: "messaging", Data: ProgressData{Text: text}})
}

// EmitResult publishes a result payload received from the unit.
func (h *Hub) EmitResult(message string) {
	h.Publish(Event{Type: EventResult, Source: "messaging", Data: ResultData{Message: message}})
}

// EmitFinished publishes the unit's terminal event.
func (h *Hub) EmitFinished(code int, message string) {
	h.Publish(Event{Type: EventFinished, Source: "monitor", Data: FinishedData{ReturnCode: code, Message: message}})
}
