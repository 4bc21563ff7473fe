package realtime

import (
	"bytes"
	"encoding/json"
	"sync"
)

// TypeRaw marks frames that were not a JSON object
const TypeRaw = "raw"

// Message is one inbound frame. JSON objects keep their full encoding in
// Data; anything else arrives with Type "raw" and the text in Raw.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

// Decode unmarshals the frame into v
func (m Message) Decode(v any) error {
	if m.Type == TypeRaw && len(m.Data) == 0 {
		return json.Unmarshal([]byte(m.Raw), v)
	}
	return json.Unmarshal(m.Data, v)
}

func decode(data []byte) Message {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			return Message{Type: probe.Type, Data: append(json.RawMessage(nil), trimmed...)}
		}
	}
	return Message{Type: TypeRaw, Raw: string(data)}
}

type entry[T any] struct {
	id int
	fn T
}

// handlers is an ordered set of callbacks
type handlers[T any] struct {
	mu      sync.RWMutex
	next    int
	entries []entry[T]
}

func (h *handlers[T]) add(fn T) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.entries = append(h.entries, entry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

func (h *handlers[T]) list() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fns := make([]T, len(h.entries))
	for i, e := range h.entries {
		fns[i] = e.fn
	}
	return fns
}
