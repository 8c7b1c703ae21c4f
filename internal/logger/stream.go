package logger

import (
	"encoding/json"
	"sync"
)

const defaultStreamBuffer = 500

// Broadcaster pushes a typed payload to connected websocket clients.
// The ops hub satisfies it.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// LogEntry is one parsed log line as served to ops clients.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// streamSink is an io.Writer sitting behind zerolog. It keeps the last N
// entries in a ring for the logs endpoint and forwards each entry to the
// websocket hub once one is attached. Entries logged before the hub exists
// are only buffered.
type streamSink struct {
	mu      sync.RWMutex
	hub     Broadcaster
	entries []LogEntry
	next    int
	filled  bool
}

func newStreamSink(capacity int) *streamSink {
	if capacity <= 0 {
		capacity = defaultStreamBuffer
	}
	return &streamSink{entries: make([]LogEntry, capacity)}
}

// Write receives one JSON-encoded zerolog line per call. Malformed lines are
// counted as written and dropped; the log stream is best effort.
func (s *streamSink) Write(p []byte) (int, error) {
	entry, err := parseEntry(p)
	if err != nil {
		return len(p), nil
	}

	s.mu.Lock()
	s.entries[s.next] = entry
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.filled = true
	}
	hub := s.hub
	s.mu.Unlock()

	if hub != nil {
		_ = hub.Broadcast("log.entry", entry)
	}
	return len(p), nil
}

func (s *streamSink) setHub(hub Broadcaster) {
	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
}

// recent returns the buffered entries, oldest first.
func (s *streamSink) recent() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filled {
		out := make([]LogEntry, s.next)
		copy(out, s.entries[:s.next])
		return out
	}
	out := make([]LogEntry, 0, len(s.entries))
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

func parseEntry(data []byte) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, err
	}

	entry := LogEntry{}
	if ts, ok := raw["time"].(string); ok {
		entry.Timestamp = ts
		delete(raw, "time")
	}
	if level, ok := raw["level"].(string); ok {
		entry.Level = level
		delete(raw, "level")
	}
	if component, ok := raw["component"].(string); ok {
		entry.Component = component
		delete(raw, "component")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, nil
}
