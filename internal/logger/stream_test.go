package logger

import (
	"fmt"
	"sync"
	"testing"
)

type captureHub struct {
	mu       sync.Mutex
	msgTypes []string
	payloads []any
}

func (c *captureHub) Broadcast(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgTypes = append(c.msgTypes, msgType)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureHub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgTypes)
}

func TestStreamSinkParsesEntries(t *testing.T) {
	sink := newStreamSink(4)

	line := `{"time":"2026-01-02T15:04:05Z","level":"info","component":"store","message":"tree saved","itemID":7}` + "\n"
	n, err := sink.Write([]byte(line))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(line) {
		t.Errorf("Write() n = %d, want %d", n, len(line))
	}

	got := sink.recent()
	if len(got) != 1 {
		t.Fatalf("recent() len = %d, want 1", len(got))
	}
	entry := got[0]
	if entry.Timestamp != "2026-01-02T15:04:05Z" {
		t.Errorf("timestamp = %q", entry.Timestamp)
	}
	if entry.Level != "info" || entry.Component != "store" || entry.Message != "tree saved" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["itemID"] != float64(7) {
		t.Errorf("fields = %v, want itemID 7", entry.Fields)
	}
}

func TestStreamSinkKeepsNewestOldestFirst(t *testing.T) {
	sink := newStreamSink(3)
	for i := 1; i <= 5; i++ {
		if _, err := sink.Write([]byte(fmt.Sprintf(`{"level":"info","message":"m%d"}`, i))); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	got := sink.recent()
	if len(got) != 3 {
		t.Fatalf("recent() len = %d, want 3", len(got))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if got[i].Message != want {
			t.Errorf("recent()[%d].Message = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestStreamSinkForwardsToHubOnceAttached(t *testing.T) {
	sink := newStreamSink(4)

	if _, err := sink.Write([]byte(`{"level":"info","message":"before hub"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	hub := &captureHub{}
	sink.setHub(hub)
	if hub.count() != 0 {
		t.Fatalf("hub received %d messages before any post-attach write", hub.count())
	}

	if _, err := sink.Write([]byte(`{"level":"warn","message":"after hub"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if hub.count() != 1 {
		t.Fatalf("hub received %d messages, want 1", hub.count())
	}
	if hub.msgTypes[0] != "log.entry" {
		t.Errorf("message type = %q, want %q", hub.msgTypes[0], "log.entry")
	}

	// Both entries stay in the buffer regardless of hub attachment.
	if got := len(sink.recent()); got != 2 {
		t.Errorf("recent() len = %d, want 2", got)
	}
}

func TestStreamSinkIgnoresMalformedLines(t *testing.T) {
	sink := newStreamSink(2)

	n, err := sink.Write([]byte("plain text, not json"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len("plain text, not json") {
		t.Errorf("Write() n = %d, want full length", n)
	}
	if got := len(sink.recent()); got != 0 {
		t.Errorf("recent() len = %d, want 0", got)
	}
}
