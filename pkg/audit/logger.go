// Package audit emits structured operational events for the record pipeline.
// These are diagnostics for operators (partial writes, conflicts), not the
// tamper-evidence records themselves.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventWrite    EventType = "WRITE"
	EventPartial  EventType = "PARTIAL_WRITE"
	EventConflict EventType = "CONFLICT"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(tenantID string, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stderr.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stderr)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &logger{writer: w}
}

func (l *logger) Record(tenantID string, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if tenantID == "" {
		tenantID = "system"
	}

	event := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop discards all events. Useful when the caller supplies no sink.
type Nop struct{}

func (Nop) Record(string, EventType, string, string, map[string]interface{}) error { return nil }
