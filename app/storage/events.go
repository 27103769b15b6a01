package storage

import (
	"time"

	log "github.com/go-pkgz/lgr"
)

// EventType is a storage notification name
type EventType string

// storage notifications
const (
	EventInitialized EventType = "storage:initialized"
	EventSaved       EventType = "storage:saved"
	EventLoaded      EventType = "storage:loaded"
	EventCleared     EventType = "storage:cleared"
	EventClearedAll  EventType = "storage:cleared:all"
	EventMigrated    EventType = "storage:migrated"
	EventError       EventType = "storage:error"
)

// Event is a notification emitted by Storage. Operation and Err are set for EventError only.
type Event struct {
	Type      EventType
	Operation string
	Err       error
	At        time.Time
}

// Handler receives storage events. Called synchronously from the storage operation,
// so it should return fast.
type Handler interface {
	Handle(ev Event)
}

// HandlerFunc is an adapter to use ordinary function as Handler
type HandlerFunc func(ev Event)

// Handle calls f(ev)
func (f HandlerFunc) Handle(ev Event) { f(ev) }

// Handlers fans out events to all handlers in order
type Handlers []Handler

// Handle passes event to every non-nil handler
func (hs Handlers) Handle(ev Event) {
	for _, h := range hs {
		if h != nil {
			h.Handle(ev)
		}
	}
}

// LogHandler logs events with lgr
type LogHandler struct{}

// Handle logs the event, errors on warn level
func (LogHandler) Handle(ev Event) {
	if ev.Type == EventError {
		log.Printf("[WARN] %s, operation %s: %v", ev.Type, ev.Operation, ev.Err)
		return
	}
	log.Printf("[DEBUG] %s", ev.Type)
}
