// Package events publishes apply outcomes to the message bus.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an event; it becomes the last token of the subject.
type Type string

const (
	TypeApplied      Type = "request.applied"
	TypeBlocked      Type = "request.blocked"
	TypeFailed       Type = "request.failed"
	TypeRejected     Type = "request.rejected"
	TypeProposed     Type = "request.proposed"
	TypeReconcile    Type = "request.reconcile"
	TypeInconsistent Type = "document.inconsistent"
)

// Event is the payload published for every terminal apply result.
type Event struct {
	Type       Type           `json:"type"`
	DocumentID string         `json:"documentId"`
	RequestID  string         `json:"requestId"`
	Kind       string         `json:"kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	CommitHash string         `json:"commitHash,omitempty"`
	ArchiveKey string         `json:"archiveKey,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher sends events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() {}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
