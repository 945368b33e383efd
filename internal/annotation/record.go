// Package annotation holds the out-of-band request record (a comment thread
// anchored to document text) and the client that persists its lifecycle.
package annotation

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of an edit request.
type State string

const (
	StateUnprocessed   State = "UNPROCESSED"
	StateProcessing    State = "PROCESSING"
	StatePendingReview State = "PENDING_REVIEW"
	StateAccepted      State = "ACCEPTED"
	StateRejected      State = "REJECTED"
	StateInvalid       State = "INVALID"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateUnprocessed, StateProcessing, StatePendingReview, StateAccepted, StateRejected, StateInvalid:
		return true
	default:
		return false
	}
}

type Action string

const (
	ActionNone    Action = ""
	ActionResolve Action = "resolve"
	ActionReopen  Action = "reopen"
)

type Reply struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Action    Action    `json:"action,omitempty"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record is an edit request anchored to a quoted snippet. Replies are in
// insertion order, most recent last.
type Record struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	Content       string    `json:"content"`
	QuotedText    string    `json:"quotedText"`
	QuotedContext string    `json:"quotedContext,omitempty"`
	AnchorHint    string    `json:"anchorHint,omitempty"`
	Resolved      bool      `json:"resolved"`
	State         State     `json:"state,omitempty"`
	Replies       []Reply   `json:"replies"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LatestReply returns the most recent reply, if any.
func (r Record) LatestReply() (Reply, bool) {
	if len(r.Replies) == 0 {
		return Reply{}, false
	}
	return r.Replies[len(r.Replies)-1], true
}

// Patch is a partial update; nil fields are left untouched. Resolution is
// not patchable: it only changes through a resolve or reopen reply.
type Patch struct {
	Content *string
	State   *State
}

type ReplyInput struct {
	Content string
	Action  Action
	Author  string
}

// NewRecord is the input for creating a request.
type NewRecord struct {
	DocumentID    string
	Content       string
	QuotedText    string
	QuotedContext string
	AnchorHint    string
	Author        string
}

var ErrNotFound = errors.New("annotation record not found")

// ErrResolved is returned when an update would silently reopen a resolved
// record.
var ErrResolved = errors.New("annotation record already resolved")

// Store is the annotation service. Update and CreateReply echo what the
// store actually applied.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, id string, patch Patch) (Record, error)
	ListForDocument(ctx context.Context, documentID string) ([]Record, error)
	CreateReply(ctx context.Context, id string, reply ReplyInput) (Reply, error)
}
