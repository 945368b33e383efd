package store

import "time"

// Outcome is one row of the append-only apply log.
type Outcome struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"requestId"`
	DocumentID string    `json:"documentId"`
	Decision   string    `json:"decision"`
	Outcome    string    `json:"outcome"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Warnings   []string  `json:"warnings"`
	CommitHash string    `json:"commitHash,omitempty"`
	ArchiveKey string    `json:"archiveKey,omitempty"`
	DecidedBy  string    `json:"decidedBy"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// OutcomeFilter narrows ListOutcomes. Empty fields match everything.
type OutcomeFilter struct {
	DocumentID string
	RequestID  string
	Outcome    string
	Limit      int
}
