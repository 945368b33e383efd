package apply

import (
	"fmt"
	"strings"
)

// Kind classifies an apply failure.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindRecordNotFound     Kind = "RECORD_NOT_FOUND"
	KindAlreadyResolved    Kind = "ALREADY_RESOLVED"
	KindCancelled          Kind = "CANCELLED"
	KindSurfaceUnavailable Kind = "SURFACE_UNAVAILABLE"
	KindAnchorNotFound     Kind = "ANCHOR_NOT_FOUND"
	KindAnchorAmbiguous    Kind = "ANCHOR_AMBIGUOUS"
	KindConflictElsewhere  Kind = "CONFLICT_ELSEWHERE"
	KindConflictInTarget   Kind = "CONFLICT_IN_TARGET"
	KindEmptyReplacement   Kind = "EMPTY_REPLACEMENT"
	KindMutationFailed     Kind = "MUTATION_FAILED"
	KindVerificationFailed Kind = "VERIFICATION_FAILED"
	KindInconsistent       Kind = "DOCUMENT_INCONSISTENT"
	KindStoreUpdateFailed  Kind = "STORE_UPDATE_FAILED"
	// KindLocked is reported by callers that serialize applies per document.
	KindLocked Kind = "LOCKED"
)

// Error is the structured failure returned by Apply. Details carries
// offsets and expected/actual lengths for external logging.
type Error struct {
	Kind      Kind
	RequestID string
	Message   string
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [%s]", e.RequestID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the document may have been left inconsistent.
func (e *Error) Fatal() bool {
	return e.Kind == KindInconsistent
}

func newError(kind Kind, requestID, message string, err error) *Error {
	return &Error{Kind: kind, RequestID: requestID, Message: message, Details: map[string]any{}, Err: err}
}

func (e *Error) with(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// userMessages are the reviewer-facing explanations per kind.
var userMessages = map[Kind]string{
	KindAnchorNotFound:    "The quoted text could not be found in the document. Re-issue the request on the current text.",
	KindAnchorAmbiguous:   "The quoted text appears several times and the surrounding context does not identify one. Quote a longer snippet.",
	KindConflictElsewhere: "The document was modified in a different area while the change was being prepared. Review and apply again.",
	KindConflictInTarget:  "The exact area you are editing was modified. Review the new text before applying.",
	KindEmptyReplacement:  "The proposed replacement is empty.",
	KindInconsistent:      "The document may be inconsistent. Review it manually against the archived snapshot.",
	KindLocked:            "Another change is being applied to this document. Try again shortly.",
}

// UserMessage returns the reviewer-facing message for kind, or "".
func UserMessage(kind Kind) string {
	return userMessages[kind]
}
